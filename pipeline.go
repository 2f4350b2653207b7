package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"labtrack/models"
	"labtrack/pkg/labs"

	"gorm.io/gorm"
)

// errNotPending is returned when extraction is triggered on an upload that is
// not awaiting it (double trigger, or already reviewed/terminal).
var errNotPending = errors.New("upload is not awaiting extraction")

// errConfirmConflict is returned when the upload left review between the
// handler's status check and the confirm transaction (concurrent cancel).
var errConfirmConflict = errors.New("upload left review during confirmation")

// errorMessageLimit matches the error_message column size on pending_uploads.
const errorMessageLimit = 512

// clipError bounds an error message to the column size so the revert UPDATE
// can never itself fail on an oversized value (pdftoppm stderr can run long).
func clipError(err error) string {
	msg := err.Error()
	if len(msg) <= errorMessageLimit {
		return msg
	}
	cut := errorMessageLimit - 3
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}

// pageExtractor is the vision capability the orchestrator depends on.
type pageExtractor interface {
	ExtractPage(ctx context.Context, pagePNG []byte) (labs.PageResult, error)
}

// visionClient and renderPages are package-level so tests can substitute the
// external capabilities.
var (
	visionClient pageExtractor
	renderPages  = labs.RenderPages
)

// duplicateError carries the identity of the conflicting prior record so the
// client can offer "view existing" instead of a retry.
type duplicateError struct {
	Kind        string // "confirmed" or "in_progress"
	ReportID    uint
	SampleDate  string
	UploadToken string
}

func (e *duplicateError) Error() string {
	if e.Kind == "confirmed" {
		return "duplicate file: already confirmed into an existing report"
	}
	return "duplicate file: an upload with identical content is already in progress"
}

// checkDuplicate applies the two-source duplicate guard for a profile and
// content fingerprint. Before accepting a new upload it also clears stale
// terminal rows with the same fingerprint so a retry is not blocked by a
// zombie record.
func checkDuplicate(profileID uint, hash string) error {
	var pf models.ProcessedFile
	err := db.Where("profile_id = ? AND content_hash = ?", profileID, hash).First(&pf).Error
	switch {
	case err == nil:
		dup := &duplicateError{Kind: "confirmed"}
		if pf.ReportID != nil {
			var rep models.Report
			if err := db.First(&rep, *pf.ReportID).Error; err == nil {
				dup.ReportID = rep.ID
				dup.SampleDate = rep.SampleDate
			}
		}
		return dup
	case !errors.Is(err, gorm.ErrRecordNotFound):
		// a failed query must not pass as "no duplicate found"
		return fmt.Errorf("processed file lookup: %w", err)
	}

	terminal := []models.UploadStatus{models.StatusConfirmed, models.StatusRejected}
	var active models.PendingUpload
	err = db.Where("profile_id = ? AND content_hash = ? AND status NOT IN ?", profileID, hash, terminal).
		First(&active).Error
	switch {
	case err == nil:
		return &duplicateError{Kind: "in_progress", UploadToken: active.Token}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("pending upload lookup: %w", err)
	}

	// defensive cleanup of abandoned prior attempts with the same content
	if err := db.Where("profile_id = ? AND content_hash = ? AND status IN ?", profileID, hash, terminal).
		Delete(&models.PendingUpload{}).Error; err != nil {
		log.Printf("stale upload cleanup failed for profile %d: %v", profileID, err)
	}
	return nil
}

// runExtraction drives one upload through rasterize -> per-page vision ->
// merge -> alias normalization. The pending->extracting transition doubles as
// an optimistic single-writer lock, and the terminal write re-checks the row
// is still extracting so a cancel that raced the extraction wins.
func runExtraction(ctx context.Context, upload *models.PendingUpload) error {
	res := db.Model(&models.PendingUpload{}).
		Where("id = ? AND status = ?", upload.ID, models.StatusPending).
		Updates(map[string]any{"status": models.StatusExtracting, "error_message": ""})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w (upload %s)", errNotPending, upload.Token)
	}

	doc, err := extractDocument(ctx, upload)
	if err != nil {
		// revert to pending with the failure recorded; extract can be
		// retried without re-uploading
		if uerr := db.Model(&models.PendingUpload{}).
			Where("id = ? AND status = ?", upload.ID, models.StatusExtracting).
			Updates(map[string]any{"status": models.StatusPending, "error_message": clipError(err)}).Error; uerr != nil {
			log.Printf("upload %s: failed to record extraction error: %v", upload.Token, uerr)
		}
		return err
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode extracted data: %w", err)
	}
	res = db.Model(&models.PendingUpload{}).
		Where("id = ? AND status = ?", upload.ID, models.StatusExtracting).
		Updates(map[string]any{
			"status":         models.StatusReview,
			"extracted_data": string(payload),
			"sample_date":    doc.SampleDate,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		log.Printf("upload %s left extracting during the run; dropping late extraction result", upload.Token)
	}
	return nil
}

// extractDocument runs the page loop. A page whose model call or JSON fails
// is logged and skipped; only zero merged tests fails the whole document.
func extractDocument(ctx context.Context, upload *models.PendingUpload) (*labs.Document, error) {
	data, err := uploadLocator(upload).Fetch()
	if err != nil {
		return nil, fmt.Errorf("fetch stored file: %w", err)
	}
	pages, err := renderPages(ctx, data, labs.DefaultDPI)
	if err != nil {
		return nil, err
	}

	results := make([]labs.PageResult, 0, len(pages))
	for i, png := range pages {
		// pages run strictly in order: later pages overwrite earlier
		// same-named tests and the first non-null sample date wins
		pr, err := visionClient.ExtractPage(ctx, png)
		if err != nil {
			log.Printf("upload %s: page %d/%d extraction failed, skipping: %v", upload.Token, i+1, len(pages), err)
			continue
		}
		results = append(results, pr)
	}

	date, merged := labs.MergePages(results)
	if len(merged) == 0 {
		return nil, labs.ErrNoTests
	}
	metrics := labs.NormalizeNames(labs.Flatten(merged), loadAliasMap(upload.ProfileID))
	return &labs.Document{SampleDate: date, Metrics: metrics}, nil
}

// loadAliasMap returns the profile's alias table keyed by lowercase alias.
// A profile with no aliases yields an empty map, never an error.
func loadAliasMap(profileID uint) map[string]string {
	var rows []models.MetricAlias
	if err := db.Where("profile_id = ?", profileID).Find(&rows).Error; err != nil {
		log.Printf("alias lookup failed for profile %d: %v", profileID, err)
		return nil
	}
	m := make(map[string]string, len(rows))
	for _, r := range rows {
		m[strings.ToLower(r.Alias)] = r.CanonicalName
	}
	return m
}

// confirmUpload applies the confirm steps in one transaction so a failure
// leaves the upload in review with nothing partially committed.
func confirmUpload(upload *models.PendingUpload, sampleDate string, metrics []labs.Metric) (reportID uint, inserted, updated int, err error) {
	err = db.Transaction(func(tx *gorm.DB) error {
		var rep models.Report
		if err := tx.Where("profile_id = ? AND sample_date = ?", upload.ProfileID, sampleDate).First(&rep).Error; err != nil {
			rep = models.Report{
				ProfileID:  upload.ProfileID,
				SampleDate: sampleDate,
				FileName:   upload.FileName,
				Source:     "pdf",
			}
			if err := tx.Create(&rep).Error; err != nil {
				return fmt.Errorf("create report: %w", err)
			}
		}
		reportID = rep.ID

		for _, m := range metrics {
			flag := labs.ComputeFlag(m.Value, m.RefLow, m.RefHigh)
			var existing models.Metric
			if err := tx.Where("report_id = ? AND name = ?", rep.ID, m.Name).First(&existing).Error; err == nil {
				existing.Value = m.Value
				existing.Flag = flag
				// never erase a previously known unit or range with a blank one
				if m.Unit != nil {
					existing.Unit = m.Unit
				}
				if m.RefLow != nil {
					existing.RefLow = m.RefLow
				}
				if m.RefHigh != nil {
					existing.RefHigh = m.RefHigh
				}
				if err := tx.Save(&existing).Error; err != nil {
					return fmt.Errorf("update metric %q: %w", m.Name, err)
				}
				updated++
			} else {
				row := models.Metric{
					ReportID: rep.ID,
					Name:     m.Name,
					Value:    m.Value,
					Unit:     m.Unit,
					RefLow:   m.RefLow,
					RefHigh:  m.RefHigh,
					Flag:     flag,
				}
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("insert metric %q: %w", m.Name, err)
				}
				inserted++
			}
			if err := upsertMetricDefinition(tx, upload.ProfileID, m); err != nil {
				return err
			}
		}

		// dedup ledger entry; idempotent
		var pf models.ProcessedFile
		if err := tx.Where("profile_id = ? AND content_hash = ?", upload.ProfileID, upload.ContentHash).First(&pf).Error; err != nil {
			rid := rep.ID
			pf = models.ProcessedFile{
				ProfileID:   upload.ProfileID,
				FileName:    upload.FileName,
				ContentHash: upload.ContentHash,
				ReportID:    &rid,
			}
			if err := tx.Create(&pf).Error; err != nil && !isUniqueConstraintError(err) {
				return fmt.Errorf("record processed file: %w", err)
			}
		}

		res := tx.Model(&models.PendingUpload{}).
			Where("id = ? AND status = ?", upload.ID, models.StatusReview).
			Update("status", models.StatusConfirmed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w (upload %s)", errConfirmConflict, upload.Token)
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}
	return reportID, inserted, updated, nil
}

// upsertMetricDefinition keeps the per-profile reference knowledge current
// with the same non-destructive merge rule as metrics.
func upsertMetricDefinition(tx *gorm.DB, profileID uint, m labs.Metric) error {
	var def models.MetricDefinition
	if err := tx.Where("profile_id = ? AND name = ?", profileID, m.Name).First(&def).Error; err == nil {
		changed := false
		if m.Unit != nil {
			def.Unit = m.Unit
			changed = true
		}
		if m.RefLow != nil {
			def.RefLow = m.RefLow
			changed = true
		}
		if m.RefHigh != nil {
			def.RefHigh = m.RefHigh
			changed = true
		}
		if !changed {
			return nil
		}
		if err := tx.Save(&def).Error; err != nil {
			return fmt.Errorf("update metric definition %q: %w", m.Name, err)
		}
		return nil
	}
	def = models.MetricDefinition{
		ProfileID: profileID,
		Name:      m.Name,
		Unit:      m.Unit,
		RefLow:    m.RefLow,
		RefHigh:   m.RefHigh,
	}
	if err := tx.Create(&def).Error; err != nil && !isUniqueConstraintError(err) {
		return fmt.Errorf("create metric definition %q: %w", m.Name, err)
	}
	return nil
}
