package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"labtrack/models"
	"labtrack/pkg/labs"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// maxUploadBytes caps accepted documents; lab PDFs run larger than photos.
const maxUploadBytes = 15 * 1024 * 1024

// uploadFileHandler accepts a multipart PDF for a profile, applies the
// duplicate guard and creates the pending upload record.
func uploadFileHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	profileIDStr := c.PostForm("profile_id")
	if profileIDStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "profile_id missing"})
		return
	}
	profileID, err := strconv.ParseUint(profileIDStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile_id"})
		return
	}
	profile, ok := profileForUser(user.ID, uint(profileID))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file missing"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file too large (max 15MB)"})
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file unreadable"})
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file unreadable"})
		return
	}
	// sniff the real content type; the multipart header is client-supplied
	if mt := mimetype.Detect(data); !mt.Is("application/pdf") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only PDF documents are accepted, got " + mt.String()})
		return
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if err := checkDuplicate(profile.ID, hash); err != nil {
		var dup *duplicateError
		if errors.As(err, &dup) {
			body := gin.H{"error": dup.Error(), "kind": dup.Kind}
			if dup.Kind == "confirmed" {
				body["reportId"] = dup.ReportID
				body["sampleDate"] = dup.SampleDate
			} else {
				body["uploadId"] = dup.UploadToken
			}
			c.JSON(http.StatusConflict, body)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "duplicate check failed"})
		return
	}

	loc, err := storeUploadBytes(profile.ID, fileHeader.Filename, data)
	if err != nil {
		log.Printf("store upload for profile %d failed: %v", profile.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage write failed"})
		return
	}

	up := models.PendingUpload{
		Token:       uuid.New().String(),
		UserID:      user.ID,
		ProfileID:   profile.ID,
		FileName:    fileHeader.Filename,
		ContentHash: hash,
		StorePath:   loc.Path,
		InlineData:  loc.Inline,
		Status:      models.StatusPending,
	}
	if err := db.Create(&up).Error; err != nil {
		if derr := loc.Delete(); derr != nil {
			log.Printf("orphan blob cleanup failed for %s: %v", up.Token, derr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db save failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploadId": up.Token, "fileName": up.FileName, "status": up.Status})
}

// extractUploadHandler triggers extraction for a pending upload, either
// inline or via the queue worker depending on startup config.
func extractUploadHandler(c *gin.Context) {
	up, ok := uploadForRequest(c)
	if !ok {
		return
	}

	if queueCfg.Queued() {
		if up.Status != models.StatusPending {
			c.JSON(http.StatusConflict, gin.H{"error": "upload is not awaiting extraction", "status": up.Status})
			return
		}
		if err := queueCfg.dispatchExtraction(up.Token); err != nil {
			log.Printf("queue dispatch for %s failed: %v", up.Token, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue extraction"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"uploadId": up.Token, "status": up.Status, "queued": true})
		return
	}

	if err := runExtraction(c.Request.Context(), up); err != nil {
		if errors.Is(err, errNotPending) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "status": up.Status})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var fresh models.PendingUpload
	if err := db.First(&fresh, up.ID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reload failed"})
		return
	}
	resp := gin.H{"uploadId": fresh.Token, "status": fresh.Status}
	if fresh.ExtractedData != "" {
		var doc labs.Document
		if err := json.Unmarshal([]byte(fresh.ExtractedData), &doc); err == nil {
			resp["extractedData"] = doc
			resp["metricCount"] = len(doc.Metrics)
		}
	}
	c.JSON(http.StatusOK, resp)
}

// queueCallbackHandler is the signed entry point the queue worker calls.
// Misconfigured signing fails closed (see queueConfig).
func queueCallbackHandler(c *gin.Context) {
	var req struct {
		UploadID string `json:"uploadId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := queueCfg.verifyCallback(c.GetHeader("X-Queue-Signature"), req.UploadID); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var up models.PendingUpload
	if err := db.Where("token = ?", req.UploadID).First(&up).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	// a redelivered callback for an upload already past extraction is fine
	if up.Status != models.StatusPending {
		c.JSON(http.StatusOK, gin.H{"uploadId": up.Token, "status": up.Status})
		return
	}

	if err := runExtraction(c.Request.Context(), &up); err != nil {
		if errors.Is(err, errNotPending) {
			var fresh models.PendingUpload
			if ferr := db.First(&fresh, up.ID).Error; ferr == nil {
				c.JSON(http.StatusOK, gin.H{"uploadId": fresh.Token, "status": fresh.Status})
				return
			}
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var fresh models.PendingUpload
	if err := db.First(&fresh, up.ID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reload failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploadId": fresh.Token, "status": fresh.Status})
}

// listUploadsHandler returns the caller's non-terminal uploads, optionally
// filtered to one profile.
func listUploadsHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	terminal := []models.UploadStatus{models.StatusConfirmed, models.StatusRejected}
	q := db.Model(&models.PendingUpload{}).Where("user_id = ? AND status NOT IN ?", user.ID, terminal)
	if pid := c.Query("profileId"); pid != "" {
		q = q.Where("profile_id = ?", pid)
	}
	var uploads []models.PendingUpload
	if err := q.Order("id desc").Limit(100).Find(&uploads).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	out := make([]gin.H, 0, len(uploads))
	for i := range uploads {
		out = append(out, uploadSummary(&uploads[i], false))
	}
	c.JSON(http.StatusOK, out)
}

// getUploadHandler returns one upload including its extracted data.
func getUploadHandler(c *gin.Context) {
	up, ok := uploadForRequest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, uploadSummary(up, true))
}

// deleteUploadHandler cancels an upload. The stored binary is removed
// best-effort; a blob delete failure never blocks the state transition.
func deleteUploadHandler(c *gin.Context) {
	up, ok := uploadForRequest(c)
	if !ok {
		return
	}
	if up.Status == models.StatusConfirmed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "upload already confirmed"})
		return
	}
	if err := uploadLocator(up).Delete(); err != nil {
		log.Printf("blob delete for %s failed (continuing): %v", up.Token, err)
	}
	if err := db.Model(&models.PendingUpload{}).
		Where("id = ?", up.ID).
		Update("status", models.StatusRejected).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploadId": up.Token, "status": models.StatusRejected})
}

// confirmUploadHandler validates the reviewed payload and applies the
// all-or-nothing confirm transaction.
func confirmUploadHandler(c *gin.Context) {
	up, ok := uploadForRequest(c)
	if !ok {
		return
	}
	var req struct {
		SampleDate string `json:"sampleDate" binding:"required"`
		Metrics    []struct {
			Name    string   `json:"name" binding:"required"`
			Value   float64  `json:"value"`
			Unit    *string  `json:"unit"`
			RefLow  *float64 `json:"ref_low"`
			RefHigh *float64 `json:"ref_high"`
		} `json:"metrics" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if up.Status != models.StatusReview {
		c.JSON(http.StatusBadRequest, gin.H{"error": "upload is not in review", "status": up.Status})
		return
	}
	if _, err := time.Parse("2006-01-02", req.SampleDate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sampleDate must be YYYY-MM-DD"})
		return
	}
	if len(req.Metrics) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one metric is required"})
		return
	}
	metrics := make([]labs.Metric, 0, len(req.Metrics))
	for _, m := range req.Metrics {
		metrics = append(metrics, labs.Metric{
			Name:    m.Name,
			Value:   m.Value,
			Unit:    m.Unit,
			RefLow:  m.RefLow,
			RefHigh: m.RefHigh,
		})
	}

	reportID, inserted, updated, err := confirmUpload(up, req.SampleDate, metrics)
	if err != nil {
		if errors.Is(err, errConfirmConflict) {
			status := up.Status
			var fresh models.PendingUpload
			if ferr := db.First(&fresh, up.ID).Error; ferr == nil {
				status = fresh.Status
			}
			c.JSON(http.StatusConflict, gin.H{"error": errConfirmConflict.Error(), "status": status})
			return
		}
		log.Printf("confirm of %s failed: %v", up.Token, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "confirmation failed; upload remains in review"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"reportId":        reportID,
		"sampleDate":      req.SampleDate,
		"metricsInserted": inserted,
		"metricsUpdated":  updated,
	})
}

// uploadForRequest loads the upload addressed by the :id route param and
// enforces ownership. It writes the error response itself on failure.
func uploadForRequest(c *gin.Context) (*models.PendingUpload, bool) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return nil, false
	}
	var up models.PendingUpload
	if err := db.Where("token = ? AND user_id = ?", c.Param("id"), user.ID).First(&up).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return nil, false
	}
	return &up, true
}

func uploadSummary(up *models.PendingUpload, includeData bool) gin.H {
	out := gin.H{
		"uploadId":  up.Token,
		"profileId": up.ProfileID,
		"fileName":  up.FileName,
		"status":    up.Status,
		"createdAt": up.CreatedAt,
		"updatedAt": up.UpdatedAt,
	}
	if up.SampleDate != "" {
		out["sampleDate"] = up.SampleDate
	}
	if up.ErrorMessage != "" {
		out["errorMessage"] = up.ErrorMessage
	}
	if includeData && up.ExtractedData != "" {
		out["extractedData"] = json.RawMessage(up.ExtractedData)
	}
	return out
}
