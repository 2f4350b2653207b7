// inbox_watcher watches a local drop folder for new lab-report PDFs and feeds
// them into the upload pipeline as pending uploads for a fixed profile. It is
// the local replacement for polling a cloud drive folder: drop a PDF in the
// inbox, then review and confirm it in the app as usual.
//
// Env: DB_DSN, INBOX_DIR, INBOX_PROFILE_ID, UPLOAD_BASE (optional).
package main

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"labtrack/models"

	"github.com/fsnotify/fsnotify"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	dsn := os.Getenv("DB_DSN")
	if strings.TrimSpace(dsn) == "" {
		log.Fatal("DB_DSN not set in environment")
	}
	inbox := os.Getenv("INBOX_DIR")
	if inbox == "" {
		log.Fatal("INBOX_DIR not set in environment")
	}
	profileID, err := strconv.ParseUint(os.Getenv("INBOX_PROFILE_ID"), 10, 64)
	if err != nil || profileID == 0 {
		log.Fatal("INBOX_PROFILE_ID must be a profile id")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}
	var profile models.Profile
	if err := db.First(&profile, uint(profileID)).Error; err != nil {
		log.Fatalf("profile %d not found: %v", profileID, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Fatalf("failed to create watcher: %v", err)
	}
	defer watcher.Close()
	if err := watcher.Add(inbox); err != nil {
		log.Fatalf("failed to watch %s: %v", inbox, err)
	}
	log.Printf("watching %s for profile %q (id=%d)", inbox, profile.DisplayName, profile.ID)

	// pick up files already sitting in the inbox
	entries, _ := os.ReadDir(inbox)
	for _, e := range entries {
		if !e.IsDir() {
			ingest(db, &profile, filepath.Join(inbox, e.Name()))
		}
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// give the writer a moment to finish the file
			time.Sleep(500 * time.Millisecond)
			ingest(db, &profile, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher error: %v", err)
		}
	}
}

// ingest runs one file through the same guard as the upload endpoint and
// creates a pending upload. Extraction stays user-triggered.
func ingest(db *gorm.DB, profile *models.Profile, path string) {
	if strings.ToLower(filepath.Ext(path)) != ".pdf" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("skip %s: %v", path, err)
		return
	}
	if mt := mimetype.Detect(data); !mt.Is("application/pdf") {
		log.Printf("skip %s: not a PDF (%s)", path, mt.String())
		return
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	fileName := filepath.Base(path)

	var pf models.ProcessedFile
	if err := db.Where("profile_id = ? AND content_hash = ?", profile.ID, hash).First(&pf).Error; err == nil {
		log.Printf("skip %s: already confirmed", fileName)
		return
	}
	terminal := []models.UploadStatus{models.StatusConfirmed, models.StatusRejected}
	var active models.PendingUpload
	if err := db.Where("profile_id = ? AND content_hash = ? AND status NOT IN ?", profile.ID, hash, terminal).First(&active).Error; err == nil {
		log.Printf("skip %s: upload %s already in progress", fileName, active.Token)
		return
	}

	up := models.PendingUpload{
		Token:       uuid.New().String(),
		UserID:      profile.UserID,
		ProfileID:   profile.ID,
		FileName:    fileName,
		ContentHash: hash,
		Status:      models.StatusPending,
	}
	if base := os.Getenv("UPLOAD_BASE"); base != "" {
		sub := fmt.Sprintf("profile_%d", profile.ID)
		if err := os.MkdirAll(filepath.Join(base, sub), 0o755); err != nil {
			log.Printf("skip %s: mkdir failed: %v", fileName, err)
			return
		}
		rel := filepath.Join(sub, fmt.Sprintf("%d_%s", time.Now().UnixNano(), fileName))
		if err := os.WriteFile(filepath.Join(base, rel), data, 0o644); err != nil {
			log.Printf("skip %s: store failed: %v", fileName, err)
			return
		}
		up.StorePath = rel
	} else {
		up.InlineData = base64.StdEncoding.EncodeToString(data)
	}
	if err := db.Create(&up).Error; err != nil {
		log.Printf("skip %s: db save failed: %v", fileName, err)
		return
	}
	log.Printf("ingested %s as upload %s", fileName, up.Token)
}
