// backfill_hashes recomputes the content fingerprint for pending uploads that
// predate fingerprinting (empty content_hash). Run once after upgrading.
//
// Env: DB_DSN, UPLOAD_BASE (required for disk-stored uploads).
package main

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"strings"

	"labtrack/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	dsn := os.Getenv("DB_DSN")
	if strings.TrimSpace(dsn) == "" {
		log.Fatal("DB_DSN not set in environment")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}

	var uploads []models.PendingUpload
	if err := db.Where("content_hash = '' OR content_hash IS NULL").Find(&uploads).Error; err != nil {
		log.Fatalf("query failed: %v", err)
	}
	log.Printf("found %d uploads without a content hash", len(uploads))

	base := os.Getenv("UPLOAD_BASE")
	fixed, skipped := 0, 0
	for i := range uploads {
		up := &uploads[i]
		var data []byte
		switch {
		case up.InlineData != "":
			data, err = base64.StdEncoding.DecodeString(up.InlineData)
		case up.StorePath != "" && base != "":
			data, err = os.ReadFile(filepath.Join(base, up.StorePath))
		default:
			log.Printf("skip upload %s: no readable storage locator", up.Token)
			skipped++
			continue
		}
		if err != nil {
			log.Printf("skip upload %s: %v", up.Token, err)
			skipped++
			continue
		}
		sum := sha256.Sum256(data)
		if err := db.Model(up).Update("content_hash", hex.EncodeToString(sum[:])).Error; err != nil {
			log.Printf("update failed for %s: %v", up.Token, err)
			skipped++
			continue
		}
		fixed++
	}
	log.Printf("backfill complete: %d updated, %d skipped", fixed, skipped)
}
