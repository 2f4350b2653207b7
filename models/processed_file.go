package models

import "time"

// ProcessedFile is the permanent dedup ledger: one row per confirmed document.
// Rows are written once at confirm time and never mutated.
type ProcessedFile struct {
	ID          uint `gorm:"primaryKey"`
	CreatedAt   time.Time
	ProfileID   uint   `gorm:"not null;uniqueIndex:idx_processed_profile_hash"`
	FileName    string `gorm:"size:255;not null"`
	ContentHash string `gorm:"size:64;not null;uniqueIndex:idx_processed_profile_hash"`
	// ReportID links back to the report the file was confirmed into so a
	// duplicate rejection can point the client at the existing data.
	ReportID *uint `gorm:"index"`
}
