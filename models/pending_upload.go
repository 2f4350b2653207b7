package models

import "time"

// UploadStatus is the closed lifecycle of a pending upload. Values are stored
// verbatim in the status column; never invent new ones at call sites.
type UploadStatus string

const (
	StatusPending    UploadStatus = "pending"
	StatusExtracting UploadStatus = "extracting"
	StatusReview     UploadStatus = "review"
	StatusConfirmed  UploadStatus = "confirmed"
	StatusRejected   UploadStatus = "rejected"
)

// Terminal reports whether the upload can no longer change state.
func (s UploadStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusRejected
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Extraction failure returns an extracting upload to pending so the
// extract call can be retried without re-uploading.
func (s UploadStatus) CanTransition(next UploadStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusExtracting || next == StatusRejected
	case StatusExtracting:
		return next == StatusReview || next == StatusPending || next == StatusRejected
	case StatusReview:
		return next == StatusConfirmed || next == StatusRejected
	default:
		return false
	}
}

// PendingUpload is one in-flight lab report document. Created on upload,
// mutated by extraction and confirm/reject, kept afterwards as an audit row.
type PendingUpload struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	// Token is the opaque identifier handed to clients (uuid).
	Token       string `gorm:"size:36;uniqueIndex;not null"`
	UserID      uint   `gorm:"index;not null"`
	ProfileID   uint   `gorm:"index:idx_pending_profile_hash;not null"`
	FileName    string `gorm:"size:255;not null"`
	ContentHash string `gorm:"size:64;index:idx_pending_profile_hash;not null"` // sha256 hex of the raw bytes
	// StorePath points under the upload base dir. When no base dir is
	// configured the raw bytes live base64-encoded in InlineData instead.
	StorePath     string       `gorm:"size:512"`
	InlineData    string       `gorm:"type:text"`
	Status        UploadStatus `gorm:"size:16;index;not null;default:pending"`
	SampleDate    string       `gorm:"size:10"`  // ISO date once extraction found one
	ExtractedData string       `gorm:"type:text"` // JSON document awaiting review
	ErrorMessage  string       `gorm:"size:512"`
}
