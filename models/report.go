package models

import "time"

// Report groups the metrics of one specimen collection date for a profile.
type Report struct {
	ID         uint `gorm:"primaryKey"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ProfileID  uint   `gorm:"not null;uniqueIndex:idx_report_profile_date"`
	SampleDate string `gorm:"size:10;not null;uniqueIndex:idx_report_profile_date"` // YYYY-MM-DD
	FileName   string `gorm:"size:255"`                                             // source document, if any
	Source     string `gorm:"size:32;default:pdf"`
	Metrics    []Metric `gorm:"foreignKey:ReportID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}
