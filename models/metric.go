package models

import "time"

// Metric is one confirmed analyte value within a report. Unique per
// (report, name); re-confirming the same name updates in place.
type Metric struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	ReportID  uint    `gorm:"not null;uniqueIndex:idx_metric_report_name"`
	Name      string  `gorm:"size:255;not null;uniqueIndex:idx_metric_report_name"`
	Value     float64 `gorm:"not null"`
	// Unit and reference bounds stay nil when the source document did not
	// state them; a later confirm never blanks a known value (see pipeline).
	Unit    *string  `gorm:"size:64"`
	RefLow  *float64
	RefHigh *float64
	// Flag is H above ref_high, L below ref_low, N inside a known range,
	// nil when no range is known. Always recomputed at confirm time.
	Flag *string `gorm:"size:1"`
}
