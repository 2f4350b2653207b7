package models

import "time"

// MetricDefinition is the per-profile reference knowledge for an analyte,
// accumulated at confirm time. Future uploads whose documents omit a
// reference range can still be flagged using these values.
type MetricDefinition struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	ProfileID uint   `gorm:"not null;uniqueIndex:idx_metricdef_profile_name"`
	Name      string `gorm:"size:255;not null;uniqueIndex:idx_metricdef_profile_name"`
	Unit      *string `gorm:"size:64"`
	RefLow    *float64
	RefHigh   *float64
}
