package models

import "time"

// MetricAlias maps a free-text analyte name to its canonical form for one
// profile. Matching is case-insensitive; the pipeline only ever reads this
// table.
type MetricAlias struct {
	ID            uint `gorm:"primaryKey"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ProfileID     uint   `gorm:"not null;uniqueIndex:idx_alias_profile_name"`
	Alias         string `gorm:"size:255;not null;uniqueIndex:idx_alias_profile_name"`
	CanonicalName string `gorm:"size:255;not null"`
}
