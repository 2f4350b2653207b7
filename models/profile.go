package models

import "time"

// Profile is one person whose lab history is tracked. A user can own several
// profiles (self, family members); all pipeline data hangs off the profile.
type Profile struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time `gorm:"index"`
	// Active is soft-state; inactive profiles are hidden, not deleted.
	Active      bool   `gorm:"default:true;not null"`
	UserID      uint   `gorm:"index;not null"`
	User        User   `gorm:"foreignKey:UserID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	DisplayName string `gorm:"size:255;not null"`
	DateOfBirth string `gorm:"size:10"` // ISO date, optional
	Notes       string `gorm:"size:512"`

	Reports        []Report        `gorm:"foreignKey:ProfileID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	PendingUploads []PendingUpload `gorm:"foreignKey:ProfileID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Aliases        []MetricAlias   `gorm:"foreignKey:ProfileID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}
