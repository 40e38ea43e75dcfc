package models

import (
	"time"

	"gorm.io/gorm"
)

// Followup statuses
const (
	FollowupStatusScheduled = "scheduled"
	FollowupStatusMigrated  = "migrated"
	FollowupStatusCanceled  = "canceled"
)

// Followup is the legacy scheduled-step record kept for campaigns
// created before delivery records carried the full step state. The
// dispatcher migrates due rows into Email records; new sequencing
// logic never writes this table.
type Followup struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	ContactID  uint `gorm:"not null;index" json:"contact_id"`
	TemplateID uint `gorm:"not null" json:"template_id"`

	SequenceNumber int       `gorm:"not null" json:"sequence_number"`
	ScheduledAt    time.Time `gorm:"not null;index:idx_followups_due" json:"scheduled_at"`
	Status         string    `gorm:"default:'scheduled';index:idx_followups_due" json:"status"`
}
