package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Campaign statuses
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusSending   = "sending"
	CampaignStatusSent      = "sent"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
)

// Campaign represents a multi-step follow-up email campaign
type Campaign struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Campaign details
	Name        string `gorm:"not null" json:"name"`
	Subject     string `gorm:"not null" json:"subject"`
	Description string `json:"description"`

	// Sequence configuration stored as JSON
	Steps []CampaignStep `json:"steps" gorm:"type:jsonb;serializer:json"`

	// Scheduling
	Status      string     `gorm:"default:'draft'" json:"status"` // draft, scheduled, sending, sent, paused, completed
	ScheduledAt *time.Time `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// ProcessingLock is the mutual-exclusion token for campaign-level
	// background sweeps; null means free.
	ProcessingLock *time.Time `json:"-"`

	// RepeatDays > 0 re-enters the sequence that many days after the
	// last step of a cycle was sent
	RepeatDays   int `gorm:"default:0" json:"repeat_days"`
	RestartCount int `gorm:"default:0" json:"restart_count"`

	// Statistics (denormalized cache, rebuilt by the reconciler)
	TotalSent    int `gorm:"default:0" json:"total_sent"`
	Delivered    int `gorm:"default:0" json:"delivered"`
	Opened       int `gorm:"default:0" json:"opened"`
	Clicked      int `gorm:"default:0" json:"clicked"`
	Bounced      int `gorm:"default:0" json:"bounced"`
	Unsubscribed int `gorm:"default:0" json:"unsubscribed"`

	// Relations
	Runs     []CampaignRun     `gorm:"foreignKey:CampaignID" json:"runs,omitempty"`
	Contacts []CampaignContact `gorm:"foreignKey:CampaignID" json:"-"`
}

// CampaignStep is one position in the campaign's sequence. The step
// list is immutable by convention once the campaign has started;
// delivery records copy their conditions at creation time.
type CampaignStep struct {
	TemplateID     *uint          `json:"template_id,omitempty"`
	CatalogItemIDs []uint         `json:"catalog_item_ids,omitempty"`
	Subject        string         `json:"subject,omitempty"`
	DelayHours     int            `json:"delay_hours"`
	Conditions     StepConditions `json:"conditions"`
}

// StepConditions gate whether a step fires based on engagement with
// the previous step.
type StepConditions struct {
	RequireOpen    bool `json:"require_open,omitempty"`
	RequireClick   bool `json:"require_click,omitempty"`
	RequireNoReply bool `json:"require_no_reply,omitempty"`
}

// CampaignRun archives the stats of a finished run when a campaign is
// restarted, so historical numbers survive the live counters being reset.
type CampaignRun struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	RunNumber  int  `gorm:"not null" json:"run_number"`

	TotalSent    int `json:"total_sent"`
	Delivered    int `json:"delivered"`
	Opened       int `json:"opened"`
	Clicked      int `json:"clicked"`
	Bounced      int `json:"bounced"`
	Unsubscribed int `json:"unsubscribed"`

	StartedAt  *time.Time `json:"started_at"`
	ArchivedAt time.Time  `json:"archived_at"`
}

// CampaignContact enrolls a contact in a campaign
type CampaignContact struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex:idx_campaign_contact" json:"campaign_id"`
	ContactID  uint `gorm:"not null;uniqueIndex:idx_campaign_contact" json:"contact_id"`
}

var campaignTransitions = map[string][]string{
	CampaignStatusDraft:     {CampaignStatusScheduled, CampaignStatusSending},
	CampaignStatusScheduled: {CampaignStatusSending, CampaignStatusPaused, CampaignStatusCompleted},
	CampaignStatusSending:   {CampaignStatusSent, CampaignStatusPaused, CampaignStatusCompleted},
	CampaignStatusSent:      {CampaignStatusCompleted},
	CampaignStatusPaused:    {CampaignStatusScheduled, CampaignStatusSending},
	CampaignStatusCompleted: {CampaignStatusScheduled}, // restart only
}

// CanTransitionCampaign reports whether moving a campaign from one
// status to another is legal.
func CanTransitionCampaign(from, to string) bool {
	for _, next := range campaignTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the campaign to a new status, rejecting moves not
// allowed by the lifecycle state machine.
func (c *Campaign) Transition(to string) error {
	if !CanTransitionCampaign(c.Status, to) {
		return fmt.Errorf("illegal campaign transition %s -> %s", c.Status, to)
	}
	c.Status = to
	return nil
}

// IsActive reports whether the dispatcher should act on this campaign.
func (c *Campaign) IsActive() bool {
	return c.Status == CampaignStatusScheduled || c.Status == CampaignStatusSending
}

// ResetStats zeroes the live counters. Used on restart after the old
// values have been archived into a CampaignRun.
func (c *Campaign) ResetStats() {
	c.TotalSent = 0
	c.Delivered = 0
	c.Opened = 0
	c.Clicked = 0
	c.Bounced = 0
	c.Unsubscribed = 0
}
