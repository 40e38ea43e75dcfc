package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Email (delivery record) statuses
const (
	EmailStatusQueued    = "queued"
	EmailStatusSending   = "sending"
	EmailStatusSent      = "sent"
	EmailStatusDelivered = "delivered"
	EmailStatusBounced   = "bounced"
	EmailStatusFailed    = "failed"
)

// Failure reasons, kept distinguishable so condition skips are never retried
const (
	FailReasonTransport    = "transport_error"
	FailReasonConditionNot = "condition_not_met"
	FailReasonBadAddress   = "invalid_address"
)

// Email is the unit of dispatch: one record per campaign, contact and
// sequence position. The (campaign_id, contact_id, followup_sequence)
// unique index is the idempotency key preventing duplicate step
// creation. Records are never deleted; they are the audit trail.
type Email struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex:idx_email_step;index" json:"campaign_id"`
	ContactID  uint `gorm:"not null;uniqueIndex:idx_email_step;index" json:"contact_id"`

	// FollowupSequence increases monotonically per contact across
	// repeat cycles and restarts; FollowupNumber is the step index
	// within the current cycle.
	FollowupSequence int  `gorm:"not null;uniqueIndex:idx_email_step" json:"followup_sequence"`
	FollowupNumber   int  `gorm:"default:0" json:"followup_number"`
	IsFollowup       bool `gorm:"default:false" json:"is_followup"`

	TemplateID *uint  `json:"template_id,omitempty"` // catalog-based steps omit it
	Subject    string `json:"subject"`

	Status     string `gorm:"default:'queued';index:idx_emails_due" json:"status"` // queued, sending, sent, delivered, bounced, failed
	FailReason string `json:"fail_reason,omitempty"`
	RetryCount int    `gorm:"default:0" json:"retry_count"`

	ScheduledAt time.Time  `gorm:"not null;index:idx_emails_due" json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`

	// Conditions copied from the campaign step at creation time, so a
	// later edit to the campaign cannot retroactively change an
	// already-scheduled step.
	StepConditions StepConditions `json:"step_conditions" gorm:"type:jsonb;serializer:json"`

	TrackingPixelID string `gorm:"index" json:"tracking_pixel_id"`

	// ProcessingLock is the per-record exclusivity lease; null means
	// free, a stale timestamp is reclaimable after the lock timeout.
	ProcessingLock *time.Time `json:"-"`
}

var emailTransitions = map[string][]string{
	EmailStatusQueued:    {EmailStatusSending, EmailStatusFailed},
	EmailStatusSending:   {EmailStatusSent, EmailStatusQueued, EmailStatusFailed},
	EmailStatusSent:      {EmailStatusDelivered, EmailStatusBounced},
	EmailStatusDelivered: {},
	EmailStatusBounced:   {},
	EmailStatusFailed:    {EmailStatusQueued}, // manual requeue only
}

// CanTransitionEmail reports whether a delivery record status move is legal.
func CanTransitionEmail(from, to string) bool {
	for _, next := range emailTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the record to a new status, rejecting illegal moves.
func (e *Email) Transition(to string) error {
	if !CanTransitionEmail(e.Status, to) {
		return fmt.Errorf("illegal email transition %s -> %s", e.Status, to)
	}
	e.Status = to
	return nil
}

// IsTerminal reports whether the record needs no further dispatcher work.
func (e *Email) IsTerminal() bool {
	switch e.Status {
	case EmailStatusSent, EmailStatusDelivered, EmailStatusBounced, EmailStatusFailed:
		return true
	}
	return false
}
