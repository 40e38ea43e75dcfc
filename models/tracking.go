package models

import (
	"time"

	"gorm.io/gorm"
)

// Tracking event types
const (
	EventSent         = "sent"
	EventDelivered    = "delivered"
	EventOpened       = "opened"
	EventClicked      = "clicked"
	EventBounced      = "bounced"
	EventUnsubscribed = "unsubscribed"
)

// TrackingEvent is one entry in a tracking record's append-only log.
type TrackingEvent struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// EmailTracking is the engagement log for one delivery record. The
// TrackingPixelID is an opaque token independent of any database id,
// so a leaked tracking link cannot enumerate delivery records.
type EmailTracking struct {
	gorm.Model
	TrackingPixelID string `gorm:"not null;uniqueIndex" json:"tracking_pixel_id"`

	EmailID    uint `gorm:"not null;index" json:"email_id"`
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	ContactID  uint `gorm:"not null;index" json:"contact_id"`

	Events []TrackingEvent `json:"events" gorm:"type:jsonb;serializer:json"`

	// Last-seen client info
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// HasEvent reports whether any event of the given type exists. This
// existence test is the deduplication policy shared by the ingestor
// and the reconciler.
func (t *EmailTracking) HasEvent(eventType string) bool {
	for _, ev := range t.Events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

// AppendEvent adds an event to the log. sent and delivered are
// recorded at most once per record: a duplicate is silently dropped
// and false is returned. Other types are always appended; callers
// wanting once-only semantics (opens) check HasEvent first.
func (t *EmailTracking) AppendEvent(ev TrackingEvent) bool {
	switch ev.Type {
	case EventSent, EventDelivered:
		if t.HasEvent(ev.Type) {
			return false
		}
	}
	t.Events = append(t.Events, ev)
	return true
}

// FirstEventOfType returns the earliest event of the given type, or nil.
func (t *EmailTracking) FirstEventOfType(eventType string) *TrackingEvent {
	var first *TrackingEvent
	for i := range t.Events {
		if t.Events[i].Type != eventType {
			continue
		}
		if first == nil || t.Events[i].Timestamp.Before(first.Timestamp) {
			first = &t.Events[i]
		}
	}
	return first
}
