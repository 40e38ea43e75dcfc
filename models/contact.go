package models

import (
	"time"

	"gorm.io/gorm"
)

// Contact is a campaign recipient.
type Contact struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`

	// Engagement flags maintained by the delivery webhook
	RepliedAt      *time.Time `json:"replied_at"`
	IsBounced      bool       `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool       `gorm:"default:false" json:"is_unsubscribed"`
}

// RepliedSince reports whether the contact replied after the given time.
func (c *Contact) RepliedSince(t time.Time) bool {
	return c.RepliedAt != nil && c.RepliedAt.After(t)
}
