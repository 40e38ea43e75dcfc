package models

import "gorm.io/gorm"

// User is an operator account. Token issuance and the full login flow
// live in the external auth service; this model exists so the JWT
// middleware can resolve and gate the bearer of a token.
type User struct {
	gorm.Model
	Email        string `gorm:"not null;uniqueIndex" json:"email"`
	Name         string `json:"name"`
	IsActive     bool   `gorm:"default:true" json:"is_active"`
	TokenVersion int    `gorm:"default:0" json:"-"`
}
