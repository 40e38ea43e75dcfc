package models

import "gorm.io/gorm"

// Template represents email content for campaign steps
type Template struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Subject     string `gorm:"not null" json:"subject"`
	HTMLContent string `gorm:"type:text" json:"html_content"`
	TextContent string `gorm:"type:text" json:"text_content"`
}

// CatalogItem is a product entry a catalog-based step can reference
// instead of a template.
type CatalogItem struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`
	ImageURL    string `json:"image_url"`
	ProductURL  string `json:"product_url"`
}
