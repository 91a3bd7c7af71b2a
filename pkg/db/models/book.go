package models

import (
	"time"

	"github.com/google/uuid"
)

// Book is a catalog title with a fixed number of physical copies.
type Book struct {
	ID              uuid.UUID `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	Title           string    `gorm:"column:title;not null" json:"title"`
	Author          string    `gorm:"column:author;not null" json:"author"`
	TotalCopies     int       `gorm:"column:total_copies;not null" json:"total_copies"`
	AvailableCopies int       `gorm:"column:available_copies;not null" json:"available_copies"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}
