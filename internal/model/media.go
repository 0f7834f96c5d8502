package model

import (
	"time"

	"gorm.io/gorm"
)

// MediaRecord is the user facing entity. Many records may share one
// ContentBlob, deleting a record only releases its reference.
type MediaRecord struct {
	ID           uint           `gorm:"primaryKey;autoIncrement;index" json:"id"`
	OwnerID      string         `gorm:"index;not null" json:"-"`
	ContentHash  string         `gorm:"size:64;index;not null" json:"contentHash"`
	Blob         *ContentBlob   `gorm:"foreignKey:ContentHash;references:ContentHash" json:"blob,omitempty"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	OriginalName string         `json:"name"`
	CategoryID   *uint          `json:"categoryId,omitempty"`
	TagIDs       IDList         `json:"tagIds"`
	CreatedAt    time.Time      `json:"createdAt"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}
