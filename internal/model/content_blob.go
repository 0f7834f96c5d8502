package model

import "time"

type BlobStatus string

const (
	BlobReady BlobStatus = "ready"
	// The processor failed and the raw upload was stored as-is
	BlobNeedsConversion BlobStatus = "needs_conversion"
)

// ContentBlob is the single physical copy of a unique content hash.
// RefCount always equals the number of live MediaRecords pointing at it.
type ContentBlob struct {
	ContentHash     string     `gorm:"primaryKey;size:64" json:"contentHash"`
	ByteSize        int64      `gorm:"not null" json:"size"`
	MimeType        string     `json:"mimeType"`
	StorageKey      string     `gorm:"not null" json:"-"`
	StoragePath     string     `json:"storagePath"`
	Width           *int       `json:"width,omitempty"`
	Height          *int       `json:"height,omitempty"`
	DurationSeconds *float64   `json:"duration,omitempty"`
	ThumbnailKey    *string    `json:"thumbnailKey,omitempty"`
	Status          BlobStatus `gorm:"size:24;not null" json:"status"`
	RefCount        int64      `gorm:"not null;default:0;check:ref_count >= 0" json:"refCount"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}
