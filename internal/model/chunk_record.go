package model

import "time"

// ChunkRecord is a received byte range. Re-sending an index overwrites the
// existing row instead of adding a new one.
type ChunkRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	UploadID   string `gorm:"size:64;not null;uniqueIndex:idx_upload_chunk"`
	Index      int    `gorm:"column:chunk_index;not null;uniqueIndex:idx_upload_chunk"`
	ByteLength int64  `gorm:"not null"`
	StoredPath string `gorm:"size:512;not null"`
	UpdatedAt  time.Time
}
