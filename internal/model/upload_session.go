// Package model defines database models
package model

import "time"

type SessionState string

const (
	SessionReceiving  SessionState = "receiving"
	SessionAssembling SessionState = "assembling"
	SessionAssembled  SessionState = "assembled"
	SessionCompleted  SessionState = "completed"
	SessionFailed     SessionState = "failed"
	SessionExpired    SessionState = "expired"
)

// UploadSession is one client-initiated chunked upload. It's created by the
// first chunk (or by the init endpoint) and outlives its chunk directory so
// that late chunks can be answered with STALE_UPLOAD.
type UploadSession struct {
	UploadID         string       `gorm:"primaryKey;size:64" json:"uploadId"`
	OwnerID          string       `gorm:"index;not null" json:"-"`
	OriginalFilename string       `json:"fileName"`
	TotalChunks      int          `gorm:"not null" json:"totalChunks"`
	DeclaredSize     int64        `json:"size"`
	State            SessionState `gorm:"size:16;index;not null" json:"state"`
	MediaID          *uint        `json:"mediaId,omitempty"`
	TaskID           string       `json:"taskId,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	LastActivity     time.Time    `gorm:"index" json:"lastActivity"`
}
