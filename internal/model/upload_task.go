package model

import "time"

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskUploading  TaskStatus = "uploading"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// UploadTask is the progress projection polled by clients. It lives in the
// task tracker backend, not in SQL.
type UploadTask struct {
	TaskID          string     `json:"taskId"`
	OwnerID         string     `json:"ownerId"`
	Filename        string     `json:"filename"`
	DeclaredSize    int64      `json:"declaredSize"`
	Status          TaskStatus `json:"status"`
	ProgressPercent float64    `json:"progress"`
	Message         string     `json:"message"`
	ResultMediaID   *uint      `json:"resultMediaId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}
