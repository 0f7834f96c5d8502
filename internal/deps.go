package internal

import (
	"bitwise74/media-ingest/internal/blob"
	"bitwise74/media-ingest/internal/chunk"
	"bitwise74/media-ingest/internal/ingest"
	"bitwise74/media-ingest/internal/processor"
	"bitwise74/media-ingest/internal/task"

	"gorm.io/gorm"
)

type Deps struct {
	DB       *gorm.DB
	Chunks   *chunk.Store
	Blobs    *blob.Store
	Ingest   *ingest.Service
	Tasks    task.Tracker
	JobQueue *processor.JobQueue

	// Finalize as soon as the last chunk of an upload arrives
	AutoFinalize bool
}
