package ingest

import (
	"context"
	"errors"
	"path/filepath"

	"bitwise74/media-ingest/internal/blob"
	"bitwise74/media-ingest/internal/hasher"
	"bitwise74/media-ingest/internal/model"
	"bitwise74/media-ingest/internal/processor"
)

var errNoDetail = errors.New("processor reported failure without details")

func ptr[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}

	return &v
}

// process adapts the media processor to the blob store. Audio and anything
// that isn't an image or video is stored untouched.
func (s *Service) process(taskID string) blob.ProcessFunc {
	return func(ctx context.Context, p, mime string) (*blob.Processed, error) {
		switch hasher.Kind(mime) {
		case hasher.KindImage:
			r := s.proc.ProcessImage(ctx, p, processor.ImageOptions{
				MaxWidth:  s.cfg.ImageMaxWidth,
				OutputDir: filepath.Dir(p),
			})
			if !r.Success {
				return nil, failure(r.Error)
			}

			return &blob.Processed{
				OutputPath: r.OutputPath,
				MimeType:   mime,
				Width:      ptr(r.Width),
				Height:     ptr(r.Height),
			}, nil

		case hasher.KindVideo:
			r := s.proc.ProcessVideo(ctx, p, processor.VideoOptions{
				OutputDir: filepath.Dir(p),
				OnProgress: func(percent float64) {
					s.tasks.Progress(ctx, taskID, percent, model.TaskProcessing, "transcoding")
				},
			})
			if !r.Success {
				return nil, failure(r.Error)
			}

			out := &blob.Processed{
				OutputPath:    r.OutputPath,
				ThumbnailPath: r.ThumbnailPath,
				MimeType:      mime,
				Width:         ptr(r.Width),
				Height:        ptr(r.Height),
				Duration:      ptr(r.Duration),
			}
			if r.OutputPath != p {
				out.MimeType = "video/mp4"
			}

			return out, nil
		}

		return nil, nil
	}
}

func failure(err error) error {
	if err == nil {
		return errNoDetail
	}

	return err
}
