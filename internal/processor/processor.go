// Package processor is the contract to the media transformation routines
// (image resize, video transcode). Failures are returned as typed results,
// never as panics, so callers can fall back to storing the raw upload.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var ErrTimeout = errors.New("processor timed out")

type ImageOptions struct {
	// Images wider than this are scaled down, 0 keeps the original size
	MaxWidth int
	// Where derived files are written
	OutputDir string
}

type ImageResult struct {
	Success    bool
	Width      int
	Height     int
	Size       int64
	OutputPath string
	Error      error
}

type VideoOptions struct {
	OutputDir string
	// Called with 0-100 while the transcode runs
	OnProgress func(percent float64)
}

type VideoResult struct {
	Success       bool
	Width         int
	Height        int
	Duration      float64
	ThumbnailPath string
	Size          int64
	OutputPath    string
	Error         error
}

type Processor interface {
	ProcessImage(ctx context.Context, path string, opts ImageOptions) ImageResult
	ProcessVideo(ctx context.Context, path string, opts VideoOptions) VideoResult
}

// Safe bounds every call by timeout and turns panics into failed results
func Safe(p Processor, timeout time.Duration) Processor {
	return &safe{p: p, timeout: timeout}
}

type safe struct {
	p       Processor
	timeout time.Duration
}

func (s *safe) ProcessImage(ctx context.Context, path string, opts ImageOptions) ImageResult {
	return guard(ctx, s.timeout, func(ctx context.Context) ImageResult {
		return s.p.ProcessImage(ctx, path, opts)
	}, func(err error) ImageResult {
		return ImageResult{Error: err}
	})
}

func (s *safe) ProcessVideo(ctx context.Context, path string, opts VideoOptions) VideoResult {
	return guard(ctx, s.timeout, func(ctx context.Context) VideoResult {
		return s.p.ProcessVideo(ctx, path, opts)
	}, func(err error) VideoResult {
		return VideoResult{Error: err}
	})
}

func guard[R any](ctx context.Context, timeout time.Duration, run func(context.Context) R, fail func(error) R) R {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan R, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("Media processor panicked", zap.Any("panic", r))
				done <- fail(fmt.Errorf("processor panicked: %v", r))
			}
		}()

		done <- run(ctx)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fail(ErrTimeout)
		}
		return fail(ctx.Err())
	}
}

// Noop passes every file through untouched
type Noop struct{}

func (Noop) ProcessImage(_ context.Context, path string, _ ImageOptions) ImageResult {
	return ImageResult{Success: true, OutputPath: path}
}

func (Noop) ProcessVideo(_ context.Context, path string, _ VideoOptions) VideoResult {
	return VideoResult{Success: true, OutputPath: path}
}
