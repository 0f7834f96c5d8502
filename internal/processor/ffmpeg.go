package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bitwise74/media-ingest/pkg/util"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// FFmpeg implements Processor with ffmpeg and ffprobe running through a
// bounded JobQueue
type FFmpeg struct {
	Queue     *JobQueue
	ProbeBin  string
	TempDir   string
	Transcode bool
}

func NewFFmpeg(q *JobQueue, tempDir string) *FFmpeg {
	return &FFmpeg{Queue: q, ProbeBin: "ffprobe", TempDir: tempDir}
}

func (f *FFmpeg) outPath(dir, ext string) string {
	if dir == "" {
		dir = f.TempDir
	}
	if dir == "" {
		dir = os.TempDir()
	}

	id, _ := gonanoid.New(12)
	return filepath.Join(dir, "processed-"+id+ext)
}

func (f *FFmpeg) ProcessImage(ctx context.Context, p string, opts ImageOptions) ImageResult {
	info, err := probe(ctx, f.ProbeBin, p)
	if err != nil {
		return ImageResult{Error: err}
	}

	res := ImageResult{Width: info.Width, Height: info.Height, OutputPath: p}

	if opts.MaxWidth > 0 && info.Width > opts.MaxWidth {
		out := f.outPath(opts.OutputDir, strings.ToLower(filepath.Ext(p)))

		err := f.Queue.Run(ctx, []string{
			"-y",
			"-loglevel", "error",
			"-i", p,
			"-vf", fmt.Sprintf("scale=%d:-2", opts.MaxWidth),
			out,
		}, 0, nil)
		if err != nil {
			os.Remove(out)
			return ImageResult{Error: fmt.Errorf("failed to resize image, %w", err)}
		}

		resized, err := probe(ctx, f.ProbeBin, out)
		if err != nil {
			os.Remove(out)
			return ImageResult{Error: err}
		}

		res.Width, res.Height, res.OutputPath = resized.Width, resized.Height, out
	}

	stat, err := os.Stat(res.OutputPath)
	if err != nil {
		return ImageResult{Error: err}
	}

	res.Size = stat.Size()
	res.Success = true
	return res
}

// ProcessVideo produces a faststart mp4 plus a webp thumbnail. Non mp4
// input, or any input when Transcode is set, is re-encoded.
func (f *FFmpeg) ProcessVideo(ctx context.Context, p string, opts VideoOptions) VideoResult {
	info, err := probe(ctx, f.ProbeBin, p)
	if err != nil {
		return VideoResult{Error: err}
	}

	out := f.outPath(opts.OutputDir, ".mp4")
	thumb := f.outPath(opts.OutputDir, ".webp")

	var args []string
	if f.Transcode || strings.ToLower(filepath.Ext(p)) != ".mp4" {
		args = []string{
			"-y",
			"-i", p,
			"-c:v", "libx264",
			"-c:a", "aac",
			"-movflags", "+faststart",
			"-f", "mp4",
			out,
		}
	} else {
		args = []string{
			"-y",
			"-i", p,
			"-c:a", "copy",
			"-c:v", "copy",
			"-movflags", "+faststart",
			"-f", "mp4",
			out,
		}
	}

	cleanup := func() {
		os.Remove(out)
		os.Remove(thumb)
	}

	if err := f.Queue.Run(ctx, args, info.Duration, opts.OnProgress); err != nil {
		cleanup()
		return VideoResult{Error: fmt.Errorf("failed to transcode video, %w", err)}
	}

	// The thumbnail and the output probe don't depend on each other
	var outInfo probeResult
	g := pool.New().WithErrors().WithContext(ctx)
	g.Go(func(ctx context.Context) error {
		// -ss before the input uses key-frame seeking so that it's faster
		return f.Queue.Run(ctx, []string{
			"-y",
			"-loglevel", "error",
			"-ss", util.Timestamp(util.Seconds(info.Duration / 10)),
			"-i", out,
			"-frames:v", "1",
			"-q:v", "2",
			"-vf", "scale=-1:320",
			thumb,
		}, 0, nil)
	})
	g.Go(func(ctx context.Context) error {
		var err error
		outInfo, err = probe(ctx, f.ProbeBin, out)
		return err
	})

	if err := g.Wait(); err != nil {
		cleanup()
		return VideoResult{Error: fmt.Errorf("failed to finish video processing, %w", err)}
	}

	stat, err := os.Stat(out)
	if err != nil {
		cleanup()
		return VideoResult{Error: err}
	}

	zap.L().Debug("Processed video", zap.String("input", p), zap.Float64("duration", outInfo.Duration))

	return VideoResult{
		Success:       true,
		Width:         outInfo.Width,
		Height:        outInfo.Height,
		Duration:      outInfo.Duration,
		ThumbnailPath: thumb,
		Size:          stat.Size(),
		OutputPath:    out,
	}
}
