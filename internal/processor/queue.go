package processor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

var (
	ErrQueueFull    = errors.New("job queue full")
	ErrQueueStopped = errors.New("job queue stopped")
)

type Job struct {
	ID   string
	Args []string
	// Expected output duration in seconds, enables progress reporting
	Duration   float64
	OnProgress func(percent float64)
	Ctx        context.Context
	Done       chan error
}

// JobQueue bounds the number of ffmpeg processes running at once
type JobQueue struct {
	jobs    chan *Job
	mu      sync.RWMutex
	stopped bool
	running atomic.Int32
	workers int
	threads int
	hwaccel string
	bin     string
}

type QueueOptions struct {
	Workers int
	MaxJobs int
	// e.g. "cuda" or "vaapi", empty disables hardware decoding
	HWAccel string
	Binary  string
}

// NewJobQueue initializes a new job queue that limits the
// max amount of jobs that can be queued at once
func NewJobQueue(o QueueOptions) *JobQueue {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxJobs <= 0 {
		o.MaxJobs = o.Workers
	}
	if o.Binary == "" {
		o.Binary = "ffmpeg"
	}

	zap.L().Debug("Initializing job queue", zap.Int("max_jobs", o.MaxJobs), zap.Int("workers", o.Workers))

	return &JobQueue{
		jobs:    make(chan *Job, o.MaxJobs),
		workers: o.Workers,
		threads: threadsPerJob(o.Workers),
		hwaccel: o.HWAccel,
		bin:     o.Binary,
	}
}

// Figures out the amount of threads to use per ffmpeg job
func threadsPerJob(workers int) int {
	threads := int(math.Floor(float64(runtime.NumCPU()) / float64(workers)))

	return max(threads, 1)
}

func (q *JobQueue) StartWorkerPool() {
	for range q.workers {
		go q.worker()
	}
}

// Stop refuses new jobs and lets the workers exit once the queued ones are
// done. Calling it more than once is fine.
func (q *JobQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	q.stopped = true
	close(q.jobs)
}

func (q *JobQueue) worker() {
	for job := range q.jobs {
		err := q.run(job)

		job.Done <- err
		close(job.Done)

		q.running.Add(-1)

		if err != nil {
			zap.L().Error("FFmpeg job finished with an error", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			zap.L().Debug("FFmpeg job finished successfully", zap.String("job_id", job.ID))
		}
	}
}

func (q *JobQueue) Enqueue(job *Job) error {
	if job.ID == "" {
		job.ID, _ = gonanoid.New(8)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stopped {
		return ErrQueueStopped
	}

	select {
	case q.jobs <- job:
		q.running.Add(1)
		zap.L().Debug("New ffmpeg job enqueued", zap.Int32("enqueued", q.running.Load()), zap.String("job_id", job.ID))
		return nil
	default:
		return ErrQueueFull
	}
}

// Run enqueues args and blocks until ffmpeg exits or ctx is done
func (q *JobQueue) Run(ctx context.Context, args []string, duration float64, onProgress func(float64)) error {
	done := make(chan error, 1)

	err := q.Enqueue(&Job{
		Args:       args,
		Duration:   duration,
		OnProgress: onProgress,
		Ctx:        ctx,
		Done:       done,
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// The hwaccel flag has to go right before the input
func (q *JobQueue) addHWAccelFlags(args []string) []string {
	if q.hwaccel == "" {
		return args
	}

	for i, arg := range args {
		if arg == "-i" {
			out := make([]string, 0, len(args)+2)
			out = append(out, args[:i]...)
			out = append(out, "-hwaccel", q.hwaccel)
			return append(out, args[i:]...)
		}
	}

	return args
}

func (q *JobQueue) run(job *Job) error {
	if err := job.Ctx.Err(); err != nil {
		return err
	}

	args := q.addHWAccelFlags(job.Args)
	args = append([]string{"-threads", strconv.Itoa(q.threads)}, args...)

	if job.OnProgress != nil && job.Duration > 0 {
		args = append(args, "-progress", "pipe:2", "-nostats")
	}

	cmd := exec.CommandContext(job.Ctx, q.bin, args...)

	zap.L().Debug("Running FFmpeg command", zap.String("cmd", cmd.String()))

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe, %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg, %w", err)
	}

	stderrBuf := &bytes.Buffer{}
	scanner := bufio.NewScanner(io.TeeReader(stderrPipe, stderrBuf))
	for scanner.Scan() {
		line := scanner.Text()

		if job.OnProgress == nil || job.Duration <= 0 {
			continue
		}

		if line == "progress=end" {
			job.OnProgress(100)
			continue
		}

		if after, ok := strings.CutPrefix(line, "out_time_ms="); ok {
			// out_time_ms is in microseconds despite the name
			us, err := strconv.ParseFloat(after, 64)
			if err == nil {
				job.OnProgress(min(us/(job.Duration*1e6)*100, 100))
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		zap.L().Error("FFmpeg failed", zap.Error(err), zap.String("stderr", stderrBuf.String()))
		return fmt.Errorf("ffmpeg failed, %w", err)
	}

	return nil
}
