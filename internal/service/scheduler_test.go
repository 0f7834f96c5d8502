package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	calls   atomic.Int32
	idleFor time.Duration
	err     error
}

func (f *fakeSweeper) Sweep(_ context.Context, idleFor time.Duration) (int, error) {
	f.calls.Add(1)
	f.idleFor = idleFor
	return 2, f.err
}

type fakeReconciler struct {
	calls atomic.Int32
}

func (f *fakeReconciler) Reconcile(context.Context) (int, error) {
	f.calls.Add(1)
	return 0, nil
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{SweepSchedule: "not a schedule"}, &fakeSweeper{}, &fakeReconciler{})
	require.Error(t, err)

	_, err = NewScheduler(SchedulerConfig{ReconcileSchedule: "61 * * * *"}, &fakeSweeper{}, &fakeReconciler{})
	require.Error(t, err)
}

func TestNewSchedulerSkipsEmptySchedules(t *testing.T) {
	s, err := NewScheduler(SchedulerConfig{}, &fakeSweeper{}, &fakeReconciler{})
	require.NoError(t, err)
	assert.Empty(t, s.c.Entries())

	s, err = NewScheduler(SchedulerConfig{
		SweepSchedule:     "@every 1h",
		ReconcileSchedule: "0 3 * * *",
	}, &fakeSweeper{}, &fakeReconciler{})
	require.NoError(t, err)
	assert.Len(t, s.c.Entries(), 2)
}

func TestSchedulerRunsJobs(t *testing.T) {
	sw := &fakeSweeper{}
	rc := &fakeReconciler{}

	s, err := NewScheduler(SchedulerConfig{
		SweepSchedule:     "@every 1s",
		ReconcileSchedule: "@every 1s",
		ChunkExpiry:       time.Hour,
	}, sw, rc)
	require.NoError(t, err)

	s.Start()
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool {
		return sw.calls.Load() > 0 && rc.calls.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRunSweepPassesExpiry(t *testing.T) {
	sw := &fakeSweeper{}
	RunSweep(context.Background(), sw, 90*time.Minute)

	assert.EqualValues(t, 1, sw.calls.Load())
	assert.Equal(t, 90*time.Minute, sw.idleFor)

	sw.err = errors.New("db down")
	RunSweep(context.Background(), sw, time.Minute)
	assert.EqualValues(t, 2, sw.calls.Load())
}
