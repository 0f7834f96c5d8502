package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"bitwise74/media-ingest/db"
	"bitwise74/media-ingest/internal/apperr"
	"bitwise74/media-ingest/internal/hasher"
	"bitwise74/media-ingest/internal/model"
	"bitwise74/media-ingest/internal/storage"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyBackend struct {
	storage.Backend
	failPut    bool
	failDelete bool
}

func (f *flakyBackend) Put(ctx context.Context, objs ...storage.Object) ([]storage.Location, error) {
	if f.failPut {
		return nil, errors.New("bucket unreachable")
	}
	return f.Backend.Put(ctx, objs...)
}

func (f *flakyBackend) Delete(ctx context.Context, keys ...string) error {
	if f.failDelete {
		return errors.New("bucket unreachable")
	}
	return f.Backend.Delete(ctx, keys...)
}

// gatedBackend parks Delete until the test lets it through
type gatedBackend struct {
	storage.Backend
	entered chan struct{}
	proceed chan struct{}
}

func (g *gatedBackend) Delete(ctx context.Context, keys ...string) error {
	close(g.entered)
	<-g.proceed
	return g.Backend.Delete(ctx, keys...)
}

type fixture struct {
	store   *Store
	fs      afero.Fs
	backend *flakyBackend
}

func setup(t *testing.T) *fixture {
	t.Helper()

	d, err := db.NewMemory(t.Name())
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	local, err := storage.NewLocal(fs, "/blobs")
	require.NoError(t, err)

	backend := &flakyBackend{Backend: local}
	return &fixture{store: NewStore(d, fs, backend), fs: fs, backend: backend}
}

// candidate writes data to a fresh working file and returns its path and hash
func (f *fixture) candidate(t *testing.T, name string, data []byte) (string, string) {
	t.Helper()

	p := "/work/" + name
	require.NoError(t, afero.WriteFile(f.fs, p, data, 0o644))

	id, err := hasher.Sum(bytes.NewReader(data))
	require.NoError(t, err)

	return p, id.Hash
}

func countingProcess(n *atomic.Int32) ProcessFunc {
	return func(_ context.Context, _ string, _ string) (*Processed, error) {
		n.Add(1)
		return nil, nil
	}
}

func TestRegisterNewBlob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	data := []byte("some video bytes")
	p, hash := f.candidate(t, "a.mp4", data)

	reg, err := f.store.RegisterOrReuse(ctx, hash, p, "video/mp4", nil)
	require.NoError(t, err)

	assert.False(t, reg.IsDuplicate)
	assert.Zero(t, reg.SpaceSaved)
	assert.Equal(t, int64(1), reg.Blob.RefCount)
	assert.Equal(t, int64(len(data)), reg.Blob.ByteSize)
	assert.Equal(t, model.BlobReady, reg.Blob.Status)
	assert.True(t, strings.HasPrefix(reg.Blob.StorageKey, hash[:2]+"/"+hash+"/"), reg.Blob.StorageKey)
	assert.True(t, strings.HasSuffix(reg.Blob.StorageKey, "/original.mp4"), reg.Blob.StorageKey)

	stored, err := afero.ReadFile(f.fs, reg.Blob.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	exists, _ := afero.Exists(f.fs, p)
	assert.False(t, exists, "candidate should be consumed")
}

func TestDuplicateReusesBlob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var calls atomic.Int32
	data := bytes.Repeat([]byte("x"), 4096)

	p1, hash := f.candidate(t, "first.bin", data)
	_, err := f.store.RegisterOrReuse(ctx, hash, p1, "application/octet-stream", countingProcess(&calls))
	require.NoError(t, err)

	p2, _ := f.candidate(t, "second.bin", data)
	reg, err := f.store.RegisterOrReuse(ctx, hash, p2, "application/octet-stream", countingProcess(&calls))
	require.NoError(t, err)

	assert.True(t, reg.IsDuplicate)
	assert.Equal(t, int64(len(data)), reg.SpaceSaved)
	assert.Equal(t, int64(2), reg.Blob.RefCount)
	assert.Equal(t, int32(1), calls.Load(), "processor must not run for known content")

	exists, _ := afero.Exists(f.fs, p2)
	assert.False(t, exists)

	var rows int64
	require.NoError(t, f.store.db.Model(&model.ContentBlob{}).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func TestRefCountConservation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	data := []byte("shared content")
	const n, m = 5, 3

	var hash, stored string
	for i := range n {
		p, h := f.candidate(t, fmt.Sprintf("c%d", i), data)
		reg, err := f.store.RegisterOrReuse(ctx, h, p, "text/plain", nil)
		require.NoError(t, err)
		hash, stored = h, reg.Blob.StoragePath
	}

	for range m {
		rel, err := f.store.Release(ctx, hash)
		require.NoError(t, err)
		assert.False(t, rel.Reclaimed)
	}

	b, err := f.store.Lookup(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(n-m), b.RefCount)

	exists, _ := afero.Exists(f.fs, stored)
	assert.True(t, exists)

	for i := range n - m {
		rel, err := f.store.Release(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, i == n-m-1, rel.Reclaimed)
	}

	exists, _ = afero.Exists(f.fs, stored)
	assert.False(t, exists, "last release deletes the object")

	_, err = f.store.Lookup(ctx, hash)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	_, err = f.store.Release(ctx, hash)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestProcessedOutputIsStored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p, hash := f.candidate(t, "raw.mov", []byte("raw mov data"))

	w, h, dur := 1280, 720, 3.5
	process := func(_ context.Context, candidate, _ string) (*Processed, error) {
		require.NoError(t, afero.WriteFile(f.fs, "/work/out.mp4", []byte("transcoded"), 0o644))
		require.NoError(t, afero.WriteFile(f.fs, "/work/thumb.webp", []byte("thumb"), 0o644))

		return &Processed{
			OutputPath:    "/work/out.mp4",
			ThumbnailPath: "/work/thumb.webp",
			MimeType:      "video/mp4",
			Width:         &w,
			Height:        &h,
			Duration:      &dur,
		}, nil
	}

	reg, err := f.store.RegisterOrReuse(ctx, hash, p, "video/quicktime", process)
	require.NoError(t, err)

	assert.Equal(t, int64(len("transcoded")), reg.Blob.ByteSize)
	assert.Equal(t, "video/mp4", reg.Blob.MimeType)
	require.NotNil(t, reg.Blob.ThumbnailKey)
	assert.Equal(t, path.Join(path.Dir(reg.Blob.StorageKey), "thumb.webp"), *reg.Blob.ThumbnailKey)
	assert.Equal(t, 1280, *reg.Blob.Width)

	for _, wp := range []string{p, "/work/out.mp4", "/work/thumb.webp"} {
		exists, _ := afero.Exists(f.fs, wp)
		assert.False(t, exists, wp)
	}

	_, err = f.store.Release(ctx, hash)
	require.NoError(t, err)

	exists, _ := afero.Exists(f.fs, "/blobs/"+*reg.Blob.ThumbnailKey)
	assert.False(t, exists, "thumbnail is reclaimed with the blob")
}

func TestProcessingFailureDegrades(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	data := []byte("not really a video")
	p, hash := f.candidate(t, "broken.mp4", data)

	reg, err := f.store.RegisterOrReuse(ctx, hash, p, "video/mp4", func(context.Context, string, string) (*Processed, error) {
		return nil, errors.New("moov atom not found")
	})
	require.NoError(t, err)

	assert.True(t, reg.Degraded)
	assert.Contains(t, reg.Warning, "moov atom not found")
	assert.Equal(t, model.BlobNeedsConversion, reg.Blob.Status)
	assert.Equal(t, int64(len(data)), reg.Blob.ByteSize)

	stored, err := afero.ReadFile(f.fs, reg.Blob.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestStorageFailureLeavesNoRow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.backend.failPut = true

	p, hash := f.candidate(t, "a.txt", []byte("hello"))

	_, err := f.store.RegisterOrReuse(ctx, hash, p, "text/plain", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.StorageFailure, apperr.KindOf(err))

	var rows int64
	require.NoError(t, f.store.db.Model(&model.ContentBlob{}).Count(&rows).Error)
	assert.Zero(t, rows)
}

func TestFailedReclaimIsReconciled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p, hash := f.candidate(t, "a.txt", []byte("orphan me"))
	reg, err := f.store.RegisterOrReuse(ctx, hash, p, "text/plain", nil)
	require.NoError(t, err)

	f.backend.failDelete = true
	rel, err := f.store.Release(ctx, hash)
	require.NoError(t, err)
	assert.False(t, rel.Reclaimed)

	// The orphan is invisible to lookups but still on disk
	_, err = f.store.Lookup(ctx, hash)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
	exists, _ := afero.Exists(f.fs, reg.Blob.StoragePath)
	assert.True(t, exists)

	n, err := f.store.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.backend.failDelete = false
	n, err = f.store.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exists, _ = afero.Exists(f.fs, reg.Blob.StoragePath)
	assert.False(t, exists)

	var rows int64
	require.NoError(t, f.store.db.Model(&model.ContentBlob{}).Count(&rows).Error)
	assert.Zero(t, rows)
}

func TestRegisterOverOrphanRow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	data := []byte("comes back")
	p, hash := f.candidate(t, "a.txt", data)
	_, err := f.store.RegisterOrReuse(ctx, hash, p, "text/plain", nil)
	require.NoError(t, err)

	f.backend.failDelete = true
	_, err = f.store.Release(ctx, hash)
	require.NoError(t, err)
	f.backend.failDelete = false

	p2, _ := f.candidate(t, "b.txt", data)
	reg, err := f.store.RegisterOrReuse(ctx, hash, p2, "text/plain", nil)
	require.NoError(t, err)

	assert.False(t, reg.IsDuplicate)
	assert.Equal(t, int64(1), reg.Blob.RefCount)

	stored, err := afero.ReadFile(f.fs, reg.Blob.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestReregistrationSurvivesLateReclaim(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// A second instance sharing the database and bucket
	gated := &gatedBackend{Backend: f.backend, entered: make(chan struct{}), proceed: make(chan struct{})}
	first := NewStore(f.store.db, f.fs, gated)
	second := f.store

	data := []byte("shared between instances")
	p1, hash := f.candidate(t, "a.txt", data)
	old, err := first.RegisterOrReuse(ctx, hash, p1, "text/plain", nil)
	require.NoError(t, err)

	released := make(chan *Release, 1)
	go func() {
		rel, err := first.Release(ctx, hash)
		assert.NoError(t, err)
		released <- rel
	}()
	<-gated.entered

	p2, _ := f.candidate(t, "b.txt", data)
	reg, err := second.RegisterOrReuse(ctx, hash, p2, "text/plain", nil)
	require.NoError(t, err)
	assert.False(t, reg.IsDuplicate)
	assert.NotEqual(t, old.Blob.StorageKey, reg.Blob.StorageKey)

	close(gated.proceed)
	rel := <-released
	assert.False(t, rel.Reclaimed)

	b, err := second.Lookup(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.RefCount)
	assert.Equal(t, reg.Blob.StorageKey, b.StorageKey)

	stored, err := afero.ReadFile(f.fs, b.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	exists, _ := afero.Exists(f.fs, old.Blob.StoragePath)
	assert.False(t, exists, "the earlier registration's object is gone")
}

func TestConcurrentRegistrationsProcessOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	const workers = 8
	data := []byte("popular upload")

	paths := make([]string, workers)
	var hash string
	for i := range workers {
		paths[i], hash = f.candidate(t, fmt.Sprintf("u%d", i), data)
	}

	var calls atomic.Int32
	var dups atomic.Int32
	var wg sync.WaitGroup

	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			reg, err := f.store.RegisterOrReuse(ctx, hash, paths[i], "text/plain", countingProcess(&calls))
			if assert.NoError(t, err) && reg.IsDuplicate {
				dups.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(workers-1), dups.Load())

	b, err := f.store.Lookup(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), b.RefCount)
}

func TestAcquireAndStats(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.store.Acquire(ctx, "deadbeef")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	p1, h1 := f.candidate(t, "a", []byte("aaaa"))
	_, err = f.store.RegisterOrReuse(ctx, h1, p1, "text/plain", nil)
	require.NoError(t, err)

	p2, h2 := f.candidate(t, "b", []byte("bbbbbbbb"))
	_, err = f.store.RegisterOrReuse(ctx, h2, p2, "text/plain", nil)
	require.NoError(t, err)

	b, err := f.store.Acquire(ctx, h2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.RefCount)

	st, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Blobs)
	assert.Equal(t, int64(3), st.References)
	assert.Equal(t, int64(12), st.StoredBytes)
	assert.Equal(t, int64(8), st.SavedBytes)
}

func TestKeyedMutexForgetsKeys(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.Lock("a")
	assert.Len(t, k.locks, 1)
	unlock()
	assert.Empty(t, k.locks)
}
