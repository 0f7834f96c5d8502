package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitwise74/media-ingest/internal/model"

	"github.com/jellydator/ttlcache/v2"
)

// Memory keeps tasks in process. Finished tasks expire after ttl.
type Memory struct {
	mu    sync.Mutex
	cache *ttlcache.Cache
	ttl   time.Duration
	now   func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	c := ttlcache.NewCache()
	c.SkipTTLExtensionOnHit(true)

	return &Memory{cache: c, ttl: ttl, now: time.Now}
}

func (m *Memory) Close() error {
	return m.cache.Close()
}

func (m *Memory) store(t model.UploadTask) error {
	ttl := activeTTL
	if t.Status.Terminal() {
		ttl = m.ttl
	}

	return m.cache.SetWithTTL(t.TaskID, t, ttl)
}

func (m *Memory) Create(_ context.Context, ownerID, filename string, size int64) (string, error) {
	t, err := newTask(ownerID, filename, size, m.now())
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store(*t); err != nil {
		return "", fmt.Errorf("failed to store task, %w", err)
	}

	return t.TaskID, nil
}

func (m *Memory) load(id string) (model.UploadTask, error) {
	v, err := m.cache.Get(id)
	if err != nil {
		if errors.Is(err, ttlcache.ErrNotFound) {
			return model.UploadTask{}, ErrNotFound
		}
		return model.UploadTask{}, err
	}

	return v.(model.UploadTask), nil
}

func (m *Memory) Get(_ context.Context, id string) (*model.UploadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.load(id)
	if err != nil {
		return nil, err
	}

	return &t, nil
}

func (m *Memory) update(id string, fn mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.load(id)
	if err != nil {
		return err
	}

	if err := fn(&t); err != nil {
		return err
	}
	t.UpdatedAt = m.now()

	return m.store(t)
}

func (m *Memory) StartUpload(_ context.Context, id string) error {
	return m.update(id, progress(0, model.TaskUploading, ""))
}

func (m *Memory) UpdateProgress(_ context.Context, id string, percent float64, status model.TaskStatus, message string) error {
	return m.update(id, progress(percent, status, message))
}

func (m *Memory) Complete(_ context.Context, id string, mediaID uint) error {
	return m.update(id, complete(mediaID))
}

func (m *Memory) Fail(_ context.Context, id, reason string) error {
	return m.update(id, fail(reason))
}

func (m *Memory) Retry(_ context.Context, id string) error {
	return m.update(id, retry)
}
