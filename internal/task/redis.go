package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitwise74/media-ingest/internal/model"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// Redis stores tasks as JSON under task:<id> so every instance behind a load
// balancer sees the same progress
type Redis struct {
	c   *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedis(c *redis.Client, ttl time.Duration) *Redis {
	return &Redis{c: c, ttl: ttl, now: time.Now}
}

func key(id string) string {
	return "task:" + id
}

func (r *Redis) expiry(t *model.UploadTask) time.Duration {
	if t.Status.Terminal() {
		return r.ttl
	}

	return activeTTL
}

func (r *Redis) Create(ctx context.Context, ownerID, filename string, size int64) (string, error) {
	t, err := newTask(ownerID, filename, size, r.now())
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task, %w", err)
	}

	if err := r.c.Set(ctx, key(t.TaskID), data, r.expiry(t)).Err(); err != nil {
		return "", fmt.Errorf("failed to store task, %w", err)
	}

	return t.TaskID, nil
}

func decode(data []byte) (*model.UploadTask, error) {
	var t model.UploadTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("malformed task, %w", err)
	}

	return &t, nil
}

func (r *Redis) Get(ctx context.Context, id string) (*model.UploadTask, error) {
	data, err := r.c.Get(ctx, key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task, %w", err)
	}

	return decode(data)
}

// update runs fn inside an optimistic WATCH transaction and retries when
// another writer got there first
func (r *Redis) update(ctx context.Context, id string, fn mutation) error {
	k := key(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}

		t, err := decode(data)
		if err != nil {
			return err
		}

		if err := fn(t); err != nil {
			return err
		}
		t.UpdatedAt = r.now()

		out, err := json.Marshal(t)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, out, r.expiry(t))
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := r.c.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return err
	}

	return fmt.Errorf("failed to update task %s, too much contention", id)
}

func (r *Redis) StartUpload(ctx context.Context, id string) error {
	return r.update(ctx, id, progress(0, model.TaskUploading, ""))
}

func (r *Redis) UpdateProgress(ctx context.Context, id string, percent float64, status model.TaskStatus, message string) error {
	return r.update(ctx, id, progress(percent, status, message))
}

func (r *Redis) Complete(ctx context.Context, id string, mediaID uint) error {
	return r.update(ctx, id, complete(mediaID))
}

func (r *Redis) Fail(ctx context.Context, id, reason string) error {
	return r.update(ctx, id, fail(reason))
}

func (r *Redis) Retry(ctx context.Context, id string) error {
	return r.update(ctx, id, retry)
}
