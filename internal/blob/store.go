// Package blob keeps exactly one physical copy per content hash and counts
// the media records referencing it
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"bitwise74/media-ingest/internal/apperr"
	"bitwise74/media-ingest/internal/hasher"
	"bitwise74/media-ingest/internal/metrics"
	"bitwise74/media-ingest/internal/model"
	"bitwise74/media-ingest/internal/storage"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Processed describes what a ProcessFunc produced. Paths live on the
// working filesystem handed to NewStore.
type Processed struct {
	OutputPath    string
	ThumbnailPath string
	MimeType      string
	Width         *int
	Height        *int
	Duration      *float64
}

// ProcessFunc turns a freshly uploaded candidate into its stored form. It
// only runs for content that isn't stored yet.
type ProcessFunc func(ctx context.Context, candidatePath, mime string) (*Processed, error)

type Registration struct {
	Blob        *model.ContentBlob
	IsDuplicate bool
	SpaceSaved  int64
	Degraded    bool
	Warning     string
}

type Release struct {
	RefCount  int64
	Reclaimed bool
}

type Stats struct {
	Blobs       int64 `json:"blobs"`
	References  int64 `gorm:"column:ref_total" json:"references"`
	StoredBytes int64 `json:"storedBytes"`
	SavedBytes  int64 `json:"savedBytes"`
}

type Store struct {
	db      *gorm.DB
	fs      afero.Fs
	backend storage.Backend
	locks   *keyedMutex
}

func NewStore(db *gorm.DB, fs afero.Fs, backend storage.Backend) *Store {
	return &Store{db: db, fs: fs, backend: backend, locks: newKeyedMutex()}
}

func (s *Store) Backend() storage.Backend {
	return s.backend
}

const generationAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newGeneration returns a token unique to one registration of a hash. Keys
// carry it so a late delete of a reclaimed registration never touches the
// objects of a newer one.
func newGeneration() (string, error) {
	return gonanoid.Generate(generationAlphabet, 12)
}

func OriginalKey(hash, generation, ext string) string {
	return path.Join(hash[:2], hash, generation, "original"+ext)
}

func ThumbnailKey(hash, generation string) string {
	return path.Join(hash[:2], hash, generation, "thumb.webp")
}

func validHash(hash string) error {
	if len(hash) < 2 {
		return apperr.Newf(apperr.InvalidRequest, "invalid content hash %q", hash)
	}

	return nil
}

// Lookup returns the live blob for hash. Rows whose references have all
// been released count as missing.
func (s *Store) Lookup(ctx context.Context, hash string) (*model.ContentBlob, error) {
	var b model.ContentBlob

	err := s.db.WithContext(ctx).
		Where("content_hash = ? AND ref_count > 0", hash).
		First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, "blob not found")
		}

		return nil, apperr.Wrap(apperr.StorageFailure, "failed to look up blob", err)
	}

	return &b, nil
}

// increment takes one more reference on a live blob
func (s *Store) increment(ctx context.Context, hash string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.ContentBlob{}).
		Where("content_hash = ? AND ref_count > 0", hash).
		Update("ref_count", gorm.Expr("ref_count + 1"))
	if res.Error != nil {
		return false, res.Error
	}

	return res.RowsAffected == 1, nil
}

// RegisterOrReuse either references the existing blob for hash or stores
// the candidate as a new one. The candidate file is consumed either way.
func (s *Store) RegisterOrReuse(ctx context.Context, hash, candidatePath, mime string, process ProcessFunc) (*Registration, error) {
	if err := validHash(hash); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(hash)
	defer unlock()

	reg, err := s.reuse(ctx, hash)
	if err != nil {
		return nil, err
	}
	if reg != nil {
		s.removeWorking(candidatePath)
		return reg, nil
	}

	if err := s.purgeStale(ctx, hash); err != nil {
		return nil, err
	}

	return s.register(ctx, hash, candidatePath, mime, process)
}

func (s *Store) reuse(ctx context.Context, hash string) (*Registration, error) {
	ok, err := s.increment(ctx, hash)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to reference blob", err)
	}
	if !ok {
		return nil, nil
	}

	var b model.ContentBlob
	if err := s.db.WithContext(ctx).Where("content_hash = ?", hash).First(&b).Error; err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to load blob", err)
	}

	metrics.DedupHits.Inc()
	metrics.BytesSaved.Add(float64(b.ByteSize))

	zap.L().Debug("Reusing stored blob", zap.String("hash", hash), zap.Int64("ref_count", b.RefCount))

	return &Registration{Blob: &b, IsDuplicate: true, SpaceSaved: b.ByteSize}, nil
}

// purgeStale drops a zero-reference row left behind by a failed reclaim
func (s *Store) purgeStale(ctx context.Context, hash string) error {
	var stale model.ContentBlob

	err := s.db.WithContext(ctx).Where("content_hash = ? AND ref_count = 0", hash).First(&stale).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, "failed to check for stale blob", err)
	}

	zap.L().Info("Purging stale blob row", zap.String("hash", hash))

	if err := s.backend.Delete(ctx, blobKeys(&stale)...); err != nil {
		zap.L().Warn("Failed to delete stale blob objects", zap.String("hash", hash), zap.Error(err))
	}

	err = s.db.WithContext(ctx).
		Where("content_hash = ? AND ref_count = 0 AND storage_key = ?", hash, stale.StorageKey).
		Delete(&model.ContentBlob{}).Error
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, "failed to purge stale blob", err)
	}

	return nil
}

func (s *Store) register(ctx context.Context, hash, candidatePath, mime string, process ProcessFunc) (*Registration, error) {
	reg := &Registration{}

	out := &Processed{OutputPath: candidatePath, MimeType: mime}
	status := model.BlobReady

	if process != nil {
		p, err := process(ctx, candidatePath, mime)
		switch {
		case err != nil:
			zap.L().Warn("Processing failed, storing original", zap.String("hash", hash), zap.Error(err))
			metrics.ProcessorFailures.WithLabelValues(string(hasher.Kind(mime))).Inc()

			status = model.BlobNeedsConversion
			reg.Degraded = true
			reg.Warning = fmt.Sprintf("media processing failed, original file stored as-is: %v", err)
		case p != nil && p.OutputPath != "":
			out = p
			if out.MimeType == "" {
				out.MimeType = mime
			}
		}
	}

	working := []string{candidatePath, out.OutputPath, out.ThumbnailPath}
	defer s.removeWorking(working...)

	stat, err := s.fs.Stat(out.OutputPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to stat processed file", err)
	}

	gen, err := newGeneration()
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to generate storage key", err)
	}

	b := &model.ContentBlob{
		ContentHash:     hash,
		ByteSize:        stat.Size(),
		MimeType:        out.MimeType,
		StorageKey:      OriginalKey(hash, gen, hasher.Extension(out.MimeType)),
		Width:           out.Width,
		Height:          out.Height,
		DurationSeconds: out.Duration,
		Status:          status,
		RefCount:        1,
	}

	objs := []storage.Object{{Key: b.StorageKey, SourcePath: out.OutputPath, ContentType: out.MimeType}}
	if out.ThumbnailPath != "" {
		k := ThumbnailKey(hash, gen)
		b.ThumbnailKey = &k
		objs = append(objs, storage.Object{Key: k, SourcePath: out.ThumbnailPath, ContentType: "image/webp"})
	}

	locs, err := s.backend.Put(ctx, objs...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to store blob", err)
	}
	b.StoragePath = locs[0].Path

	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		// Another process may have registered the same content in the meantime
		if ok, incErr := s.increment(ctx, hash); incErr == nil && ok {
			zap.L().Info("Lost blob registration race, reusing winner", zap.String("hash", hash))

			winner, lerr := s.Lookup(ctx, hash)
			if lerr != nil {
				return nil, lerr
			}
			s.dropUnlessShared(ctx, b, winner)

			metrics.DedupHits.Inc()
			metrics.BytesSaved.Add(float64(winner.ByteSize))

			return &Registration{Blob: winner, IsDuplicate: true, SpaceSaved: winner.ByteSize}, nil
		}

		if derr := s.backend.Delete(context.WithoutCancel(ctx), blobKeys(b)...); derr != nil {
			zap.L().Error("Failed to remove stored objects after failed insert", zap.String("hash", hash), zap.Error(derr))
		}

		return nil, apperr.Wrap(apperr.StorageFailure, "failed to record blob", err)
	}

	zap.L().Debug("Registered new blob",
		zap.String("hash", hash),
		zap.Int64("size", b.ByteSize),
		zap.String("backend", s.backend.Name()),
		zap.Bool("degraded", reg.Degraded),
	)

	reg.Blob = b
	return reg, nil
}

// dropUnlessShared deletes the objects ours wrote unless the winner uses
// the same keys
func (s *Store) dropUnlessShared(ctx context.Context, ours, winner *model.ContentBlob) {
	keep := make(map[string]bool)
	for _, k := range blobKeys(winner) {
		keep[k] = true
	}

	var drop []string
	for _, k := range blobKeys(ours) {
		if !keep[k] {
			drop = append(drop, k)
		}
	}

	if len(drop) == 0 {
		return
	}

	if err := s.backend.Delete(context.WithoutCancel(ctx), drop...); err != nil {
		zap.L().Warn("Failed to delete redundant objects", zap.Strings("keys", drop), zap.Error(err))
	}
}

func (s *Store) removeWorking(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}

		if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			zap.L().Warn("Failed to remove working file", zap.String("path", p), zap.Error(err))
		}
	}
}

// Acquire takes another reference on a live blob
func (s *Store) Acquire(ctx context.Context, hash string) (*model.ContentBlob, error) {
	unlock := s.locks.Lock(hash)
	defer unlock()

	ok, err := s.increment(ctx, hash)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to reference blob", err)
	}
	if !ok {
		return nil, apperr.New(apperr.NotFound, "blob not found")
	}

	return s.Lookup(ctx, hash)
}

// Release drops one reference. The last reference deletes the physical
// objects first and the row after; if the objects can't be deleted the
// zero-reference row stays behind for Reconcile.
func (s *Store) Release(ctx context.Context, hash string) (*Release, error) {
	unlock := s.locks.Lock(hash)
	defer unlock()

	res := s.db.WithContext(ctx).
		Model(&model.ContentBlob{}).
		Where("content_hash = ? AND ref_count > 0", hash).
		Update("ref_count", gorm.Expr("ref_count - 1"))
	if res.Error != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to release blob", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.New(apperr.NotFound, "blob not found")
	}

	var b model.ContentBlob
	if err := s.db.WithContext(ctx).Where("content_hash = ?", hash).First(&b).Error; err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to load blob", err)
	}

	if b.RefCount > 0 {
		return &Release{RefCount: b.RefCount}, nil
	}

	reclaimed, err := s.reclaim(context.WithoutCancel(ctx), &b)
	if err != nil {
		zap.L().Error("Failed to reclaim blob, leaving it for reconciliation", zap.String("hash", hash), zap.Error(err))
		return &Release{}, nil
	}

	return &Release{Reclaimed: reclaimed}, nil
}

func (s *Store) reclaim(ctx context.Context, b *model.ContentBlob) (bool, error) {
	if err := s.backend.Delete(ctx, blobKeys(b)...); err != nil {
		return false, fmt.Errorf("failed to delete objects, %w", err)
	}

	// Only the registration whose objects were deleted above
	res := s.db.WithContext(ctx).
		Where("content_hash = ? AND ref_count = 0 AND storage_key = ?", b.ContentHash, b.StorageKey).
		Delete(&model.ContentBlob{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete blob row, %w", res.Error)
	}

	if res.RowsAffected == 1 {
		metrics.BlobsReclaimed.Inc()
		zap.L().Debug("Reclaimed blob", zap.String("hash", b.ContentHash))
	}

	return res.RowsAffected == 1, nil
}

// Reconcile reclaims zero-reference rows whose objects couldn't be deleted
// earlier
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	var hashes []string

	err := s.db.WithContext(ctx).
		Model(&model.ContentBlob{}).
		Where("ref_count = 0").
		Pluck("content_hash", &hashes).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list orphan blobs, %w", err)
	}

	var n int
	for _, h := range hashes {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		ok, err := s.reconcileOne(ctx, h)
		if err != nil {
			zap.L().Error("Failed to reconcile blob", zap.String("hash", h), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}

	if n > 0 {
		zap.L().Info("Reconciled orphan blobs", zap.Int("count", n))
	}

	return n, nil
}

func (s *Store) reconcileOne(ctx context.Context, hash string) (bool, error) {
	unlock := s.locks.Lock(hash)
	defer unlock()

	var b model.ContentBlob
	err := s.db.WithContext(ctx).Where("content_hash = ? AND ref_count = 0", hash).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return s.reclaim(ctx, &b)
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats

	err := s.db.WithContext(ctx).
		Model(&model.ContentBlob{}).
		Select(`COUNT(*) AS blobs,
			COALESCE(SUM(ref_count), 0) AS ref_total,
			COALESCE(SUM(byte_size), 0) AS stored_bytes,
			COALESCE(SUM(byte_size * (ref_count - 1)), 0) AS saved_bytes`).
		Where("ref_count > 0").
		Scan(&st).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute blob stats, %w", err)
	}

	return &st, nil
}

func blobKeys(b *model.ContentBlob) []string {
	keys := []string{b.StorageKey}
	if b.ThumbnailKey != nil {
		keys = append(keys, *b.ThumbnailKey)
	}

	return keys
}
