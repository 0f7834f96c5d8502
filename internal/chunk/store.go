// Package chunk persists the byte ranges of in-flight chunked uploads
package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"bitwise74/media-ingest/internal/apperr"
	"bitwise74/media-ingest/internal/metrics"
	"bitwise74/media-ingest/internal/model"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxUploadIDLen = 64

type Options struct {
	// Root of the per-owner chunk directories
	Dir string
	// Largest accepted chunk in bytes, 0 disables the check
	MaxChunkSize int64
}

type Store struct {
	db   *gorm.DB
	fs   afero.Fs
	opts Options
	now  func() time.Time
}

func NewStore(db *gorm.DB, fs afero.Fs, opts Options) *Store {
	return &Store{db: db, fs: fs, opts: opts, now: time.Now}
}

// ChunkInput is one chunk upload request. Filename and DeclaredSize are only
// used when this chunk creates the session.
type ChunkInput struct {
	OwnerID      string
	UploadID     string
	Index        int
	TotalChunks  int
	Filename     string
	DeclaredSize int64
	TaskID       string
	Body         io.Reader
}

type Receipt struct {
	ReceivedCount int
	TotalChunks   int
	AllReceived   bool
	// Task the session was opened with, if any
	TaskID string
}

// Dir returns the working directory of a single upload
func (s *Store) Dir(ownerID, uploadID string) string {
	return filepath.Join(s.opts.Dir, "parts", ownerID, uploadID)
}

// AssembledPath is where the merged file of an upload is written
func (s *Store) AssembledPath(uploadID, ext string) string {
	return filepath.Join(s.opts.Dir, "assembled", uploadID+ext)
}

func (s *Store) partPath(ownerID, uploadID string, index int) string {
	return filepath.Join(s.Dir(ownerID, uploadID), strconv.Itoa(index)+".part")
}

func validIDs(ownerID, uploadID string) error {
	if ownerID == "" {
		return apperr.New(apperr.InvalidRequest, "owner is required")
	}
	if uploadID == "" {
		return apperr.New(apperr.InvalidRequest, "uploadId is required")
	}
	if len(uploadID) > maxUploadIDLen {
		return apperr.New(apperr.InvalidRequest, "uploadId is too long")
	}
	for _, r := range uploadID {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return apperr.New(apperr.InvalidRequest, "uploadId may only contain letters, digits, '-' and '_'")
		}
	}
	// Both end up as path segments
	for _, id := range []string{ownerID, uploadID} {
		if id == "." || id == ".." || filepath.Base(id) != id {
			return apperr.Newf(apperr.InvalidRequest, "invalid identifier %q", id)
		}
	}

	return nil
}

// Init creates an empty session with a server generated upload id
func (s *Store) Init(ctx context.Context, ownerID, filename string, totalChunks int, size int64, taskID string) (*model.UploadSession, error) {
	if totalChunks <= 0 {
		return nil, apperr.New(apperr.InvalidRequest, "totalChunks must be bigger than 0")
	}
	if filename == "" {
		return nil, apperr.New(apperr.InvalidRequest, "fileName is required")
	}

	now := s.now()
	sess := &model.UploadSession{
		UploadID:         uuid.NewString(),
		OwnerID:          ownerID,
		OriginalFilename: filename,
		TotalChunks:      totalChunks,
		DeclaredSize:     size,
		TaskID:           taskID,
		State:            model.SessionReceiving,
		CreatedAt:        now,
		LastActivity:     now,
	}

	if err := validIDs(ownerID, sess.UploadID); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to create upload session", err)
	}

	return sess, nil
}

// StoreChunk persists one chunk. Chunks may arrive in any order and
// concurrently for distinct indices; re-sending an index overwrites it.
func (s *Store) StoreChunk(ctx context.Context, in ChunkInput) (Receipt, error) {
	if err := validIDs(in.OwnerID, in.UploadID); err != nil {
		return Receipt{}, err
	}
	if in.TotalChunks <= 0 {
		return Receipt{}, apperr.New(apperr.InvalidRequest, "totalChunks must be bigger than 0")
	}
	if in.Index < 0 || in.Index >= in.TotalChunks {
		return Receipt{}, apperr.Newf(apperr.InvalidRequest, "chunkIndex %d out of range [0, %d)", in.Index, in.TotalChunks)
	}
	if in.Body == nil {
		return Receipt{}, apperr.New(apperr.InvalidRequest, "chunk is empty")
	}

	sess, err := s.ensureSession(ctx, in)
	if err != nil {
		return Receipt{}, err
	}

	if sess.State != model.SessionReceiving {
		return Receipt{}, apperr.Newf(apperr.StaleUpload, "upload %s is already %s", in.UploadID, sess.State)
	}

	target := s.partPath(in.OwnerID, in.UploadID, in.Index)
	tmp, n, err := s.writePart(target, in.Body)
	if err != nil {
		return Receipt{}, err
	}

	rec := model.ChunkRecord{
		UploadID:   in.UploadID,
		Index:      in.Index,
		ByteLength: n,
		StoredPath: target,
		UpdatedAt:  s.now(),
	}

	var count int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Only commit while nobody has claimed the upload for assembly
		res := tx.
			Model(&model.UploadSession{}).
			Where("upload_id = ? AND state = ?", in.UploadID, model.SessionReceiving).
			Update("last_activity", s.now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStale
		}

		if err := s.fs.Rename(tmp, target); err != nil {
			return fmt.Errorf("failed to move chunk into place, %w", err)
		}

		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "upload_id"}, {Name: "chunk_index"}},
			DoUpdates: clause.AssignmentColumns([]string{"byte_length", "stored_path", "updated_at"}),
		}).Create(&rec).Error
		if err != nil {
			return err
		}

		// Counted under the session row lock so exactly one writer sees the last chunk land
		return tx.Model(&model.ChunkRecord{}).Where("upload_id = ?", in.UploadID).Count(&count).Error
	})
	if err != nil {
		s.fs.Remove(tmp)

		if errors.Is(err, errStale) {
			return Receipt{}, apperr.Newf(apperr.StaleUpload, "upload %s was finalized while the chunk was in flight", in.UploadID)
		}

		return Receipt{}, apperr.Wrap(apperr.StorageFailure, "failed to record chunk", err)
	}

	metrics.ChunksReceived.Inc()
	metrics.ChunkBytes.Add(float64(n))

	zap.L().Debug("Stored chunk",
		zap.String("upload_id", in.UploadID),
		zap.Int("index", in.Index),
		zap.Int64("bytes", n),
		zap.Int64("received", count))

	return Receipt{
		ReceivedCount: int(count),
		TotalChunks:   sess.TotalChunks,
		AllReceived:   int(count) == sess.TotalChunks,
		TaskID:        sess.TaskID,
	}, nil
}

var errStale = errors.New("session no longer receiving")

func (s *Store) ensureSession(ctx context.Context, in ChunkInput) (*model.UploadSession, error) {
	now := s.now()
	candidate := model.UploadSession{
		UploadID:         in.UploadID,
		OwnerID:          in.OwnerID,
		OriginalFilename: in.Filename,
		TotalChunks:      in.TotalChunks,
		DeclaredSize:     in.DeclaredSize,
		TaskID:           in.TaskID,
		State:            model.SessionReceiving,
		CreatedAt:        now,
		LastActivity:     now,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&candidate).
		Error
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to create upload session", err)
	}

	var sess model.UploadSession
	if err := s.db.WithContext(ctx).Where("upload_id = ?", in.UploadID).First(&sess).Error; err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to load upload session", err)
	}

	// Don't leak that somebody else owns this id
	if sess.OwnerID != in.OwnerID {
		return nil, apperr.Newf(apperr.NotFound, "upload %s not found", in.UploadID)
	}

	if sess.TotalChunks != in.TotalChunks {
		return nil, apperr.Newf(apperr.InvalidRequest, "totalChunks %d doesn't match the %d declared for this upload", in.TotalChunks, sess.TotalChunks)
	}

	return &sess, nil
}

// writePart writes the chunk next to target and returns the temp file. It
// is only moved into place once the chunk is recorded, so a retried chunk
// never leaves a half written part behind.
func (s *Store) writePart(target string, r io.Reader) (string, int64, error) {
	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", 0, apperr.Wrap(apperr.StorageFailure, "failed to create chunk directory", err)
	}

	tmp, err := afero.TempFile(s.fs, filepath.Dir(target), filepath.Base(target)+".*.tmp")
	if err != nil {
		return "", 0, apperr.Wrap(apperr.StorageFailure, "failed to create chunk file", err)
	}

	var src io.Reader = r
	if s.opts.MaxChunkSize > 0 {
		src = io.LimitReader(r, s.opts.MaxChunkSize+1)
	}

	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.fs.Remove(tmp.Name())
		return "", 0, apperr.Wrap(apperr.StorageFailure, "failed to write chunk", err)
	}

	if n == 0 {
		s.fs.Remove(tmp.Name())
		return "", 0, apperr.New(apperr.InvalidRequest, "chunk is empty")
	}

	if s.opts.MaxChunkSize > 0 && n > s.opts.MaxChunkSize {
		s.fs.Remove(tmp.Name())
		return "", 0, apperr.Newf(apperr.SizeLimitExceeded, "chunk exceeds %d bytes", s.opts.MaxChunkSize)
	}

	return tmp.Name(), n, nil
}

func (s *Store) ReceivedCount(ctx context.Context, uploadID string) (int, error) {
	var count int64

	err := s.db.WithContext(ctx).
		Model(&model.ChunkRecord{}).
		Where("upload_id = ?", uploadID).
		Count(&count).
		Error
	if err != nil {
		return 0, apperr.Wrap(apperr.StorageFailure, "failed to count chunks", err)
	}

	return int(count), nil
}

// Chunks returns every record of an upload ordered by index
func (s *Store) Chunks(ctx context.Context, uploadID string) ([]model.ChunkRecord, error) {
	var recs []model.ChunkRecord

	err := s.db.WithContext(ctx).
		Where("upload_id = ?", uploadID).
		Order("chunk_index asc").
		Find(&recs).
		Error
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to list chunks", err)
	}

	return recs, nil
}

// Missing lists the indices in [0, total) without a ChunkRecord
func Missing(recs []model.ChunkRecord, total int) []int {
	seen := make(map[int]bool, len(recs))
	for _, r := range recs {
		seen[r.Index] = true
	}

	missing := []int{}
	for i := range total {
		if !seen[i] {
			missing = append(missing, i)
		}
	}

	return missing
}

// Session loads an upload session owned by ownerID
func (s *Store) Session(ctx context.Context, ownerID, uploadID string) (*model.UploadSession, error) {
	var sess model.UploadSession

	err := s.db.WithContext(ctx).
		Where("upload_id = ? AND owner_id = ?", uploadID, ownerID).
		First(&sess).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.NotFound, "upload %s not found", uploadID)
		}

		return nil, apperr.Wrap(apperr.StorageFailure, "failed to load upload session", err)
	}

	return &sess, nil
}

type SessionStatus struct {
	Session  *model.UploadSession
	Received []int
	Missing  []int
}

// Status reports which chunks a resuming client still has to send
func (s *Store) Status(ctx context.Context, ownerID, uploadID string) (*SessionStatus, error) {
	sess, err := s.Session(ctx, ownerID, uploadID)
	if err != nil {
		return nil, err
	}

	recs, err := s.Chunks(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	received := make([]int, len(recs))
	for i, r := range recs {
		received[i] = r.Index
	}
	sort.Ints(received)

	missing := []int{}
	if sess.State == model.SessionReceiving {
		missing = Missing(recs, sess.TotalChunks)
	}

	return &SessionStatus{Session: sess, Received: received, Missing: missing}, nil
}

// Discard removes the chunk directory, any leftover merged file and the
// chunk records of an upload
func (s *Store) Discard(ctx context.Context, ownerID, uploadID string) error {
	leftovers, _ := afero.Glob(s.fs, s.AssembledPath(uploadID, "*"))
	for _, p := range leftovers {
		s.fs.Remove(p)
	}

	return s.RemoveParts(ctx, ownerID, uploadID)
}

// RemoveParts drops the chunk directory and chunk records once they are no
// longer needed
func (s *Store) RemoveParts(ctx context.Context, ownerID, uploadID string) error {
	if err := s.fs.RemoveAll(s.Dir(ownerID, uploadID)); err != nil {
		return fmt.Errorf("failed to remove chunk directory, %w", err)
	}

	err := s.db.WithContext(ctx).
		Where("upload_id = ?", uploadID).
		Delete(&model.ChunkRecord{}).
		Error
	if err != nil {
		return fmt.Errorf("failed to delete chunk records, %w", err)
	}

	return nil
}

// Complete marks an assembled upload as turned into mediaID
func (s *Store) Complete(ctx context.Context, uploadID string, mediaID uint) error {
	err := s.db.WithContext(ctx).
		Model(&model.UploadSession{}).
		Where("upload_id = ? AND state = ?", uploadID, model.SessionAssembled).
		Updates(map[string]any{
			"state":         model.SessionCompleted,
			"media_id":      mediaID,
			"last_activity": s.now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark upload as completed, %w", err)
	}

	return nil
}

// Fail marks an assembled upload whose content was rejected and removes
// whatever is left of it
func (s *Store) Fail(ctx context.Context, ownerID, uploadID string) error {
	err := s.db.WithContext(ctx).
		Model(&model.UploadSession{}).
		Where("upload_id = ? AND state = ?", uploadID, model.SessionAssembled).
		Updates(map[string]any{
			"state":         model.SessionFailed,
			"last_activity": s.now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark upload as failed, %w", err)
	}

	return s.Discard(ctx, ownerID, uploadID)
}
