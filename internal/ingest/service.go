// Package ingest turns completed uploads into media records backed by
// deduplicated blobs
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bitwise74/media-ingest/internal/apperr"
	"bitwise74/media-ingest/internal/assemble"
	"bitwise74/media-ingest/internal/blob"
	"bitwise74/media-ingest/internal/catalog"
	"bitwise74/media-ingest/internal/chunk"
	"bitwise74/media-ingest/internal/hasher"
	"bitwise74/media-ingest/internal/metrics"
	"bitwise74/media-ingest/internal/model"
	"bitwise74/media-ingest/internal/processor"
	"bitwise74/media-ingest/internal/task"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Config struct {
	// Sniffed mime types that are accepted, "image/*" style wildcards are
	// allowed. Empty accepts anything.
	AllowedTypes []string
	// Largest assembled file in bytes, 0 disables the check
	MaxSize int64
	// Largest single request upload in bytes
	SingleShotMaxSize int64
	ImageMaxWidth     int
	// Scratch space for single request uploads
	WorkDir string
	// How long a finalize waits for an assembly running elsewhere
	AssemblyWait time.Duration
}

type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	CategoryID  *uint  `json:"categoryId"`
	TagIDs      []uint `json:"tagIds"`
}

type FinalizeInput struct {
	OwnerID     string
	UploadID    string
	TotalChunks int
	FileName    string
	Metadata    Metadata
	TaskID      string
}

type SingleInput struct {
	OwnerID  string
	FileName string
	Body     io.Reader
	// Declared size, 0 if unknown
	Size     int64
	Metadata Metadata
	TaskID   string
}

type Result struct {
	Media       *model.MediaRecord
	Blob        *model.ContentBlob
	IsDuplicate bool
	SpaceSaved  int64
	Warning     string
}

type Service struct {
	db        *gorm.DB
	fs        afero.Fs
	chunks    *chunk.Store
	assembler *assemble.Assembler
	blobs     *blob.Store
	proc      processor.Processor
	catalog   catalog.Catalog
	tasks     task.Observer
	cfg       Config
	group     singleflight.Group
	pollEvery time.Duration
}

type Options struct {
	DB        *gorm.DB
	Fs        afero.Fs
	Chunks    *chunk.Store
	Assembler *assemble.Assembler
	Blobs     *blob.Store
	Processor processor.Processor
	Catalog   catalog.Catalog
	Tasks     task.Tracker
	Config    Config
}

func New(o Options) *Service {
	if o.Processor == nil {
		o.Processor = processor.Noop{}
	}
	if o.Catalog == nil {
		o.Catalog = catalog.PassThrough{}
	}
	if o.Config.AssemblyWait <= 0 {
		o.Config.AssemblyWait = 10 * time.Minute
	}

	return &Service{
		db:        o.DB,
		fs:        o.Fs,
		chunks:    o.Chunks,
		assembler: o.Assembler,
		blobs:     o.Blobs,
		proc:      o.Processor,
		catalog:   o.Catalog,
		tasks:     task.Observer{T: o.Tasks},
		cfg:       o.Config,
		pollEvery: 500 * time.Millisecond,
	}
}

func (s *Service) validateMetadata(ctx context.Context, m Metadata) error {
	if err := s.catalog.Validate(ctx, m.CategoryID, m.TagIDs); err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return err
		}

		return apperr.Wrap(apperr.InvalidRequest, "invalid metadata", err)
	}

	return nil
}

// Finalize assembles a chunked upload and ingests it. Concurrent calls for
// the same upload share one execution.
func (s *Service) Finalize(ctx context.Context, in FinalizeInput) (*Result, error) {
	if in.UploadID == "" {
		return nil, apperr.New(apperr.InvalidRequest, "uploadId is required")
	}
	if in.TotalChunks <= 0 {
		return nil, apperr.New(apperr.InvalidRequest, "totalChunks must be bigger than 0")
	}

	v, err, _ := s.group.Do(in.OwnerID+"/"+in.UploadID, func() (any, error) {
		// Callers that share this execution may go away, the work shouldn't
		return s.finalize(context.WithoutCancel(ctx), in)
	})
	if err != nil {
		return nil, err
	}

	return v.(*Result), nil
}

func (s *Service) finalize(ctx context.Context, in FinalizeInput) (*Result, error) {
	sess, err := s.chunks.Session(ctx, in.OwnerID, in.UploadID)
	if err != nil {
		return nil, err
	}

	if sess.State == model.SessionCompleted && sess.MediaID != nil {
		return s.existing(ctx, in.OwnerID, *sess.MediaID)
	}

	taskID := in.TaskID
	if taskID == "" {
		taskID = sess.TaskID
	}

	if err := s.validateMetadata(ctx, in.Metadata); err != nil {
		return nil, s.failTask(ctx, taskID, err)
	}

	s.tasks.Progress(ctx, taskID, 0, model.TaskProcessing, "assembling")

	asm, err := s.assembler.Assemble(ctx, in.OwnerID, in.UploadID, in.TotalChunks, in.FileName)
	if err != nil {
		// The client can still send the missing chunks and finalize again
		if apperr.IsKind(err, apperr.IncompleteUpload) {
			return nil, err
		}
		// Claimed by another instance sharing the database
		if apperr.IsKind(err, apperr.StaleUpload) {
			if res, ok := s.awaitAssembly(ctx, in.OwnerID, in.UploadID); ok {
				return res, nil
			}

			return nil, err
		}

		return nil, s.failTask(ctx, taskID, err)
	}

	res, err := s.ingest(ctx, in.OwnerID, asm.Path, asm.Session.OriginalFilename, in.Metadata, taskID)
	if err != nil {
		if ferr := s.chunks.Fail(ctx, in.OwnerID, in.UploadID); ferr != nil {
			zap.L().Error("Failed to clean up rejected upload", zap.String("upload_id", in.UploadID), zap.Error(ferr))
		}

		return nil, s.failTask(ctx, taskID, err)
	}

	if err := s.chunks.Complete(ctx, in.UploadID, res.Media.ID); err != nil {
		// The media exists, a retried finalize just won't find it through the session
		zap.L().Error("Failed to complete upload session", zap.String("upload_id", in.UploadID), zap.Error(err))
	}

	s.tasks.Completed(ctx, taskID, res.Media.ID)
	return res, nil
}

// awaitAssembly polls the session until whoever claimed it completes it.
// It gives up once the session leaves the assembling state any other way.
func (s *Service) awaitAssembly(ctx context.Context, ownerID, uploadID string) (*Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AssemblyWait)
	defer cancel()

	t := time.NewTicker(s.pollEvery)
	defer t.Stop()

	for {
		sess, err := s.chunks.Session(ctx, ownerID, uploadID)
		if err != nil {
			return nil, false
		}

		switch sess.State {
		case model.SessionCompleted:
			if sess.MediaID == nil {
				return nil, false
			}

			res, err := s.existing(ctx, ownerID, *sess.MediaID)
			return res, err == nil
		case model.SessionAssembling, model.SessionAssembled:
		default:
			return nil, false
		}

		select {
		case <-ctx.Done():
			zap.L().Warn("Gave up waiting for concurrent assembly", zap.String("upload_id", uploadID))
			return nil, false
		case <-t.C:
		}
	}
}

func (s *Service) existing(ctx context.Context, ownerID string, mediaID uint) (*Result, error) {
	m, err := s.Get(ctx, ownerID, mediaID)
	if err != nil {
		return nil, err
	}

	return &Result{Media: m, Blob: m.Blob}, nil
}

func (s *Service) failTask(ctx context.Context, taskID string, err error) error {
	metrics.Finalized.WithLabelValues("failed").Inc()
	s.tasks.Failed(ctx, taskID, err.Error())
	return err
}

// IngestFile stores a file sent in a single request
func (s *Service) IngestFile(ctx context.Context, in SingleInput) (*Result, error) {
	if in.Body == nil {
		return nil, apperr.New(apperr.InvalidRequest, "file is required")
	}
	if s.cfg.SingleShotMaxSize > 0 && in.Size > s.cfg.SingleShotMaxSize {
		return nil, s.failTask(ctx, in.TaskID, apperr.Newf(apperr.SizeLimitExceeded, "files over %d bytes must be uploaded in chunks", s.cfg.SingleShotMaxSize))
	}

	if err := s.validateMetadata(ctx, in.Metadata); err != nil {
		return nil, s.failTask(ctx, in.TaskID, err)
	}

	s.tasks.Uploading(ctx, in.TaskID)

	p, err := s.spool(in.Body, in.FileName)
	if err != nil {
		return nil, s.failTask(ctx, in.TaskID, err)
	}

	s.tasks.Progress(ctx, in.TaskID, 0, model.TaskProcessing, "processing")

	res, err := s.ingest(ctx, in.OwnerID, p, in.FileName, in.Metadata, in.TaskID)
	if err != nil {
		s.fs.Remove(p)
		return nil, s.failTask(ctx, in.TaskID, err)
	}

	s.tasks.Completed(ctx, in.TaskID, res.Media.ID)
	return res, nil
}

// spool copies a request body to the working filesystem
func (s *Service) spool(r io.Reader, filename string) (string, error) {
	dir := s.cfg.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}

	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.StorageFailure, "failed to create work directory", err)
	}

	f, err := afero.TempFile(s.fs, dir, "single-*"+strings.ToLower(filepath.Ext(filepath.Base(filename))))
	if err != nil {
		return "", apperr.Wrap(apperr.StorageFailure, "failed to create upload file", err)
	}

	if s.cfg.SingleShotMaxSize > 0 {
		r = io.LimitReader(r, s.cfg.SingleShotMaxSize+1)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	switch {
	case err != nil:
		err = apperr.Wrap(apperr.StorageFailure, "failed to write upload", err)
	case n == 0:
		err = apperr.New(apperr.InvalidRequest, "file is empty")
	case s.cfg.SingleShotMaxSize > 0 && n > s.cfg.SingleShotMaxSize:
		err = apperr.Newf(apperr.SizeLimitExceeded, "files over %d bytes must be uploaded in chunks", s.cfg.SingleShotMaxSize)
	}

	if err != nil {
		s.fs.Remove(f.Name())
		return "", err
	}

	return f.Name(), nil
}

func (s *Service) allowed(mime string) bool {
	if len(s.cfg.AllowedTypes) == 0 {
		return true
	}

	for _, t := range s.cfg.AllowedTypes {
		t = strings.TrimSpace(t)
		if t == mime || t == "*/*" {
			return true
		}

		if prefix, ok := strings.CutSuffix(t, "/*"); ok && strings.HasPrefix(mime, prefix+"/") {
			return true
		}
	}

	return false
}

// ingest identifies the file at p, registers or reuses its blob and creates
// the media record. p is consumed on success.
func (s *Service) ingest(ctx context.Context, ownerID, p, filename string, meta Metadata, taskID string) (*Result, error) {
	id, err := hasher.Identify(s.fs, p)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to hash upload", err)
	}

	mime, err := hasher.DetectMime(s.fs, p)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to detect file type", err)
	}

	if !s.allowed(mime) {
		return nil, apperr.Newf(apperr.UnsupportedType, "files of type %s are not accepted", mime)
	}

	if s.cfg.MaxSize > 0 && id.Size > s.cfg.MaxSize {
		return nil, apperr.Newf(apperr.SizeLimitExceeded, "file is %d bytes, the limit is %d", id.Size, s.cfg.MaxSize)
	}

	reg, err := s.blobs.RegisterOrReuse(ctx, id.Hash, p, mime, s.process(taskID))
	if err != nil {
		return nil, err
	}

	title := meta.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}

	media := &model.MediaRecord{
		OwnerID:      ownerID,
		ContentHash:  id.Hash,
		Title:        title,
		Description:  meta.Description,
		OriginalName: filepath.Base(filename),
		CategoryID:   meta.CategoryID,
		TagIDs:       meta.TagIDs,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(media).Error; err != nil {
			return err
		}

		return addUsage(tx, ownerID, reg.Blob.ByteSize, reg.SpaceSaved, 1)
	})
	if err != nil {
		// Give back the reference this upload took
		if _, rerr := s.blobs.Release(context.WithoutCancel(ctx), id.Hash); rerr != nil {
			zap.L().Error("Failed to release blob after failed media insert", zap.String("hash", id.Hash), zap.Error(rerr))
		}

		return nil, apperr.Wrap(apperr.StorageFailure, "failed to save media", err)
	}

	media.Blob = reg.Blob

	switch {
	case reg.IsDuplicate:
		metrics.Finalized.WithLabelValues("duplicate").Inc()
	case reg.Degraded:
		metrics.Finalized.WithLabelValues("degraded").Inc()
	default:
		metrics.Finalized.WithLabelValues("new").Inc()
	}

	zap.L().Info("Ingested media",
		zap.Uint("media_id", media.ID),
		zap.String("owner", ownerID),
		zap.String("hash", id.Hash),
		zap.Bool("duplicate", reg.IsDuplicate))

	return &Result{
		Media:       media,
		Blob:        reg.Blob,
		IsDuplicate: reg.IsDuplicate,
		SpaceSaved:  reg.SpaceSaved,
		Warning:     reg.Warning,
	}, nil
}

// addUsage adjusts the owner's usage counters inside tx
func addUsage(tx *gorm.DB, ownerID string, used, saved int64, files int) error {
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.Stats{UserID: ownerID}).Error
	if err != nil {
		return fmt.Errorf("failed to create stats, %w", err)
	}

	return tx.Model(&model.Stats{}).
		Where("user_id = ?", ownerID).
		Updates(map[string]any{
			"used_storage":   gorm.Expr("used_storage + ?", used),
			"saved_storage":  gorm.Expr("saved_storage + ?", saved),
			"uploaded_files": gorm.Expr("uploaded_files + ?", files),
		}).Error
}
