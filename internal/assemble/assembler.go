// Package assemble merges the chunks of a finished upload into one file
package assemble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"bitwise74/media-ingest/internal/apperr"
	"bitwise74/media-ingest/internal/chunk"
	"bitwise74/media-ingest/internal/metrics"
	"bitwise74/media-ingest/internal/model"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxExtLen = 10

type Assembler struct {
	db     *gorm.DB
	fs     afero.Fs
	chunks *chunk.Store
	now    func() time.Time
}

func New(db *gorm.DB, fs afero.Fs, chunks *chunk.Store) *Assembler {
	return &Assembler{db: db, fs: fs, chunks: chunks, now: time.Now}
}

type Assembled struct {
	Path    string
	Size    int64
	Session *model.UploadSession
}

// Assemble merges every chunk of an upload in index order. It runs at most
// once per upload: the session is claimed with a conditional update and any
// concurrent caller gets STALE_UPLOAD. The caller owns the returned file.
func (a *Assembler) Assemble(ctx context.Context, ownerID, uploadID string, totalChunks int, filename string) (*Assembled, error) {
	sess, err := a.chunks.Session(ctx, ownerID, uploadID)
	if err != nil {
		return nil, err
	}

	if err := stateErr(sess); err != nil {
		return nil, err
	}

	if totalChunks != sess.TotalChunks {
		return nil, apperr.Newf(apperr.InvalidRequest, "totalChunks %d doesn't match the %d declared for this upload", totalChunks, sess.TotalChunks)
	}

	recs, err := a.chunks.Chunks(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if missing := chunk.Missing(recs, totalChunks); len(missing) > 0 {
		return nil, apperr.Incomplete(missing)
	}

	if err := a.claim(ctx, ownerID, uploadID); err != nil {
		return nil, err
	}

	start := a.now()

	// Chunk records can't change anymore, re-read in case one was
	// overwritten between the check and the claim
	recs, err = a.chunks.Chunks(ctx, uploadID)
	if err != nil {
		a.release(uploadID)
		return nil, err
	}

	if filename == "" {
		filename = sess.OriginalFilename
	}

	out := a.chunks.AssembledPath(uploadID, cleanExt(filename))
	size, err := a.merge(ctx, recs, out)
	if err != nil {
		a.release(uploadID)
		return nil, err
	}

	if sess.DeclaredSize > 0 && size != sess.DeclaredSize {
		a.fs.Remove(out)
		a.release(uploadID)
		return nil, apperr.Newf(apperr.InvalidRequest, "assembled %d bytes but %d were declared", size, sess.DeclaredSize)
	}

	if err := a.chunks.RemoveParts(ctx, ownerID, uploadID); err != nil {
		// Not fatal, the sweep gets to it later
		zap.L().Warn("Failed to clean up chunks after assembly", zap.String("upload_id", uploadID), zap.Error(err))
	}

	updates := map[string]any{"state": model.SessionAssembled, "last_activity": a.now()}
	if sess.OriginalFilename == "" {
		updates["original_filename"] = filename
	}

	err = a.db.WithContext(ctx).
		Model(&model.UploadSession{}).
		Where("upload_id = ?", uploadID).
		Updates(updates).
		Error
	if err != nil {
		zap.L().Error("Failed to mark upload as assembled", zap.String("upload_id", uploadID), zap.Error(err))
	}

	sess.State = model.SessionAssembled
	if sess.OriginalFilename == "" {
		sess.OriginalFilename = filename
	}

	metrics.AssemblyDuration.Observe(a.now().Sub(start).Seconds())
	zap.L().Debug("Assembled upload",
		zap.String("upload_id", uploadID),
		zap.Int("chunks", len(recs)),
		zap.Int64("bytes", size))

	return &Assembled{Path: out, Size: size, Session: sess}, nil
}

func stateErr(sess *model.UploadSession) error {
	switch sess.State {
	case model.SessionReceiving:
		return nil
	case model.SessionAssembling:
		return apperr.Newf(apperr.StaleUpload, "upload %s is already being assembled", sess.UploadID)
	default:
		return apperr.Newf(apperr.StaleUpload, "upload %s is already %s", sess.UploadID, sess.State)
	}
}

var errClaimLost = errors.New("claim lost")

func (a *Assembler) claim(ctx context.Context, ownerID, uploadID string) error {
	res := a.db.WithContext(ctx).
		Model(&model.UploadSession{}).
		Where("upload_id = ? AND owner_id = ? AND state = ?", uploadID, ownerID, model.SessionReceiving).
		Updates(map[string]any{"state": model.SessionAssembling, "last_activity": a.now()})
	if res.Error != nil {
		return apperr.Wrap(apperr.StorageFailure, "failed to claim upload for assembly", res.Error)
	}

	if res.RowsAffected == 0 {
		sess, err := a.chunks.Session(ctx, ownerID, uploadID)
		if err != nil {
			return err
		}
		if err := stateErr(sess); err != nil {
			return err
		}

		return apperr.Wrap(apperr.StaleUpload, "upload was claimed concurrently", errClaimLost)
	}

	return nil
}

// release hands a failed assembly back so the client can resend and retry
func (a *Assembler) release(uploadID string) {
	err := a.db.
		Model(&model.UploadSession{}).
		Where("upload_id = ? AND state = ?", uploadID, model.SessionAssembling).
		Update("state", model.SessionReceiving).
		Error
	if err != nil {
		zap.L().Error("Failed to release assembly claim", zap.String("upload_id", uploadID), zap.Error(err))
	}
}

// merge copies the chunks strictly in index order. They're byte range
// slices of one file, so any other order corrupts it.
func (a *Assembler) merge(ctx context.Context, recs []model.ChunkRecord, out string) (int64, error) {
	if err := a.fs.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return 0, apperr.Wrap(apperr.StorageFailure, "failed to create output directory", err)
	}

	tmp := out + ".tmp"
	f, err := a.fs.Create(tmp)
	if err != nil {
		return 0, apperr.Wrap(apperr.StorageFailure, "failed to create output file", err)
	}

	var total int64
	for i, rec := range recs {
		if rec.Index != i {
			f.Close()
			a.fs.Remove(tmp)
			return 0, apperr.Incomplete([]int{i})
		}

		if err := ctx.Err(); err != nil {
			f.Close()
			a.fs.Remove(tmp)
			return 0, apperr.Wrap(apperr.StorageFailure, "assembly cancelled", err)
		}

		n, err := a.copyChunk(f, rec)
		if err != nil {
			f.Close()
			a.fs.Remove(tmp)
			return 0, err
		}

		total += n
	}

	if err := f.Close(); err != nil {
		a.fs.Remove(tmp)
		return 0, apperr.Wrap(apperr.StorageFailure, "failed to close output file", err)
	}

	if err := a.fs.Rename(tmp, out); err != nil {
		a.fs.Remove(tmp)
		return 0, apperr.Wrap(apperr.StorageFailure, "failed to move assembled file into place", err)
	}

	return total, nil
}

func (a *Assembler) copyChunk(w io.Writer, rec model.ChunkRecord) (int64, error) {
	part, err := a.fs.Open(rec.StoredPath)
	if err != nil {
		return 0, apperr.Wrap(apperr.StorageFailure, fmt.Sprintf("failed to open chunk %d", rec.Index), err)
	}
	defer part.Close()

	n, err := io.Copy(w, part)
	if err != nil {
		return 0, apperr.Wrap(apperr.StorageFailure, fmt.Sprintf("failed to copy chunk %d", rec.Index), err)
	}

	if n != rec.ByteLength {
		return 0, apperr.Newf(apperr.StorageFailure, "chunk %d has %d bytes on disk, %d were recorded", rec.Index, n, rec.ByteLength)
	}

	return n, nil
}

func cleanExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) > maxExtLen {
		return ""
	}

	for _, r := range ext[min(1, len(ext)):] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}

	return ext
}
