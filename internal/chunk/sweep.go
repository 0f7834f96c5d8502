package chunk

import (
	"context"
	"fmt"
	"time"

	"bitwise74/media-ingest/internal/model"

	"go.uber.org/zap"
)

var (
	idleStates     = []model.SessionState{model.SessionReceiving, model.SessionAssembling, model.SessionAssembled}
	finishedStates = []model.SessionState{model.SessionCompleted, model.SessionFailed, model.SessionExpired}
)

// Sweep expires sessions that saw no chunk activity for idleFor and frees
// their chunk directories. An assembly that has been running for longer than
// the window is assumed dead. Sessions that already finished are dropped
// after the same window. Stored blobs are never touched.
func (s *Store) Sweep(ctx context.Context, idleFor time.Duration) (int, error) {
	cutoff := s.now().Add(-idleFor)

	var stale []model.UploadSession
	err := s.db.WithContext(ctx).
		Where("state IN ? AND last_activity < ?", idleStates, cutoff).
		Find(&stale).
		Error
	if err != nil {
		return 0, fmt.Errorf("failed to query abandoned uploads, %w", err)
	}

	expired := 0
	for _, sess := range stale {
		// Claim it so a chunk arriving right now is answered with STALE_UPLOAD
		res := s.db.WithContext(ctx).
			Model(&model.UploadSession{}).
			Where("upload_id = ? AND state = ? AND last_activity < ?", sess.UploadID, sess.State, cutoff).
			Updates(map[string]any{"state": model.SessionExpired, "last_activity": s.now()})
		if res.Error != nil {
			zap.L().Error("Failed to expire upload session", zap.String("upload_id", sess.UploadID), zap.Error(res.Error))
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}

		if err := s.Discard(ctx, sess.OwnerID, sess.UploadID); err != nil {
			zap.L().Error("Failed to discard abandoned upload", zap.String("upload_id", sess.UploadID), zap.Error(err))
			continue
		}

		expired++
	}

	err = s.db.WithContext(ctx).
		Where("state IN ? AND last_activity < ?", finishedStates, cutoff).
		Delete(&model.UploadSession{}).
		Error
	if err != nil {
		return expired, fmt.Errorf("failed to delete finished sessions, %w", err)
	}

	if expired > 0 {
		zap.L().Info("Expired abandoned uploads", zap.Int("count", expired))
	}

	return expired, nil
}
