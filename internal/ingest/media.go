package ingest

import (
	"context"
	"errors"
	"strings"

	"bitwise74/media-ingest/internal/apperr"
	"bitwise74/media-ingest/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxPageSize = 100

type ListQuery struct {
	Page  int
	Limit int
	// newest (default), oldest, az, za, size-asc or size-desc
	Sort string
	// Case insensitive match on title or original file name
	Search string
}

// Edit changes the user supplied metadata of a media record. Nil fields are
// left alone.
type Edit struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	CategoryID  *uint   `json:"categoryId"`
	TagIDs      *[]uint `json:"tagIds"`
}

func (e Edit) empty() bool {
	return e.Title == nil && e.Description == nil && e.CategoryID == nil && e.TagIDs == nil
}

var sortOrders = map[string]string{
	"newest":    "media_records.created_at DESC, media_records.id DESC",
	"oldest":    "media_records.created_at ASC, media_records.id ASC",
	"az":        "media_records.title ASC, media_records.id ASC",
	"za":        "media_records.title DESC, media_records.id DESC",
	"size-asc":  "content_blobs.byte_size ASC, media_records.id ASC",
	"size-desc": "content_blobs.byte_size DESC, media_records.id DESC",
}

func (s *Service) Get(ctx context.Context, ownerID string, id uint) (*model.MediaRecord, error) {
	var m model.MediaRecord

	err := s.db.WithContext(ctx).
		Preload("Blob").
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.NotFound, "media %d not found", id)
		}

		return nil, apperr.Wrap(apperr.StorageFailure, "failed to load media", err)
	}

	return &m, nil
}

func (s *Service) List(ctx context.Context, ownerID string, q ListQuery) ([]model.MediaRecord, int64, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 || q.Limit > maxPageSize {
		q.Limit = 20
	}
	if q.Sort == "" {
		q.Sort = "newest"
	}

	order, ok := sortOrders[q.Sort]
	if !ok {
		return nil, 0, apperr.Newf(apperr.InvalidRequest, "unknown sort %q", q.Sort)
	}

	scope := func(db *gorm.DB) *gorm.DB {
		db = db.Where("media_records.owner_id = ?", ownerID)
		if q.Search != "" {
			like := "%" + strings.ToLower(q.Search) + "%"
			db = db.Where("(LOWER(media_records.title) LIKE ? OR LOWER(media_records.original_name) LIKE ?)", like, like)
		}

		return db
	}

	var total int64
	err := s.db.WithContext(ctx).
		Model(&model.MediaRecord{}).
		Scopes(scope).
		Count(&total).Error
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.StorageFailure, "failed to count media", err)
	}

	var out []model.MediaRecord
	err = s.db.WithContext(ctx).
		Select("media_records.*").
		Preload("Blob").
		Joins("LEFT JOIN content_blobs ON content_blobs.content_hash = media_records.content_hash").
		Scopes(scope).
		Order(order).
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.StorageFailure, "failed to list media", err)
	}

	return out, total, nil
}

// Update applies e to the owner's media record and returns the result
func (s *Service) Update(ctx context.Context, ownerID string, id uint, e Edit) (*model.MediaRecord, error) {
	if e.empty() {
		return nil, apperr.New(apperr.InvalidRequest, "no changes provided")
	}
	if e.Title != nil && strings.TrimSpace(*e.Title) == "" {
		return nil, apperr.New(apperr.InvalidRequest, "title can't be empty")
	}

	m, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	categoryID := m.CategoryID
	if e.CategoryID != nil {
		categoryID = e.CategoryID
	}
	tagIDs := []uint(m.TagIDs)
	if e.TagIDs != nil {
		tagIDs = *e.TagIDs
	}

	if err := s.catalog.Validate(ctx, categoryID, tagIDs); err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if e.Title != nil {
		updates["title"] = strings.TrimSpace(*e.Title)
	}
	if e.Description != nil {
		updates["description"] = *e.Description
	}
	if e.CategoryID != nil {
		updates["category_id"] = *e.CategoryID
	}
	if e.TagIDs != nil {
		updates["tag_ids"] = model.IDList(*e.TagIDs)
	}

	err = s.db.WithContext(ctx).
		Model(&model.MediaRecord{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Updates(updates).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to update media", err)
	}

	return s.Get(ctx, ownerID, id)
}

// Delete removes a media record and gives up its blob reference. The blob
// is only physically deleted once nothing references it anymore.
func (s *Service) Delete(ctx context.Context, ownerID string, id uint) error {
	var m model.MediaRecord

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Preload("Blob").Where("id = ? AND owner_id = ?", id, ownerID).First(&m).Error
		if err != nil {
			return err
		}

		if err := tx.Delete(&m).Error; err != nil {
			return err
		}

		var size int64
		if m.Blob != nil {
			size = m.Blob.ByteSize
		}

		return addUsage(tx, ownerID, -size, 0, -1)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Newf(apperr.NotFound, "media %d not found", id)
		}

		return apperr.Wrap(apperr.StorageFailure, "failed to delete media", err)
	}

	rel, err := s.blobs.Release(context.WithoutCancel(ctx), m.ContentHash)
	if err != nil {
		// The record is gone, the blob just keeps one reference too many
		zap.L().Error("Failed to release blob after deleting media",
			zap.Uint("media_id", id),
			zap.String("hash", m.ContentHash),
			zap.Error(err))
		return nil
	}

	zap.L().Debug("Deleted media",
		zap.Uint("media_id", id),
		zap.Int64("remaining_refs", rel.RefCount),
		zap.Bool("reclaimed", rel.Reclaimed))

	return nil
}

// Usage returns the owner's usage counters
func (s *Service) Usage(ctx context.Context, ownerID string) (*model.Stats, error) {
	st := model.Stats{UserID: ownerID}

	err := s.db.WithContext(ctx).Where("user_id = ?", ownerID).Limit(1).Find(&st).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "failed to load usage", err)
	}

	return &st, nil
}
