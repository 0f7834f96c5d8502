// Package catalog validates the category and tag references attached to
// uploaded media
package catalog

import (
	"context"

	"bitwise74/media-ingest/internal/apperr"
)

type Catalog interface {
	Validate(ctx context.Context, categoryID *uint, tagIDs []uint) error
}

// PassThrough accepts any reference
type PassThrough struct{}

func (PassThrough) Validate(context.Context, *uint, []uint) error { return nil }

// Static only knows the ids it was built with
type Static struct {
	categories map[uint]struct{}
	tags       map[uint]struct{}
}

func NewStatic(categories, tags []uint) *Static {
	s := &Static{
		categories: make(map[uint]struct{}, len(categories)),
		tags:       make(map[uint]struct{}, len(tags)),
	}

	for _, c := range categories {
		s.categories[c] = struct{}{}
	}
	for _, t := range tags {
		s.tags[t] = struct{}{}
	}

	return s
}

func (s *Static) Validate(_ context.Context, categoryID *uint, tagIDs []uint) error {
	if categoryID != nil {
		if _, ok := s.categories[*categoryID]; !ok {
			return apperr.Newf(apperr.InvalidRequest, "unknown category %d", *categoryID)
		}
	}

	for _, t := range tagIDs {
		if _, ok := s.tags[t]; !ok {
			return apperr.Newf(apperr.InvalidRequest, "unknown tag %d", t)
		}
	}

	return nil
}
