// Package apperr defines the error kinds surfaced by the ingestion pipeline
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	InvalidRequest     Kind = "INVALID_REQUEST"
	StaleUpload        Kind = "STALE_UPLOAD"
	IncompleteUpload   Kind = "INCOMPLETE_UPLOAD"
	UnsupportedType    Kind = "UNSUPPORTED_TYPE"
	SizeLimitExceeded  Kind = "SIZE_LIMIT_EXCEEDED"
	ProcessingDegraded Kind = "PROCESSING_DEGRADED"
	StorageFailure     Kind = "STORAGE_FAILURE"
	NotFound           Kind = "NOT_FOUND"
)

// Error carries a Kind plus whatever the caller needs to retry correctly.
// Missing is only set for IncompleteUpload.
type Error struct {
	Kind    Kind
	Message string
	Missing []int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s, %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, &Error{Kind: NotFound})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && t.Message == ""
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Incomplete(missing []int) *Error {
	return &Error{
		Kind:    IncompleteUpload,
		Message: fmt.Sprintf("%d chunk(s) missing", len(missing)),
		Missing: missing,
	}
}

// KindOf returns the kind of the first *Error in the chain. Anything
// unclassified is treated as a storage failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return StorageFailure
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidRequest:
		return http.StatusBadRequest
	case StaleUpload, IncompleteUpload:
		return http.StatusConflict
	case UnsupportedType:
		return http.StatusUnsupportedMediaType
	case SizeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case NotFound:
		return http.StatusNotFound
	case ProcessingDegraded:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
