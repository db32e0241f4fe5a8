// Package remote defines the boundary to the authoritative data service.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/query"
)

// Service is the per-table request/response API of the remote backend.
// Every failure is reported as *Error.
type Service interface {
	// Select returns the records matching q.
	Select(ctx context.Context, table string, q query.Query) ([]json.RawMessage, error)
	// SelectOne returns the single record matching q, or an Error with CodeNotFound.
	SelectOne(ctx context.Context, table string, q query.Query) (json.RawMessage, error)
	// Insert creates a record and returns it as stored.
	Insert(ctx context.Context, table string, doc json.RawMessage) (json.RawMessage, error)
	// Update merges patch into the record under key and returns it as stored.
	Update(ctx context.Context, table, key string, patch map[string]any) (json.RawMessage, error)
	// Delete removes the record under key.
	Delete(ctx context.Context, table, key string) error
	// Upsert creates or replaces a record by primary key and returns it as stored.
	Upsert(ctx context.Context, table string, doc json.RawMessage) (json.RawMessage, error)
}

// Code classifies remote failures.
type Code string

const (
	CodeNotFound         Code = "not_found"
	CodePermissionDenied Code = "permission_denied"
	CodeConstraint       Code = "constraint"
	CodeTransient        Code = "transient"
	CodeUnknown          Code = "unknown"
)

// Error is a classified remote failure.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "remote: " + string(e.Code)
	}
	return "remote: " + string(e.Code) + ": " + e.Message
}

// Unwrap exposes the underlying transport or driver error.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches the errs sentinel of the code.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeNotFound:
		return target == errs.ErrNotFound
	case CodePermissionDenied:
		return target == errs.ErrPermissionDenied
	case CodeConstraint:
		return target == errs.ErrConstraint
	case CodeTransient:
		return target == errs.ErrTransient
	}
	return false
}

// Errorf builds an Error.
func Errorf(code Code, cause error, msg string) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// CodeOf classifies any error returned across the boundary.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return CodeTransient
	}
	return CodeUnknown
}

// Retryable reports whether a failed write may succeed when replayed unchanged.
// Transient and unclassified failures are retried; policy and data failures are not.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTransient, CodeUnknown:
		return !errors.Is(err, errs.ErrValidation)
	}
	return false
}

// IsNotFound reports whether err means "no such row".
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// CodeForStatus maps a PostgREST or SQLSTATE code to a Code.
func CodeForStatus(status string) Code {
	switch {
	case status == "PGRST116":
		return CodeNotFound
	case status == "42501", status == "PGRST301", status == "PGRST302":
		return CodePermissionDenied
	case strings.HasPrefix(status, "23"):
		return CodeConstraint
	case strings.HasPrefix(status, "08"), strings.HasPrefix(status, "53"),
		strings.HasPrefix(status, "57P"), status == "40001", status == "40P01":
		return CodeTransient
	}
	return CodeUnknown
}
