package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/and161185/vazy-sync/internal/query"
)

func encode[T any](v T) (json.RawMessage, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return doc, nil
}

func decode[T any](doc json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		return v, fmt.Errorf("decode: %w", err)
	}
	return v, nil
}

func written[T any](v T, doc json.RawMessage, err error) (T, error) {
	if err != nil {
		return v, err
	}
	return decode[T](doc)
}

// UpsertAs writes v and returns the stored record. On failure v is returned with the error.
func UpsertAs[T any](ctx context.Context, e *Engine, table string, v T) (T, error) {
	doc, err := encode(v)
	if err != nil {
		return v, err
	}
	saved, err := e.Upsert(ctx, table, doc)
	return written(v, saved, err)
}

// InsertAs creates v and returns the stored record. On failure v is returned with the error.
func InsertAs[T any](ctx context.Context, e *Engine, table string, v T) (T, error) {
	doc, err := encode(v)
	if err != nil {
		return v, err
	}
	saved, err := e.Insert(ctx, table, doc)
	return written(v, saved, err)
}

// PatchAs sends patch for key; full is the expected result and is returned on failure.
func PatchAs[T any](ctx context.Context, e *Engine, table, key string, patch map[string]any, full T) (T, error) {
	doc, err := encode(full)
	if err != nil {
		return full, err
	}
	saved, err := e.Patch(ctx, table, key, patch, doc)
	return written(full, saved, err)
}

// Records is a typed pull result.
type Records[T any] struct {
	Items []T
	Stale bool
	Err   error
}

// PullAs pulls and decodes records. Undecodable records are skipped and reported in Err.
func PullAs[T any](ctx context.Context, e *Engine, table string, q query.Query) Records[T] {
	res := e.Pull(ctx, table, q)
	out := Records[T]{Items: make([]T, 0, len(res.Records)), Stale: res.Stale, Err: res.Err}
	for _, doc := range res.Records {
		v, err := decode[T](doc)
		if err != nil {
			out.Err = err
			continue
		}
		out.Items = append(out.Items, v)
	}
	return out
}

// Single is a typed single-record pull result.
type Single[T any] struct {
	Item  T
	Found bool
	Stale bool
	Err   error
}

// PullOneAs pulls and decodes one record.
func PullOneAs[T any](ctx context.Context, e *Engine, table string, q query.Query) Single[T] {
	one := e.PullOne(ctx, table, q)
	out := Single[T]{Found: one.Found, Stale: one.Stale, Err: one.Err}
	if one.Found {
		v, err := decode[T](one.Record)
		if err != nil {
			return Single[T]{Stale: one.Stale, Err: err}
		}
		out.Item = v
	}
	return out
}
