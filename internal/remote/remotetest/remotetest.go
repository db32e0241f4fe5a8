// Package remotetest provides an in-memory remote.Service with failure injection.
package remotetest

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/and161185/vazy-sync/internal/model"
	"github.com/and161185/vazy-sync/internal/query"
	"github.com/and161185/vazy-sync/internal/remote"
)

// Op names a remote operation.
type Op string

const (
	OpSelect Op = "select"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpUpsert Op = "upsert"
)

type failure struct {
	op    Op
	table string
	err   error
	times int // <0: forever
}

// Service is a fake backend serving a single account.
type Service struct {
	mu       sync.Mutex
	owner    string
	tables   map[string]map[string]json.RawMessage
	failures []*failure
	calls    map[Op]int

	// Before, when set, runs at the start of every call outside the lock.
	Before func(ctx context.Context, op Op, table string)
}

var _ remote.Service = (*Service)(nil)

// New returns an empty backend for owner.
func New(owner string) *Service {
	return &Service{owner: owner, tables: map[string]map[string]json.RawMessage{}, calls: map[Op]int{}}
}

// FailNext makes the next n calls of op on table fail with err. An empty table matches every table.
func (s *Service) FailNext(op Op, table string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure{op: op, table: table, err: err, times: n})
}

// FailAlways makes every call of op on table fail with err until Heal.
func (s *Service) FailAlways(op Op, table string, err error) { s.FailNext(op, table, -1, err) }

// Heal removes every injected failure.
func (s *Service) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = nil
}

// Offline is shorthand for a transient failure on every operation.
func (s *Service) Offline() {
	for _, op := range []Op{OpSelect, OpInsert, OpUpdate, OpDelete, OpUpsert} {
		s.FailAlways(op, "", remote.Errorf(remote.CodeTransient, context.DeadlineExceeded, "timeout"))
	}
}

// Ping fails while a failure without a table is injected for OpSelect,
// which is what Offline does.
func (s *Service) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return remote.Errorf(remote.CodeTransient, err, err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.failures {
		if f.times != 0 && f.op == OpSelect && f.table == "" {
			return f.err
		}
	}
	return nil
}

// Seed stores a document directly, bypassing ownership checks.
func (s *Service) Seed(table string, v any) {
	doc, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	def, err := model.Table(table)
	if err != nil {
		panic(err)
	}
	key, err := def.KeyOf(doc)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows(table)[key] = doc
}

// Rows returns a copy of every stored document of table, ordered by key.
func (s *Service) Rows(table string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tables[table]))
	for k := range s.tables[table] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, slices.Clone(s.tables[table][k]))
	}
	return out
}

// Calls returns how many times op was invoked.
func (s *Service) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Service) rows(table string) map[string]json.RawMessage {
	t, ok := s.tables[table]
	if !ok {
		t = map[string]json.RawMessage{}
		s.tables[table] = t
	}
	return t
}

// enter records the call and returns an injected failure, if any. It leaves s.mu locked on success.
func (s *Service) enter(ctx context.Context, op Op, table string) (model.TableDef, error) {
	if s.Before != nil {
		s.Before(ctx, op, table)
	}
	s.mu.Lock()
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return model.TableDef{}, remote.Errorf(remote.CodeTransient, err, err.Error())
	}
	for _, f := range s.failures {
		if f.times == 0 || f.op != op || (f.table != "" && f.table != table) {
			continue
		}
		if f.times > 0 {
			f.times--
		}
		s.mu.Unlock()
		return model.TableDef{}, f.err
	}
	def, err := model.Table(table)
	if err != nil {
		s.mu.Unlock()
		return def, remote.Errorf(remote.CodeUnknown, err, err.Error())
	}
	return def, nil
}

func (s *Service) match(doc json.RawMessage, q query.Query, def model.TableDef) bool {
	var fields map[string]any
	if json.Unmarshal(doc, &fields) != nil {
		return false
	}
	if fields[def.Owner] != s.owner {
		return false
	}
	for _, f := range q.Filters {
		c, ok := compare(fields[f.Field], normalize(f.Value))
		if !ok {
			if f.Op == query.Neq {
				continue
			}
			return false
		}
		var pass bool
		switch f.Op {
		case query.Eq:
			pass = c == 0
		case query.Neq:
			pass = c != 0
		case query.Gt:
			pass = c > 0
		case query.Gte:
			pass = c >= 0
		case query.Lt:
			pass = c < 0
		case query.Lte:
			pass = c <= 0
		}
		if !pass {
			return false
		}
	}
	return true
}

// normalize maps a filter value to its decoded JSON form.
func normalize(v any) any {
	if t, ok := v.(time.Time); ok {
		v = model.Canonical(t).Format(time.RFC3339)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	_ = json.Unmarshal(raw, &out)
	return out
}

func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y), true
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			if x == y {
				return 0, true
			}
			if !x {
				return -1, true
			}
			return 1, true
		}
	case nil:
		if b == nil {
			return 0, true
		}
	}
	return 0, false
}

// Select returns the owner's matching documents.
func (s *Service) Select(ctx context.Context, table string, q query.Query) ([]json.RawMessage, error) {
	def, err := s.enter(ctx, OpSelect, table)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	if err := q.Validate(); err != nil {
		return nil, remote.Errorf(remote.CodeUnknown, err, err.Error())
	}

	type row struct {
		doc    json.RawMessage
		fields map[string]any
	}
	var rows []row
	for _, doc := range s.rows(table) {
		if !s.match(doc, q, def) {
			continue
		}
		var fields map[string]any
		_ = json.Unmarshal(doc, &fields)
		rows = append(rows, row{doc: slices.Clone(doc), fields: fields})
	}
	slices.SortStableFunc(rows, func(a, b row) int {
		for _, o := range q.Order {
			c, _ := compare(a.fields[o.Field], b.fields[o.Field])
			if o.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		ka, _ := a.fields[def.Key].(string)
		kb, _ := b.fields[def.Key].(string)
		return cmp.Compare(ka, kb)
	})
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	out := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.doc)
	}
	return out, nil
}

// SelectOne returns the first matching document or CodeNotFound.
func (s *Service) SelectOne(ctx context.Context, table string, q query.Query) (json.RawMessage, error) {
	rows, err := s.Select(ctx, table, q.WithLimit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, remote.Errorf(remote.CodeNotFound, nil, "PGRST116")
	}
	return rows[0], nil
}

func (s *Service) owned(def model.TableDef, doc json.RawMessage) (string, error) {
	key, err := def.KeyOf(doc)
	if err != nil {
		return "", remote.Errorf(remote.CodeConstraint, err, err.Error())
	}
	owner, err := def.OwnerOf(doc)
	if err != nil {
		return "", remote.Errorf(remote.CodeConstraint, err, err.Error())
	}
	if owner != s.owner {
		return "", remote.Errorf(remote.CodePermissionDenied, nil, "row-level policy")
	}
	if existing, ok := s.rows(def.Name)[key]; ok {
		if o, _ := def.OwnerOf(existing); o != s.owner {
			return "", remote.Errorf(remote.CodePermissionDenied, nil, "row-level policy")
		}
	}
	return key, nil
}

// Insert stores a new document.
func (s *Service) Insert(ctx context.Context, table string, doc json.RawMessage) (json.RawMessage, error) {
	def, err := s.enter(ctx, OpInsert, table)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	key, err := s.owned(def, doc)
	if err != nil {
		return nil, err
	}
	if _, ok := s.rows(table)[key]; ok {
		return nil, remote.Errorf(remote.CodeConstraint, nil, fmt.Sprintf("duplicate key %s", key))
	}
	s.rows(table)[key] = slices.Clone(doc)
	return slices.Clone(doc), nil
}

// Upsert stores or replaces a document.
func (s *Service) Upsert(ctx context.Context, table string, doc json.RawMessage) (json.RawMessage, error) {
	def, err := s.enter(ctx, OpUpsert, table)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	key, err := s.owned(def, doc)
	if err != nil {
		return nil, err
	}
	s.rows(table)[key] = slices.Clone(doc)
	return slices.Clone(doc), nil
}

// Update merges patch into an existing document.
func (s *Service) Update(ctx context.Context, table, key string, patch map[string]any) (json.RawMessage, error) {
	def, err := s.enter(ctx, OpUpdate, table)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	existing, ok := s.rows(table)[key]
	if !ok {
		return nil, remote.Errorf(remote.CodeNotFound, nil, "PGRST116")
	}
	var fields map[string]any
	if err := json.Unmarshal(existing, &fields); err != nil {
		return nil, remote.Errorf(remote.CodeUnknown, err, err.Error())
	}
	if fields[def.Owner] != s.owner {
		return nil, remote.Errorf(remote.CodeNotFound, nil, "PGRST116")
	}
	for k, v := range patch {
		fields[k] = v
	}
	doc, err := json.Marshal(fields)
	if err != nil {
		return nil, remote.Errorf(remote.CodeUnknown, err, err.Error())
	}
	if _, err := s.owned(def, doc); err != nil {
		return nil, err
	}
	s.rows(table)[key] = doc
	return slices.Clone(doc), nil
}

// Delete removes a document.
func (s *Service) Delete(ctx context.Context, table, key string) error {
	def, err := s.enter(ctx, OpDelete, table)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	existing, ok := s.rows(table)[key]
	if !ok {
		return remote.Errorf(remote.CodeNotFound, nil, "PGRST116")
	}
	if o, _ := def.OwnerOf(existing); o != s.owner {
		return remote.Errorf(remote.CodeNotFound, nil, "PGRST116")
	}
	delete(s.rows(table), key)
	return nil
}
