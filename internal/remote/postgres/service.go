package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/vazy-sync/internal/model"
	"github.com/and161185/vazy-sync/internal/query"
	"github.com/and161185/vazy-sync/internal/remote"
)

// Service serves one account's rows. Every statement is filtered by owner_id,
// mirroring the backend's row-level policies.
type Service struct {
	db    *DB
	owner string
}

var _ remote.Service = (*Service)(nil)

// NewService constructs a service scoped to owner.
func NewService(db *DB, owner string) *Service { return &Service{db: db, owner: owner} }

func (s *Service) table(name string) (model.TableDef, error) {
	def, err := model.Table(name)
	if err != nil {
		return def, remote.Errorf(remote.CodeUnknown, err, err.Error())
	}
	return def, nil
}

// jsonArg encodes a filter value as a jsonb literal. Times use the canonical RFC 3339 form.
func jsonArg(v any) ([]byte, error) {
	switch x := v.(type) {
	case time.Time:
		v = model.Canonical(x).Format(time.RFC3339)
	case model.Cents:
		v = int64(x)
	case fmt.Stringer:
		v = x.String()
	}
	return json.Marshal(v)
}

func (s *Service) selectSQL(def model.TableDef, q query.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	var b strings.Builder
	args := []any{s.owner}
	fmt.Fprintf(&b, `SELECT data FROM %s WHERE owner_id = $1`, def.Name)
	for _, f := range q.Filters {
		op, _ := f.Op.SQL()
		arg, err := jsonArg(f.Value)
		if err != nil {
			return "", nil, err
		}
		args = append(args, arg)
		fmt.Fprintf(&b, ` AND data->'%s' %s $%d::jsonb`, f.Field, op, len(args))
	}
	for i, o := range q.Order {
		if i == 0 {
			b.WriteString(` ORDER BY `)
		} else {
			b.WriteString(`, `)
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, `data->'%s' %s`, o.Field, dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, ` LIMIT %d`, q.Limit)
	}
	return b.String(), args, nil
}

// Select returns the owner's records matching q.
func (s *Service) Select(ctx context.Context, table string, q query.Query) ([]json.RawMessage, error) {
	def, err := s.table(table)
	if err != nil {
		return nil, err
	}
	stmt, args, err := s.selectSQL(def, q)
	if err != nil {
		return nil, remote.Errorf(remote.CodeUnknown, err, err.Error())
	}
	rows, err := s.db.Pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := []json.RawMessage{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, classify(err)
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// SelectOne returns the first record matching q, or CodeNotFound.
func (s *Service) SelectOne(ctx context.Context, table string, q query.Query) (json.RawMessage, error) {
	def, err := s.table(table)
	if err != nil {
		return nil, err
	}
	stmt, args, err := s.selectSQL(def, q.WithLimit(1))
	if err != nil {
		return nil, remote.Errorf(remote.CodeUnknown, err, err.Error())
	}
	var data []byte
	if err := s.db.Pool.QueryRow(ctx, stmt, args...).Scan(&data); err != nil {
		return nil, classify(err)
	}
	return json.RawMessage(data), nil
}

func (s *Service) keyed(def model.TableDef, doc json.RawMessage) (string, error) {
	key, err := def.KeyOf(doc)
	if err != nil {
		return "", remote.Errorf(remote.CodeConstraint, err, err.Error())
	}
	owner, err := def.OwnerOf(doc)
	if err != nil {
		return "", remote.Errorf(remote.CodeConstraint, err, err.Error())
	}
	if owner != s.owner {
		return "", remote.Errorf(remote.CodePermissionDenied, nil,
			fmt.Sprintf("%s/%s belongs to another account", def.Name, key))
	}
	return key, nil
}

// Insert creates a record owned by the account.
func (s *Service) Insert(ctx context.Context, table string, doc json.RawMessage) (json.RawMessage, error) {
	def, err := s.table(table)
	if err != nil {
		return nil, err
	}
	key, err := s.keyed(def, doc)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (id, owner_id, data) VALUES ($1,$2,$3) RETURNING data`, def.Name)
	var data []byte
	if err := s.db.Pool.QueryRow(ctx, stmt, key, s.owner, []byte(doc)).Scan(&data); err != nil {
		return nil, classify(err)
	}
	return json.RawMessage(data), nil
}

// Upsert creates or replaces a record. A key owned by another account is
// left untouched and reported as permission denied.
func (s *Service) Upsert(ctx context.Context, table string, doc json.RawMessage) (json.RawMessage, error) {
	def, err := s.table(table)
	if err != nil {
		return nil, err
	}
	key, err := s.keyed(def, doc)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`INSERT INTO %[1]s (id, owner_id, data) VALUES ($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
WHERE %[1]s.owner_id = EXCLUDED.owner_id
RETURNING data`, def.Name)
	var data []byte
	if err := s.db.Pool.QueryRow(ctx, stmt, key, s.owner, []byte(doc)).Scan(&data); err != nil {
		if remote.IsNotFound(classify(err)) {
			return nil, remote.Errorf(remote.CodePermissionDenied, err,
				fmt.Sprintf("%s/%s belongs to another account", def.Name, key))
		}
		return nil, classify(err)
	}
	return json.RawMessage(data), nil
}

// Update merges patch into the stored document.
func (s *Service) Update(ctx context.Context, table, key string, patch map[string]any) (json.RawMessage, error) {
	def, err := s.table(table)
	if err != nil {
		return nil, err
	}
	if v, ok := patch[def.Key]; ok && v != key {
		return nil, remote.Errorf(remote.CodeConstraint, nil, "cannot change "+def.Key)
	}
	if v, ok := patch[def.Owner]; ok && v != s.owner {
		return nil, remote.Errorf(remote.CodePermissionDenied, nil, "cannot change "+def.Owner)
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, remote.Errorf(remote.CodeUnknown, err, err.Error())
	}
	stmt := fmt.Sprintf(`UPDATE %s SET data = data || $3::jsonb, updated_at = now()
WHERE id = $1 AND owner_id = $2 RETURNING data`, def.Name)
	var data []byte
	if err := s.db.Pool.QueryRow(ctx, stmt, key, s.owner, raw).Scan(&data); err != nil {
		return nil, classify(err)
	}
	return json.RawMessage(data), nil
}

// Delete removes the owner's record under key.
func (s *Service) Delete(ctx context.Context, table, key string) error {
	def, err := s.table(table)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND owner_id = $2`, def.Name)
	tag, err := s.db.Pool.Exec(ctx, stmt, key, s.owner)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return remote.Errorf(remote.CodeNotFound, nil, def.Name+"/"+key)
	}
	return nil
}

// Ping checks that the backend is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return classify(s.db.Pool.Ping(ctx))
}
