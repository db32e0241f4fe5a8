// Package query describes record filters shared by the local cache and the remote service.
package query

import (
	"fmt"
	"regexp"
	"time"

	"github.com/and161185/vazy-sync/internal/model"
)

// Op is a comparison operator.
type Op string

const (
	Eq  Op = "eq"
	Neq Op = "neq"
	Gt  Op = "gt"
	Gte Op = "gte"
	Lt  Op = "lt"
	Lte Op = "lte"
)

// SQL returns the operator as it appears in a WHERE clause.
func (o Op) SQL() (string, error) {
	switch o {
	case Eq:
		return "=", nil
	case Neq:
		return "<>", nil
	case Gt:
		return ">", nil
	case Gte:
		return ">=", nil
	case Lt:
		return "<", nil
	case Lte:
		return "<=", nil
	}
	return "", fmt.Errorf("query: unknown operator %q", string(o))
}

// Filter compares one record field to a value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Order sorts by one field.
type Order struct {
	Field string
	Desc  bool
}

// Query is a conjunction of filters with optional ordering and limit.
type Query struct {
	Filters []Filter
	Order   []Order
	Limit   int
}

// Where starts a query with an equality filter.
func Where(field string, value any) Query {
	return Query{}.And(field, Eq, value)
}

// And appends a filter.
func (q Query) And(field string, op Op, value any) Query {
	fs := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(fs, q.Filters)
	q.Filters = append(fs, Filter{Field: field, Op: op, Value: value})
	return q
}

// OrderBy appends an ordering.
func (q Query) OrderBy(field string, desc bool) Query {
	os := make([]Order, len(q.Order), len(q.Order)+1)
	copy(os, q.Order)
	q.Order = append(os, Order{Field: field, Desc: desc})
	return q
}

// WithLimit sets the maximum number of records.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

var fieldRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidField reports whether name can be interpolated into SQL as a JSON field name.
func ValidField(name string) bool { return fieldRe.MatchString(name) }

// Validate checks every field name and operator.
func (q Query) Validate() error {
	for _, f := range q.Filters {
		if !ValidField(f.Field) {
			return fmt.Errorf("query: invalid field %q", f.Field)
		}
		if _, err := f.Op.SQL(); err != nil {
			return err
		}
	}
	for _, o := range q.Order {
		if !ValidField(o.Field) {
			return fmt.Errorf("query: invalid order field %q", o.Field)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("query: negative limit %d", q.Limit)
	}
	return nil
}

// Normalize converts a filter value into the representation both stores compare against:
// booleans as 0/1, money as integer cents and times as second-precision UTC RFC 3339 strings.
func Normalize(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case time.Time:
		return x.UTC().Truncate(time.Second).Format(time.RFC3339)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Truncate(time.Second).Format(time.RFC3339)
	case model.Cents:
		return int64(x)
	case fmt.Stringer:
		return x.String()
	}
	return v
}
