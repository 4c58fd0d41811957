// Package remote is the backend the sync engine reconciles against.
package remote

import (
	"context"
	"fmt"
	"time"

	"offline-sync-service/internal/domain"
)

// Session identifies the signed-in user. Records pushed to the remote store are tagged with UserID.
type Session struct {
	UserID    string
	ExpiresAt time.Time
}

type Auth interface {
	// GetSession returns domain.ErrAuthentication when no valid session exists.
	GetSession(ctx context.Context) (*Session, error)
}

// Store is the remote record store. Errors caused by an unreachable backend wrap domain.ErrNetwork.
type Store interface {
	Auth
	Select(ctx context.Context, table string, filters ...Filter) ([]domain.Record, error)
	Insert(ctx context.Context, table string, rec domain.Record) error
	// Update overwrites fields and updated_at of every matching record and returns how many matched.
	Update(ctx context.Context, table string, rec domain.Record, filters ...Filter) (int, error)
	Delete(ctx context.Context, table string, filters ...Filter) (int, error)
}

type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpLt  Op = "lt"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

// Columns filters may reference.
const (
	ColumnID        = "id"
	ColumnUserID    = "user_id"
	ColumnUpdatedAt = "updated_at"
)

type Filter struct {
	Column string
	Op     Op
	Value  any
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s %v", f.Column, f.Op, f.Value)
}

func (f Filter) validate() error {
	switch f.Column {
	case ColumnID, ColumnUserID, ColumnUpdatedAt:
	default:
		return fmt.Errorf("%w: cannot filter on column %q", domain.ErrValidation, f.Column)
	}
	switch f.Op {
	case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte:
	default:
		return fmt.Errorf("%w: unknown filter op %q", domain.ErrValidation, f.Op)
	}
	return nil
}

func validateFilters(filters []Filter) error {
	for _, f := range filters {
		if err := f.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Query is a fluent builder over a Store, mirroring `from(table).eq(...).select()`.
type Query struct {
	store   Store
	table   string
	filters []Filter
}

func From(s Store, table string) *Query {
	return &Query{store: s, table: table}
}

func (q *Query) where(col string, op Op, v any) *Query {
	q.filters = append(q.filters, Filter{Column: col, Op: op, Value: v})
	return q
}

func (q *Query) Eq(col string, v any) *Query  { return q.where(col, OpEq, v) }
func (q *Query) Neq(col string, v any) *Query { return q.where(col, OpNeq, v) }
func (q *Query) Gt(col string, v any) *Query  { return q.where(col, OpGt, v) }
func (q *Query) Lt(col string, v any) *Query  { return q.where(col, OpLt, v) }
func (q *Query) Gte(col string, v any) *Query { return q.where(col, OpGte, v) }
func (q *Query) Lte(col string, v any) *Query { return q.where(col, OpLte, v) }

func (q *Query) Filters() []Filter {
	return append([]Filter(nil), q.filters...)
}

func (q *Query) Select(ctx context.Context) ([]domain.Record, error) {
	return q.store.Select(ctx, q.table, q.filters...)
}

// Single returns the only matching record, or domain.ErrNotFound.
func (q *Query) Single(ctx context.Context) (domain.Record, error) {
	recs, err := q.Select(ctx)
	if err != nil {
		return domain.Record{}, err
	}
	switch len(recs) {
	case 0:
		return domain.Record{}, fmt.Errorf("%s: %w", q.table, domain.ErrNotFound)
	case 1:
		return recs[0], nil
	default:
		return domain.Record{}, fmt.Errorf("%s: %d records match, expected one", q.table, len(recs))
	}
}

func (q *Query) Insert(ctx context.Context, rec domain.Record) error {
	return q.store.Insert(ctx, q.table, rec)
}

func (q *Query) Update(ctx context.Context, rec domain.Record) (int, error) {
	return q.store.Update(ctx, q.table, rec, q.filters...)
}

func (q *Query) Delete(ctx context.Context) (int, error) {
	return q.store.Delete(ctx, q.table, q.filters...)
}

// filterTime converts an updated_at filter value to a time.
func filterTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if ts, ok := domain.ParseTimestamp(t); ok {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: updated_at filter needs a timestamp, got %v", domain.ErrValidation, v)
}
