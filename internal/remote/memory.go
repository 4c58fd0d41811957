package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"offline-sync-service/internal/domain"
)

// Memory is an in-process remote store. It can be switched offline to
// simulate a lost connection and counts every call it receives.
type Memory struct {
	mu      sync.RWMutex
	tables  map[string]map[string]domain.Record
	session *Session
	online  atomic.Bool
	calls   atomic.Int64
	fail    map[string]error
}

func NewMemory(userID string) *Memory {
	m := &Memory{
		tables: make(map[string]map[string]domain.Record),
		fail:   make(map[string]error),
	}
	if userID != "" {
		m.session = &Session{UserID: userID}
	}
	m.online.Store(true)
	return m
}

// SetOnline toggles simulated connectivity.
func (m *Memory) SetOnline(online bool) {
	m.online.Store(online)
}

// SetSession replaces the signed-in user; nil signs out.
func (m *Memory) SetSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
}

// FailRecord makes every write touching id return err.
func (m *Memory) FailRecord(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, id)
		return
	}
	m.fail[id] = err
}

// Calls reports how many store calls were made.
func (m *Memory) Calls() int64 {
	return m.calls.Load()
}

// Get reads a record directly, bypassing connectivity and call counting.
func (m *Memory) Get(table, id string) (domain.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tables[table][id]
	if !ok {
		return domain.Record{}, false
	}
	return rec.Clone(), true
}

// Seed stores rec directly, bypassing connectivity and call counting.
func (m *Memory) Seed(table string, rec domain.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(table, rec)
}

func (m *Memory) put(table string, rec domain.Record) {
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]domain.Record)
		m.tables[table] = t
	}
	rec = rec.Clone()
	rec.Status = ""
	rec.Conflict = nil
	t[rec.ID] = rec
}

func (m *Memory) enter(ctx context.Context) error {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.online.Load() {
		return domain.ErrNetwork
	}
	return nil
}

func (m *Memory) GetSession(ctx context.Context) (*Session, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil, fmt.Errorf("%w: no active session", domain.ErrAuthentication)
	}
	if !m.session.ExpiresAt.IsZero() && time.Now().After(m.session.ExpiresAt) {
		return nil, fmt.Errorf("%w: session expired", domain.ErrAuthentication)
	}
	s := *m.session
	return &s, nil
}

func (m *Memory) Select(ctx context.Context, table string, filters ...Filter) ([]domain.Record, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	if err := validateFilters(filters); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Record
	for _, rec := range m.tables[table] {
		ok, err := matches(rec, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Insert(ctx context.Context, table string, rec domain.Record) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("%w: record without id", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[rec.ID]; err != nil {
		return err
	}
	if _, exists := m.tables[table][rec.ID]; exists {
		return fmt.Errorf("%w: %s/%s already exists", domain.ErrConflict, table, rec.ID)
	}
	m.put(table, rec)
	return nil
}

func (m *Memory) Update(ctx context.Context, table string, rec domain.Record, filters ...Filter) (int, error) {
	if err := m.enter(ctx); err != nil {
		return 0, err
	}
	if err := validateFilters(filters); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, cur := range m.tables[table] {
		ok, err := matches(cur, filters)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		if err := m.fail[id]; err != nil {
			return n, err
		}
		next := cur
		next.Fields = rec.Clone().Fields
		next.UpdatedAt = rec.UpdatedAt
		m.put(table, next)
		n++
	}
	return n, nil
}

func (m *Memory) Delete(ctx context.Context, table string, filters ...Filter) (int, error) {
	if err := m.enter(ctx); err != nil {
		return 0, err
	}
	if err := validateFilters(filters); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, cur := range m.tables[table] {
		ok, err := matches(cur, filters)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		if err := m.fail[id]; err != nil {
			return n, err
		}
		delete(m.tables[table], id)
		n++
	}
	return n, nil
}

func matches(rec domain.Record, filters []Filter) (bool, error) {
	for _, f := range filters {
		var cmp int
		switch f.Column {
		case ColumnID:
			cmp = compareStrings(rec.ID, fmt.Sprint(f.Value))
		case ColumnUserID:
			cmp = compareStrings(rec.OwnerID, fmt.Sprint(f.Value))
		case ColumnUpdatedAt:
			want, err := filterTime(f.Value)
			if err != nil {
				return false, err
			}
			have, ok := rec.Timestamp()
			if !ok {
				// unparseable timestamps never satisfy a range
				return false, nil
			}
			cmp = have.Compare(want)
		}
		if !opHolds(f.Op, cmp) {
			return false, nil
		}
	}
	return true, nil
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func opHolds(op Op, cmp int) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNeq:
		return cmp != 0
	case OpGt:
		return cmp > 0
	case OpLt:
		return cmp < 0
	case OpGte:
		return cmp >= 0
	case OpLte:
		return cmp <= 0
	}
	return false
}
