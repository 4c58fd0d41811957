package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"offline-sync-service/internal/domain"
)

// Collection is a keyed set of records. Handles obtained from a Tx write
// inside that transaction; handles from the Store autocommit each statement.
type Collection struct {
	name string
	q    querier
	now  func() time.Time
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) wrap(op string, err error) error {
	if isMissingTable(err) {
		return fmt.Errorf("%s %s: %w", op, c.name, ErrMissingCollection)
	}
	return fmt.Errorf("%s %s: %w", op, c.name, err)
}

// Fetch returns the current snapshot, optionally limited to the given statuses.
func (c *Collection) Fetch(ctx context.Context, statuses ...domain.DirtyStatus) ([]domain.Record, error) {
	if !ValidCollectionName(c.name) {
		return nil, fmt.Errorf("%w: invalid collection name %q", domain.ErrValidation, c.name)
	}

	query := `SELECT id, data, updated_at, sync_status FROM "` + c.name + `"`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE sync_status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY id`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, c.wrap("fetch", err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, c.wrap("scan", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, c.wrap("fetch", err)
	}
	return out, nil
}

// Find returns domain.ErrNotFound when no record has the id.
func (c *Collection) Find(ctx context.Context, id string) (domain.Record, error) {
	if !ValidCollectionName(c.name) {
		return domain.Record{}, fmt.Errorf("%w: invalid collection name %q", domain.ErrValidation, c.name)
	}
	row := c.q.QueryRowContext(ctx,
		`SELECT id, data, updated_at, sync_status FROM "`+c.name+`" WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, fmt.Errorf("%s/%s: %w", c.name, id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Record{}, c.wrap("find", err)
	}
	return rec, nil
}

// Create inserts a new record tagged created. A missing id is generated and a
// missing updated_at is set to now.
func (c *Collection) Create(ctx context.Context, rec domain.Record) (domain.Record, error) {
	rec = rec.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.UpdatedAt == "" {
		rec.UpdatedAt = domain.FormatTimestamp(c.now())
	}
	rec.Status = domain.StatusCreated
	rec.Conflict = nil

	data, err := encodeFields(rec.Fields)
	if err != nil {
		return domain.Record{}, err
	}
	_, err = c.q.ExecContext(ctx,
		`INSERT INTO "`+c.name+`" (id, data, updated_at, sync_status) VALUES (?, ?, ?, ?)`,
		rec.ID, data, rec.UpdatedAt, string(rec.Status))
	if err != nil {
		return domain.Record{}, c.wrap("create", err)
	}
	return rec, nil
}

// Update applies mutate, bumps updated_at and marks the record updated. A
// record that never reached the remote store stays created.
func (c *Collection) Update(ctx context.Context, id string, mutate func(*domain.Record)) (domain.Record, error) {
	rec, err := c.Find(ctx, id)
	if err != nil {
		return domain.Record{}, err
	}
	if rec.Status == domain.StatusDeleted {
		return domain.Record{}, fmt.Errorf("%s/%s is deleted: %w", c.name, id, domain.ErrNotFound)
	}

	if mutate != nil {
		mutate(&rec)
	}
	rec.ID = id
	rec.UpdatedAt = domain.FormatTimestamp(c.now())
	if rec.Status != domain.StatusCreated {
		rec.Status = domain.StatusUpdated
	}

	if err := c.Put(ctx, rec); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

// MarkAsDeleted tombstones the record until the deletion is pushed. Records
// still in created state are removed outright.
func (c *Collection) MarkAsDeleted(ctx context.Context, id string) error {
	rec, err := c.Find(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == domain.StatusCreated {
		return c.Purge(ctx, id)
	}
	_, err = c.q.ExecContext(ctx,
		`UPDATE "`+c.name+`" SET sync_status = ?, updated_at = ? WHERE id = ?`,
		string(domain.StatusDeleted), domain.FormatTimestamp(c.now()), id)
	if err != nil {
		return c.wrap("delete", err)
	}
	return nil
}

// Put writes rec exactly as given, inserting or replacing.
func (c *Collection) Put(ctx context.Context, rec domain.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: record without id", domain.ErrValidation)
	}
	status := rec.Status
	if status == "" {
		status = domain.StatusSynced
	}
	if !status.Valid() {
		return fmt.Errorf("%w: invalid status %q", domain.ErrValidation, status)
	}

	data, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx,
		`INSERT INTO "`+c.name+`" (id, data, updated_at, sync_status) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at, sync_status = excluded.sync_status`,
		rec.ID, data, rec.UpdatedAt, string(status))
	if err != nil {
		return c.wrap("put", err)
	}
	return nil
}

// Purge removes the row without leaving a tombstone.
func (c *Collection) Purge(ctx context.Context, id string) error {
	if _, err := c.q.ExecContext(ctx, `DELETE FROM "`+c.name+`" WHERE id = ?`, id); err != nil {
		return c.wrap("purge", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (domain.Record, error) {
	var (
		rec    domain.Record
		data   string
		status string
	)
	if err := s.Scan(&rec.ID, &data, &rec.UpdatedAt, &status); err != nil {
		return domain.Record{}, err
	}
	rec.Status = domain.DirtyStatus(status)
	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return domain.Record{}, fmt.Errorf("decode fields of %s: %w", rec.ID, err)
	}
	return rec, nil
}

func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("%w: encode fields: %v", domain.ErrValidation, err)
	}
	return string(b), nil
}
