package remote

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"offline-sync-service/internal/database"
	"offline-sync-service/internal/domain"
	"offline-sync-service/internal/logger"
)

var tableName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// MySQL keeps one table per collection (id, user_id, data JSON, updated_at)
// and resolves the signed-in user through a sessions table keyed by token.
type MySQL struct {
	db    *database.Database
	token string
}

func NewMySQL(db *database.Database, sessionToken string) *MySQL {
	return &MySQL{db: db, token: sessionToken}
}

// EnsureSchema creates the sessions table and the given collection tables.
func (m *MySQL) EnsureSchema(ctx context.Context, tables ...string) error {
	_, err := m.db.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS sessions (
		token      VARCHAR(128) PRIMARY KEY,
		user_id    VARCHAR(64)  NOT NULL,
		expires_at DATETIME(6)  NULL
	)`)
	if err != nil {
		return classify(fmt.Errorf("create sessions table: %w", err))
	}
	for _, t := range tables {
		if !tableName.MatchString(t) {
			return fmt.Errorf("%w: invalid table name %q", domain.ErrValidation, t)
		}
		_, err := m.db.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS `"+t+"` ("+`
			id         VARCHAR(64) PRIMARY KEY,
			user_id    VARCHAR(64) NOT NULL,
			data       JSON        NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_owner_updated (user_id, updated_at)
		)`)
		if err != nil {
			return classify(fmt.Errorf("create table %s: %w", t, err))
		}
	}
	logger.Log.Info("Remote schema ready", zap.Strings("tables", tables))
	return nil
}

func (m *MySQL) GetSession(ctx context.Context) (*Session, error) {
	if m.token == "" {
		return nil, fmt.Errorf("%w: no session token configured", domain.ErrAuthentication)
	}

	var (
		s   Session
		exp sql.NullTime
	)
	err := m.db.DB.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM sessions WHERE token = ?`, m.token,
	).Scan(&s.UserID, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown session", domain.ErrAuthentication)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("load session: %w", err))
	}
	if exp.Valid {
		s.ExpiresAt = exp.Time
		if time.Now().After(exp.Time) {
			return nil, fmt.Errorf("%w: session expired", domain.ErrAuthentication)
		}
	}
	return &s, nil
}

func (m *MySQL) Select(ctx context.Context, table string, filters ...Filter) ([]domain.Record, error) {
	where, args, err := buildWhere(table, filters)
	if err != nil {
		return nil, err
	}

	rows, err := m.db.DB.QueryContext(ctx,
		"SELECT id, user_id, data, updated_at FROM `"+table+"`"+where+" ORDER BY id", args...)
	if err != nil {
		return nil, classify(fmt.Errorf("select %s: %w", table, err))
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var (
			rec     domain.Record
			data    []byte
			updated time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &data, &updated); err != nil {
			return nil, classify(fmt.Errorf("scan %s: %w", table, err))
		}
		if err := json.Unmarshal(data, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", table, rec.ID, err)
		}
		rec.UpdatedAt = domain.FormatTimestamp(updated)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("select %s: %w", table, err))
	}
	return out, nil
}

func (m *MySQL) Insert(ctx context.Context, table string, rec domain.Record) error {
	if !tableName.MatchString(table) {
		return fmt.Errorf("%w: invalid table name %q", domain.ErrValidation, table)
	}
	data, updated, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	_, err = m.db.DB.ExecContext(ctx,
		"INSERT INTO `"+table+"` (id, user_id, data, updated_at) VALUES (?, ?, ?, ?)",
		rec.ID, rec.OwnerID, data, updated)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return fmt.Errorf("%w: %s/%s already exists", domain.ErrConflict, table, rec.ID)
	}
	if err != nil {
		return classify(fmt.Errorf("insert %s/%s: %w", table, rec.ID, err))
	}
	return nil
}

func (m *MySQL) Update(ctx context.Context, table string, rec domain.Record, filters ...Filter) (int, error) {
	where, args, err := buildWhere(table, filters)
	if err != nil {
		return 0, err
	}
	data, updated, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}

	res, err := m.db.DB.ExecContext(ctx,
		"UPDATE `"+table+"` SET data = ?, updated_at = ?"+where,
		append([]any{data, updated}, args...)...)
	if err != nil {
		return 0, classify(fmt.Errorf("update %s: %w", table, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return int(n), nil
}

func (m *MySQL) Delete(ctx context.Context, table string, filters ...Filter) (int, error) {
	where, args, err := buildWhere(table, filters)
	if err != nil {
		return 0, err
	}
	if where == "" {
		return 0, fmt.Errorf("%w: refusing unfiltered delete on %s", domain.ErrValidation, table)
	}

	res, err := m.db.DB.ExecContext(ctx, "DELETE FROM `"+table+"`"+where, args...)
	if err != nil {
		return 0, classify(fmt.Errorf("delete %s: %w", table, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return int(n), nil
}

var sqlOps = map[Op]string{
	OpEq:  "=",
	OpNeq: "<>",
	OpGt:  ">",
	OpLt:  "<",
	OpGte: ">=",
	OpLte: "<=",
}

func buildWhere(table string, filters []Filter) (string, []any, error) {
	if !tableName.MatchString(table) {
		return "", nil, fmt.Errorf("%w: invalid table name %q", domain.ErrValidation, table)
	}
	if err := validateFilters(filters); err != nil {
		return "", nil, err
	}
	if len(filters) == 0 {
		return "", nil, nil
	}

	clauses := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for _, f := range filters {
		v := f.Value
		if f.Column == ColumnUpdatedAt {
			t, err := filterTime(v)
			if err != nil {
				return "", nil, err
			}
			v = t.UTC()
		}
		clauses = append(clauses, fmt.Sprintf("`%s` %s ?", f.Column, sqlOps[f.Op]))
		args = append(args, v)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func encodeRecord(rec domain.Record) ([]byte, time.Time, error) {
	if rec.ID == "" {
		return nil, time.Time{}, fmt.Errorf("%w: record without id", domain.ErrValidation)
	}
	updated, ok := rec.Timestamp()
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: record %s has unparseable updated_at %q", domain.ErrValidation, rec.ID, rec.UpdatedAt)
	}
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: encode %s: %v", domain.ErrValidation, rec.ID, err)
	}
	return data, updated.UTC(), nil
}

// classify marks connection-level failures with domain.ErrNetwork.
func classify(err error) error {
	if err == nil || errors.Is(err, domain.ErrNetwork) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	return err
}
