package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQL is a Store backed by database/sql. It supports both SQLite
// (default, no external dependencies) and PostgreSQL (for multi-replica
// deployments), selected by the connection URL.
type SQL struct {
	db     *sql.DB
	driver string
	table  string
	now    func() time.Time
}

// OpenSQL opens a SQL-backed store. The URL can be:
//   - a file path like "fedbox.db" → SQLite
//   - "sqlite:///path/to/file.db"  → SQLite
//   - "postgres://..."             → PostgreSQL
func OpenSQL(databaseURL string) (*SQL, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	return &SQL{db: db, driver: driver, table: "fedbox_kv", now: time.Now}, nil
}

func detectDriver(databaseURL string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres", databaseURL
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(databaseURL, "sqlite://")
	default:
		return "sqlite", databaseURL
	}
}

// Migrate creates the backing table if it does not exist.
func (s *SQL) Migrate() error {
	slog.Info("running kv migrations", "driver", s.driver)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		expires_at BIGINT
	)`, s.table)
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// DB exposes the underlying handle so the Postgres queue backend can
// share one connection pool.
func (s *SQL) DB() *sql.DB { return s.db }

// Driver returns "sqlite" or "postgres".
func (s *SQL) Driver() string { return s.driver }

// Close closes the database connection.
func (s *SQL) Close() error { return s.db.Close() }

// ph returns the placeholder for parameter n, accounting for driver
// differences ($1 vs ?).
func (s *SQL) ph(n int) string {
	if s.driver == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (s *SQL) Get(ctx context.Context, key Key) ([]byte, error) {
	var value string
	var expires sql.NullInt64
	q := fmt.Sprintf("SELECT value, expires_at FROM %s WHERE key = %s", s.table, s.ph(1))
	err := s.db.QueryRowContext(ctx, q, key.encode()).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrStore, key, err)
	}
	if expires.Valid && expires.Int64 <= s.now().UnixMilli() {
		return nil, nil
	}
	return []byte(value), nil
}

func (s *SQL) Set(ctx context.Context, key Key, value []byte, opts *SetOptions) error {
	q := fmt.Sprintf(`INSERT INTO %s (key, value, expires_at) VALUES (%s, %s, %s)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		s.table, s.ph(1), s.ph(2), s.ph(3))
	if _, err := s.db.ExecContext(ctx, q, key.encode(), string(value), s.expiryMilli(opts)); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrStore, key, err)
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, key Key) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE key = %s", s.table, s.ph(1))
	if _, err := s.db.ExecContext(ctx, q, key.encode()); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStore, key, err)
	}
	return nil
}

func (s *SQL) CAS(ctx context.Context, key Key, expected, next []byte, opts *SetOptions) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: cas %s: %v", ErrStore, key, err)
	}
	defer tx.Rollback()

	var current string
	var expires sql.NullInt64
	q := fmt.Sprintf("SELECT value, expires_at FROM %s WHERE key = %s", s.table, s.ph(1))
	if s.driver == "postgres" {
		q += " FOR UPDATE"
	}
	err = tx.QueryRowContext(ctx, q, key.encode()).Scan(&current, &expires)
	absent := errors.Is(err, sql.ErrNoRows) ||
		(err == nil && expires.Valid && expires.Int64 <= s.now().UnixMilli())
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: cas %s: %v", ErrStore, key, err)
	}

	if absent {
		if expected != nil {
			return false, nil
		}
	} else if expected == nil || !bytesEqual([]byte(current), expected) {
		return false, nil
	}

	up := fmt.Sprintf(`INSERT INTO %s (key, value, expires_at) VALUES (%s, %s, %s)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		s.table, s.ph(1), s.ph(2), s.ph(3))
	if _, err := tx.ExecContext(ctx, up, key.encode(), string(next), s.expiryMilli(opts)); err != nil {
		return false, fmt.Errorf("%w: cas %s: %v", ErrStore, key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: cas %s: %v", ErrStore, key, err)
	}
	return true, nil
}

func (s *SQL) List(ctx context.Context, prefix Key) ([]Entry, error) {
	// Segment-wise prefix reduces to string prefix on the encoded key:
	// either the exact key or the prefix followed by a separator.
	enc := prefix.encode()
	q := fmt.Sprintf(`SELECT key, value, expires_at FROM %s WHERE key = %s OR key LIKE %s ESCAPE '\'`,
		s.table, s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, q, enc, likeEscape(enc)+"\x1f%")
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStore, prefix, err)
	}
	defer rows.Close()

	nowMilli := s.now().UnixMilli()
	var out []Entry
	for rows.Next() {
		var key, value string
		var expires sql.NullInt64
		if err := rows.Scan(&key, &value, &expires); err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", ErrStore, prefix, err)
		}
		if expires.Valid && expires.Int64 <= nowMilli {
			continue
		}
		out = append(out, Entry{Key: decodeKey(key), Value: []byte(value)})
	}
	return out, rows.Err()
}

func (s *SQL) expiryMilli(opts *SetOptions) sql.NullInt64 {
	if opts != nil && opts.TTL > 0 {
		return sql.NullInt64{Int64: s.now().Add(opts.TTL).UnixMilli(), Valid: true}
	}
	return sql.NullInt64{}
}

func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
