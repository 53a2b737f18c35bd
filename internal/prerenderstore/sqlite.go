package prerenderstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores rows in a single table keyed by (partition_key, row_key).
type SQLite struct {
	opts  Options
	table string
	db    *sql.DB
}

func OpenSQLite(ctx context.Context, path, table string, opts Options) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("empty sqlite path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		partition_key TEXT NOT NULL,
		row_key       TEXT NOT NULL,
		value         TEXT NOT NULL,
		expiry_date   INTEGER NOT NULL,
		PRIMARY KEY (partition_key, row_key)
	)`, table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}
	return &SQLite{opts: opts.withDefaults(), table: table, db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, partitionKey, rowKey string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value, expiry_date FROM `+s.table+` WHERE partition_key = ? AND row_key = ?`,
		partitionKey, rowKey,
	)
	var (
		value  string
		expiry int64
	)
	if err := row.Scan(&value, &expiry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return Entry{
		PartitionKey: partitionKey,
		RowKey:       rowKey,
		Value:        value,
		ExpiryDate:   unixNanoUTC(expiry),
	}, nil
}

func (s *SQLite) Insert(ctx context.Context, partitionKey, rowKey, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.table+` (partition_key, row_key, value, expiry_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (partition_key, row_key) DO UPDATE SET
			value = excluded.value,
			expiry_date = excluded.expiry_date
	`, partitionKey, rowKey, value, s.opts.expiry().UnixNano())
	return err
}

func (s *SQLite) Delete(ctx context.Context, partitionKey, rowKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.table+` WHERE partition_key = ? AND row_key = ?`,
		partitionKey, rowKey,
	)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

func unixNanoUTC(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
