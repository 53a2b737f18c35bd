package prerenderstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores rows in a table keyed by (partition_key, row_key).
type Postgres struct {
	opts  Options
	table string
	pool  *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn, table string, opts Options) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		partition_key TEXT NOT NULL,
		row_key       TEXT NOT NULL,
		value         TEXT NOT NULL,
		expiry_date   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (partition_key, row_key)
	)`, pgx.Identifier{table}.Sanitize())
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}
	return &Postgres{opts: opts.withDefaults(), table: pgx.Identifier{table}.Sanitize(), pool: pool}, nil
}

func (s *Postgres) Get(ctx context.Context, partitionKey, rowKey string) (Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT value, expiry_date FROM `+s.table+` WHERE partition_key = $1 AND row_key = $2`,
		partitionKey, rowKey,
	)
	ent := Entry{PartitionKey: partitionKey, RowKey: rowKey}
	if err := row.Scan(&ent.Value, &ent.ExpiryDate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	ent.ExpiryDate = ent.ExpiryDate.UTC()
	return ent, nil
}

func (s *Postgres) Insert(ctx context.Context, partitionKey, rowKey, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table+` (partition_key, row_key, value, expiry_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (partition_key, row_key) DO UPDATE SET
			value = EXCLUDED.value,
			expiry_date = EXCLUDED.expiry_date
	`, partitionKey, rowKey, value, s.opts.expiry())
	return err
}

func (s *Postgres) Delete(ctx context.Context, partitionKey, rowKey string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table+` WHERE partition_key = $1 AND row_key = $2`,
		partitionKey, rowKey,
	)
	return err
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
