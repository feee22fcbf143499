package tokenstore

import (
	"context"
	"errors"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresTable = "dashboard_tokens"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS dashboard_tokens (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type PostgresBackend struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// NewPool opens a pool, pings it and makes sure the token table exists.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (p *PostgresBackend) Get(ctx context.Context, key string) (string, error) {
	query, args, err := p.builder.
		Select("value").
		From(postgresTable).
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return "", err
	}
	var value string
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return value, nil
}

func (p *PostgresBackend) Set(ctx context.Context, key, value string) error {
	query, args, err := p.builder.
		Insert(postgresTable).
		Columns("key", "value").
		Values(key, value).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()").
		ToSql()
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, query, args...)
	return err
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	query, args, err := p.builder.
		Delete(postgresTable).
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, query, args...)
	return err
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}
