// Package store mirrors persisted capture log lines into Postgres.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS captured_messages (
	id              uuid PRIMARY KEY,
	dedup_key       text NOT NULL UNIQUE,
	service_id      text NOT NULL,
	url             text,
	role            text NOT NULL,
	content         text NOT NULL,
	external_id     text,
	conversation_id text,
	source          text NOT NULL,
	captured_at     timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS captured_messages_service_time
	ON captured_messages (service_id, captured_at);`

// EnsureSchema creates the mirror table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
