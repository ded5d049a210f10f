// Package pgstore keeps dispatcher records in Postgres through a pgx pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"wakulink/go-backend/pkg/models"
)

var ErrEmptyHash = errors.New("stored message hash is empty")

const schema = `
CREATE TABLE IF NOT EXISTS wakulink_messages (
	hash          TEXT PRIMARY KEY,
	direction     TEXT NOT NULL,
	content_topic TEXT NOT NULL,
	pubsub_topic  TEXT NOT NULL,
	payload       BYTEA NOT NULL,
	sent_at       TIMESTAMPTZ NOT NULL,
	ephemeral     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS wakulink_messages_sent_at_idx ON wakulink_messages (sent_at);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Append inserts rec; a record with the same hash is left untouched.
func (s *Store) Append(ctx context.Context, rec models.StoredMessage) error {
	if rec.Hash == "" {
		return ErrEmptyHash
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wakulink_messages (hash, direction, content_topic, pubsub_topic, payload, sent_at, ephemeral)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (hash) DO NOTHING`,
		rec.Hash, rec.Direction.String(), rec.ContentTopic, rec.PubsubTopic, rec.Payload, rec.Timestamp.UTC(), rec.Ephemeral)
	if err != nil {
		return fmt.Errorf("append %s: %w", rec.Hash, err)
	}
	return nil
}

func (s *Store) All(ctx context.Context) ([]models.StoredMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hash, direction, content_topic, pubsub_topic, payload, sent_at, ephemeral
		FROM wakulink_messages
		ORDER BY sent_at, hash`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]models.StoredMessage, 0)
	for rows.Next() {
		var (
			rec       models.StoredMessage
			direction string
			sentAt    time.Time
		)
		if err := rows.Scan(&rec.Hash, &direction, &rec.ContentTopic, &rec.PubsubTopic, &rec.Payload, &sentAt, &rec.Ephemeral); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		dir, ok := models.ParseDirection(direction)
		if !ok {
			return nil, fmt.Errorf("message %s has unknown direction %q", rec.Hash, direction)
		}
		rec.Direction = dir
		rec.Timestamp = sentAt
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) Close() {
	s.pool.Close()
}
