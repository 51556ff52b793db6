package store

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool  *pgxpool.Pool
	mu    sync.Mutex
	clock clock
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to databaseURL, verifies the connection and creates the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "postgres store: parse database URL")
	}

	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "postgres store: create pool")
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres store: ping")
	}

	s := &PostgresStore{pool: pool, clock: newClock()}
	if err := s.migrate(connectCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres store: migrate")
	}
	if err := s.seedClock(connectCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres store: read last timestamp")
	}

	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			sender VARCHAR(255) NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at, id);
	`)
	return err
}

func (s *PostgresStore) seedClock(ctx context.Context) error {
	var last time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT created_at FROM messages ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	s.clock.observe(last)
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, sender, content string) (chat.Message, error) {
	if err := validateSender(sender); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := chat.Message{Sender: sender, Content: content, Timestamp: s.clock.next()}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (sender, content, created_at) VALUES ($1, $2, $3) RETURNING id`,
		sender, content, msg.Timestamp).Scan(&msg.ID)
	if err != nil {
		return chat.Message{}, storageError("append", err)
	}

	return msg, nil
}

func (s *PostgresStore) ListOrdered(ctx context.Context) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sender, content, created_at FROM messages ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, storageError("list", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 32)
	for rows.Next() {
		var msg chat.Message
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Content, &msg.Timestamp); err != nil {
			return nil, storageError("list", err)
		}
		msg.Timestamp = msg.Timestamp.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list", err)
	}

	return messages, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
