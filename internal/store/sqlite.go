package store

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
)

// SQLiteStore implements Store on a single SQLite connection.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.Mutex
	clock clock
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens dsn (a file path or ":memory:") and creates the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, clock: newClock()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite store: migrate")
	}
	if err := s.seedClock(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite store: read last timestamp")
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
			sender VARCHAR(255) NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at, id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return errors.Wrapf(err, "migration failed:\n%s", m)
		}
	}
	return nil
}

func (s *SQLiteStore) seedClock() error {
	var last sql.NullTime
	err := s.db.QueryRow(`SELECT created_at FROM messages ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if last.Valid {
		s.clock.observe(last.Time)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, sender, content string) (chat.Message, error) {
	if err := validateSender(sender); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.clock.next()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (sender, content, created_at) VALUES (?, ?, ?)`,
		sender, content, ts)
	if err != nil {
		return chat.Message{}, storageError("append", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return chat.Message{}, storageError("append", err)
	}

	return chat.Message{ID: id, Sender: sender, Content: content, Timestamp: ts}, nil
}

func (s *SQLiteStore) ListOrdered(ctx context.Context) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
