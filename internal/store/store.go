// Package store persists chat messages in an append-only log.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/zhouzirui/chat-relay/internal/config"
	"github.com/zhouzirui/chat-relay/internal/model/chat"
)

// Store is the durable, append-only record of messages shared by every
// streaming session and websocket connection.
type Store interface {
	// Append commits a new message with a server-assigned id and timestamp.
	Append(ctx context.Context, sender, content string) (chat.Message, error)
	// ListOrdered returns every committed message by timestamp, ties by insertion order.
	ListOrdered(ctx context.Context) ([]chat.Message, error)
	Close() error
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemoryStore(), nil
	case config.DriverSQLite, "":
		return NewSQLiteStore(cfg.DSN)
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func validateSender(sender string) error {
	if strings.TrimSpace(sender) == "" {
		return &chat.ValidationError{Field: "sender", Reason: "must not be empty"}
	}
	return nil
}

func storageError(op string, err error) error {
	return &chat.StorageError{Op: op, Err: err}
}

// clock hands out non-decreasing timestamps. Callers hold the store's append lock.
type clock struct {
	now  func() time.Time
	last time.Time
}

func newClock() clock {
	return clock{now: time.Now}
}

func (c *clock) next() time.Time {
	t := c.now().UTC().Truncate(time.Microsecond)
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

// observe seeds the clock with a timestamp that is already persisted.
func (c *clock) observe(t time.Time) {
	t = t.UTC()
	if t.After(c.last) {
		c.last = t
	}
}
