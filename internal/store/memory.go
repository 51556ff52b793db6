package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
)

var errClosed = errors.New("store is closed")

// MemoryStore keeps messages in process memory. Useful for tests and throwaway runs.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []chat.Message
	nextID   int64
	clock    clock
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make([]chat.Message, 0, 64),
		nextID:   1,
		clock:    newClock(),
	}
}

func (s *MemoryStore) Append(_ context.Context, sender, content string) (chat.Message, error) {
	if err := validateSender(sender); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return chat.Message{}, storageError("append", errClosed)
	}

	msg := chat.Message{
		ID:        s.nextID,
		Sender:    sender,
		Content:   content,
		Timestamp: s.clock.next(),
	}
	s.nextID++
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *MemoryStore) ListOrdered(_ context.Context) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storageError("list", errClosed)
	}

	copied := make([]chat.Message, len(s.messages))
	copy(copied, s.messages)
	return copied, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
