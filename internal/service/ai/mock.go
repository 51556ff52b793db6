package ai

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
)

// MockGenerator echoes the prompt back in fixed-size chunks. It needs no
// network access and is used when no model is configured.
type MockGenerator struct {
	chunkSize int
	delay     time.Duration
}

var _ Generator = (*MockGenerator)(nil)

// NewMockGenerator returns a MockGenerator emitting chunkSize runes per fragment,
// pausing delay between fragments.
func NewMockGenerator(chunkSize int, delay time.Duration) *MockGenerator {
	if chunkSize < 1 {
		chunkSize = 1
	}
	return &MockGenerator{chunkSize: chunkSize, delay: delay}
}

func (g *MockGenerator) Start(ctx context.Context, p Prompt) (FragmentStream, error) {
	reply := fmt.Sprintf("You said: %s", p.Query)
	return &sliceStream{
		ctx:    ctx,
		chunks: splitIntoChunks(reply, g.chunkSize),
		delay:  g.delay,
	}, nil
}

type sliceStream struct {
	ctx    context.Context
	chunks []string
	delay  time.Duration
	pos    int
	closed bool
}

func (s *sliceStream) Next() (string, error) {
	if s.closed || s.pos >= len(s.chunks) {
		return "", io.EOF
	}

	if s.delay > 0 && s.pos > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return "", &chat.GenerationError{Err: s.ctx.Err()}
		case <-timer.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		return "", &chat.GenerationError{Err: err}
	}

	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *sliceStream) Close() {
	s.closed = true
}

// splitIntoChunks splits text into pieces of at most size runes.
func splitIntoChunks(text string, size int) []string {
	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
