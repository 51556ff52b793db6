package ai

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-relay/internal/config"
	"github.com/zhouzirui/chat-relay/internal/model/chat"
)

// Prompt is the input for one generation.
type Prompt struct {
	Query   string
	History []chat.Message
}

// FragmentStream is a finite, single-use sequence of generated text.
// Next returns io.EOF once the reply is complete; any other error is a
// *chat.GenerationError. Close releases the backend and may be called at any time.
type FragmentStream interface {
	Next() (string, error)
	Close()
}

// Generator starts text generations.
type Generator interface {
	Start(ctx context.Context, prompt Prompt) (FragmentStream, error)
}

// NewGenerator picks the backend described by cfg.Mode. In auto mode the Ark
// model is used when credentials are present, otherwise the mock generator.
func NewGenerator(ctx context.Context, cfg config.AIConfig) (Generator, error) {
	switch cfg.Mode {
	case config.GeneratorMock:
		return NewMockGenerator(cfg.MockChunkSize, cfg.MockChunkDelay), nil
	case config.GeneratorArk:
		return NewService(ctx, cfg)
	}

	if cfg.Enabled() {
		svc, err := NewService(ctx, cfg)
		if err == nil {
			return svc, nil
		}
		log.Warn().Err(err).Str("component", "ai").Msg("failed to initialize ark generator, falling back to mock")
	} else {
		log.Warn().Str("component", "ai").Msg("ark credentials not configured, using mock generator")
	}

	return NewMockGenerator(cfg.MockChunkSize, cfg.MockChunkDelay), nil
}
