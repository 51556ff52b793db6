package chat

import (
	"context"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
	"github.com/zhouzirui/chat-relay/internal/service/ai"
	"github.com/zhouzirui/chat-relay/internal/service/spam"
	"github.com/zhouzirui/chat-relay/internal/store"
)

// Limits bounds inbound messages.
type Limits struct {
	MaxSenderLength  int
	MaxContentLength int
}

// DefaultLimits mirrors the sizes of the messages table columns.
var DefaultLimits = Limits{MaxSenderLength: 64, MaxContentLength: 256}

// Service runs streaming sessions and answers history queries.
type Service struct {
	store        store.Store
	generator    ai.Generator
	guard        spam.Guard
	limits       Limits
	historyLimit int
}

// Option customizes a Service.
type Option func(*Service)

// WithLimits overrides DefaultLimits.
func WithLimits(limits Limits) Option {
	return func(s *Service) { s.limits = limits }
}

// WithGuard replaces the in-process send guard.
func WithGuard(guard spam.Guard) Option {
	return func(s *Service) { s.guard = guard }
}

// WithHistoryLimit sets how many earlier messages are handed to the generator.
func WithHistoryLimit(n int) Option {
	return func(s *Service) { s.historyLimit = n }
}

// NewService wires a store and a generator.
func NewService(st store.Store, gen ai.Generator, opts ...Option) *Service {
	s := &Service{
		store:        st,
		generator:    gen,
		guard:        spam.NewMemoryGuard(),
		limits:       DefaultLimits,
		historyLimit: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// History returns every committed message in timestamp order. Replies that
// are still streaming are not part of it.
func (s *Service) History(ctx context.Context) ([]chat.Message, error) {
	return s.store.ListOrdered(ctx)
}

// Open validates and persists an inbound message and returns the stream that
// will produce the reply. Sends from the same sender are serialized: Open
// waits until the sender's previous stream is closed or ctx ends. On error
// nothing was persisted and no lock is held. The caller must Close the
// returned stream.
func (s *Service) Open(ctx context.Context, sender, content string) (*Stream, error) {
	sender = strings.TrimSpace(sender)
	if err := s.validate(sender, content); err != nil {
		return nil, err
	}

	release, err := s.guard.Acquire(ctx, sender)
	if err != nil {
		return nil, err
	}

	inbound, err := s.store.Append(ctx, sender, content)
	if err != nil {
		release()
		return nil, err
	}

	log.Info().Str("component", "chat").Int64("message_id", inbound.ID).Str("sender", sender).Msg("inbound message stored")

	return &Stream{svc: s, inbound: inbound, release: release}, nil
}

func (s *Service) validate(sender, content string) error {
	if sender == "" {
		return &chat.ValidationError{Field: "sender", Reason: "is required"}
	}
	if utf8.RuneCountInString(sender) > s.limits.MaxSenderLength {
		return &chat.ValidationError{Field: "sender", Reason: "is too long"}
	}
	if strings.TrimSpace(content) == "" {
		return &chat.ValidationError{Field: "content", Reason: "is required"}
	}
	if utf8.RuneCountInString(content) > s.limits.MaxContentLength {
		return &chat.ValidationError{Field: "content", Reason: "is too long"}
	}
	return nil
}

// recentHistory returns up to historyLimit committed messages preceding the
// inbound one. Failures only cost the generator its context.
func (s *Service) recentHistory(ctx context.Context, inboundID int64) []chat.Message {
	if s.historyLimit <= 0 {
		return nil
	}

	messages, err := s.store.ListOrdered(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "chat").Msg("failed to load history for prompt")
		return nil
	}

	history := make([]chat.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == inboundID {
			continue
		}
		history = append(history, msg)
	}
	if len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}
	return history
}

// Stream is one in-flight reply. It is not safe for concurrent use.
type Stream struct {
	svc     *Service
	inbound chat.Message
	release func()

	closeOnce sync.Once
	ran       bool
}

// Inbound returns the committed user message that opened the stream.
func (st *Stream) Inbound() chat.Message {
	return st.inbound
}

// Run drives the generator, handing every fragment to emit before asking for
// the next one, and commits the assembled reply once the generator is
// exhausted. When generation fails, emit fails or ctx ends, no reply is
// committed. Run may be called once.
func (st *Stream) Run(ctx context.Context, emit func(fragment string) error) (chat.Message, error) {
	defer st.Close()

	if st.ran {
		return chat.Message{}, errors.New("stream already consumed")
	}
	st.ran = true

	reply := chat.Message{Sender: chat.BotSender}
	var content strings.Builder

	fragments, err := st.svc.generator.Start(ctx, ai.Prompt{
		Query:   st.inbound.Content,
		History: st.svc.recentHistory(ctx, st.inbound.ID),
	})
	if err != nil {
		if ctx.Err() != nil {
			return chat.Message{}, st.abort(ctx.Err(), 0)
		}
		return chat.Message{}, asGenerationError(err)
	}
	defer fragments.Close()

	for {
		if ctx.Err() != nil {
			return chat.Message{}, st.abort(ctx.Err(), content.Len())
		}

		fragment, err := fragments.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return chat.Message{}, st.abort(ctx.Err(), content.Len())
			}
			log.Warn().Err(err).Str("component", "chat").Int64("message_id", st.inbound.ID).Int("received", content.Len()).Msg("generation failed, dropping partial reply")
			return chat.Message{}, asGenerationError(err)
		}
		if fragment == "" {
			continue
		}

		content.WriteString(fragment)
		if err := emit(fragment); err != nil {
			return chat.Message{}, st.abort(err, content.Len())
		}
	}

	if ctx.Err() != nil {
		return chat.Message{}, st.abort(ctx.Err(), content.Len())
	}

	reply.Content = content.String()
	committed, err := st.svc.store.Append(ctx, reply.Sender, reply.Content)
	if err != nil {
		log.Error().Err(err).Str("component", "chat").Int64("message_id", st.inbound.ID).Msg("failed to commit reply")
		return chat.Message{}, err
	}

	log.Info().Str("component", "chat").Int64("message_id", committed.ID).Int64("reply_to", st.inbound.ID).Int("length", len(committed.Content)).Msg("reply committed")
	return committed, nil
}

// Close releases the sender's send lock. It is idempotent.
func (st *Stream) Close() {
	st.closeOnce.Do(st.release)
}

func (st *Stream) abort(cause error, received int) error {
	log.Info().Err(cause).Str("component", "chat").Int64("message_id", st.inbound.ID).Int("received", received).Msg("caller went away, dropping partial reply")
	return errors.Wrap(chat.ErrStreamAborted, cause.Error())
}

func asGenerationError(err error) error {
	if chat.IsGeneration(err) {
		return err
	}
	return &chat.GenerationError{Err: err}
}
