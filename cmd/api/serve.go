package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/chat-relay/internal/handler"
	"github.com/zhouzirui/chat-relay/internal/service/ai"
	"github.com/zhouzirui/chat-relay/internal/service/chat"
	"github.com/zhouzirui/chat-relay/internal/service/relay"
	"github.com/zhouzirui/chat-relay/internal/service/spam"
	"github.com/zhouzirui/chat-relay/internal/store"
)

func newServeCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides PORT)")
	return cmd
}

func runServe(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	// The store outlives every connection and request that writes to it.
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()
	log.Info().Str("driver", cfg.Store.Driver).Msg("store opened")

	gen, err := ai.NewGenerator(ctx, cfg.AI)
	if err != nil {
		return errors.Wrap(err, "init generator")
	}

	chatOpts := []chat.Option{
		chat.WithLimits(chat.Limits{
			MaxSenderLength:  cfg.Chat.MaxSenderLength,
			MaxContentLength: cfg.Chat.MaxContentLength,
		}),
		chat.WithHistoryLimit(cfg.AI.HistoryLimit),
	}
	if cfg.Redis.Enabled() {
		client, err := spam.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer client.Close()
		chatOpts = append(chatOpts, chat.WithGuard(spam.NewRedisGuard(client, cfg.Chat.SendLockTTL)))
		log.Info().Msg("redis send guard enabled")
	}

	chatSvc := chat.NewService(st, gen, chatOpts...)
	registry := relay.NewRegistry(st)
	router := handler.NewRouter(chatSvc, registry)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", cfg.Server.Addr).Msg("chat relay listening")
	return runServer(ctx, srv, registry, cfg.Server.ShutdownTimeout)
}

// runServer serves until ctx is done, then drains HTTP requests and closes
// WebSocket connections concurrently.
func runServer(ctx context.Context, srv *http.Server, registry *relay.Registry, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		return errors.Wrap(srv.Shutdown(gctx), "http shutdown")
	})
	g.Go(func() error {
		return errors.Wrap(registry.Shutdown(gctx), "websocket shutdown")
	})
	shutdownErr := g.Wait()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return shutdownErr
}
