package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/chat-relay/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("chat-relay exited")
		os.Exit(1)
	}
}

// options are flag overrides applied on top of the environment.
type options struct {
	addr        string
	storeDriver string
	storeDSN    string
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "chat-relay",
		Short:         "Chat relay with streamed bot replies and a WebSocket ingest path",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.storeDriver, "store-driver", "", "storage backend: sqlite, postgres or memory (overrides STORE_DRIVER)")
	root.PersistentFlags().StringVar(&opts.storeDSN, "store-dsn", "", "storage DSN (overrides STORE_DSN)")
	root.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides PORT)")

	root.AddCommand(newServeCommand(opts), newHistoryCommand(opts))
	return root
}

// loadConfig reads .env and the environment, then applies flag overrides.
func loadConfig(opts *options) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded, using system environment only")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if opts.addr != "" {
		addr, err := config.ParseAddr(opts.addr)
		if err != nil {
			return nil, err
		}
		cfg.Server.Addr = addr
	}
	if opts.storeDriver != "" {
		cfg.Store.Driver = strings.ToLower(opts.storeDriver)
	}
	if opts.storeDSN != "" {
		cfg.Store.DSN = opts.storeDSN
	}

	setupLogging(cfg.Log)
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if strings.EqualFold(cfg.Format, "console") {
		log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
