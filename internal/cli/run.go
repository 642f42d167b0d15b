package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/roach88/pricerelay/internal/config"
	"github.com/roach88/pricerelay/internal/platform/botapi"
	"github.com/roach88/pricerelay/internal/platform/export"
	"github.com/roach88/pricerelay/internal/relay"
	"github.com/roach88/pricerelay/internal/replay"
	"github.com/roach88/pricerelay/internal/resolve"
	"github.com/roach88/pricerelay/internal/rewrite"
	"github.com/roach88/pricerelay/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the relay process",
		Long: `Start the relay: watch the source channel, assemble albums, rewrite
captions per destination, and serve operator commands.

Credentials come from the environment (RELAY_BOT_TOKEN,
RELAY_SOURCE_CHANNEL, optional RELAY_OPERATOR_ID), seeded from a .env
file when present.

Example:
  pricerelay run --db ./relay.db
  pricerelay run --db ./relay.db --config relay.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

func runRelay(opts *RunOptions, cmd *cobra.Command) error {
	cfg, grammar, err := loadGrammar(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		return WrapExitError(ExitCommandError, "missing credentials", err)
	}

	rewriter, err := rewrite.New(grammar)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build rewrite engine", err)
	}

	slog.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database, store.WithCaptionCap(cfg.CaptionCap))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	bot, err := botapi.Connect(creds.BotToken)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to authorize bot", err)
	}
	pub := botapi.NewPublisher(bot)

	sourceChat, err := botapi.ResolveChatRef(bot, creds.SourceChannel)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve source channel", err)
	}

	resolver := resolve.New(st, pub,
		resolve.WithWindow(cfg.FallbackWindow),
		resolve.WithStrictPrefix(grammar.StrictPrefixMatch),
	)

	eng := relay.New(st, rewriter, pub, resolver, grammar,
		relay.WithQuietPeriod(time.Duration(cfg.QuietPeriodMS)*time.Millisecond),
		relay.WithSendRate(rate.Limit(cfg.SendRatePerSec), 3),
	)

	var replayer *replay.Replayer
	if cfg.ArchiveExport != "" {
		archive, err := export.Open(cfg.ArchiveExport)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open archive export", err)
		}
		replayer = replay.New(st, rewriter, pub, archive)
	}

	frontend := botapi.NewFrontend(botapi.FrontendConfig{
		Bot:         bot,
		Engine:      eng,
		Store:       st,
		Replayer:    replayer,
		Pub:         pub,
		SourceChat:  sourceChat,
		Trigger:     grammar.TriggerKeyword,
		OperatorID:  creds.OperatorID,
		DefaultHigh: grammar.DefaultHighOffset,
		DefaultLow:  grammar.DefaultLowOffset,
	})

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("relay starting",
		"db", cfg.Database, "source_chat", sourceChat,
		"quiet_period_ms", cfg.QuietPeriodMS)
	fmt.Fprintln(cmd.OutOrStdout(), "Relay started. Watching source channel.")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	frontendErr := make(chan error, 1)
	go func() {
		frontendErr <- frontend.Run(ctx)
	}()

	err = eng.Run(ctx)
	cancel()
	if fe := <-frontendErr; fe != nil && !isShutdown(fe) {
		slog.Error("frontend error", "error", fe)
	}
	if err != nil && !isShutdown(err) {
		return WrapExitError(ExitFailure, "relay error", err)
	}

	slog.Info("relay stopped gracefully")
	return nil
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
