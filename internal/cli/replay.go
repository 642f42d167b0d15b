package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/roach88/pricerelay/internal/config"
	"github.com/roach88/pricerelay/internal/platform/botapi"
	"github.com/roach88/pricerelay/internal/platform/export"
	"github.com/roach88/pricerelay/internal/replay"
	"github.com/roach88/pricerelay/internal/rewrite"
	"github.com/roach88/pricerelay/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Export   string
	Dest     int64
	Rate     float64
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay exported source history into a destination",
		Long: `Replay the source channel's exported history into one registered
destination, rewriting captions with the destination's offsets.

The export is a chat history export directory containing result.json.
Credentials come from the environment as for run.

Example:
  pricerelay replay --db ./relay.db --export ./export --dest -1001234`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Export, "export", "", "path to history export directory (required)")
	cmd.Flags().Int64Var(&opts.Dest, "dest", 0, "destination chat id (required)")
	cmd.Flags().Float64Var(&opts.Rate, "rate", 0.5, "emissions per second")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("export")
	_ = cmd.MarkFlagRequired("dest")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	creds, err := config.LoadCredentials()
	if err != nil {
		return WrapExitError(ExitCommandError, "missing credentials", err)
	}

	archive, err := export.Open(opts.Export)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open export", err)
	}

	// The export must cover the configured source channel.
	sourceChat := archive.ChatID()
	if id, parseErr := strconv.ParseInt(creds.SourceChannel, 10, 64); parseErr == nil && id != sourceChat {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("export covers chat %d but source channel is %d", sourceChat, id))
	}

	cfg, grammar, err := loadGrammar(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	rewriter, err := rewrite.New(grammar)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build rewrite engine", err)
	}

	st, err := store.Open(opts.Database, store.WithCaptionCap(cfg.CaptionCap))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	bot, err := botapi.Connect(creds.BotToken)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to authorize bot", err)
	}

	rp := replay.New(st, rewriter, botapi.NewPublisher(bot), archive,
		replay.WithSendRate(rate.Limit(opts.Rate), 1))

	n, err := rp.Replay(cmd.Context(), sourceChat, opts.Dest)
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if err != nil {
		_ = out.Error(fmt.Sprintf("replay aborted after %d items: %v", n, err))
		return WrapExitError(ExitFailure, "replay failed", err)
	}
	return out.Success(fmt.Sprintf("replayed %d items into %d", n, opts.Dest))
}
