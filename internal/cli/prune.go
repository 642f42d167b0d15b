package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pricerelay/internal/config"
	"github.com/roach88/pricerelay/internal/platform"
	"github.com/roach88/pricerelay/internal/platform/botapi"
	"github.com/roach88/pricerelay/internal/store"
)

// PruneOptions holds flags for the prune command.
type PruneOptions struct {
	*RootOptions
	Database string
	Apply    bool
}

// PruneReport is one destination's prune outcome.
type PruneReport struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Reason  string `json:"reason"`
	Removed bool   `json:"removed"`
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PruneOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Report destinations the bot can no longer reach",
		Long: `Probe every registered destination with the bot credential and report
the unreachable ones with a classified reason. Transient failures are
reported but never removed. Without --apply this is a dry run.

Example:
  pricerelay prune --db ./relay.db
  pricerelay prune --db ./relay.db --apply`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().BoolVar(&opts.Apply, "apply", false, "remove unreachable destinations")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runPrune(opts *PruneOptions, cmd *cobra.Command) error {
	creds, err := config.LoadCredentials()
	if err != nil {
		return WrapExitError(ExitCommandError, "missing credentials", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	bot, err := botapi.Connect(creds.BotToken)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to authorize bot", err)
	}
	pub := botapi.NewPublisher(bot)

	ctx := cmd.Context()
	dests, err := st.Destinations(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list destinations", err)
	}

	var reports []PruneReport
	for _, d := range dests {
		probeErr := pub.Probe(ctx, d.ID)
		if probeErr == nil {
			continue
		}
		r := PruneReport{ID: d.ID, Title: d.Title, Reason: platform.ClassifyError(probeErr)}
		if opts.Apply && r.Reason != platform.ReasonTransient {
			if rmErr := st.RemoveDestination(ctx, d.ID); rmErr != nil {
				return WrapExitError(ExitFailure,
					fmt.Sprintf("failed to remove destination %d", d.ID), rmErr)
			}
			r.Removed = true
		}
		reports = append(reports, r)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return out.Success(reports)
	}
	if len(reports) == 0 {
		return out.Success("all destinations reachable")
	}

	var b strings.Builder
	for _, r := range reports {
		state := "stale"
		switch {
		case r.Removed:
			state = "removed"
		case r.Reason == platform.ReasonTransient:
			state = "kept"
		}
		fmt.Fprintf(&b, "%-16d %-24s %-28s %s\n", r.ID, r.Title, r.Reason, state)
	}
	if !opts.Apply {
		b.WriteString("dry run: pass --apply to remove stale destinations")
	}
	return out.Success(strings.TrimRight(b.String(), "\n"))
}
