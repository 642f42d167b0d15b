// Package cli implements the pricerelay command line: the long-running
// relay process plus offline destination management, replay, and
// pruning against the same database.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/pricerelay/internal/config"
	"github.com/roach88/pricerelay/internal/rules"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // YAML config path, empty for defaults
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the pricerelay CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "pricerelay",
		Short: "Channel relay with per-destination price rewriting",
		Long: `pricerelay watches a source channel and republishes its posts to
registered destination channels, rewriting price tokens in captions
with per-destination offsets.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			configureLogging(opts.Verbose)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to YAML config file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewDestinationsCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))

	return cmd
}

func configureLogging(verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadGrammar resolves the runtime config and the marker grammar it
// names. Every command that rewrites prices or seeds offsets goes
// through here so offline commands and the live relay agree on the
// grammar.
func loadGrammar(configPath string) (config.Config, rules.Grammar, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, rules.Grammar{}, fmt.Errorf("load config: %w", err)
	}
	grammar, err := rules.Load(cfg.RulesFile)
	if err != nil {
		return cfg, grammar, fmt.Errorf("load marker grammar: %w", err)
	}
	return cfg, grammar, nil
}
