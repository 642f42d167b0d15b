package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pricerelay/internal/store"
)

// DestinationsOptions holds flags for the destinations command group.
type DestinationsOptions struct {
	*RootOptions
	Database string
}

// NewDestinationsCommand creates the destinations command group.
func NewDestinationsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DestinationsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "destinations",
		Short: "Manage registered destination channels",
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(newDestinationsListCommand(opts))
	cmd.AddCommand(newDestinationsAddCommand(opts))
	cmd.AddCommand(newDestinationsSetOffsetsCommand(opts))
	cmd.AddCommand(newDestinationsRemoveCommand(opts))

	return cmd
}

func openStore(opts *DestinationsOptions) (*store.Store, error) {
	st, err := store.Open(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func newDestinationsListCommand(opts *DestinationsOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List registered destinations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			dests, err := st.Destinations(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list destinations", err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if opts.Format == "json" {
				return out.Success(dests)
			}
			if len(dests) == 0 {
				return out.Success("no destinations registered")
			}
			var b strings.Builder
			fmt.Fprintf(&b, "%-16s %-24s %8s %8s\n", "ID", "TITLE", "HIGH", "LOW")
			for _, d := range dests {
				fmt.Fprintf(&b, "%-16d %-24s %8g %8g\n", d.ID, d.Title, d.HighOffset, d.LowOffset)
			}
			return out.Success(strings.TrimRight(b.String(), "\n"))
		},
	}
}

func newDestinationsAddCommand(opts *DestinationsOptions) *cobra.Command {
	var title string

	cmd := &cobra.Command{
		Use:           "add <chat_id>",
		Short:         "Register a destination with default offsets",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("bad chat id %q", args[0]), err)
			}

			_, g, err := loadGrammar(opts.Config)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}

			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			if title == "" {
				title = args[0]
			}
			d := store.Destination{
				ID:         id,
				Title:      title,
				HighOffset: g.DefaultHighOffset,
				LowOffset:  g.DefaultLowOffset,
			}
			if err := st.RegisterDestination(cmd.Context(), d); err != nil {
				return WrapExitError(ExitFailure, "failed to register destination", err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(fmt.Sprintf("registered destination %d (%s)", id, title))
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "destination title")
	return cmd
}

func newDestinationsSetOffsetsCommand(opts *DestinationsOptions) *cobra.Command {
	var high, low float64

	cmd := &cobra.Command{
		Use:           "set-offsets <chat_id>",
		Short:         "Update a destination's price offsets",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("bad chat id %q", args[0]), err)
			}

			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			if cmd.Flags().Changed("high") {
				if err := st.SetHighOffset(ctx, id, high); err != nil {
					return WrapExitError(ExitFailure, "failed to set high offset", err)
				}
			}
			if cmd.Flags().Changed("low") {
				if err := st.SetLowOffset(ctx, id, low); err != nil {
					return WrapExitError(ExitFailure, "failed to set low offset", err)
				}
			}
			if !cmd.Flags().Changed("high") && !cmd.Flags().Changed("low") {
				return NewExitError(ExitCommandError, "nothing to do: pass --high and/or --low")
			}

			d, err := st.Destination(ctx, id)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read destination back", err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(fmt.Sprintf("destination %d: high=%g low=%g", d.ID, d.HighOffset, d.LowOffset))
		},
	}

	cmd.Flags().Float64Var(&high, "high", 0, "offset applied above the threshold")
	cmd.Flags().Float64Var(&low, "low", 0, "offset applied at or below the threshold")
	return cmd
}

func newDestinationsRemoveCommand(opts *DestinationsOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove <chat_id>",
		Short:         "Remove a destination and its caption index",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("bad chat id %q", args[0]), err)
			}

			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.RemoveDestination(cmd.Context(), id); err != nil {
				return WrapExitError(ExitFailure, "failed to remove destination", err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(fmt.Sprintf("removed destination %d", id))
		},
	}
}
