package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/contactmesh/contactmesh/internal/aggregation"
	"github.com/contactmesh/contactmesh/internal/config"
	"github.com/contactmesh/contactmesh/internal/factory"
	"github.com/contactmesh/contactmesh/internal/logger"
	"github.com/contactmesh/contactmesh/internal/names"
	"github.com/contactmesh/contactmesh/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "contactmesh",
	Short: "Contact aggregation engine",
}

// engine wires config, store and aggregator for one command invocation.
func engine(ctx context.Context) (*aggregation.Aggregator, store.Store, *config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.New("contactmesh", cfg.LogLevel)
	st, err := factory.NewStore(ctx, cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	agg := aggregation.New(st, names.CommonNicknames(), log)
	return agg, st, cfg, nil
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", what, arg)
	}
	return id, nil
}

func main() {
	aggregateCmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Run one aggregation pass over all pending contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			agg, st, _, err := engine(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			return agg.Run(ctx)
		},
	}
	rootCmd.AddCommand(aggregateCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the aggregation scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			agg, st, cfg, err := engine(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			log := logger.New("contactmesh", cfg.LogLevel)
			sched := aggregation.NewScheduler(agg, cfg.AggregationDelay, log)
			// Initial pass picks up contacts left pending by an earlier run.
			sched.Schedule()

			<-ctx.Done()
			sched.Stop()
			return nil
		},
	}
	rootCmd.AddCommand(watchCmd)

	markCmd := &cobra.Command{
		Use:   "mark <raw-contact-id>",
		Short: "Mark a raw contact for re-aggregation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0], "raw contact id")
			if err != nil {
				return err
			}
			agg, st, _, err := engine(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			mode, err := agg.MarkContactForAggregation(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "aggregation mode: %d\n", mode)
			return nil
		},
	}
	rootCmd.AddCommand(markCmd)

	suggestCmd := &cobra.Command{
		Use:   "suggest <aggregate-id>",
		Short: "List aggregates that look like the given one",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0], "aggregate id")
			if err != nil {
				return err
			}
			agg, st, cfg, err := engine(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			suggestions, err := agg.QueryAggregationSuggestions(ctx, id, cfg.SuggestionLimit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(suggestions)
		},
	}
	suggestCmd.Args = cobra.ExactArgs(1)
	rootCmd.AddCommand(suggestCmd)

	showCmd := &cobra.Command{
		Use:   "show <aggregate-id>",
		Short: "Print an aggregate with its derived fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0], "aggregate id")
			if err != nil {
				return err
			}
			_, st, _, err := engine(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			agg, err := st.Aggregates().Get(ctx, id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(agg)
		},
	}
	rootCmd.AddCommand(showCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
