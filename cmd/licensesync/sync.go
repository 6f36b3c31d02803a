package main

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/license-sync/internal/licensesync"
)

type syncFlags struct {
	force         bool
	batchSize     int
	dryRun        bool
	bidirectional bool
	legacy        bool
	pending       bool
	limit         int
	appID         string
}

func syncCommand(inst *instance) *cobra.Command {
	flags := &syncFlags{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(inst.cfg, inst.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			result, runErr := runSync(ctx, a.sync, flags)
			if result != nil {
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&flags.force, "force", false, "wait for a running sync instead of failing")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "records per write batch (default from configuration)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "classify without writing")
	cmd.Flags().BoolVar(&flags.bidirectional, "bidirectional", false, "push internal-only licenses to the external API")
	cmd.Flags().BoolVar(&flags.legacy, "legacy", false, "use the per-page legacy mode")
	cmd.Flags().BoolVar(&flags.pending, "pending", false, "retry pending and failed licenses")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "maximum licenses to retry with --pending")
	cmd.Flags().StringVar(&flags.appID, "appid", "", "sync a single license")
	cmd.MarkFlagsMutuallyExclusive("pending", "appid", "legacy")

	return cmd
}

// runSync dispatches to the operation the flags select. The result is
// returned alongside a run error so partial outcomes are still printed.
func runSync(ctx context.Context, svc *licensesync.Service, flags *syncFlags) (interface{}, error) {
	switch {
	case flags.appID != "":
		record, err := svc.SyncOne(ctx, flags.appID)
		if err != nil {
			return nil, err
		}
		return record, nil
	case flags.pending:
		result, err := svc.SyncPending(ctx, flags.limit, flags.batchSize)
		if result == nil {
			return nil, err
		}
		return result, err
	default:
		result, err := svc.Sync(ctx, licensesync.SyncOptions{
			Force:         flags.force,
			BatchSize:     flags.batchSize,
			DryRun:        flags.dryRun,
			Bidirectional: flags.bidirectional,
			Comprehensive: !flags.legacy,
		})
		if result == nil {
			return nil, err
		}
		return result, err
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
