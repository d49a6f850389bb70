package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"points-ledger/internal/service"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func auditCommand() *cobra.Command {
	var (
		fix   bool
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare ledger sums with user totals and campaign completions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var (
				mismatches []service.Mismatch
				campaigns  *service.CampaignAudit
			)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				var err error
				mismatches, err = a.auditor.Audit(gctx)
				return err
			})
			g.Go(func() error {
				var err error
				campaigns, err = a.auditor.AuditCampaigns(gctx, time.Now().UTC().Add(-since))
				return err
			})
			if err := g.Wait(); err != nil {
				return err
			}

			report := map[string]interface{}{
				"points":    mismatches,
				"campaigns": campaigns,
			}
			if fix && len(mismatches) > 0 {
				result, err := a.auditor.Correct(ctx, mismatches)
				report["correction"] = result
				if err != nil {
					printJSON(report)
					return err
				}
			}
			printJSON(report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "set user totals to their ledger sums after taking a backup")
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "campaign audit lookback")
	return cmd
}

func auditCampaignsCommand() *cobra.Command {
	var (
		since    time.Duration
		backfill bool
	)
	cmd := &cobra.Command{
		Use:   "audit-campaigns",
		Short: "Compare campaign points with campaign completions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			audit, err := a.auditor.AuditCampaigns(ctx, time.Now().UTC().Add(-since))
			if err != nil {
				return err
			}

			report := map[string]interface{}{"audit": audit}
			if backfill {
				result, err := a.auditor.Backfill(ctx, audit, time.Now().UTC())
				report["backfill"] = result
				if err != nil {
					printJSON(report)
					return err
				}
			}
			printJSON(report)
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "lookback for entries and completions")
	cmd.Flags().BoolVar(&backfill, "backfill", false, "insert missing points and completions")
	return cmd
}
