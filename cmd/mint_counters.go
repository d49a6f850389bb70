package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func mintCountersCommand() *cobra.Command {
	var (
		from, to int64
		fix      bool
	)
	cmd := &cobra.Command{
		Use:   "mint-counters",
		Short: "Compare users.mint_counters with PyramidClaim events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if a.mintCounters == nil {
				return fmt.Errorf("chain.pyramid_address is required for mint-counters")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if from == 0 {
				from = a.cfg.Chain.StartBlock
			}
			if to == 0 {
				to, err = a.client.ConfirmedHead(ctx)
				if err != nil {
					return err
				}
			}

			mismatches, err := a.mintCounters.Audit(ctx, from, to)
			if err != nil {
				return err
			}

			report := map[string]interface{}{
				"from_block": from,
				"to_block":   to,
				"mismatches": mismatches,
			}
			if fix {
				fixed, err := a.mintCounters.Fix(ctx, mismatches)
				report["fixed"] = fixed
				if err != nil {
					printJSON(report)
					return err
				}
			}
			printJSON(report)
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first block (default chain.start_block)")
	cmd.Flags().Int64Var(&to, "to", 0, "last block (default confirmed head)")
	cmd.Flags().BoolVar(&fix, "fix", false, "rewrite mismatched counters after taking a backup")
	return cmd
}
