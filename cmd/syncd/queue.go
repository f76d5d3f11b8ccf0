package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/catalogsync/internal/models"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and repair the operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations",
	Example: `  syncd queue list --status failed
  syncd queue list --status pending --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFlag, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		status := models.OperationStatus(statusFlag)
		switch status {
		case "", models.OperationPending, models.OperationInProgress, models.OperationCompleted, models.OperationFailed:
		default:
			return errUsage("invalid --status %q (pending, in_progress, completed, failed)", statusFlag)
		}

		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			ops, err := a.queue.List(ctx, status, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				if ops == nil {
					ops = []*models.QueuedOperation{}
				}
				return outputJSON(ops)
			}
			if len(ops) == 0 {
				fmt.Println(dimStyle.Render("No operations."))
				return nil
			}
			for _, op := range ops {
				renderOperation(os.Stdout, op)
			}
			return nil
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [operation-id]",
	Short: "Re-arm failed operations with a fresh attempt budget",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return errUsage("pass exactly one of an operation id or --all")
		}

		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			var n int64 = 1
			if all {
				var err error
				if n, err = a.queue.RetryAllFailed(ctx); err != nil {
					return err
				}
			} else if err := a.queue.RetryFailed(ctx, args[0]); err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]int64{"retried": n})
			}
			fmt.Printf("%s %d operation(s) re-queued\n", okStyle.Render("✓"), n)
			return nil
		})
	},
}

var queuePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete completed operations",
	Example: `  syncd queue prune --older-than 168h
  syncd queue prune --older-than "last month"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetString("older-than")
		before, err := parseTime(olderThan, time.Now())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			n, err := a.queue.Prune(ctx, before)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]interface{}{"pruned": n, "before": before})
			}
			fmt.Printf("%s pruned %d completed operation(s) before %s\n",
				okStyle.Render("✓"), n, before.Format(time.RFC3339))
			return nil
		})
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "Only operations in this status")
	queueListCmd.Flags().Int("limit", 50, "Maximum operations to list (0 for all)")
	queueRetryCmd.Flags().Bool("all", false, "Retry every failed operation")
	queuePruneCmd.Flags().String("older-than", "168h", "Prune operations completed before this time or age")

	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queuePruneCmd)
	rootCmd.AddCommand(queueCmd)
}
