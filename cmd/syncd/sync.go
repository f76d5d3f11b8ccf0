package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/catalogsync/internal/logging"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run one sync batch and exit",
	Long: `Run one sync batch in the foreground: pull remote changes, push local
changes, and drain due queued operations.

Ctrl+C stops the batch after in-flight operations finish. The exit code is
non-zero when the batch could not start or any operation failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return withApp(ctx, func(a *app) error {
			if err := a.requireRemote(); err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				if a.engine.Stop() {
					logging.Warn("Stopping sync batch", nil)
				}
			}()

			report, err := a.engine.Run(context.WithoutCancel(ctx))
			if report == nil {
				return err
			}
			if jsonOutput {
				if jerr := outputJSON(report); jerr != nil {
					return jerr
				}
			} else {
				renderReport(os.Stdout, report)
			}
			if err != nil {
				return err
			}
			return report.Err()
		})
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue, mapping and lock status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			status, err := a.engine.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(status)
			}
			renderStatus(os.Stdout, status)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}
