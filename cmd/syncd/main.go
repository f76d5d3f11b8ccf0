// Package main provides syncd, the catalog sync daemon and its operator CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
)

var (
	configPath string
	jsonOutput bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Synchronize local customers and inventory with the commerce platform",
	Long: `syncd keeps the local customer and inventory store in step with the
remote commerce platform.

Run "syncd serve" to start the daemon (scheduler, REST API, webhooks and
WebSocket events). The other commands inspect and repair the sync state
directly against the local database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./catalogsync.yaml or ~/.catalogsync/catalogsync.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level from the config")

	rootCmd.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Daemon:"},
		&cobra.Group{ID: "sync", Title: "Sync state:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)
}

func main() {
	err := rootCmd.Execute()
	if cerr := logging.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds to process exit codes so scripts can tell
// configuration problems from transient failures.
func exitCode(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindConfiguration:
		return 3
	case apperrors.KindTransient:
		return 4
	case apperrors.KindConflict, apperrors.KindConcurrency:
		return 5
	default:
		return 1
	}
}

// outputJSON writes v as indented JSON to stdout.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
