package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/catalogsync/internal/archive"
	"github.com/kimhsiao/catalogsync/internal/config"
	"github.com/kimhsiao/catalogsync/internal/logging"
	"github.com/kimhsiao/catalogsync/internal/models"
	"github.com/kimhsiao/catalogsync/internal/remote"
)

var archiveCmd = &cobra.Command{
	Use:     "archive",
	GroupID: "admin",
	Short:   "Move old audit entries to object storage",
	Long: `Upload audit entries recorded before --before to the configured
S3-compatible bucket as one JSON Lines object, then remove them from the
local database. Entries are only removed after the upload succeeds.`,
	Example: `  syncd archive --before 2160h
  syncd archive --before "3 months ago"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		beforeFlag, _ := cmd.Flags().GetString("before")
		before, err := parseTime(beforeFlag, time.Now())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			cfg := archiveConfig(a.cfg.Archive)
			store, err := archive.NewMinIOStore(cfg)
			if err != nil {
				return err
			}
			result, err := archive.New(cfg, store, a.audit).Archive(ctx, before)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(result)
			}
			if result.Entries == 0 {
				fmt.Println(dimStyle.Render("Nothing to archive."))
				return nil
			}
			fmt.Printf("%s archived %d entries (%s) to %s/%s\n", okStyle.Render("✓"),
				result.Entries, humanize.Bytes(uint64(result.Bytes)), cfg.Bucket, result.Key)
			return nil
		})
	},
}

func archiveConfig(ac config.ArchiveConfig) archive.Config {
	return archive.Config{
		Endpoint:  ac.Endpoint,
		Bucket:    ac.Bucket,
		AccessKey: ac.AccessKey,
		SecretKey: ac.SecretKey,
		UseSSL:    ac.UseSSL,
		Prefix:    ac.Prefix,
	}
}

// startArchiveScheduler runs scheduled archiving when an interval is
// configured. The returned stop function is always safe to call.
func startArchiveScheduler(ctx context.Context, a *app) func() {
	noop := func() {}
	interval, err := archive.ParseInterval(a.cfg.Archive.Interval)
	if err != nil {
		logging.Warn("Scheduled archiving disabled", map[string]interface{}{"reason": err.Error()})
		return noop
	}
	if interval == archive.IntervalManual {
		return noop
	}
	cfg := archiveConfig(a.cfg.Archive)
	store, err := archive.NewMinIOStore(cfg)
	if err != nil {
		logging.Warn("Scheduled archiving disabled", map[string]interface{}{"reason": err.Error()})
		return noop
	}
	sched := archive.NewScheduler(archive.New(cfg, store, a.audit), a.queue, archive.SchedulerConfig{
		Interval:  interval,
		RetainFor: a.cfg.Archive.RetainFor,
	})
	if err := sched.Start(ctx); err != nil {
		logging.Error("Failed to start archive scheduler", err, nil)
		return noop
	}
	return sched.Stop
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "admin",
	Short:   "Show the effective configuration",
	Long: `Print the configuration after defaults, file and CATALOGSYNC_*
environment overrides are applied. Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			redacted := a.cfg.Redacted()
			if jsonOutput {
				return outputJSON(map[string]interface{}{
					"file":   a.loader.ConfigFile(),
					"config": redacted,
					"ready":  a.configErr == nil,
				})
			}
			file := a.loader.ConfigFile()
			if file == "" {
				file = "(defaults only)"
			}
			fmt.Printf("# %s\n", file)
			if a.configErr != nil {
				fmt.Printf("# %s\n", a.configErr)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(redacted)
		})
	},
}

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "admin",
	Short:   "Read from the remote platform without changing local state",
}

var remoteChangesCmd = &cobra.Command{
	Use:   "changes <kind>",
	Short: "Print records from the remote change feed",
	Long: `Walk the remote change feed for customer or inventory and print the
records. The saved sync cursor is neither read nor advanced unless --from-cursor
is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := models.ParseEntityKind(args[0])
		if err != nil {
			return errUsage("%v", err)
		}
		cursor, _ := cmd.Flags().GetString("from-cursor")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			if err := a.requireRemote(); err != nil {
				return err
			}
			client, err := remote.NewClient(remoteConfig(a.cfg.Remote))
			if err != nil {
				return err
			}
			pager := remote.NewPaginator(client, kind, cursor)
			records, err := pager.All(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				if records == nil {
					records = []*models.RemoteRecord{}
				}
				return outputJSON(map[string]interface{}{
					"records": records,
					"cursor":  pager.Cursor(),
					"pages":   pager.Pages(),
				})
			}
			for _, r := range records {
				state := ""
				if r.Deleted {
					state = errStyle.Render(" deleted")
				}
				fmt.Printf("%-24s v%-4d updated %s%s\n", r.ID, r.Version, ago(r.UpdatedAt), state)
			}
			fmt.Printf("%s %d record(s) in %d page(s), next cursor %q\n",
				dimStyle.Render("--"), len(records), pager.Pages(), pager.Cursor())
			return nil
		})
	},
}

func init() {
	archiveCmd.Flags().String("before", "2160h", "Archive entries recorded before this time or age")
	remoteChangesCmd.Flags().String("from-cursor", "", "Start from this cursor instead of the beginning")
	remoteChangesCmd.Flags().Int("limit", 100, "Maximum records to print (0 for all)")

	remoteCmd.AddCommand(remoteChangesCmd)
	rootCmd.AddCommand(archiveCmd, configCmd, remoteCmd)
}
