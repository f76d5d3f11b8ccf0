package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/catalogsync/internal/db"
	"github.com/kimhsiao/catalogsync/internal/models"
)

var auditCmd = &cobra.Command{
	Use:     "audit",
	GroupID: "sync",
	Short:   "Query the sync audit log",
	Long: `Query the append-only audit log.

--since and --until accept RFC3339 timestamps, dates (2026-01-31), ages
(24h) or plain English ("yesterday", "3 days ago", "last monday").`,
	Example: `  syncd audit --batch 0193c7e2-...
  syncd audit --entity 3f2c... --since "last week"
  syncd audit --outcome failed --since 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := auditFilterFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			entries, err := a.audit.Query(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				if entries == nil {
					entries = []*models.AuditEntry{}
				}
				return outputJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println(dimStyle.Render("No audit entries match."))
				return nil
			}
			for _, e := range entries {
				renderAuditEntry(os.Stdout, e)
			}
			if filter.BatchID != "" {
				counts, err := a.audit.Counts(ctx, filter.BatchID)
				if err != nil {
					return err
				}
				fmt.Printf("%s synced %d  failed %d  conflict %d  disabled %d\n",
					headerStyle.Render("Batch totals:"),
					counts[models.SyncStateSynced], counts[models.SyncStateFailed],
					counts[models.SyncStateConflict], counts[models.SyncStateDisabled])
			}
			return nil
		})
	},
}

func addAuditFlags(cmd *cobra.Command) {
	cmd.Flags().String("batch", "", "Entries of one sync batch")
	cmd.Flags().String("entity", "", "Entries for one local record id")
	cmd.Flags().String("op", "", "Operation (create, update, delete, conflict_resolved, ...)")
	cmd.Flags().String("outcome", "", "Outcome (synced, failed, conflict, disabled, pending)")
	cmd.Flags().String("since", "", "Only entries at or after this time")
	cmd.Flags().String("until", "", "Only entries at or before this time")
	cmd.Flags().Int("limit", 100, "Maximum entries (0 for all)")
}

func auditFilterFromFlags(cmd *cobra.Command, now time.Time) (db.AuditFilter, error) {
	batch, _ := cmd.Flags().GetString("batch")
	entity, _ := cmd.Flags().GetString("entity")
	op, _ := cmd.Flags().GetString("op")
	outcome, _ := cmd.Flags().GetString("outcome")
	since, _ := cmd.Flags().GetString("since")
	until, _ := cmd.Flags().GetString("until")
	limit, _ := cmd.Flags().GetInt("limit")

	f := db.AuditFilter{
		BatchID:   batch,
		EntityID:  entity,
		Operation: models.AuditOperation(op),
		Outcome:   models.SyncState(outcome),
		Limit:     limit,
	}
	if op != "" && !f.Operation.Valid() {
		return f, errUsage("invalid --op %q", op)
	}
	if outcome != "" && !f.Outcome.Valid() {
		return f, errUsage("invalid --outcome %q", outcome)
	}
	if since != "" {
		t, err := parseTime(since, now)
		if err != nil {
			return f, err
		}
		f.From = &t
	}
	if until != "" {
		t, err := parseTime(until, now)
		if err != nil {
			return f, err
		}
		f.To = &t
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, errUsage("--until is before --since")
	}
	return f, nil
}

var mappingsCmd = &cobra.Command{
	Use:     "mappings",
	GroupID: "sync",
	Short:   "List identity mappings by sync state",
	Example: `  syncd mappings --state failed
  syncd mappings --state conflict --limit 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stateFlag, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		state := models.SyncState(stateFlag)
		if !state.Valid() {
			return errUsage("invalid --state %q", stateFlag)
		}

		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			mappings, err := a.identity.ListByState(ctx, state, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				if mappings == nil {
					mappings = []*models.IdentityMapping{}
				}
				return outputJSON(mappings)
			}
			if len(mappings) == 0 {
				fmt.Println(dimStyle.Render("No mappings in state " + stateFlag + "."))
				return nil
			}
			for _, m := range mappings {
				renderMapping(os.Stdout, m)
			}
			return nil
		})
	},
}

func init() {
	addAuditFlags(auditCmd)

	mappingsCmd.Flags().String("state", string(models.SyncStateFailed), "Sync state to list")
	mappingsCmd.Flags().Int("limit", 50, "Maximum mappings (0 for all)")

	rootCmd.AddCommand(auditCmd, mappingsCmd)
}
