package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/models"
	syncpkg "github.com/kimhsiao/catalogsync/internal/sync"
	"github.com/kimhsiao/catalogsync/internal/sync/conflict"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List and resolve records awaiting manual conflict resolution",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts with the differing fields",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			conflicts, err := a.engine.ListConflicts(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				if conflicts == nil {
					conflicts = []*models.ConflictRecord{}
				}
				return outputJSON(conflicts)
			}
			if len(conflicts) == 0 {
				fmt.Println(okStyle.Render("No conflicts."))
				return nil
			}
			for _, c := range conflicts {
				renderConflict(c)
			}
			return nil
		})
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <local-id>",
	Short: "Resolve a conflict",
	Long: `Resolve a conflict by keeping the local record, taking the remote one,
or merging: with --choice merge, --fields names the fields taken from the
remote record while every other field keeps its local value.

Without --choice the command prompts interactively. The remote record is
always refetched before the choice is applied.`,
	Example: `  syncd conflicts resolve 3f2c... --choice use_remote
  syncd conflicts resolve 3f2c... --choice merge --fields email,phone
  syncd conflicts resolve 3f2c...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		choiceFlag, _ := cmd.Flags().GetString("choice")
		fieldsFlag, _ := cmd.Flags().GetStringSlice("fields")
		localID := args[0]

		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			if err := a.requireRemote(); err != nil {
				return err
			}

			choice := syncpkg.Choice{Kind: syncpkg.ChoiceKind(choiceFlag), Fields: fieldsFlag}
			if choiceFlag == "" {
				if jsonOutput {
					return errUsage("--choice is required with --json")
				}
				c, err := findConflict(ctx, a, localID)
				if err != nil {
					return err
				}
				renderConflict(c)
				if choice, err = promptChoice(c); err != nil {
					return err
				}
			}

			if err := a.engine.ResolveConflict(ctx, localID, choice); err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]interface{}{"local_id": localID, "resolution": choice})
			}
			fmt.Printf("%s %s resolved with %s\n", okStyle.Render("✓"), localID, choice.Kind)
			return nil
		})
	},
}

func init() {
	conflictsResolveCmd.Flags().String("choice", "", "use_local, use_remote or merge (prompts when omitted)")
	conflictsResolveCmd.Flags().StringSlice("fields", nil, "Fields taken from the remote record for --choice merge")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}

func findConflict(ctx context.Context, a *app, localID string) (*models.ConflictRecord, error) {
	conflicts, err := a.engine.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range conflicts {
		if c.LocalID == localID {
			return c, nil
		}
	}
	return nil, apperrors.Newf(apperrors.ErrEntityNotFound, "no pending conflict for %s", localID)
}

func conflictFields(c *models.ConflictRecord) (local, remote models.Fields) {
	if c.Local != nil {
		local = c.Local.Fields
	}
	if c.Remote != nil {
		remote = c.Remote.Fields
	}
	return local, remote
}

func renderConflict(c *models.ConflictRecord) {
	fmt.Printf("%s %s (%s) <-> %s, detected %s\n",
		errStyle.Render("conflict"), c.LocalID, c.EntityKind, c.RemoteObjectID, humanize.Time(c.DetectedAt))
	local, remote := conflictFields(c)
	switch {
	case c.Local == nil:
		fmt.Println(dimStyle.Render("  local record was deleted"))
	case c.Remote == nil:
		fmt.Println(dimStyle.Render("  remote record was deleted"))
	default:
		renderFieldDiff(os.Stdout, conflict.ChangedFields(local, remote), local, remote)
	}
}

// promptChoice asks the operator how to settle c.
func promptChoice(c *models.ConflictRecord) (syncpkg.Choice, error) {
	var kind string
	options := []huh.Option[string]{
		huh.NewOption("Keep local (push to remote)", string(syncpkg.ChoiceUseLocal)),
		huh.NewOption("Take remote (overwrite local)", string(syncpkg.ChoiceUseRemote)),
	}
	local, remote := conflictFields(c)
	changed := conflict.ChangedFields(local, remote)
	if c.Local != nil && c.Remote != nil && len(changed) > 0 {
		options = append(options, huh.NewOption("Merge field by field", string(syncpkg.ChoiceMerge)))
	}

	if err := huh.NewSelect[string]().
		Title(fmt.Sprintf("Resolve %s", c.LocalID)).
		Options(options...).
		Value(&kind).
		Run(); err != nil {
		return syncpkg.Choice{}, err
	}
	choice := syncpkg.Choice{Kind: syncpkg.ChoiceKind(kind)}
	if choice.Kind != syncpkg.ChoiceMerge {
		return choice, nil
	}

	fieldOptions := make([]huh.Option[string], 0, len(changed))
	for _, f := range changed {
		label := fmt.Sprintf("%s: %v", f, valueOrAbsent(remote, f))
		fieldOptions = append(fieldOptions, huh.NewOption(label, f))
	}
	form := huh.NewForm(huh.NewGroup(
		huh.NewMultiSelect[string]().
			Title("Fields to take from the remote record").
			Options(fieldOptions...).
			Value(&choice.Fields),
	))
	if err := form.Run(); err != nil {
		return syncpkg.Choice{}, err
	}
	if len(choice.Fields) == 0 {
		return syncpkg.Choice{}, errUsage("no fields selected; merge needs at least one (%s)", strings.Join(changed, ", "))
	}
	return choice, nil
}
