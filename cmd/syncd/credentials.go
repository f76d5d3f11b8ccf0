package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/catalogsync/internal/crypto"
	"github.com/kimhsiao/catalogsync/internal/db"
	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/models"
	"github.com/kimhsiao/catalogsync/internal/uuid"
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	GroupID: "admin",
	Short:   "Manage the stored remote platform credential",
	Long: `Manage the remote platform credential stored in the local database.

The token is encrypted with a key derived from this machine's identity, so a
copied database cannot be used elsewhere. A token in the config file or the
CATALOGSYNC_REMOTE_TOKEN environment variable takes precedence.`,
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store a credential, replacing the current one",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, _ := cmd.Flags().GetString("base-url")
		token, _ := cmd.Flags().GetString("token")

		if token == "" {
			if jsonOutput {
				return errUsage("--token is required with --json")
			}
			if err := huh.NewInput().
				Title("Remote API token").
				EchoMode(huh.EchoModePassword).
				Value(&token).
				Run(); err != nil {
				return err
			}
		}
		baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
		token = strings.TrimSpace(token)
		if baseURL == "" || token == "" {
			return errUsage("both a base URL and a token are required")
		}

		sealed, err := crypto.SealToken(token, crypto.MachineID())
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to encrypt token", err)
		}

		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			cred := &models.SyncCredential{
				ID:             uuid.New(),
				BaseURL:        baseURL,
				TokenEncrypted: sealed,
				IsEnabled:      true,
			}
			if err := replaceCredential(ctx, a.db, cred); err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]string{"id": cred.ID, "base_url": cred.BaseURL})
			}
			fmt.Printf("%s credential stored for %s\n", okStyle.Render("✓"), cred.BaseURL)
			return nil
		})
	},
}

// replaceCredential disables existing credentials and stores cred in one
// transaction.
func replaceCredential(ctx context.Context, database *db.DB, cred *models.SyncCredential) error {
	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		repo := db.NewRepository(tx)
		if err := repo.DisableAllSyncCredentials(ctx); err != nil {
			return err
		}
		return repo.SaveSyncCredential(ctx, cred)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to store credential", err)
	}
	return nil
}

var credentialsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored credential without revealing the token",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			cred, err := storedCredential(ctx, a)
			if err != nil {
				return err
			}
			_, openErr := crypto.OpenToken(cred.TokenEncrypted, crypto.MachineID())
			if jsonOutput {
				return outputJSON(map[string]interface{}{
					"id":          cred.ID,
					"base_url":    cred.BaseURL,
					"decryptable": openErr == nil,
					"created_at":  cred.CreatedAt,
					"updated_at":  cred.UpdatedAt,
				})
			}
			fmt.Printf("%s %s\n", headerStyle.Render("Base URL:"), cred.BaseURL)
			fmt.Printf("%s %s\n", headerStyle.Render("Stored:  "), humanize.Time(cred.UpdatedAt))
			if openErr != nil {
				fmt.Println(errStyle.Render("Token cannot be decrypted on this machine; run credentials set again."))
			} else {
				fmt.Println(okStyle.Render("Token is readable on this machine."))
			}
			return nil
		})
	},
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the stored credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			cred, err := storedCredential(ctx, a)
			if err != nil {
				return err
			}
			if err := a.repo.DeleteSyncCredential(ctx, cred.ID); err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete credential", err)
			}
			if jsonOutput {
				return outputJSON(map[string]string{"deleted": cred.ID})
			}
			fmt.Printf("%s credential for %s deleted\n", okStyle.Render("✓"), cred.BaseURL)
			return nil
		})
	},
}

func storedCredential(ctx context.Context, a *app) (*models.SyncCredential, error) {
	cred, err := a.repo.GetSyncCredential(ctx)
	if db.IsNotFound(err) {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "no credential is stored")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load credential", err)
	}
	return cred, nil
}

func init() {
	credentialsSetCmd.Flags().String("base-url", "", "Remote platform base URL")
	credentialsSetCmd.Flags().String("token", "", "API token (prompts when omitted)")

	credentialsCmd.AddCommand(credentialsSetCmd, credentialsShowCmd, credentialsDeleteCmd)
	rootCmd.AddCommand(credentialsCmd)
}
