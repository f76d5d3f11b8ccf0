package db

import (
	"context"
	"time"

	"github.com/kimhsiao/catalogsync/internal/models"
)

// GetSyncCredential retrieves the enabled remote credential. It returns
// sql.ErrNoRows when none is stored.
func (r *Repository) GetSyncCredential(ctx context.Context) (*models.SyncCredential, error) {
	var c models.SyncCredential
	var created, updated int64
	err := r.q.QueryRowContext(ctx, `
		SELECT id, base_url, token_encrypted, is_enabled, created_at, updated_at
		FROM sync_credentials WHERE is_enabled = 1
		ORDER BY updated_at DESC LIMIT 1`).
		Scan(&c.ID, &c.BaseURL, &c.TokenEncrypted, &c.IsEnabled, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// SaveSyncCredential inserts or updates a credential.
func (r *Repository) SaveSyncCredential(ctx context.Context, c *models.SyncCredential) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO sync_credentials (id, base_url, token_encrypted, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			base_url = excluded.base_url,
			token_encrypted = excluded.token_encrypted,
			is_enabled = excluded.is_enabled,
			updated_at = excluded.updated_at`,
		c.ID, c.BaseURL, c.TokenEncrypted, c.IsEnabled, toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
	return err
}

// DisableAllSyncCredentials disables every stored credential.
func (r *Repository) DisableAllSyncCredentials(ctx context.Context) error {
	_, err := r.q.ExecContext(ctx, `UPDATE sync_credentials SET is_enabled = 0, updated_at = ?`,
		toMillis(time.Now()))
	return err
}

// DeleteSyncCredential removes a credential.
func (r *Repository) DeleteSyncCredential(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM sync_credentials WHERE id = ?`, id)
	return err
}
