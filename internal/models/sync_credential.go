package models

import "time"

// SyncCredential holds the sealed remote API token.
// TokenEncrypted is never exposed in JSON responses.
type SyncCredential struct {
	ID             string    `db:"id" json:"id"`
	BaseURL        string    `db:"base_url" json:"base_url"`
	TokenEncrypted string    `db:"token_encrypted" json:"-"`
	IsEnabled      bool      `db:"is_enabled" json:"is_enabled"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncCredential.
func (SyncCredential) TableName() string {
	return "sync_credentials"
}
