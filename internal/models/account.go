package models

import (
	"errors"
	"time"
)

// ErrAccountNotFound is returned when no account row matches.
var ErrAccountNotFound = errors.New("account not found")

// SyncStatus is the position of an account in the sync state machine.
type SyncStatus string

const (
	StatusNoCursor           SyncStatus = "NO_CURSOR"
	StatusInitialSyncing     SyncStatus = "INITIAL_SYNCING"
	StatusReady              SyncStatus = "READY"
	StatusIncrementalSyncing SyncStatus = "INCREMENTAL_SYNCING"
	StatusNeedsReauth        SyncStatus = "NEEDS_REAUTH"
)

// ProviderAurinko is the only provider name written today.
const ProviderAurinko = "Aurinko"

// Account binds a user to a connected mailbox and its sync cursor.
type Account struct {
	ID             string     `db:"id" json:"id"`
	UserID         string     `db:"user_id" json:"userId"`
	Token          string     `db:"token" json:"-"`
	Provider       string     `db:"provider" json:"provider"`
	EmailAddress   string     `db:"email_address" json:"emailAddress"`
	Name           string     `db:"name" json:"name"`
	NextDeltaToken *string    `db:"next_delta_token" json:"-"`
	SyncStatus     SyncStatus `db:"sync_status" json:"syncStatus"`
	LastError      string     `db:"last_error" json:"lastError,omitempty"`
	LastSyncedAt   *time.Time `db:"last_synced_at" json:"lastSyncedAt,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

// Cursor returns the stored delta token, or "" when no sync has completed.
func (a *Account) Cursor() string {
	if a.NextDeltaToken == nil {
		return ""
	}
	return *a.NextDeltaToken
}

// Usable reports whether the account has a token to call the provider with.
func (a *Account) Usable() bool {
	return a.Token != ""
}

// RestingStatus is the state an account returns to when no sync is running.
func (a *Account) RestingStatus() SyncStatus {
	if a.SyncStatus == StatusNeedsReauth {
		return StatusNeedsReauth
	}
	if a.Cursor() == "" {
		return StatusNoCursor
	}
	return StatusReady
}
