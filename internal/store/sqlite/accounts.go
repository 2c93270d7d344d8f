package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

const accountColumns = `id, user_id, token, provider, email_address, name, next_delta_token,
	sync_status, last_error, last_synced_at, created_at, updated_at`

// GetAccount loads an account by its provider account id.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var acct models.Account
	err := s.db.GetContext(ctx, &acct, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", id, err)
	}
	return &acct, nil
}

// GetAccountForUser loads an account only if it belongs to userID.
func (s *Store) GetAccountForUser(ctx context.Context, id, userID string) (*models.Account, error) {
	var acct models.Account
	err := s.db.GetContext(ctx, &acct,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ? AND user_id = ?`, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", id, err)
	}
	return &acct, nil
}

// ListSyncableAccounts returns accounts with a token that are not waiting for re-authorization.
func (s *Store) ListSyncableAccounts(ctx context.Context) ([]models.Account, error) {
	var accts []models.Account
	err := s.db.SelectContext(ctx, &accts, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE token != '' AND sync_status != ?
		ORDER BY id
	`, models.StatusNeedsReauth)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accts, nil
}

// UpsertAccount creates the account or replaces its token and profile on relink.
// The cursor is left alone. An account waiting for re-authorization returns to its
// resting state.
func (s *Store) UpsertAccount(ctx context.Context, acct *models.Account) (*models.Account, error) {
	now := time.Now().UTC()
	if acct.Provider == "" {
		acct.Provider = models.ProviderAurinko
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, token, provider, email_address, name, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			email_address = CASE WHEN excluded.email_address != '' THEN excluded.email_address ELSE accounts.email_address END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE accounts.name END,
			sync_status = CASE
				WHEN accounts.sync_status != ? THEN accounts.sync_status
				WHEN accounts.next_delta_token IS NULL THEN ?
				ELSE ?
			END,
			last_error = CASE WHEN accounts.sync_status = ? THEN '' ELSE accounts.last_error END,
			updated_at = excluded.updated_at
	`, acct.ID, acct.UserID, acct.Token, acct.Provider, acct.EmailAddress, acct.Name, models.StatusNoCursor, now, now,
		models.StatusNeedsReauth, models.StatusNoCursor, models.StatusReady, models.StatusNeedsReauth)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert account %s: %w", acct.ID, err)
	}

	return s.GetAccount(ctx, acct.ID)
}

// SetDeltaToken stores the cursor of a completed sync and marks the account ready in one update.
func (s *Store) SetDeltaToken(ctx context.Context, accountID, token string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET next_delta_token = ?,
		    sync_status = ?,
		    last_error = '',
		    last_synced_at = ?,
		    updated_at = ?
		WHERE id = ?
	`, token, models.StatusReady, now, now, accountID)
	if err != nil {
		return fmt.Errorf("failed to save delta token: %w", err)
	}
	return requireRow(res, accountID)
}

// ClearDeltaToken drops the cursor and records why. Used when the provider rejects the token.
func (s *Store) ClearDeltaToken(ctx context.Context, accountID string, status models.SyncStatus, errorMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET next_delta_token = NULL,
		    sync_status = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ?
	`, status, errorMsg, time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("failed to clear delta token: %w", err)
	}
	return requireRow(res, accountID)
}

// MarkNeedsReauth clears the cursor of an account whose token the provider reported unusable.
func (s *Store) MarkNeedsReauth(ctx context.Context, accountID, reason string) error {
	return s.ClearDeltaToken(ctx, accountID, models.StatusNeedsReauth, reason)
}

// UpdateSyncStatus updates sync status with error info
func (s *Store) UpdateSyncStatus(ctx context.Context, accountID string, status models.SyncStatus, errorMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET sync_status = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ?
	`, status, errorMsg, time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return requireRow(res, accountID)
}

func requireRow(res sql.Result, accountID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrAccountNotFound, accountID)
	}
	return nil
}
