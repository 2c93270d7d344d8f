package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/mapper"
	"github.com/Martian-dev/mailsync/internal/models"
)

// WriteRecord stores one normalized email with its thread, addresses, recipients,
// attachments and outbox event in a single transaction.
func (s *Store) WriteRecord(ctx context.Context, accountID string, rec *mapper.Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	email := rec.Email
	if rec.From != nil {
		email.FromID, err = upsertAddress(ctx, tx, accountID, *rec.From)
		if err != nil {
			return err
		}
	}

	if err := ensureThread(ctx, tx, accountID, &email); err != nil {
		return err
	}
	if err := checkEmailOwner(ctx, tx, accountID, email.ID); err != nil {
		return err
	}
	if err := upsertEmail(ctx, tx, &email); err != nil {
		return err
	}

	for _, r := range rec.Recipients {
		addrID, err := upsertAddress(ctx, tx, accountID, r.Address)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO email_recipients (email_id, address_id, role) VALUES (?, ?, ?)
		`, email.ID, addrID, r.Role); err != nil {
			return fmt.Errorf("failed to insert recipient: %w", err)
		}
	}

	for _, att := range rec.Attachments {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO email_attachments (id, email_id, name, mime_type, size, inline, content_id)
			VALUES (:id, :email_id, :name, :mime_type, :size, :inline, :content_id)
			ON CONFLICT(id) DO NOTHING
		`, att); err != nil {
			return fmt.Errorf("failed to insert attachment %s: %w", att.ID, err)
		}
	}

	if err := rollupThread(ctx, tx, email.ThreadID); err != nil {
		return err
	}

	if rec.Event != nil {
		if err := appendOutboxTx(ctx, tx, rec.Event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit email %s: %w", email.ID, err)
	}
	return nil
}

func upsertAddress(ctx context.Context, tx *sqlx.Tx, accountID string, addr models.EmailAddress) (string, error) {
	var id string
	err := tx.GetContext(ctx, &id, `
		INSERT INTO email_addresses (id, account_id, address, name, raw)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, address) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE email_addresses.name END,
			raw = CASE WHEN excluded.raw != '' THEN excluded.raw ELSE email_addresses.raw END
		RETURNING id
	`, uuid.NewString(), accountID, addr.Address, addr.Name, addr.Raw)
	if err != nil {
		return "", fmt.Errorf("failed to upsert address %s: %w", addr.Address, err)
	}
	return id, nil
}

func ensureThread(ctx context.Context, tx *sqlx.Tx, accountID string, email *models.Email) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads (id, account_id, subject, last_message_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, email.ThreadID, accountID, email.Subject, email.SentAt); err != nil {
		return fmt.Errorf("failed to insert thread %s: %w", email.ThreadID, err)
	}

	var owner string
	if err := tx.GetContext(ctx, &owner, `SELECT account_id FROM threads WHERE id = ?`, email.ThreadID); err != nil {
		return fmt.Errorf("failed to load thread %s: %w", email.ThreadID, err)
	}
	if owner != accountID {
		return fmt.Errorf("thread %s belongs to account %s", email.ThreadID, owner)
	}
	return nil
}

// checkEmailOwner fails when emailID is already stored under another account's thread.
func checkEmailOwner(ctx context.Context, tx *sqlx.Tx, accountID, emailID string) error {
	var owner string
	err := tx.GetContext(ctx, &owner, `
		SELECT t.account_id FROM emails e JOIN threads t ON t.id = e.thread_id WHERE e.id = ?
	`, emailID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load email %s: %w", emailID, err)
	}
	if owner != accountID {
		return fmt.Errorf("email %s belongs to account %s", emailID, owner)
	}
	return nil
}

// upsertEmail inserts the email or refreshes its label and state columns.
func upsertEmail(ctx context.Context, tx *sqlx.Tx, email *models.Email) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO emails (
			id, thread_id, created_time, last_modified_time, sent_at, received_at,
			internet_message_id, subject, sys_labels, keywords, sys_classifications,
			sensitivity, from_id, has_attachments, body, body_snippet, in_reply_to,
			references_header, thread_index, native_properties, folder_id, omitted, email_label
		) VALUES (
			:id, :thread_id, :created_time, :last_modified_time, :sent_at, :received_at,
			:internet_message_id, :subject, :sys_labels, :keywords, :sys_classifications,
			:sensitivity, :from_id, :has_attachments, :body, :body_snippet, :in_reply_to,
			:references_header, :thread_index, :native_properties, :folder_id, :omitted, :email_label
		)
		ON CONFLICT(id) DO UPDATE SET
			sys_labels = excluded.sys_labels,
			keywords = excluded.keywords,
			sys_classifications = excluded.sys_classifications,
			email_label = excluded.email_label,
			folder_id = excluded.folder_id,
			last_modified_time = excluded.last_modified_time
	`, email)
	if err != nil {
		return fmt.Errorf("failed to upsert email %s: %w", email.ID, err)
	}
	return nil
}

// rollupThread recomputes the thread's date, flags and participants from its emails.
func rollupThread(ctx context.Context, tx *sqlx.Tx, threadID string) error {
	var members []mapper.Member
	if err := tx.SelectContext(ctx, &members, `SELECT sent_at, sys_labels FROM emails WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to load thread members: %w", err)
	}
	r := mapper.RollupThread(members)

	var participants []string
	if err := tx.SelectContext(ctx, &participants, `
		SELECT from_id FROM emails WHERE thread_id = ? AND from_id != ''
		UNION
		SELECT r.address_id FROM email_recipients r JOIN emails e ON e.id = r.email_id WHERE e.thread_id = ?
		ORDER BY 1
	`, threadID, threadID); err != nil {
		return fmt.Errorf("failed to load thread participants: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE threads
		SET last_message_date = ?,
		    inbox_status = ?,
		    sent_status = ?,
		    draft_status = ?,
		    participant_ids = ?
		WHERE id = ?
	`, r.LastMessageDate, r.Flags.Inbox, r.Flags.Sent, r.Flags.Draft, models.StringList(participants), threadID); err != nil {
		return fmt.Errorf("failed to update thread %s: %w", threadID, err)
	}
	return nil
}

// GetEmail loads a stored email by provider message id.
func (s *Store) GetEmail(ctx context.Context, id string) (*models.Email, error) {
	var e models.Email
	err := s.db.GetContext(ctx, &e, `SELECT * FROM emails WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load email %s: %w", id, err)
	}
	return &e, nil
}

// GetThread loads a stored thread by provider thread id.
func (s *Store) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	var t models.Thread
	err := s.db.GetContext(ctx, &t, `SELECT * FROM threads WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", id, err)
	}
	return &t, nil
}

// RecipientRow is an address joined with its role on an email.
type RecipientRow struct {
	Role string `db:"role"`
	models.EmailAddress
}

// ListRecipients returns the recipients of an email ordered by role then address.
func (s *Store) ListRecipients(ctx context.Context, emailID string) ([]RecipientRow, error) {
	var rows []RecipientRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT r.role, a.id, a.account_id, a.address, a.name, a.raw
		FROM email_recipients r
		JOIN email_addresses a ON a.id = r.address_id
		WHERE r.email_id = ?
		ORDER BY r.role, a.address
	`, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	return rows, nil
}

// MailboxStats counts what is stored for an account.
type MailboxStats struct {
	Threads   int `db:"threads" json:"threads"`
	Emails    int `db:"emails" json:"emails"`
	Addresses int `db:"addresses" json:"addresses"`
}

func (s *Store) Stats(ctx context.Context, accountID string) (MailboxStats, error) {
	var st MailboxStats
	err := s.db.GetContext(ctx, &st, `
		SELECT
			(SELECT COUNT(*) FROM threads WHERE account_id = ?) AS threads,
			(SELECT COUNT(*) FROM emails e JOIN threads t ON t.id = e.thread_id WHERE t.account_id = ?) AS emails,
			(SELECT COUNT(*) FROM email_addresses WHERE account_id = ?) AS addresses
	`, accountID, accountID, accountID)
	if err != nil {
		return st, fmt.Errorf("failed to count mailbox: %w", err)
	}
	return st, nil
}
