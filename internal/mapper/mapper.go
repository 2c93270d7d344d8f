package mapper

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/providers/aurinko"
)

// EventTypeEmailSynced is the outbox event type written for every stored email.
const EventTypeEmailSynced = "email.synced"

// Writer stores one normalized record atomically.
type Writer interface {
	WriteRecord(ctx context.Context, accountID string, rec *Record) error
}

// PersistError lists the records that could not be stored in a batch.
type PersistError struct {
	Failed []string
	Err    error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist %d email(s) [%s]: %v", len(e.Failed), strings.Join(e.Failed, ", "), e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Result counts what a Persist call did.
type Result struct {
	Stored  int
	Skipped int
}

// Mapper turns provider batches into stored threads, emails and addresses.
type Mapper struct {
	writer     Writer
	logger     *slog.Logger
	emitEvents bool
}

// New creates a Mapper. With emitEvents set every stored email also gets an outbox event.
func New(writer Writer, logger *slog.Logger, emitEvents bool) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{writer: writer, logger: logger, emitEvents: emitEvents}
}

// Persist stores records in order. Malformed records are skipped. A failure on one record
// is logged and the rest of the batch still runs, but the batch then reports a
// *PersistError. Systemic failures abort immediately.
func (m *Mapper) Persist(ctx context.Context, accountID string, records []aurinko.EmailMessage) (Result, error) {
	var res Result
	var failed []string
	var errs []error

	for _, msg := range records {
		rec, err := Normalize(accountID, msg)
		if err != nil {
			res.Skipped++
			m.logger.Warn("skipping email record",
				slog.String("account_id", accountID),
				slog.String("email_id", msg.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if m.emitEvents {
			rec.Event, err = newEvent(accountID, rec)
			if err != nil {
				return res, err
			}
		}

		if err := m.writer.WriteRecord(ctx, accountID, rec); err != nil {
			if IsSystemic(ctx, err) {
				return res, fmt.Errorf("persist email %s: %w", msg.ID, err)
			}
			m.logger.Error("failed to persist email",
				slog.String("account_id", accountID),
				slog.String("email_id", msg.ID),
				slog.String("error", err.Error()),
			)
			failed = append(failed, msg.ID)
			errs = append(errs, err)
			continue
		}
		res.Stored++
	}

	if len(failed) > 0 {
		return res, &PersistError{Failed: failed, Err: errors.Join(errs...)}
	}
	return res, nil
}

// IsSystemic reports whether err means the store as a whole is unusable.
func IsSystemic(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		strings.Contains(err.Error(), "database is closed")
}

func newEvent(accountID string, rec *Record) (*Event, error) {
	payload, err := json.Marshal(map[string]any{
		"event_id":           uuid.NewString(),
		"account_id":         accountID,
		"email_id":           rec.Email.ID,
		"thread_id":          rec.Email.ThreadID,
		"subject":            rec.Email.Subject,
		"sent_at":            rec.Email.SentAt,
		"email_label":        rec.Email.EmailLabel,
		"sys_labels":         rec.Email.SysLabels,
		"last_modified_time": rec.Email.LastModifiedTime,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event for %s: %w", rec.Email.ID, err)
	}

	return &Event{
		Subject: fmt.Sprintf("account.%s.email.synced", accountID),
		Type:    EventTypeEmailSynced,
		Payload: payload,
		MsgID:   fmt.Sprintf("%s|%s|%s|%d", EventTypeEmailSynced, accountID, rec.Email.ID, rec.Email.LastModifiedTime.UnixMilli()),
	}, nil
}
