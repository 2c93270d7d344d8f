package sync

import (
	"context"

	"github.com/Martian-dev/mailsync/internal/mapper"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/providers/aurinko"
)

// Mode says which algorithm a sync attempt ran.
type Mode string

const (
	ModeInitial     Mode = "initial"
	ModeIncremental Mode = "incremental"
)

// MailClient is the part of the provider API the engine drives.
type MailClient interface {
	StartSync(ctx context.Context, daysWithin int) (*aurinko.SyncResponse, error)
	GetUpdatedEmails(ctx context.Context, dq aurinko.DeltaQuery) (*aurinko.SyncUpdatedResponse, error)
	CreateSubscription(ctx context.Context, notificationURL string) (*aurinko.Subscription, error)
}

// ClientFactory builds a client bound to one account's access token.
type ClientFactory func(accessToken string) MailClient

// AccountStore reads accounts and writes their cursor and status.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	SetDeltaToken(ctx context.Context, accountID, token string) error
	ClearDeltaToken(ctx context.Context, accountID string, status models.SyncStatus, errorMsg string) error
	UpdateSyncStatus(ctx context.Context, accountID string, status models.SyncStatus, errorMsg string) error
}

// Persister stores a fetched batch.
type Persister interface {
	Persist(ctx context.Context, accountID string, records []aurinko.EmailMessage) (mapper.Result, error)
}

// Checkpoint is the cursor a batch ends at.
type Checkpoint struct {
	Cursor string
}

// Batch is every record fetched in one attempt, in page order.
type Batch struct {
	Records    []aurinko.EmailMessage
	Checkpoint Checkpoint
	Pages      int
}

// Outcome summarizes a completed sync attempt.
type Outcome struct {
	AccountID string
	Mode      Mode
	Fetched   int
	Stored    int
	Skipped   int
	Cursor    string
}
