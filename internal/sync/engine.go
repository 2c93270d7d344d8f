package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/providers/aurinko"
)

var (
	// ErrSyncNotReady is returned when the provider does not finish preparing
	// the initial sync within MaxReadyWait.
	ErrSyncNotReady = errors.New("provider sync not ready before deadline")

	ErrAccountNotFound = models.ErrAccountNotFound

	// ErrNeedsReauth is returned for accounts whose token was rejected.
	ErrNeedsReauth = errors.New("account needs re-authorization")
)

// EngineConfig tunes the sync algorithms.
type EngineConfig struct {
	DaysWithin   int
	PollInterval time.Duration
	MaxReadyWait time.Duration
	// PublicURL is the externally reachable base of this deployment; the webhook lives at PublicURL/webhook.
	PublicURL string
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.DaysWithin <= 0 {
		c.DaysWithin = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxReadyWait <= 0 {
		c.MaxReadyWait = 2 * time.Minute
	}
	return c
}

// Engine runs delta syncs for accounts.
type Engine struct {
	accounts  AccountStore
	persister Persister
	clients   ClientFactory
	cfg       EngineConfig
	logger    *slog.Logger

	// sleep waits between readiness polls. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an Engine.
func NewEngine(accounts AccountStore, persister Persister, clients ClientFactory, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		accounts:  accounts,
		persister: persister,
		clients:   clients,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// InitialSync waits for the provider to prepare a sync window and then drains it.
func (e *Engine) InitialSync(ctx context.Context, client MailClient) (*Batch, error) {
	ready, err := e.waitReady(ctx, client)
	if err != nil {
		return nil, err
	}
	return e.drain(ctx, client, ready.SyncUpdatedToken)
}

// IncrementalSync drains every change since cursor.
func (e *Engine) IncrementalSync(ctx context.Context, client MailClient, cursor string) (*Batch, error) {
	if cursor == "" {
		return nil, errors.New("incremental sync requires a cursor")
	}
	return e.drain(ctx, client, cursor)
}

func (e *Engine) waitReady(ctx context.Context, client MailClient) (*aurinko.SyncResponse, error) {
	var waited time.Duration
	for polls := 1; ; polls++ {
		resp, err := client.StartSync(ctx, e.cfg.DaysWithin)
		if err != nil {
			return nil, fmt.Errorf("start sync: %w", err)
		}
		if resp.Ready {
			if resp.SyncUpdatedToken == "" {
				return nil, errors.New("start sync: provider reported ready without a delta token")
			}
			return resp, nil
		}

		if waited+e.cfg.PollInterval > e.cfg.MaxReadyWait {
			return nil, fmt.Errorf("%w: still preparing after %d polls", ErrSyncNotReady, polls)
		}
		waited += e.cfg.PollInterval
		e.logger.Debug("provider sync not ready, polling", slog.Int("poll", polls))
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

// drain fetches from cursor and follows next page tokens until the last page.
// The checkpoint starts at cursor and moves to every non-empty next delta token.
func (e *Engine) drain(ctx context.Context, client MailClient, cursor string) (*Batch, error) {
	batch := &Batch{Checkpoint: Checkpoint{Cursor: cursor}}
	q := aurinko.DeltaQuery{DeltaToken: cursor}

	for {
		page, err := client.GetUpdatedEmails(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("get updated emails (page %d): %w", batch.Pages+1, err)
		}
		batch.Pages++
		batch.Records = append(batch.Records, page.Records...)
		if page.NextDeltaToken != "" {
			batch.Checkpoint.Cursor = page.NextDeltaToken
		}

		if page.NextPageToken == "" {
			return batch, nil
		}
		q = aurinko.DeltaQuery{PageToken: page.NextPageToken}
	}
}

// Sync runs one attempt for the account: initial when it has no cursor, incremental
// otherwise. The cursor only moves after the whole batch has been persisted.
func (e *Engine) Sync(ctx context.Context, accountID string) (*Outcome, error) {
	return e.sync(ctx, accountID, false)
}

// FullSync runs an initial sync even when the account already has a cursor, and
// replaces the cursor with the one it ends at.
func (e *Engine) FullSync(ctx context.Context, accountID string) (*Outcome, error) {
	return e.sync(ctx, accountID, true)
}

func (e *Engine) sync(ctx context.Context, accountID string, full bool) (*Outcome, error) {
	acct, err := e.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.SyncStatus == models.StatusNeedsReauth || !acct.Usable() {
		return nil, fmt.Errorf("%w: %s", ErrNeedsReauth, accountID)
	}

	client := e.clients(acct.Token)
	out := &Outcome{AccountID: accountID, Mode: ModeIncremental}
	running := models.StatusIncrementalSyncing
	if full || acct.Cursor() == "" {
		out.Mode = ModeInitial
		running = models.StatusInitialSyncing
	}

	if err := e.accounts.UpdateSyncStatus(ctx, accountID, running, acct.LastError); err != nil {
		return nil, err
	}

	start := time.Now()
	e.logger.Info("sync started", slog.String("account_id", accountID), slog.String("mode", string(out.Mode)))

	var batch *Batch
	if out.Mode == ModeInitial {
		batch, err = e.InitialSync(ctx, client)
	} else {
		batch, err = e.IncrementalSync(ctx, client, acct.Cursor())
	}
	if err != nil {
		return nil, e.fail(ctx, acct, err)
	}
	out.Fetched = len(batch.Records)

	res, err := e.persister.Persist(ctx, accountID, batch.Records)
	out.Stored, out.Skipped = res.Stored, res.Skipped
	if err != nil {
		return nil, e.fail(ctx, acct, err)
	}

	if err := e.accounts.SetDeltaToken(ctx, accountID, batch.Checkpoint.Cursor); err != nil {
		return nil, e.fail(ctx, acct, err)
	}
	out.Cursor = batch.Checkpoint.Cursor

	e.logger.Info("sync complete",
		slog.String("account_id", accountID),
		slog.String("mode", string(out.Mode)),
		slog.Int("pages", batch.Pages),
		slog.Int("fetched", out.Fetched),
		slog.Int("stored", out.Stored),
		slog.Int("skipped", out.Skipped),
		slog.Duration("took", time.Since(start)),
	)
	return out, nil
}

// fail records err on the account and returns it. A rejected token clears the cursor.
func (e *Engine) fail(ctx context.Context, acct *models.Account, err error) error {
	ctx = context.WithoutCancel(ctx)

	if aurinko.IsAuthError(err) {
		if cerr := e.accounts.ClearDeltaToken(ctx, acct.ID, models.StatusNeedsReauth, err.Error()); cerr != nil {
			e.logger.Error("failed to clear cursor", slog.String("account_id", acct.ID), slog.String("error", cerr.Error()))
		}
		e.logger.Warn("account token rejected", slog.String("account_id", acct.ID), slog.String("error", err.Error()))
		return err
	}

	if uerr := e.accounts.UpdateSyncStatus(ctx, acct.ID, acct.RestingStatus(), err.Error()); uerr != nil {
		e.logger.Error("failed to record sync error", slog.String("account_id", acct.ID), slog.String("error", uerr.Error()))
	}
	return err
}

// Subscribe registers the push subscription for the account's messages.
func (e *Engine) Subscribe(ctx context.Context, accountID string) (*aurinko.Subscription, error) {
	acct, err := e.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acct.Usable() {
		return nil, fmt.Errorf("%w: %s", ErrNeedsReauth, accountID)
	}

	sub, err := e.clients(acct.Token).CreateSubscription(ctx, e.WebhookURL())
	if err != nil {
		if aurinko.IsAuthError(err) {
			return nil, e.fail(ctx, acct, err)
		}
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	e.logger.Info("subscription created", slog.String("account_id", accountID), slog.Int64("subscription_id", sub.ID))
	return sub, nil
}

// WebhookURL is where the provider should deliver notifications.
func (e *Engine) WebhookURL() string {
	return strings.TrimRight(e.cfg.PublicURL, "/") + "/webhook"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
