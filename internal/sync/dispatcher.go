package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/Martian-dev/mailsync/internal/retry"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
)

// Publisher delivers an outbox event with a dedupe id.
type Publisher interface {
	Publish(subject string, data []byte, msgID string) error
}

// Outbox is the queue of events written alongside synced emails.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Dispatcher moves outbox events to the publisher.
type Dispatcher struct {
	Outbox    Outbox
	Publisher Publisher
	Logger    *slog.Logger

	BatchSize int
	IdleWait  time.Duration
	// Backoff spaces out redelivery of an event that failed to publish.
	Backoff retry.Options
}

func (d *Dispatcher) defaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 100
	}
	if d.IdleWait <= 0 {
		d.IdleWait = 500 * time.Millisecond
	}
	if d.Backoff.BaseDelay <= 0 {
		d.Backoff = retry.Options{BaseDelay: 10 * time.Second, MaxDelay: 5 * time.Minute, BackoffFactor: 2}
	}
}

// Run continuously dispatches messages from outbox until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.defaults()
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.Logger.Error("error dequeuing outbox", slog.String("error", err.Error()))
		}

		wait := time.Duration(0)
		switch {
		case err != nil:
			wait = time.Second
		case n == 0:
			wait = d.IdleWait
		}
		if wait > 0 {
			if sleepCtx(ctx, wait) != nil {
				return
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// DispatchOnce publishes one batch and returns how many events were dequeued.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	d.defaults()

	messages, err := d.Outbox.DequeueOutbox(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			backoff := d.Backoff.Delay(msg.Retries + 1)
			d.Logger.Warn("error publishing event",
				slog.Int64("outbox_id", msg.ID),
				slog.Int("retries", msg.Retries),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)
			if err := d.Outbox.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				d.Logger.Error("error scheduling outbox retry", slog.Int64("outbox_id", msg.ID), slog.String("error", err.Error()))
			}
			continue
		}

		if err := d.Outbox.MarkPublished(ctx, msg.ID); err != nil {
			d.Logger.Error("error marking event published", slog.Int64("outbox_id", msg.ID), slog.String("error", err.Error()))
		}
	}
	return len(messages), nil
}
