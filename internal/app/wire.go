package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/mapper"
	"github.com/Martian-dev/mailsync/internal/providers/aurinko"
	"github.com/Martian-dev/mailsync/internal/retry"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// components are the long-lived objects shared by every command.
type components struct {
	store    *sqlite.Store
	provider aurinko.Config
	engine   *sync.Engine
}

func providerConfig(cfg config.Config, logger *slog.Logger) aurinko.Config {
	return aurinko.Config{
		BaseURL:      cfg.Provider.BaseURL,
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		HTTPTimeout:  cfg.Provider.Timeout,
		Retry: retry.Options{
			MaxAttempts:   cfg.Retry.MaxAttempts,
			BaseDelay:     cfg.Retry.BaseDelay,
			MaxDelay:      cfg.Retry.MaxDelay,
			BackoffFactor: cfg.Retry.BackoffFactor,
			Logger:        logger,
		},
		RequestsPerSecond: cfg.Provider.RPS,
		Burst:             cfg.Provider.Burst,
		Logger:            logger,
	}
}

// build opens the store and assembles the sync engine. Outbox events are only
// written when a NATS server is configured to receive them.
func build(cfg config.Config, logger *slog.Logger) (*components, error) {
	st, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	provider := providerConfig(cfg, logger)
	clients := func(token string) sync.MailClient { return aurinko.New(provider, token) }

	engine := sync.NewEngine(st, mapper.New(st, logger, cfg.NATS.URL != ""), clients, sync.EngineConfig{
		DaysWithin:   cfg.Sync.DaysWithin,
		PollInterval: cfg.Sync.PollInterval,
		MaxReadyWait: cfg.Sync.MaxReadyWait,
		PublicURL:    cfg.PublicURL,
	}, logger)

	return &components{store: st, provider: provider, engine: engine}, nil
}

func (c *components) mailboxes(token string) api.Mailbox {
	return aurinko.New(c.provider, token)
}

func (c *components) exchange(ctx context.Context, code string) (*aurinko.TokenExchange, error) {
	return aurinko.ExchangeCode(ctx, c.provider, code)
}

// verifier returns nil when caller identity is not configured.
func verifier(ctx context.Context, cfg config.AuthConfig) (auth.Verifier, error) {
	switch {
	case cfg.JWKSURL != "":
		return auth.NewJWKSVerifier(ctx, cfg.JWKSURL)
	case cfg.HMACSecret != "":
		return auth.NewHMACVerifier([]byte(cfg.HMACSecret))
	default:
		return nil, nil
	}
}
