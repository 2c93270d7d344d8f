package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	stdsync "sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/config"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/webhook"
)

const (
	httpShutdownTimeout = 10 * time.Second
	syncShutdownTimeout = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook receiver, API and background sync workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(cmd)
		if err != nil {
			return err
		}
		c, err := build(cfg, logger)
		if err != nil {
			return err
		}
		defer c.store.Close()

		version, err := c.store.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info("database ready", slog.String("path", cfg.Database.Path), slog.Int("schema_version", version))
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync for an account in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(cmd)
		if err != nil {
			return err
		}
		accountID, _ := cmd.Flags().GetString("account")
		full, _ := cmd.Flags().GetBool("full")

		c, err := build(cfg, logger)
		if err != nil {
			return err
		}
		defer c.store.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		run := c.engine.Sync
		if full {
			run = c.engine.FullSync
		}
		out, err := run(ctx, accountID)
		if err != nil {
			return fmt.Errorf("sync %s: %w", accountID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s sync of %s: fetched %d, stored %d, skipped %d\n",
			out.Mode, out.AccountID, out.Fetched, out.Stored, out.Skipped)
		return nil
	},
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer c.store.Close()

	v, err := verifier(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("configure caller auth: %w", err)
	}
	if v == nil {
		logger.Warn("caller authentication disabled; /api trusts the X-User-ID header")
	}
	if cfg.Webhook.SigningSecret == "" {
		logger.Warn("webhook signing secret not set; notifications will be rejected")
	}

	var dispatcher *sync.Dispatcher
	if cfg.NATS.URL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		dispatcher = &sync.Dispatcher{Outbox: c.store, Publisher: pub, Logger: logger}
	}

	mgr := sync.NewManager(c.engine, sync.ManagerConfig{Workers: cfg.Sync.Workers, QueueSize: cfg.Sync.QueueSize}, logger)

	var wg stdsync.WaitGroup
	background := func(fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	scheduler := &sync.Scheduler{Accounts: c.store, Queue: mgr, Interval: cfg.Sync.Interval, Logger: logger}
	background(scheduler.Run)

	if dispatcher != nil {
		background(dispatcher.Run)
	}

	router := api.SetupRouter(api.Deps{
		Accounts:  c.store,
		Syncs:     mgr,
		Engine:    c.engine,
		Webhook:   webhook.NewHandler(webhook.Config{SigningSecret: cfg.Webhook.SigningSecret}, c.store, mgr, logger),
		Mailboxes: c.mailboxes,
		Exchange:  c.exchange,
		Verifier:  v,
		PublicURL: cfg.PublicURL,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.HTTP.Addr), slog.String("webhook_url", c.engine.WebhookURL()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}
	if err := mgr.Shutdown(syncShutdownTimeout); err != nil {
		logger.Warn("sync shutdown incomplete", slog.String("error", err.Error()), slog.Any("pending", mgr.Pending()))
	}
	wg.Wait()

	return serveErr
}
