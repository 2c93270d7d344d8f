package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/providers/aurinko"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	"github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/webhook"
)

// Accounts is the account and mailbox storage the API reads and writes.
type Accounts interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountForUser(ctx context.Context, id, userID string) (*models.Account, error)
	UpsertAccount(ctx context.Context, acct *models.Account) (*models.Account, error)
	Stats(ctx context.Context, accountID string) (sqlite.MailboxStats, error)
	Ping(ctx context.Context) error
}

// Syncs runs and schedules sync attempts.
type Syncs interface {
	Enqueue(accountID string) error
	WithLock(ctx context.Context, accountID string, fn func(ctx context.Context) error) error
	IsRunning(accountID string) bool
}

// Engine is the part of the sync engine the API drives directly.
type Engine interface {
	FullSync(ctx context.Context, accountID string) (*sync.Outcome, error)
	Subscribe(ctx context.Context, accountID string) (*aurinko.Subscription, error)
	WebhookURL() string
}

// Mailbox is the provider surface exposed for account management.
type Mailbox interface {
	GetAccount(ctx context.Context) (*aurinko.AccountDetails, error)
	GetWebhooks(ctx context.Context) (*aurinko.SubscriptionList, error)
	CreateWebhook(ctx context.Context, resource, notificationURL string) (*aurinko.Subscription, error)
	DeleteWebhook(ctx context.Context, id string) error
	SendMessage(ctx context.Context, msg aurinko.OutgoingMessage) (*aurinko.SentMessage, error)
}

// Deps wires the router.
type Deps struct {
	Accounts Accounts
	Syncs    Syncs
	Engine   Engine
	Webhook  *webhook.Handler

	// Mailboxes builds a provider client for an account token.
	Mailboxes func(accessToken string) Mailbox
	// Exchange trades an OAuth code for an account token.
	Exchange func(ctx context.Context, code string) (*aurinko.TokenExchange, error)

	// Verifier authenticates /api callers. Nil trusts the X-User-ID header.
	Verifier auth.Verifier
	// PublicURL is where the OAuth callback redirects after linking.
	PublicURL string
	Logger    *slog.Logger
}

type server struct {
	Deps
	// background runs work that outlives the request.
	background func(fn func())
}

// SetupRouter mounts the webhook, the API and the health check.
func SetupRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &server{Deps: d, background: func(fn func()) { go fn() }}
	return s.router()
}

func (s *server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.Logger))

	r.GET("/health", s.handleHealth)
	if s.Webhook != nil {
		s.Webhook.Register(r)
	}

	api := r.Group("/api")
	api.Use(auth.Middleware(s.Verifier, s.Logger))
	{
		api.POST("/initial-sync", s.handleInitialSync)
		api.GET("/aurinko/callback", s.handleCallback)

		acct := api.Group("/accounts/:id")
		acct.Use(s.loadAccount)
		{
			acct.POST("/sync", s.handleQueueSync)
			acct.GET("/status", s.handleStatus)
			acct.GET("/webhooks", s.handleListWebhooks)
			acct.POST("/webhooks", s.handleCreateWebhook)
			acct.DELETE("/webhooks/:webhookId", s.handleDeleteWebhook)
			acct.POST("/messages", s.handleSendMessage)
		}
	}

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)),
		)
	}
}

func (s *server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.Accounts.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	resp := gin.H{"status": "ok"}
	if v, ok := s.Verifier.(keyCache); ok {
		if stats := v.CacheStats(ctx); len(stats) > 0 {
			resp["jwks"] = stats
		}
	}
	c.JSON(http.StatusOK, resp)
}

// keyCache is implemented by verifiers that fetch signing keys remotely.
type keyCache interface {
	CacheStats(ctx context.Context) map[string]any
}
