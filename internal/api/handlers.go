package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/providers/aurinko"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const ctxAccountKey = "api.account"

// linkTimeout bounds the background subscribe after an OAuth callback.
const linkTimeout = time.Minute

type initialSyncRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	UserID    string `json:"userId" binding:"required"`
}

type webhookRequest struct {
	Resource        string `json:"resource"`
	NotificationURL string `json:"notificationUrl" binding:"omitempty,url"`
}

type recipient struct {
	Name    string `json:"name"`
	Address string `json:"address" binding:"required,email"`
}

type sendRequest struct {
	Subject    string      `json:"subject" binding:"required"`
	Body       string      `json:"body"`
	To         []recipient `json:"to" binding:"required,min=1,dive"`
	Cc         []recipient `json:"cc" binding:"omitempty,dive"`
	Bcc        []recipient `json:"bcc" binding:"omitempty,dive"`
	ReplyTo    []recipient `json:"replyTo" binding:"omitempty,dive"`
	InReplyTo  string      `json:"inReplyTo"`
	References string      `json:"references"`
	ThreadID   string      `json:"threadId"`
}

// handleInitialSync subscribes the account to notifications and runs a full sync
// before answering.
func (s *server) handleInitialSync(c *gin.Context) {
	var req initialSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST"})
		return
	}
	if user, ok := auth.UserFrom(c); ok && user.ID != req.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": "ACCOUNT_NOT_FOUND"})
		return
	}

	ctx := c.Request.Context()
	if _, err := s.Accounts.GetAccountForUser(ctx, req.AccountID, req.UserID); err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ACCOUNT_NOT_FOUND"})
			return
		}
		s.Logger.Error("failed to load account", slog.String("account_id", req.AccountID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "FAILED_TO_SYNC"})
		return
	}

	var out *sync.Outcome
	err := s.Syncs.WithLock(ctx, req.AccountID, func(ctx context.Context) error {
		if _, err := s.Engine.Subscribe(ctx, req.AccountID); err != nil {
			return err
		}
		var err error
		out, err = s.Engine.FullSync(ctx, req.AccountID)
		return err
	})
	if err != nil {
		s.Logger.Error("initial sync failed", slog.String("account_id", req.AccountID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "FAILED_TO_SYNC"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "deltaToken": out.Cursor})
}

// handleCallback completes the OAuth link: it trades the code for a token, stores the
// account and starts its first sync in the background.
func (s *server) handleCallback(c *gin.Context) {
	user, ok := auth.UserFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "details": "user authentication required"})
		return
	}

	if oauthErr := c.Query("error"); oauthErr != "" {
		details := c.Query("error_description")
		if details == "" {
			details = oauthErr
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "OAuth authorization failed", "details": details, "code": oauthErr})
		return
	}
	if status := c.Query("status"); status != "success" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Account connection failed", "details": "OAuth flow completed with status: " + status})
		return
	}
	code := c.Query("code")
	if len(code) < 10 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid authorization code"})
		return
	}

	ctx := c.Request.Context()
	tok, err := s.Exchange(ctx, code)
	if err != nil {
		s.Logger.Error("token exchange failed", slog.String("user_id", user.ID), slog.String("error", err.Error()))
		writeProviderError(c, "Failed to exchange authorization code", err)
		return
	}

	details, err := s.Mailboxes(tok.AccessToken).GetAccount(ctx)
	if err != nil {
		s.Logger.Error("failed to fetch account details", slog.Int64("account_id", tok.AccountID), slog.String("error", err.Error()))
		writeProviderError(c, "Failed to fetch account details", err)
		return
	}
	if details.Email == "" || details.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid account details", "details": "missing required account information from provider"})
		return
	}
	if _, err := mail.ParseAddress(details.Email); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid email format", "details": err.Error()})
		return
	}

	accountID := formatAccountID(tok.AccountID)
	existing, err := s.Accounts.GetAccount(ctx, accountID)
	switch {
	case err == nil && existing.UserID != user.ID:
		c.JSON(http.StatusConflict, gin.H{"error": "Account already exists with different user"})
		return
	case err != nil && !errors.Is(err, models.ErrAccountNotFound):
		s.Logger.Error("failed to load account", slog.String("account_id", accountID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save account"})
		return
	}

	acct, err := s.Accounts.UpsertAccount(ctx, &models.Account{
		ID:           accountID,
		UserID:       user.ID,
		Token:        tok.AccessToken,
		Provider:     models.ProviderAurinko,
		EmailAddress: details.Email,
		Name:         details.Name,
	})
	if err != nil {
		s.Logger.Error("failed to upsert account", slog.String("account_id", accountID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save account"})
		return
	}
	s.Logger.Info("account linked", slog.String("account_id", acct.ID), slog.String("user_id", user.ID))

	bg := context.WithoutCancel(ctx)
	s.background(func() { s.startAccount(bg, acct.ID) })

	if s.PublicURL != "" {
		c.Redirect(http.StatusFound, strings.TrimRight(s.PublicURL, "/")+"/mail")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "account": acct})
}

// startAccount subscribes a freshly linked account and queues its first sync.
func (s *server) startAccount(ctx context.Context, accountID string) {
	ctx, cancel := context.WithTimeout(ctx, linkTimeout)
	defer cancel()

	if _, err := s.Engine.Subscribe(ctx, accountID); err != nil {
		s.Logger.Warn("subscription failed", slog.String("account_id", accountID), slog.String("error", err.Error()))
	}
	if err := s.Syncs.Enqueue(accountID); err != nil {
		s.Logger.Warn("failed to queue initial sync", slog.String("account_id", accountID), slog.String("error", err.Error()))
	}
}

// loadAccount resolves :id for the caller and aborts with 404 when it is not theirs.
func (s *server) loadAccount(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	var (
		acct *models.Account
		err  error
	)
	if user, ok := auth.UserFrom(c); ok {
		acct, err = s.Accounts.GetAccountForUser(ctx, id, user.ID)
	} else {
		acct, err = s.Accounts.GetAccount(ctx, id)
	}
	if errors.Is(err, models.ErrAccountNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "ACCOUNT_NOT_FOUND"})
		return
	}
	if err != nil {
		s.Logger.Error("failed to load account", slog.String("account_id", id), slog.String("error", err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.Set(ctxAccountKey, acct)
	c.Next()
}

func account(c *gin.Context) *models.Account {
	return c.MustGet(ctxAccountKey).(*models.Account)
}

func (s *server) handleQueueSync(c *gin.Context) {
	acct := account(c)
	if acct.SyncStatus == models.StatusNeedsReauth || !acct.Usable() {
		c.JSON(http.StatusConflict, gin.H{"error": "NEEDS_REAUTH"})
		return
	}

	err := s.Syncs.Enqueue(acct.ID)
	switch {
	case errors.Is(err, sync.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "QUEUE_FULL"})
	case errors.Is(err, sync.ErrManagerClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "SHUTTING_DOWN"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "accountId": acct.ID})
	}
}

func (s *server) handleStatus(c *gin.Context) {
	acct := account(c)
	stats, err := s.Accounts.Stats(c.Request.Context(), acct.ID)
	if err != nil {
		s.Logger.Error("failed to load mailbox stats", slog.String("account_id", acct.ID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":   acct,
		"hasCursor": acct.Cursor() != "",
		"running":   s.Syncs.IsRunning(acct.ID),
		"threads":   stats.Threads,
		"emails":    stats.Emails,
		"addresses": stats.Addresses,
	})
}

func (s *server) handleListWebhooks(c *gin.Context) {
	acct := account(c)
	list, err := s.Mailboxes(acct.Token).GetWebhooks(c.Request.Context())
	if err != nil {
		writeProviderError(c, "Failed to list webhooks", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *server) handleCreateWebhook(c *gin.Context) {
	acct := account(c)

	var req webhookRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "details": err.Error()})
			return
		}
	}
	if req.Resource == "" {
		req.Resource = aurinko.MessagesResource
	}
	if req.NotificationURL == "" {
		req.NotificationURL = s.Engine.WebhookURL()
	}

	sub, err := s.Mailboxes(acct.Token).CreateWebhook(c.Request.Context(), req.Resource, req.NotificationURL)
	if err != nil {
		writeProviderError(c, "Failed to create webhook", err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *server) handleDeleteWebhook(c *gin.Context) {
	acct := account(c)
	if err := s.Mailboxes(acct.Token).DeleteWebhook(c.Request.Context(), c.Param("webhookId")); err != nil {
		writeProviderError(c, "Failed to delete webhook", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleSendMessage(c *gin.Context) {
	acct := account(c)

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "details": err.Error()})
		return
	}

	msg := aurinko.OutgoingMessage{
		From:       aurinko.EmailAddress{Name: acct.Name, Address: acct.EmailAddress},
		Subject:    req.Subject,
		Body:       req.Body,
		InReplyTo:  req.InReplyTo,
		References: req.References,
		ThreadID:   req.ThreadID,
		To:         addresses(req.To),
		Cc:         addresses(req.Cc),
		Bcc:        addresses(req.Bcc),
		ReplyTo:    addresses(req.ReplyTo),
	}
	sent, err := s.Mailboxes(acct.Token).SendMessage(c.Request.Context(), msg)
	if err != nil {
		writeProviderError(c, "Failed to send message", err)
		return
	}
	s.Logger.Info("message sent", slog.String("account_id", acct.ID), slog.String("message_id", sent.ID))
	c.JSON(http.StatusCreated, sent)
}

func addresses(in []recipient) []aurinko.EmailAddress {
	if len(in) == 0 {
		return nil
	}
	out := make([]aurinko.EmailAddress, len(in))
	for i, r := range in {
		out[i] = aurinko.EmailAddress{Name: r.Name, Address: r.Address}
	}
	return out
}
