package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/Martian-dev/mailsync/internal/models"
)

const (
	DefaultTimestampHeader = "X-Aurinko-Request-Timestamp"
	DefaultSignatureHeader = "X-Aurinko-Signature"
)

// Notification is the push body the provider posts for a subscription.
type Notification struct {
	Subscription   int64     `json:"subscription" binding:"required,gt=0"`
	Resource       string    `json:"resource" binding:"required"`
	AccountID      int64     `json:"accountId" binding:"required,gt=0"`
	Error          string    `json:"error,omitempty"`
	LifecycleEvent string    `json:"lifecycleEvent,omitempty"`
	Payloads       []Payload `json:"payloads,omitempty" binding:"omitempty,dive"`
}

type Payload struct {
	ID         string      `json:"id" binding:"required"`
	ChangeType string      `json:"changeType" binding:"required,oneof=created updated deleted"`
	Attributes *Attributes `json:"attributes,omitempty" binding:"omitempty"`
}

type Attributes struct {
	ThreadID string `json:"threadId" binding:"required"`
}

// errorNotice is the part of a notification read when the provider reports a
// subscription failure. Those bodies carry no subscription or resource.
type errorNotice struct {
	AccountID      int64  `json:"accountId" binding:"required,gt=0"`
	Error          string `json:"error"`
	LifecycleEvent string `json:"lifecycleEvent"`
}

// IsErrorNotification reports whether the provider is signalling a subscription failure.
func (n *errorNotice) IsErrorNotification() bool {
	return n.Error != "" || n.LifecycleEvent == "error"
}

// ValidationError describes the first field of a notification that failed validation.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func toValidationError(err error) *ValidationError {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fieldPath(fe.Namespace()), Message: fmt.Sprintf("failed %q check", fe.Tag())}
	}
	return &ValidationError{Message: "invalid payload format: " + err.Error()}
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// tokenErrors are provider error strings meaning the account's token is unusable.
var tokenErrors = []string{
	"active token is missing",
	"token is missing",
	"invalid token",
	"token expired",
	"token has expired",
	"token revoked",
}

// IsTokenError reports whether a provider error message means the account must re-authorize.
func IsTokenError(msg string) bool {
	m := strings.ToLower(strings.TrimSpace(msg))
	for _, t := range tokenErrors {
		if strings.Contains(m, t) {
			return true
		}
	}
	return false
}

// Accounts looks up accounts and flags them for re-authorization.
type Accounts interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	MarkNeedsReauth(ctx context.Context, accountID, reason string) error
}

// SyncQueue accepts background sync requests.
type SyncQueue interface {
	Enqueue(accountID string) error
}

// Config holds the signing secret and the header names it is read from.
type Config struct {
	SigningSecret   string
	TimestampHeader string
	SignatureHeader string
}

// Handler serves provider push notifications.
type Handler struct {
	cfg      Config
	accounts Accounts
	queue    SyncQueue
	logger   *slog.Logger
}

func NewHandler(cfg Config, accounts Accounts, queue SyncQueue, logger *slog.Logger) *Handler {
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = DefaultTimestampHeader
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, accounts: accounts, queue: queue, logger: logger}
}

// Register mounts the webhook endpoint.
func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/webhook", h.Handle)
}

// Handle runs the handshake, signature check, validation and sync trigger in order.
func (h *Handler) Handle(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		h.logger.Info("webhook validation handshake")
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}

	timestamp := c.GetHeader(h.cfg.TimestampHeader)
	signature := c.GetHeader(h.cfg.SignatureHeader)
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if timestamp == "" || signature == "" || len(body) == 0 {
		h.logger.Warn("webhook missing required fields",
			slog.Bool("timestamp", timestamp != ""),
			slog.Bool("signature", signature != ""),
			slog.Bool("body", len(body) > 0),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bad Request"})
		return
	}

	ok, err := VerifySignature(h.cfg.SigningSecret, timestamp, signature, body)
	if err != nil {
		h.logger.Error("webhook signature check unavailable", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook is not configured"})
		return
	}
	if !ok {
		h.logger.Warn("webhook signature mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	ctx := c.Request.Context()

	var notice errorNotice
	if err := json.Unmarshal(body, &notice); err == nil && notice.IsErrorNotification() {
		if err := binding.Validator.ValidateStruct(&notice); err != nil {
			h.reject(c, err)
			return
		}
		h.handleErrorNotification(ctx, strconv.FormatInt(notice.AccountID, 10), &notice)
		c.String(http.StatusOK, "Error notification processed")
		return
	}

	var n Notification
	if err := binding.JSON.BindBody(body, &n); err != nil {
		h.reject(c, err)
		return
	}
	accountID := strconv.FormatInt(n.AccountID, 10)

	if _, err := h.accounts.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
			return
		}
		h.logger.Error("webhook account lookup failed", slog.String("account_id", accountID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account lookup failed"})
		return
	}

	if err := h.queue.Enqueue(accountID); err != nil {
		h.logger.Error("webhook could not queue sync", slog.String("account_id", accountID), slog.String("error", err.Error()))
	} else {
		h.logger.Info("webhook queued sync",
			slog.String("account_id", accountID),
			slog.Int64("subscription", n.Subscription),
			slog.Int("changes", len(n.Payloads)),
		)
	}
	c.Status(http.StatusOK)
}

func (h *Handler) reject(c *gin.Context, err error) {
	verr := toValidationError(err)
	h.logger.Warn("webhook payload rejected", slog.String("error", verr.Error()))
	c.JSON(http.StatusBadRequest, gin.H{"error": verr.Message, "field": verr.Field})
}

func (h *Handler) handleErrorNotification(ctx context.Context, accountID string, n *errorNotice) {
	msg := n.Error
	if msg == "" {
		msg = "lifecycle error"
	}
	h.logger.Warn("webhook error notification", slog.String("account_id", accountID), slog.String("error", msg))

	if !IsTokenError(n.Error) {
		return
	}
	if err := h.accounts.MarkNeedsReauth(ctx, accountID, n.Error); err != nil {
		h.logger.Error("failed to update account after token error", slog.String("account_id", accountID), slog.String("error", err.Error()))
	}
}
