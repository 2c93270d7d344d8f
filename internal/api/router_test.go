package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/providers/aurinko"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	"github.com/Martian-dev/mailsync/internal/sync"
)

type fakeSyncs struct {
	enqueued []string
	locked   []string
	err      error
}

func (f *fakeSyncs) Enqueue(id string) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, id)
	return nil
}

func (f *fakeSyncs) WithLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	f.locked = append(f.locked, id)
	return fn(ctx)
}

func (f *fakeSyncs) IsRunning(id string) bool { return false }

type fakeEngine struct {
	calls   []string
	syncErr error
}

func (f *fakeEngine) FullSync(ctx context.Context, id string) (*sync.Outcome, error) {
	f.calls = append(f.calls, "sync:"+id)
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return &sync.Outcome{AccountID: id, Mode: sync.ModeInitial, Cursor: "T9"}, nil
}

func (f *fakeEngine) Subscribe(ctx context.Context, id string) (*aurinko.Subscription, error) {
	f.calls = append(f.calls, "subscribe:"+id)
	return &aurinko.Subscription{ID: 1}, nil
}

func (f *fakeEngine) WebhookURL() string { return "https://mail.example.com/webhook" }

type fakeMailbox struct {
	details     aurinko.AccountDetails
	created     []string
	deleted     []string
	sent        []aurinko.OutgoingMessage
	providerErr error
}

func (f *fakeMailbox) GetAccount(ctx context.Context) (*aurinko.AccountDetails, error) {
	d := f.details
	return &d, f.providerErr
}

func (f *fakeMailbox) GetWebhooks(ctx context.Context) (*aurinko.SubscriptionList, error) {
	if f.providerErr != nil {
		return nil, f.providerErr
	}
	return &aurinko.SubscriptionList{Records: []aurinko.Subscription{{ID: 3, Resource: aurinko.MessagesResource}}, TotalSize: 1, Done: true}, nil
}

func (f *fakeMailbox) CreateWebhook(ctx context.Context, resource, notificationURL string) (*aurinko.Subscription, error) {
	f.created = append(f.created, resource+" "+notificationURL)
	return &aurinko.Subscription{ID: 4, Resource: resource, NotificationURL: notificationURL, Active: true}, nil
}

func (f *fakeMailbox) DeleteWebhook(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeMailbox) SendMessage(ctx context.Context, msg aurinko.OutgoingMessage) (*aurinko.SentMessage, error) {
	if f.providerErr != nil {
		return nil, f.providerErr
	}
	f.sent = append(f.sent, msg)
	return &aurinko.SentMessage{ID: "sent-1", ThreadID: "th-1"}, nil
}

type testServer struct {
	router  *gin.Engine
	store   *sqlite.Store
	syncs   *fakeSyncs
	engine  *fakeEngine
	mailbox *fakeMailbox
}

func newTestServer(t *testing.T, publicURL string) *testServer {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ts := &testServer{
		store:   st,
		syncs:   &fakeSyncs{},
		engine:  &fakeEngine{},
		mailbox: &fakeMailbox{details: aurinko.AccountDetails{Email: "me@example.com", Name: "Me"}},
	}
	s := &server{
		Deps: Deps{
			Accounts:  st,
			Syncs:     ts.syncs,
			Engine:    ts.engine,
			Mailboxes: func(string) Mailbox { return ts.mailbox },
			Exchange: func(ctx context.Context, code string) (*aurinko.TokenExchange, error) {
				return &aurinko.TokenExchange{AccountID: 42, AccessToken: "fresh-token"}, nil
			},
			PublicURL: publicURL,
			Logger:    slogDiscard(),
		},
		background: func(fn func()) { fn() },
	}
	ts.router = s.router()
	gin.SetMode(gin.TestMode)
	return ts
}

func (ts *testServer) account(t *testing.T, id, userID string) {
	t.Helper()
	_, err := ts.store.UpsertAccount(context.Background(), &models.Account{
		ID: id, UserID: userID, Token: "tok", EmailAddress: "me@example.com", Name: "Me",
	})
	require.NoError(t, err)
}

func (ts *testServer) do(t *testing.T, method, target, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(auth.UserHeader, userID)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestInitialSyncEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	ts.account(t, "42", "user-1")

	w := ts.do(t, http.MethodPost, "/api/initial-sync", "", `{"accountId":"42","userId":"user-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "T9", body["deltaToken"])

	assert.Equal(t, []string{"subscribe:42", "sync:42"}, ts.engine.calls)
	assert.Equal(t, []string{"42"}, ts.syncs.locked)
}

func TestInitialSyncErrors(t *testing.T) {
	ts := newTestServer(t, "")
	ts.account(t, "42", "user-1")

	tests := []struct {
		name   string
		caller string
		body   string
		status int
		code   string
	}{
		{"missing user", "", `{"accountId":"42"}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"not json", "", `accountId=42`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown account", "", `{"accountId":"7","userId":"user-1"}`, http.StatusNotFound, "ACCOUNT_NOT_FOUND"},
		{"other user", "", `{"accountId":"42","userId":"user-2"}`, http.StatusNotFound, "ACCOUNT_NOT_FOUND"},
		{"caller mismatch", "user-2", `{"accountId":"42","userId":"user-1"}`, http.StatusNotFound, "ACCOUNT_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/initial-sync", tt.caller, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode(t, w)["error"])
		})
	}
	assert.Empty(t, ts.engine.calls)
}

func TestInitialSyncFailure(t *testing.T) {
	ts := newTestServer(t, "")
	ts.account(t, "42", "user-1")
	ts.engine.syncErr = sync.ErrSyncNotReady

	w := ts.do(t, http.MethodPost, "/api/initial-sync", "", `{"accountId":"42","userId":"user-1"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "FAILED_TO_SYNC", decode(t, w)["error"])
}

func TestCallbackLinksAccount(t *testing.T) {
	ts := newTestServer(t, "https://app.example.com/")

	w := ts.do(t, http.MethodGet, "/api/aurinko/callback?status=success&code=abcdefghijkl", "user-1", "")
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://app.example.com/mail", w.Header().Get("Location"))

	acct, err := ts.store.GetAccount(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "user-1", acct.UserID)
	assert.Equal(t, "fresh-token", acct.Token)
	assert.Equal(t, "me@example.com", acct.EmailAddress)
	assert.Equal(t, models.StatusNoCursor, acct.SyncStatus)

	assert.Equal(t, []string{"subscribe:42"}, ts.engine.calls)
	assert.Equal(t, []string{"42"}, ts.syncs.enqueued)
}

func TestCallbackRejections(t *testing.T) {
	ts := newTestServer(t, "")
	ts.account(t, "42", "someone-else")

	tests := []struct {
		name   string
		caller string
		query  string
		status int
	}{
		{"anonymous", "", "status=success&code=abcdefghijkl", http.StatusUnauthorized},
		{"oauth error", "user-1", "error=access_denied", http.StatusBadRequest},
		{"failed status", "user-1", "status=failed&code=abcdefghijkl", http.StatusBadRequest},
		{"short code", "user-1", "status=success&code=abc", http.StatusBadRequest},
		{"owned by another user", "user-1", "status=success&code=abcdefghijkl", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodGet, "/api/aurinko/callback?"+tt.query, tt.caller, "")
			assert.Equal(t, tt.status, w.Code)
		})
	}

	acct, err := ts.store.GetAccount(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "tok", acct.Token)
	assert.Empty(t, ts.syncs.enqueued)
}

func TestCallbackProviderError(t *testing.T) {
	ts := newTestServer(t, "")
	ts.mailbox.providerErr = &aurinko.AuthenticationError{APIError: aurinko.APIError{Op: "get account", Status: 401}}

	w := ts.do(t, http.MethodGet, "/api/aurinko/callback?status=success&code=abcdefghijkl", "user-1", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, err := ts.store.GetAccount(context.Background(), "42")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestQueueSync(t *testing.T) {
	ts := newTestServer(t, "")
	ts.account(t, "42", "user-1")

	w := ts.do(t, http.MethodPost, "/api/accounts/42/sync", "user-1", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"42"}, ts.syncs.enqueued)

	w = ts.do(t, http.MethodPost, "/api/accounts/42/sync", "user-2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	ts.syncs.err = sync.ErrQueueFull
	w = ts.do(t, http.MethodPost, "/api/accounts/42/sync", "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	require.NoError(t, ts.store.MarkNeedsReauth(context.Background(), "42", "token revoked"))
	w = ts.do(t, http.MethodPost, "/api/accounts/42/sync", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, "")
	ts.account(t, "42", "user-1")
	require.NoError(t, ts.store.SetDeltaToken(context.Background(), "42", "C1"))

	w := ts.do(t, http.MethodGet, "/api/accounts/42/status", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["hasCursor"])
	assert.Equal(t, false, body["running"])
	assert.Equal(t, float64(0), body["emails"])

	acct := body["account"].(map[string]any)
	assert.Equal(t, string(models.StatusReady), acct["syncStatus"])
	assert.NotContains(t, acct, "token")
}

func TestWebhookManagement(t *testing.T) {
	ts := newTestServer(t, "")
	ts.account(t, "42", "user-1")

	w := ts.do(t, http.MethodGet, "/api/accounts/42/webhooks", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["totalSize"])

	w = ts.do(t, http.MethodPost, "/api/accounts/42/webhooks", "", "")
	assert.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, http.MethodPost, "/api/accounts/42/webhooks", "", `{"resource":"/calendars","notificationUrl":"https://hooks.example.com/x"}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, http.MethodPost, "/api/accounts/42/webhooks", "", `{"notificationUrl":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, []string{
		"/email/messages https://mail.example.com/webhook",
		"/calendars https://hooks.example.com/x",
	}, ts.mailbox.created)

	w = ts.do(t, http.MethodDelete, "/api/accounts/42/webhooks/3", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"3"}, ts.mailbox.deleted)
}

func TestSendMessage(t *testing.T) {
	ts := newTestServer(t, "")
	ts.account(t, "42", "user-1")

	w := ts.do(t, http.MethodPost, "/api/accounts/42/messages", "", `{"subject":"hi","body":"<p>x</p>","to":[{"address":"you@example.com"}]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "sent-1", decode(t, w)["id"])

	require.Len(t, ts.mailbox.sent, 1)
	msg := ts.mailbox.sent[0]
	assert.Equal(t, "me@example.com", msg.From.Address)
	assert.Equal(t, "Me", msg.From.Name)
	assert.Equal(t, []aurinko.EmailAddress{{Address: "you@example.com"}}, msg.To)
	assert.Nil(t, msg.Cc)

	for _, body := range []string{
		`{"subject":"hi","to":[]}`,
		`{"subject":"hi","to":[{"address":"nope"}]}`,
		`{"to":[{"address":"you@example.com"}]}`,
	} {
		w := ts.do(t, http.MethodPost, "/api/accounts/42/messages", "", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}

	ts.mailbox.providerErr = &aurinko.RateLimitError{APIError: aurinko.APIError{Op: "send message", Status: 429}, RetryAfter: 30 * time.Second}
	w = ts.do(t, http.MethodPost, "/api/accounts/42/messages", "", `{"subject":"hi","to":[{"address":"you@example.com"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	assert.NotContains(t, decode(t, w), "jwks")

	require.NoError(t, ts.store.Close())
	w = ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type cachingVerifier struct{ stats map[string]any }

func (v cachingVerifier) UserFromRequest(r *http.Request) (*auth.User, error) {
	return nil, errors.New("no token")
}

func (v cachingVerifier) CacheStats(ctx context.Context) map[string]any { return v.stats }

func TestHealthReportsKeyCache(t *testing.T) {
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	defer st.Close()

	hmac, err := auth.NewHMACVerifier([]byte("shh"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		verifier auth.Verifier
		want     any
	}{
		{"jwks", cachingVerifier{stats: map[string]any{"keys_cached": 2}}, map[string]any{"keys_cached": float64(2)}},
		{"hmac", hmac, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := SetupRouter(Deps{Accounts: st, Verifier: tt.verifier, Logger: slogDiscard()})
			gin.SetMode(gin.TestMode)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, decode(t, w)["jwks"])
		})
	}
}

func TestWriteProviderError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		err    error
		status int
	}{
		{&aurinko.ValidationError{Field: "to", Message: "empty"}, http.StatusBadRequest},
		{&aurinko.APIError{Op: "x", Status: 404}, http.StatusNotFound},
		{&aurinko.APIError{Op: "x", Status: 503}, http.StatusBadGateway},
		{&aurinko.APIError{Op: "x", Err: errors.New("dial tcp")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		writeProviderError(c, "failed", tt.err)
		assert.Equal(t, tt.status, w.Code, tt.err.Error())
	}
}
