package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/models"
)

const testSecret = "s"

type fakeAccounts struct {
	accounts map[string]*models.Account
	reauth   map[string]string
}

func (f *fakeAccounts) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	if a, ok := f.accounts[id]; ok {
		return a, nil
	}
	return nil, models.ErrAccountNotFound
}

func (f *fakeAccounts) MarkNeedsReauth(ctx context.Context, accountID, reason string) error {
	if _, ok := f.accounts[accountID]; !ok {
		return models.ErrAccountNotFound
	}
	f.reauth[accountID] = reason
	f.accounts[accountID].NextDeltaToken = nil
	f.accounts[accountID].SyncStatus = models.StatusNeedsReauth
	return nil
}

type fakeQueue struct{ ids []string }

func (q *fakeQueue) Enqueue(id string) error {
	q.ids = append(q.ids, id)
	return nil
}

type testServer struct {
	router   *gin.Engine
	accounts *fakeAccounts
	queue    *fakeQueue
}

func newTestServer(secret string) *testServer {
	gin.SetMode(gin.TestMode)

	cursor := "T1"
	ts := &testServer{
		router: gin.New(),
		accounts: &fakeAccounts{
			accounts: map[string]*models.Account{
				"42": {ID: "42", Token: "tok", NextDeltaToken: &cursor, SyncStatus: models.StatusReady},
			},
			reauth: map[string]string{},
		},
		queue: &fakeQueue{},
	}
	NewHandler(Config{SigningSecret: secret}, ts.accounts, ts.queue, nil).Register(ts.router)
	return ts
}

func (ts *testServer) post(t *testing.T, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func signed(body string) map[string]string {
	return map[string]string{
		DefaultTimestampHeader: "1700000000",
		DefaultSignatureHeader: Sign(testSecret, "1700000000", []byte(body)),
	}
}

func TestSignMatchesKnownDigest(t *testing.T) {
	got := Sign("s", "1700000000", []byte("abc"))
	assert.Equal(t, "d4870c0113c7f196cc55b0084a7cd0ebacc64d9de1b104ade4134d8a4c07f2cf", got)

	ok, err := VerifySignature("s", "1700000000", got, []byte("abc"))
	require.NoError(t, err)
	assert.True(t, ok)

	for _, bad := range []string{"", strings.ToUpper(got), got[:63], got + "0"} {
		ok, err := VerifySignature("s", "1700000000", bad, []byte("abc"))
		require.NoError(t, err)
		assert.False(t, ok, "signature %q", bad)
	}

	_, err = VerifySignature("", "1700000000", got, []byte("abc"))
	assert.ErrorIs(t, err, ErrNoSigningSecret)
}

func TestValidationHandshakeEchoesToken(t *testing.T) {
	ts := newTestServer(testSecret)

	w := ts.post(t, "/webhook?validationToken=abc-123", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc-123", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Empty(t, ts.queue.ids)
}

func TestSignatureAccepted(t *testing.T) {
	ts := newTestServer(testSecret)

	w := ts.post(t, "/webhook", "abc", signed("abc"))
	// The signature is valid, so the request gets past 401 and fails schema validation instead.
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignatureRejected(t *testing.T) {
	ts := newTestServer(testSecret)

	w := ts.post(t, "/webhook", "abc", map[string]string{
		DefaultTimestampHeader: "1700000000",
		DefaultSignatureHeader: Sign("other", "1700000000", []byte("abc")),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMissingFieldsAreBadRequest(t *testing.T) {
	ts := newTestServer(testSecret)
	body := `{"subscription":1,"resource":"/email/messages","accountId":42}`

	tests := []struct {
		name    string
		body    string
		headers map[string]string
	}{
		{"no timestamp", body, map[string]string{DefaultSignatureHeader: "x"}},
		{"no signature", body, map[string]string{DefaultTimestampHeader: "1"}},
		{"no body", "", signed("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.post(t, "/webhook", tt.body, tt.headers)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestMissingSecretIsServerError(t *testing.T) {
	ts := newTestServer("")
	body := `{"subscription":1,"resource":"/email/messages","accountId":42}`

	w := ts.post(t, "/webhook", body, signed(body))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSchemaViolations(t *testing.T) {
	ts := newTestServer(testSecret)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"zero subscription", `{"subscription":0,"resource":"r","accountId":42}`, "Subscription"},
		{"negative account", `{"subscription":1,"resource":"r","accountId":-1}`, "AccountID"},
		{"empty resource", `{"subscription":1,"resource":"","accountId":42}`, "Resource"},
		{"bad change type", `{"subscription":1,"resource":"r","accountId":42,"payloads":[{"id":"m1","changeType":"moved"}]}`, "Payloads[0].ChangeType"},
		{"empty payload id", `{"subscription":1,"resource":"r","accountId":42,"payloads":[{"id":"","changeType":"created"}]}`, "Payloads[0].ID"},
		{"empty thread id", `{"subscription":1,"resource":"r","accountId":42,"payloads":[{"id":"m1","changeType":"created","attributes":{"threadId":""}}]}`, "Payloads[0].Attributes.ThreadID"},
		{"wrong type", `{"subscription":"one","resource":"r","accountId":42}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.post(t, "/webhook", tt.body, signed(tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			if tt.field != "" {
				assert.Contains(t, w.Body.String(), `"field":"`+tt.field+`"`)
			}
		})
	}
	assert.Empty(t, ts.queue.ids)
}

func TestTokenErrorNotificationClearsCursor(t *testing.T) {
	ts := newTestServer(testSecret)
	body := `{"error":"Active token is missing","accountId":42}`

	w := ts.post(t, "/webhook", body, signed(body))
	assert.Equal(t, http.StatusOK, w.Code)

	acct := ts.accounts.accounts["42"]
	assert.Nil(t, acct.NextDeltaToken)
	assert.Equal(t, models.StatusNeedsReauth, acct.SyncStatus)
	assert.Equal(t, "Active token is missing", ts.accounts.reauth["42"])
	assert.Empty(t, ts.queue.ids)
}

func TestTokenErrorWithSubscriptionFields(t *testing.T) {
	ts := newTestServer(testSecret)
	body := `{"subscription":7,"resource":"/email/messages","accountId":42,"error":"Active token is missing"}`

	w := ts.post(t, "/webhook", body, signed(body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, ts.accounts.accounts["42"].NextDeltaToken)
	assert.Empty(t, ts.queue.ids)
}

func TestErrorNotificationNeedsAccount(t *testing.T) {
	ts := newTestServer(testSecret)

	for _, body := range []string{
		`{"error":"Active token is missing"}`,
		`{"error":"Active token is missing","accountId":0}`,
		`{"lifecycleEvent":"error","accountId":-3}`,
	} {
		w := ts.post(t, "/webhook", body, signed(body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Contains(t, w.Body.String(), `"field":"AccountID"`, body)
	}
	assert.Empty(t, ts.accounts.reauth)
	assert.NotNil(t, ts.accounts.accounts["42"].NextDeltaToken)
	assert.Empty(t, ts.queue.ids)
}

func TestOtherErrorNotificationLeavesAccount(t *testing.T) {
	ts := newTestServer(testSecret)
	body := `{"accountId":42,"lifecycleEvent":"error"}`

	w := ts.post(t, "/webhook", body, signed(body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, ts.accounts.accounts["42"].NextDeltaToken)
	assert.Empty(t, ts.accounts.reauth)
	assert.Empty(t, ts.queue.ids)
}

func TestUnknownAccountIsNotFound(t *testing.T) {
	ts := newTestServer(testSecret)
	body := `{"subscription":7,"resource":"/email/messages","accountId":99}`

	w := ts.post(t, "/webhook", body, signed(body))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, ts.queue.ids)
}

func TestValidNotificationQueuesSync(t *testing.T) {
	ts := newTestServer(testSecret)
	body := `{"subscription":7,"resource":"/email/messages","accountId":42,
		"payloads":[{"id":"m1","changeType":"created","attributes":{"threadId":"t1"}},{"id":"m2","changeType":"deleted"}]}`

	w := ts.post(t, "/webhook", body, signed(body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"42"}, ts.queue.ids)
}

func TestCustomHeaderNames(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts := newTestServer(testSecret)
	r := gin.New()
	NewHandler(Config{SigningSecret: testSecret, TimestampHeader: "X-Ts", SignatureHeader: "X-Sig"}, ts.accounts, ts.queue, nil).Register(r)

	body := `{"subscription":7,"resource":"/email/messages","accountId":42}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-Ts", "1")
	req.Header.Set("X-Sig", Sign(testSecret, "1", []byte(body)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"42"}, ts.queue.ids)
}

func TestIsTokenError(t *testing.T) {
	assert.True(t, IsTokenError("Active token is missing"))
	assert.True(t, IsTokenError("  INVALID TOKEN "))
	assert.False(t, IsTokenError("Subscription expired"))
	assert.False(t, IsTokenError(""))
}
