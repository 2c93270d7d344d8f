package aurinko

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Martian-dev/mailsync/internal/retry"
)

// Scopes requested when linking a mailbox.
const Scopes = "Mail.Read Mail.ReadWrite Mail.Send Mail.Drafts Mail.All"

// AuthorizeURL builds the consent URL for serviceType ("Google" or "Office365").
func AuthorizeURL(cfg Config, serviceType, returnURL string) string {
	cfg = cfg.withDefaults()

	params := url.Values{}
	params.Set("clientId", cfg.ClientID)
	params.Set("serviceType", serviceType)
	params.Set("scopes", Scopes)
	params.Set("responseType", "code")
	params.Set("returnUrl", returnURL)

	return cfg.BaseURL + "/auth/authorize?" + params.Encode()
}

// ExchangeCode trades an authorization code for an account access token.
// It authenticates with the application's client credentials, not a user token.
func ExchangeCode(ctx context.Context, cfg Config, code string) (*TokenExchange, error) {
	cfg = cfg.withDefaults()
	if code == "" {
		return nil, &ValidationError{Field: "code", Message: "must not be empty"}
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("exchange code: client credentials not configured")
	}

	hc := &http.Client{Timeout: cfg.HTTPTimeout}
	endpoint := cfg.BaseURL + "/auth/token/" + url.PathEscape(code)
	basicAuth := func(r *http.Request) { r.SetBasicAuth(cfg.ClientID, cfg.ClientSecret) }

	opts := cfg.Retry
	opts.Op = "exchange code"
	return retry.Do(ctx, opts, func(ctx context.Context) (*TokenExchange, error) {
		var out TokenExchange
		if err := doJSON(ctx, hc, "exchange code", http.MethodPost, endpoint, nil, struct{}{}, &out, basicAuth); err != nil {
			return nil, err
		}
		return &out, nil
	})
}
