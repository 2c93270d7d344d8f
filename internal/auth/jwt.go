package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User represents an authenticated user from JWT token
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Verifier resolves the caller of a request.
type Verifier interface {
	UserFromRequest(r *http.Request) (*User, error)
}

// JWTVerifier checks bearer tokens against a JWKS endpoint or a shared HS256 secret.
type JWTVerifier struct {
	parseOpts []jwt.ParseOption

	jwksURL    string
	cache      *jwk.Cache
	refreshTTL time.Duration
	warmedAt   time.Time
}

// NewJWKSVerifier creates a verifier whose keys come from jwksURL. Keys are cached
// and refreshed in the background by the jwk cache.
func NewJWKSVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	// Do initial fetch to warm up the cache
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(fetchCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	v.cache = cache
	v.warmedAt = time.Now()
	v.parseOpts = []jwt.ParseOption{
		jwt.WithKeySet(jwk.NewCachedSet(cache, jwksURL)),
		jwt.WithValidate(true),
	}
	return v, nil
}

// NewHMACVerifier creates a verifier for HS256 tokens signed with secret.
func NewHMACVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty HMAC secret")
	}
	return &JWTVerifier{
		parseOpts: []jwt.ParseOption{
			jwt.WithKey(jwa.HS256, secret),
			jwt.WithValidate(true),
		},
	}, nil
}

// UserFromRequest extracts and validates the JWT token from the request
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	// jwt.ParseRequest handles "Bearer " prefix automatically
	token, err := jwt.ParseRequest(r, v.parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing user ID (subject)")
	}

	var email, name string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}
	if nameClaim, ok := token.Get("name"); ok {
		name, _ = nameClaim.(string)
	}

	return &User{
		ID:    userID,
		Email: email,
		Name:  name,
	}, nil
}

// CacheStats reports the JWKS cache state. It is empty for HMAC verifiers.
func (v *JWTVerifier) CacheStats(ctx context.Context) map[string]any {
	if v.cache == nil {
		return map[string]any{}
	}

	keyCount := 0
	if set, err := v.cache.Get(ctx, v.jwksURL); err == nil {
		keyCount = set.Len()
	}
	return map[string]any{
		"keys_cached": keyCount,
		"warmed_at":   v.warmedAt,
		"refresh_ttl": v.refreshTTL.String(),
		"jwks_url":    v.jwksURL,
	}
}
