package aurinko

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError is any failed provider call. Status is 0 for transport failures.
type APIError struct {
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	} else {
		b.WriteString(": network error")
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) HTTPStatus() int { return e.Status }

// IsNetwork reports whether the call failed before a response was received.
func (e *APIError) IsNetwork() bool { return e.Status == 0 }

// AuthenticationError means the access token is missing, invalid or expired.
type AuthenticationError struct {
	APIError
}

// RateLimitError is a 429. RetryAfter is zero when the provider sent no hint.
type RateLimitError struct {
	APIError
	RetryAfter time.Duration
}

func (e *RateLimitError) RetryAfterHint() time.Duration { return e.RetryAfter }

// ValidationError rejects a request before it is sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsAuthError reports whether err was caused by an unusable access token.
func IsAuthError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify turns a non-2xx response into a typed error.
func classify(op string, resp *http.Response, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	if eb.Message == "" && len(body) > 0 && !json.Valid(body) {
		eb.Message = strings.TrimSpace(string(body))
	}

	base := APIError{Op: op, Status: resp.StatusCode, Code: eb.Code, Message: eb.Message}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		if base.Message == "" {
			base.Message = "invalid or expired token"
		}
		return &AuthenticationError{APIError: base}
	case http.StatusTooManyRequests:
		if base.Message == "" {
			base.Message = "rate limit exceeded"
		}
		return &RateLimitError{APIError: base, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	default:
		return &base
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
