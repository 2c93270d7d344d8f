package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/providers/aurinko"
)

// writeProviderError maps a provider failure onto a response status.
func writeProviderError(c *gin.Context, msg string, err error) {
	var (
		authErr  *aurinko.AuthenticationError
		rateErr  *aurinko.RateLimitError
		validErr *aurinko.ValidationError
		apiErr   *aurinko.APIError
	)

	status := http.StatusBadGateway
	switch {
	case errors.As(err, &validErr):
		status = http.StatusBadRequest
	case errors.As(err, &authErr):
		status = http.StatusUnauthorized
	case errors.As(err, &rateErr):
		status = http.StatusTooManyRequests
		if rateErr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		}
	case errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500:
		status = apiErr.Status
	}

	c.JSON(status, gin.H{"error": msg, "details": err.Error()})
}

func formatAccountID(id int64) string {
	return strconv.FormatInt(id, 10)
}
