package auth

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	ctxUserKey = "auth.user"

	// UserHeader carries the caller id when no verifier is configured.
	UserHeader = "X-User-ID"
)

// Middleware authenticates every request with v and stores the user on the context.
// With a nil verifier the caller id is taken from the X-User-ID header as an opaque value.
func Middleware(v Verifier, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		if v == nil {
			if id := c.GetHeader(UserHeader); id != "" {
				c.Set(ctxUserKey, &User{ID: id})
			}
			c.Next()
			return
		}

		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			logger.Debug("rejected request", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ctxUserKey, user)
		c.Next()
	}
}

// UserFrom returns the caller stored by Middleware.
func UserFrom(c *gin.Context) (*User, bool) {
	v, ok := c.Get(ctxUserKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*User)
	return u, ok && u != nil
}
