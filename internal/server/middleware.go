package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const userIDKey = "userID"

// UserIDFromContext returns the user resolved by Auth.
func UserIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(userIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Auth resolves the calling user from the X-User-ID header set by the upstream auth
// layer. When token is set, requests must also carry it as a bearer token. Browsers
// cannot set headers on a websocket upgrade, so allowQuery also accepts the userId and
// token query parameters.
func Auth(token string, allowQuery bool) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token != "" {
			got := ""
			if h := strings.TrimSpace(c.GetHeader("Authorization")); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
				got = strings.TrimSpace(h[7:])
			}
			if got == "" && allowQuery {
				got = c.Query("token")
			}
			if got != token {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		}

		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID == "" && allowQuery {
			userID = strings.TrimSpace(c.Query("userId"))
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// RequestLogger logs every request at debug level.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request handled",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
