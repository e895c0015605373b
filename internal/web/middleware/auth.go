package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireAuth accepts a token from the Authorization header or, for
// websocket clients that cannot set headers, the token query parameter.
func (m *MiddlewareManager) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.Query("token")
		}
		userID, err := m.auth.ValidateTokenJWT(c, token)
		if err != nil {
			m.log.Debug().Err(err).Str("path", c.FullPath()).Msg("authentication failed")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}

		c.Set("user_id", userID)

		c.Next()
	}
}
