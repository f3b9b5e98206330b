package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

const UserIDKey = "userID"

// AuthRequired rejects requests without a valid bearer token.
func AuthRequired(signer *auth.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, present := bearerToken(c)
		if !present {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing token")
			return
		}
		claims, err := signer.Parse(tokenStr)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

// OptionalAuth lets anonymous requests through as guests. A token that is
// present but invalid is still rejected.
func OptionalAuth(signer *auth.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, present := bearerToken(c)
		if !present {
			c.Next()
			return
		}
		claims, err := signer.Parse(tokenStr)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

// UserID returns the authenticated user, if any.
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func bearerToken(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(h[7:])
	return tok, tok != ""
}
