package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"securebank/internal/domain"
	"securebank/internal/security"

	"github.com/gin-gonic/gin"
)

type UserLookup interface {
	UserByKeyHash(ctx context.Context, keyHash string) (domain.User, error)
}

const userKey = "securebank.user"

// Protected resolves the bearer API key to a user. Keys are compared by
// SHA-256 hash only.
func Protected(users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := security.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or malformed API key"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		u, err := users.UserByKeyHash(ctx, security.HashKey(key))
		if err != nil {
			if errors.Is(err, domain.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
				return
			}
			code := httpStatusForErr(err)
			c.AbortWithStatusJSON(code, gin.H{"error": publicErrMessage(code, err)})
			return
		}

		c.Set(userKey, u)
		c.Next()
	}
}

func currentUser(c *gin.Context) domain.User {
	u, _ := c.MustGet(userKey).(domain.User)
	return u
}
