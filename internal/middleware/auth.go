package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lalith-99/gymbro/internal/auth"
	"github.com/lalith-99/gymbro/internal/room"
)

const contextKeyIdentity = "identity"

// AuthMiddleware validates the bearer token and stashes the caller's
// identity in the request context. Websocket upgrades cannot set headers
// from a browser, so a "token" query parameter is accepted as fallback.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization",
			})
			return
		}

		claims, err := auth.ParseToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(contextKeyIdentity, room.Identity{
			UID:         claims.UID,
			DisplayName: claims.DisplayName,
			PhotoURL:    claims.PhotoURL,
		})

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// GetIdentity returns the caller's identity, or a zero Identity when the
// middleware did not run (the room service rejects that as
// unauthenticated).
func GetIdentity(c *gin.Context) room.Identity {
	val, exists := c.Get(contextKeyIdentity)
	if !exists {
		return room.Identity{}
	}
	id, ok := val.(room.Identity)
	if !ok {
		return room.Identity{}
	}
	return id
}
