package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pcollings/chunkrelay/internal/common"
	"github.com/pcollings/chunkrelay/pkg/config"
	"github.com/pcollings/chunkrelay/pkg/types"
	"github.com/pcollings/chunkrelay/pkg/utils"
)

const identityCacheTTL = 10 * time.Minute

// AuthMiddleware verifies the identity token minted by the platform's
// auth service and stores the asserted identity in the gin context.
// Token verification is the only auth responsibility this service has.
func AuthMiddleware(cfg *config.AuthConfig, cache *common.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, types.APIResponse{
				Success: false,
				Error:   "missing authorization token",
			})
			c.Abort()
			return
		}

		// Verified identities are cached so hot chunk loops skip the
		// signature check.
		cacheKey := fmt.Sprintf("identity:%s", utils.ComputeSHA256([]byte(token)))
		if cache != nil {
			var cached types.Identity
			if err := cache.Get(c.Request.Context(), cacheKey, &cached); err == nil {
				c.Set("identity", cached)
				c.Next()
				return
			}
		}

		ident, err := utils.ValidateIdentityToken(token, cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, types.APIResponse{
				Success: false,
				Error:   "invalid credentials",
			})
			c.Abort()
			return
		}

		if cache != nil {
			// Best effort; an unreachable cache never blocks a request.
			_ = cache.Set(c.Request.Context(), cacheKey, ident, identityCacheTTL)
		}

		c.Set("identity", ident)
		c.Next()
	}
}

// bearerToken extracts the token from the Authorization header, falling
// back to the access_token query parameter for EventSource clients that
// cannot set headers
func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return c.Query("access_token")
}

// IdentityFromContext extracts the authenticated identity from gin context
func IdentityFromContext(c *gin.Context) (types.Identity, bool) {
	value, exists := c.Get("identity")
	if !exists {
		return types.Identity{}, false
	}
	ident, ok := value.(types.Identity)
	return ident, ok
}
