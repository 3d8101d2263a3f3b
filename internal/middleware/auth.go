package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Legion808/klinika/internal/models"
	"github.com/Legion808/klinika/internal/utils"
)

const identityKey = "identity"

// AuthMiddleware creates a middleware for JWT bearer authentication.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			utils.Unauthorized(c, "Authorization header required")
			return
		}

		parts := strings.Fields(authHeader)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			utils.Unauthorized(c, "Invalid authorization header format")
			return
		}

		claims, err := utils.ValidateToken(parts[1], secret)
		if err != nil {
			utils.Unauthorized(c, "Invalid token: "+err.Error())
			return
		}

		c.Set(identityKey, claims.Identity())
		c.Next()
	}
}

// RoleAuthMiddleware restricts a route to the given roles.
// It should be used *after* AuthMiddleware.
func RoleAuthMiddleware(allowedRoles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFromContext(c)
		if !ok {
			utils.InternalServerError(c, "Identity not found in context. AuthMiddleware might be missing.")
			return
		}

		for _, allowed := range allowedRoles {
			if id.Role == allowed {
				c.Next()
				return
			}
		}
		utils.Forbidden(c, "You do not have permission to access this resource.")
	}
}

// IdentityFromContext returns the caller set by AuthMiddleware.
func IdentityFromContext(c *gin.Context) (models.Identity, bool) {
	v, exists := c.Get(identityKey)
	if !exists {
		return models.Identity{}, false
	}
	id, ok := v.(models.Identity)
	return id, ok
}
