package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-storefront/internal/jwt"
)

const (
	adminClaimsKey = "adminClaims"
	stdClaimsKey   = "stdClaims"
)

// Auth validates operator bearer tokens.
type Auth struct {
	Tokens *jwt.Generator
	Logger *zap.Logger
}

// RequireAdmin ensures the request carries a valid token with the admin role.
func (m *Auth) RequireAdmin(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header required."})
		return
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Bearer token required."})
		return
	}
	claims, custom, err := m.Tokens.ValidateToken(strings.TrimSpace(parts[1]))
	if err != nil {
		m.log().Warn("admin token rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Invalid access token."})
		return
	}
	if custom.Role != jwt.RoleAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient_scope", "error_description": "Admin role required."})
		return
	}
	c.Set(stdClaimsKey, claims)
	c.Set(adminClaimsKey, custom)
	c.Next()
}

func (m *Auth) log() *zap.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return zap.L()
}

// GetStdClaims returns standard JWT claims set.
func GetStdClaims(c *gin.Context) (*gojwt.Claims, bool) {
	value, ok := c.Get(stdClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*gojwt.Claims)
	return claims, ok
}

// AccountID returns the account the operator token was issued for.
func AccountID(c *gin.Context) string {
	claims, ok := GetStdClaims(c)
	if !ok || claims == nil {
		return ""
	}
	return strings.TrimSpace(claims.Subject)
}
