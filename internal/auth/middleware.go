package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsKey = "auth.claims"

func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

// Middleware rejects requests without a valid bearer token.
func Middleware(j JWT) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c.GetHeader("Authorization"))
		if tok == "" {
			abort(c, "missing bearer token")
			return
		}
		claims, err := j.Verify(tok)
		if err != nil {
			abort(c, "invalid token")
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole lets through callers whose claims allow role. It runs after Middleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			abort(c, "missing bearer token")
			return
		}
		if !claims.Allows(role) {
			forbid(c, fmt.Sprintf("%s %q may not act as %s", claims.Role, claims.Subject, role))
			return
		}
		c.Next()
	}
}

// CanTrade reports whether the request may post signals for strategyID. Requests
// without claims passed no auth middleware and are allowed.
func CanTrade(c *gin.Context, strategyID uint64) bool {
	claims, ok := ClaimsFrom(c)
	return !ok || claims.CanTrade(strategyID)
}

func abort(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": msg})
}

func forbid(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": msg})
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
