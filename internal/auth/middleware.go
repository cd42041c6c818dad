package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware provides JWT authentication and RBAC gating for gin
// handlers, checking this package's fixed Permission set.
type Middleware struct {
	jwt  *JWTService
	rbac *RBAC
}

// NewMiddleware builds a Middleware over jwt and rbac.
func NewMiddleware(jwt *JWTService, rbac *RBAC) *Middleware {
	return &Middleware{jwt: jwt, rbac: rbac}
}

// RequireAuth rejects requests without a valid bearer token for an
// active operator, storing Claims and Operator in the gin context.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			abort(c, http.StatusUnauthorized, "AUTH_TOKEN_MISSING", "authorization token required")
			return
		}
		claims, err := m.jwt.ValidateToken(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "invalid or expired token")
			return
		}
		op, err := m.rbac.GetByID(claims.OperatorID)
		if err != nil || !op.Active {
			abort(c, http.StatusUnauthorized, "AUTH_OPERATOR_INACTIVE", "operator account not found or inactive")
			return
		}
		c.Set("claims", claims)
		c.Set("operator", op)
		c.Next()
	}
}

// RequirePermission ensures an authenticated operator's role grants
// perm, aborting with 403 otherwise. It assumes RequireAuth already ran
// earlier in the chain.
func (m *Middleware) RequirePermission(perm Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			abort(c, http.StatusInternalServerError, "AUTH_CONTEXT_MISSING", "authentication context not found")
			return
		}
		if !HasPermission(claims.Role, perm) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"code":     "AUTH_INSUFFICIENT_PERMISSIONS",
				"required": string(perm),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": message, "code": code})
	c.Abort()
}

func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// GetClaims retrieves the authenticated Claims set by RequireAuth.
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get("claims")
	if !exists {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// GetOperator retrieves the authenticated Operator set by RequireAuth.
func GetOperator(c *gin.Context) (*Operator, bool) {
	v, exists := c.Get("operator")
	if !exists {
		return nil, false
	}
	op, ok := v.(*Operator)
	return op, ok
}
