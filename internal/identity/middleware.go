package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxCallerClaims = "settlement_caller_claims"

// RequireToken returns a Gin middleware that enforces a valid Bearer caller
// token and injects its claims into the context.
func RequireToken(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}

		c.Set(ctxCallerClaims, claims)
		c.Next()
	}
}

// ClaimsFromCtx retrieves the claims injected by RequireToken.
func ClaimsFromCtx(c *gin.Context) *CallerClaims {
	v, _ := c.Get(ctxCallerClaims)
	claims, _ := v.(*CallerClaims)
	return claims
}

// CallerFromCtx returns the authenticated caller, or "" when the request
// carried no verified token.
func CallerFromCtx(c *gin.Context) Address {
	if claims := ClaimsFromCtx(c); claims != nil {
		return claims.Caller()
	}
	return ""
}
