package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nonceledger/internal/identity"
)

// DevCallerHeader names the caller when settlementd runs without a JWT
// secret. It is ignored whenever token auth is configured.
const DevCallerHeader = "X-Settlement-Caller"

// requireCaller returns the RequireToken middleware when auth is configured,
// or a middleware that only insists on DevCallerHeader in open mode.
func requireCaller(tokens *identity.TokenIssuer) gin.HandlerFunc {
	if tokens != nil {
		return identity.RequireToken(tokens)
	}
	return func(c *gin.Context) {
		if !identity.Address(c.GetHeader(DevCallerHeader)).Valid() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": DevCallerHeader + " header required",
			})
			return
		}
		c.Next()
	}
}

// callerOf returns the identity established by requireCaller.
func callerOf(c *gin.Context) identity.Address {
	if caller := identity.CallerFromCtx(c); caller != "" {
		return caller
	}
	return identity.Address(c.GetHeader(DevCallerHeader))
}
