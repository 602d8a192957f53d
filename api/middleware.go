package api

import (
	"net/http"
	"slices"

	"github.com/Domenick1991/ridedispatch/internal/auth"
	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// Authenticate requires a valid bearer token and stores the caller on the context.
func Authenticate(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := verifier.Verify(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "UNAUTHORIZED", Message: "missing or invalid bearer token"})
			return
		}
		c.Set(identityKey, id)
		c.Set("user_id", id.UserID)
		c.Next()
	}
}

func RequireRole(roles ...domain.Actor) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !slices.Contains(roles, identity(c).Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: string(domain.CodeForbidden), Message: "role not allowed for this endpoint"})
			return
		}
		c.Next()
	}
}

func identity(c *gin.Context) auth.Identity {
	v, _ := c.Get(identityKey)
	id, _ := v.(auth.Identity)
	return id
}
