package rbac

import (
	"net/http"

	"ka-bot/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireAdmin allows access only to actors on the static admin allow-list.
// Chain it after auth.RequireAccessToken.
func RequireAdmin(g *Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID, err := auth.ActorID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "actor required"})
			return
		}
		if !g.IsAdmin(actorID) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
