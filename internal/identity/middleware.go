package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/techswap/marketplace/internal/authz"
	"github.com/techswap/marketplace/internal/logging"
)

// ContextKeyActor is the gin context key holding the authenticated authz.Actor.
const ContextKeyActor = "authActor"

// Middleware authenticates "Authorization: Bearer <jwt>" when present and
// stores the actor in the gin context. Browsers cannot set headers on a
// WebSocket handshake, so upgrades may pass the token as ?access_token=.
// Requests without a valid token pass through unauthenticated; use
// RequireAuth to reject them.
func Middleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := bearerToken(c); raw != "" {
			u, err := a.Authenticate(c.Request.Context(), raw)
			if err == nil {
				SetActor(c, u.Actor())
			}
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(raw)
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return c.Query("access_token")
	}
	return ""
}

// RequireAuth rejects requests without an authenticated actor.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := ActorFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireOperator rejects requests from non-operators.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if !actor.Operator {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Operator role required.",
			})
			return
		}
		c.Next()
	}
}

// SetActor stores actor on the request and tags the request logger with it.
func SetActor(c *gin.Context, actor authz.Actor) {
	c.Set(ContextKeyActor, actor)
	c.Request = c.Request.WithContext(logging.WithActorID(c.Request.Context(), actor.ID))
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(c *gin.Context) (authz.Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return authz.Actor{}, false
	}
	actor, ok := v.(authz.Actor)
	return actor, ok
}
