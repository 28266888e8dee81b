// Package auth identifies the actor behind a request.
//
// Session management lives upstream: the gateway authenticates the caller and
// forwards their identity in X-Actor-ID / X-Actor-Role. Admin routes also
// require the shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voltrust/internal/logging"
)

const (
	HeaderActorID     = "X-Actor-ID"
	HeaderActorRole   = "X-Actor-Role"
	HeaderAdminSecret = "X-Admin-Secret"

	// ContextKeyActor is the key for storing the Actor in gin context
	ContextKeyActor = "actor"
)

// Role of the acting party.
type Role string

const (
	RoleVolunteer    Role = "volunteer"
	RoleOrganization Role = "organization"
	RoleAdmin        Role = "admin"
)

// Actor is the caller of a command.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Middleware extracts the actor headers. Requests without them continue
// anonymously; public verification needs no identity.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if id != "" {
			role := Role(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole))))
			switch role {
			case RoleVolunteer, RoleOrganization:
			default:
				// Admin role is only granted by RequireAdmin.
				role = RoleVolunteer
			}
			c.Set(ContextKeyActor, Actor{ID: id, Role: role})
			c.Request = c.Request.WithContext(logging.WithActorID(c.Request.Context(), id))
		}
		c.Next()
	}
}

// RequireActor rejects requests without an actor.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Actor required. Include the " + HeaderActorID + " header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks the X-Admin-Secret header against secret. With an
// empty secret (demo mode) any identified actor passes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Actor required. Include the " + HeaderActorID + " header.",
			})
			return
		}

		if secret != "" {
			presented := c.GetHeader(HeaderAdminSecret)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Admin secret required.",
				})
				return
			}
		}

		actor.Role = RoleAdmin
		c.Set(ContextKeyActor, actor)
		c.Next()
	}
}

// GetActor returns the actor from context (if identified)
func GetActor(c *gin.Context) (Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return Actor{}, false
	}
	a, ok := v.(Actor)
	return a, ok
}

// ActorID returns the acting party's ID, or "" if anonymous
func ActorID(c *gin.Context) string {
	a, _ := GetActor(c)
	return a.ID
}
