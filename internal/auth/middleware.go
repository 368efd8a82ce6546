package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeySession is the key used to store session data in the Gin context.
const ContextKeySession = "session"

// RequireSession rejects requests without a valid session. The API speaks
// JSON only, so the response is a 401 envelope, never a redirect; the client
// starts the login flow itself.
func RequireSession(sm *SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := sm.Get(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Anmeldung erforderlich"})
			return
		}

		c.Set(ContextKeySession, session)
		c.Next()
	}
}

// OptionalSession loads session data when present but lets anonymous
// requests through.
func OptionalSession(sm *SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if session, err := sm.Get(c.Request); err == nil {
			c.Set(ContextKeySession, session)
		}
		c.Next()
	}
}

// GetCurrentUser retrieves the current user's session data from the Gin
// context, or nil when the request is anonymous.
func GetCurrentUser(c *gin.Context) *SessionData {
	session, exists := c.Get(ContextKeySession)
	if !exists {
		return nil
	}

	sessionData, ok := session.(*SessionData)
	if !ok {
		return nil
	}

	return sessionData
}
