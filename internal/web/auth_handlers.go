package web

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Elmontag/calsync/internal/auth"
)

// AuthHandlers serves the optional OIDC login flow. A nil *AuthHandlers means
// the server runs without authentication.
type AuthHandlers struct {
	sessions *auth.SessionManager
	provider *auth.Provider
}

// NewAuthHandlers wires the login flow to a session store and an OIDC
// provider.
func NewAuthHandlers(sessions *auth.SessionManager, provider *auth.Provider) *AuthHandlers {
	return &AuthHandlers{
		sessions: sessions,
		provider: provider,
	}
}

// RequireSession returns the middleware guarding the API.
func (a *AuthHandlers) RequireSession() gin.HandlerFunc {
	return auth.RequireSession(a.sessions)
}

// OptionalSession returns the middleware that loads a session when present.
func (a *AuthHandlers) OptionalSession() gin.HandlerFunc {
	return auth.OptionalSession(a.sessions)
}

// Login handles GET /auth/login. It parks a state nonce in a short-lived
// cookie and sends the browser to the identity provider.
func (a *AuthHandlers) Login(c *gin.Context) {
	state, err := auth.GenerateState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Anmeldung konnte nicht gestartet werden"})
		return
	}

	if err := a.sessions.SetOAuthState(c.Writer, c.Request, state); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Anmeldung konnte nicht gestartet werden"})
		return
	}

	c.Redirect(http.StatusFound, a.provider.AuthCodeURL(state))
}

// Callback handles GET /auth/callback, the return leg of the code flow.
func (a *AuthHandlers) Callback(c *gin.Context) {
	state := c.Query("state")
	savedState, err := a.sessions.GetOAuthState(c.Writer, c.Request)
	if err != nil || state == "" || state != savedState {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Ungültiger State-Parameter"})
		return
	}

	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Anmeldung fehlgeschlagen: " + errParam})
		return
	}

	ctx := c.Request.Context()
	token, err := a.provider.Exchange(ctx, c.Query("code"))
	if err != nil {
		log.Printf("OIDC code exchange failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Anmeldung fehlgeschlagen"})
		return
	}

	claims, err := a.provider.VerifyIDToken(ctx, token)
	if errors.Is(err, auth.ErrMissingEmail) {
		// Some issuers keep the email out of the ID token
		claims, err = a.provider.UserInfo(ctx, token)
	}
	if err != nil {
		log.Printf("OIDC token verification failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Anmeldung fehlgeschlagen"})
		return
	}

	session := &auth.SessionData{
		UserID: claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
	}
	if err := a.sessions.Set(c.Writer, c.Request, session); err != nil {
		log.Printf("Failed to persist session: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Sitzung konnte nicht gespeichert werden"})
		return
	}

	c.Redirect(http.StatusFound, "/")
}

// Logout handles POST /auth/logout.
func (a *AuthHandlers) Logout(c *gin.Context) {
	if err := a.sessions.Clear(c.Writer, c.Request); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Abmeldung fehlgeschlagen"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged_out": true})
}

// Status handles GET /api/auth/status so the front-end can decide whether to
// show the login screen.
func (a *AuthHandlers) Status(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"email":         session.Email,
		"name":          session.Name,
	})
}
