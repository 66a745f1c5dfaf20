package handler

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-storefront/internal/domain"
	httpmiddleware "github.com/smallbiznis/valora-storefront/internal/http/middleware"
	authsvc "github.com/smallbiznis/valora-storefront/internal/service/auth"
)

// SessionCookie carries the PKCE session id between connect and callback.
const SessionCookie = "pkce_session"

// TokenRefresher forces a refresh of stored credentials.
type TokenRefresher interface {
	EnsureFresh(ctx context.Context, accountID string, force bool) (domain.StoredToken, error)
}

// OAuthHandler serves the marketplace connect flow and token administration.
type OAuthHandler struct {
	OAuth        authsvc.OAuthService
	Tokens       TokenRefresher
	CallbackPath string
	SuccessURL   string
	SessionTTL   time.Duration
	Logger       *zap.Logger
}

// NewOAuthHandler scopes the session cookie to the path of redirectURI.
func NewOAuthHandler(oauth authsvc.OAuthService, tokens TokenRefresher, redirectURI, successURL string, sessionTTL time.Duration, logger *zap.Logger) *OAuthHandler {
	callbackPath := "/oauth/callback"
	if u, err := url.Parse(redirectURI); err == nil && u.Path != "" {
		callbackPath = u.Path
	}
	if successURL == "" {
		successURL = "/"
	}
	return &OAuthHandler{
		OAuth:        oauth,
		Tokens:       tokens,
		CallbackPath: callbackPath,
		SuccessURL:   successURL,
		SessionTTL:   sessionTTL,
		Logger:       logger,
	}
}

type connectRequest struct {
	Scopes []string `form:"scopes"`
}

// accountID reads the account from the operator token. The token subject is
// the account id.
func accountID(c *gin.Context) (string, bool) {
	id := httpmiddleware.AccountID(c)
	if id == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Token subject must name an account."})
		return "", false
	}
	return id, true
}

// Connect starts the PKCE flow and returns the authorization URL.
func (h *OAuthHandler) Connect(c *gin.Context) {
	account, ok := accountID(c)
	if !ok {
		return
	}
	var req connectRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid connect request."})
		return
	}

	out, err := h.OAuth.Start(c.Request.Context(), authsvc.StartInput{AccountID: account, Scopes: req.Scopes})
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	h.setSessionCookie(c, out.SessionID, out.ExpiresAt)
	c.JSON(http.StatusOK, gin.H{"url": out.AuthorizationURL, "expires_at": out.ExpiresAt})
}

// Callback completes the flow and redirects to the configured landing page.
func (h *OAuthHandler) Callback(c *gin.Context) {
	sessionID, _ := c.Cookie(SessionCookie)
	h.clearSessionCookie(c)

	token, err := h.OAuth.Callback(c.Request.Context(), authsvc.CallbackInput{
		SessionID:        sessionID,
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	})
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}

	target, err := url.Parse(h.SuccessURL)
	if err != nil {
		target = &url.URL{Path: "/"}
	}
	q := target.Query()
	q.Set("account_id", token.AccountID)
	q.Set("status", "connected")
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}

// Status reports the connection state of an account without secrets.
func (h *OAuthHandler) Status(c *gin.Context) {
	account, ok := accountID(c)
	if !ok {
		return
	}
	view, err := h.OAuth.Status(c.Request.Context(), account)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Refresh forces a token refresh for an account.
func (h *OAuthHandler) Refresh(c *gin.Context) {
	account, ok := accountID(c)
	if !ok {
		return
	}
	token, err := h.Tokens.EnsureFresh(c.Request.Context(), account, true)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, token.View())
}

type reauthorizeRequest struct {
	Reason string   `json:"reason"`
	Scopes []string `json:"scopes"`
}

// Reauthorize flags the account and starts a fresh connect flow.
func (h *OAuthHandler) Reauthorize(c *gin.Context) {
	account, ok := accountID(c)
	if !ok {
		return
	}
	var req reauthorizeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid reauthorize request."})
			return
		}
	}
	out, err := h.OAuth.Reauthorize(c.Request.Context(), authsvc.ReauthorizeInput{
		AccountID: account,
		Reason:    domain.ReauthReason(strings.TrimSpace(req.Reason)),
		Scopes:    req.Scopes,
	})
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	h.setSessionCookie(c, out.SessionID, out.ExpiresAt)
	c.JSON(http.StatusOK, gin.H{"url": out.AuthorizationURL, "expires_at": out.ExpiresAt})
}

// Disconnect drops stored credentials.
func (h *OAuthHandler) Disconnect(c *gin.Context) {
	account, ok := accountID(c)
	if !ok {
		return
	}
	if err := h.OAuth.Disconnect(c.Request.Context(), account); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *OAuthHandler) setSessionCookie(c *gin.Context, sessionID string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if h.SessionTTL > 0 && maxAge > int(h.SessionTTL.Seconds()) {
		maxAge = int(h.SessionTTL.Seconds())
	}
	if maxAge <= 0 {
		maxAge = 1
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionID,
		Path:     h.CallbackPath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   isSecure(c.Request),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *OAuthHandler) clearSessionCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     h.CallbackPath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isSecure(c.Request),
		SameSite: http.SameSiteLaxMode,
	})
}

func isSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
