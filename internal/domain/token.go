package domain

import (
	"strings"
	"time"
)

// PlatformMarketplace identifies the marketplace OAuth integration.
const PlatformMarketplace = "marketplace"

// ReauthReason explains why an account must reconnect.
type ReauthReason string

const (
	ReauthReasonManual  ReauthReason = "manual"
	ReauthReasonExpired ReauthReason = "expired"
	ReauthReasonRevoked ReauthReason = "revoked"
)

// Valid reports whether r is a known reason.
func (r ReauthReason) Valid() bool {
	switch r {
	case ReauthReasonManual, ReauthReasonExpired, ReauthReasonRevoked:
		return true
	}
	return false
}

// StoredToken persists the credentials of one (account, platform) pair.
type StoredToken struct {
	AccountID        string
	Platform         string
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt *time.Time
	Scopes           []string
	NeedsReauth      bool
	ReauthReason     ReauthReason
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// ProviderUserID is the seller id the marketplace reports for the
	// connected user. Webhooks name the seller by this id.
	ProviderUserID string
}

// HasCredentials reports whether an access token is stored.
func (t StoredToken) HasCredentials() bool {
	return strings.TrimSpace(t.AccessToken) != ""
}

// CanRefresh reports whether a refresh token is stored and not known to be expired.
func (t StoredToken) CanRefresh(now time.Time) bool {
	if strings.TrimSpace(t.RefreshToken) == "" {
		return false
	}
	if t.RefreshExpiresAt != nil && !t.RefreshExpiresAt.After(now) {
		return false
	}
	return true
}

// ExpiresWithin reports whether the access token expires before now+lead.
func (t StoredToken) ExpiresWithin(now time.Time, lead time.Duration) bool {
	if t.AccessExpiresAt.IsZero() {
		return false
	}
	return !t.AccessExpiresAt.After(now.Add(lead))
}

// Expired reports whether the access token is past its expiry.
func (t StoredToken) Expired(now time.Time) bool {
	return !t.AccessExpiresAt.IsZero() && !t.AccessExpiresAt.After(now)
}

// TokenView is the redacted representation returned by the API.
type TokenView struct {
	AccountID          string     `json:"account_id"`
	Platform           string     `json:"platform"`
	ProviderUserID     string     `json:"provider_user_id,omitempty"`
	Connected          bool       `json:"connected"`
	AccessTokenPreview string     `json:"access_token_preview,omitempty"`
	HasRefreshToken    bool       `json:"has_refresh_token"`
	AccessExpiresAt    *time.Time `json:"access_expires_at,omitempty"`
	RefreshExpiresAt   *time.Time `json:"refresh_expires_at,omitempty"`
	Scopes             []string   `json:"scopes"`
	NeedsReauth        bool       `json:"needs_reauth"`
	ReauthReason       string     `json:"reauth_reason,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// View redacts the token for API responses.
func (t StoredToken) View() TokenView {
	view := TokenView{
		AccountID:          t.AccountID,
		Platform:           t.Platform,
		ProviderUserID:     t.ProviderUserID,
		Connected:          t.HasCredentials(),
		AccessTokenPreview: Redact(t.AccessToken),
		HasRefreshToken:    strings.TrimSpace(t.RefreshToken) != "",
		RefreshExpiresAt:   t.RefreshExpiresAt,
		Scopes:             append([]string{}, t.Scopes...),
		NeedsReauth:        t.NeedsReauth,
		ReauthReason:       string(t.ReauthReason),
		UpdatedAt:          t.UpdatedAt,
	}
	if !t.AccessExpiresAt.IsZero() {
		expires := t.AccessExpiresAt
		view.AccessExpiresAt = &expires
	}
	return view
}

// Redact keeps the first and last four characters of a secret.
func Redact(secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	if len(secret) <= 12 {
		return "****"
	}
	return secret[:4] + "…" + secret[len(secret)-4:]
}
