package oauth

import "time"

// PKCESession captures the state/verifier pair persisted while the user
// authorizes the marketplace application.
type PKCESession struct {
	SessionID     string    `json:"session_id"`
	AccountID     string    `json:"account_id"`
	State         string    `json:"state"`
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	RedirectURI   string    `json:"redirect_uri"`
	Reauthorize   bool      `json:"reauthorize,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Expired reports whether the session is older than ttl at now.
func (s PKCESession) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}

// TokenSet models the credentials returned by the provider token endpoint.
type TokenSet struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	Expiry           time.Time
	RefreshExpiresAt *time.Time
	Scopes           []string

	// UserID is the provider's id for the user that granted access.
	UserID string
}
