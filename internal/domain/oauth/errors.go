package oauth

import "errors"

var (
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("oauth: invalid request")
	// ErrSessionExpired signals a missing or aged-out PKCE session.
	ErrSessionExpired = errors.New("oauth: session expired")
	// ErrStateMismatch indicates the callback state differs from the stored one.
	ErrStateMismatch = errors.New("oauth: state mismatch")
	// ErrProviderDenied is returned when the user rejected the authorization.
	ErrProviderDenied = errors.New("oauth: authorization denied")
	// ErrExchangeFailed wraps token endpoint failures during the code exchange.
	ErrExchangeFailed = errors.New("oauth: code exchange failed")
	// ErrInvalidGrant is returned when the provider rejects a refresh token.
	ErrInvalidGrant = errors.New("oauth: invalid grant")
)
