package domain

import "errors"

var (
	// ErrNotFound signals a missing record.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned by remote API calls answered with HTTP 401.
	ErrUnauthorized = errors.New("remote api: unauthorized")
	// ErrReauthRequired means the stored credentials can no longer be refreshed.
	ErrReauthRequired = errors.New("reconnect required")
	// ErrNotConnected means no credentials were ever stored for the account.
	ErrNotConnected = errors.New("account not connected")
	// ErrTransient marks retryable failures of external platforms.
	ErrTransient = errors.New("transient external error")
)
