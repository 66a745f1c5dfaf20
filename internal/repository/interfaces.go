package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/valora-storefront/internal/domain"
	"github.com/smallbiznis/valora-storefront/internal/domain/oauth"
)

// OrderRepository exposes the order fields reconciled by webhooks.
type OrderRepository interface {
	// GetByReference finds an order by internal id, external reference or payment id.
	GetByReference(ctx context.Context, reference string) (domain.Order, error)
	// ApplyStatus moves the order to status when it has higher precedence than
	// the stored one. The bool reports whether a transition was recorded.
	ApplyStatus(ctx context.Context, orderID string, status domain.OrderStatus, meta TransitionMeta) (domain.OrderTransition, bool, error)
	History(ctx context.Context, orderID string) ([]domain.OrderTransition, error)
}

// TransitionMeta carries provenance recorded with a status change.
type TransitionMeta struct {
	EventID   int64
	Source    string
	PaymentID string
}

// TokenRepository persists marketplace credentials per (account, platform).
type TokenRepository interface {
	Get(ctx context.Context, accountID, platform string) (domain.StoredToken, error)
	// GetByProviderUser finds the token of the account connected as the given
	// provider user.
	GetByProviderUser(ctx context.Context, platform, providerUserID string) (domain.StoredToken, error)
	// SaveCredentials upserts fresh credentials and clears any reauth flag.
	SaveCredentials(ctx context.Context, token domain.StoredToken) (domain.StoredToken, error)
	// MarkNeedsReauth flags the account while keeping its credentials.
	MarkNeedsReauth(ctx context.Context, accountID, platform string, reason domain.ReauthReason) error
	// ClearCredentials nulls tokens, keeps the row and flags the account.
	ClearCredentials(ctx context.Context, accountID, platform string, reason domain.ReauthReason) error
}

// WebhookEventRepository stores received notifications and their processing state.
type WebhookEventRepository interface {
	// Create inserts the event unless its delivery key exists, in which case the
	// stored event is returned with created=false.
	Create(ctx context.Context, event domain.WebhookEvent) (stored domain.WebhookEvent, created bool, err error)
	Get(ctx context.Context, id int64) (domain.WebhookEvent, error)
	Update(ctx context.Context, event domain.WebhookEvent) error
	// ClaimDue leases up to limit events that are due for another attempt.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.WebhookEvent, error)
	CountByStatus(ctx context.Context) (map[domain.WebhookStatus]int, error)
}

// PKCESessionStore persists short-lived authorization sessions.
type PKCESessionStore interface {
	SaveSession(ctx context.Context, session oauth.PKCESession, ttl time.Duration) error
	GetSession(ctx context.Context, sessionID string) (*oauth.PKCESession, error)
	DeleteSession(ctx context.Context, sessionID string) error
}
