package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/valora-storefront/internal/adapter/marketplace"
	"github.com/smallbiznis/valora-storefront/internal/adapter/payments"
	"github.com/smallbiznis/valora-storefront/internal/domain"
)

// Resolution is what a resolver learned about the referenced remote resource.
type Resolution struct {
	OrderReference string
	ExternalStatus string
	PaymentID      string
	// Ignore marks topics that carry no order state.
	Ignore bool
}

// Resolver fetches the remote state referenced by an event.
type Resolver interface {
	Resolve(ctx context.Context, event domain.WebhookEvent) (Resolution, error)
}

// PaymentFetcher loads payments from the payments processor.
type PaymentFetcher interface {
	GetPayment(ctx context.Context, id string) (*payments.Payment, error)
}

// PaymentsResolver resolves payment notifications.
type PaymentsResolver struct {
	client PaymentFetcher
}

func NewPaymentsResolver(client PaymentFetcher) *PaymentsResolver {
	return &PaymentsResolver{client: client}
}

func (r *PaymentsResolver) Resolve(ctx context.Context, event domain.WebhookEvent) (Resolution, error) {
	switch strings.ToLower(event.Topic) {
	case "payment", "payments", "payment.created", "payment.updated":
	default:
		return Resolution{Ignore: true}, nil
	}

	payment, err := r.client.GetPayment(ctx, event.ResourceID)
	if err != nil {
		return Resolution{}, fmt.Errorf("fetch payment %s: %w", event.ResourceID, err)
	}
	reference := payment.ExternalReference
	if reference == "" {
		reference = payment.ID
	}
	return Resolution{OrderReference: reference, ExternalStatus: payment.Status, PaymentID: payment.ID}, nil
}

// OrderFetcher loads marketplace orders with an access token.
type OrderFetcher interface {
	GetOrder(ctx context.Context, accessToken, id string) (*marketplace.Order, error)
}

// Authorizer runs fn with a valid access token for accountID.
type Authorizer interface {
	Do(ctx context.Context, accountID string, fn func(ctx context.Context, accessToken string) error) error
}

// AccountDirectory maps the marketplace seller id carried by notifications
// to the account whose credentials are stored for it.
type AccountDirectory interface {
	AccountForProviderUser(ctx context.Context, providerUserID string) (string, error)
}

// MarketplaceResolver resolves marketplace order notifications through the
// token manager.
type MarketplaceResolver struct {
	client         OrderFetcher
	auth           Authorizer
	accounts       AccountDirectory
	defaultAccount string
}

// NewMarketplaceResolver builds the resolver. accounts may be nil, in which
// case every notification uses defaultAccount.
func NewMarketplaceResolver(client OrderFetcher, auth Authorizer, accounts AccountDirectory, defaultAccount string) *MarketplaceResolver {
	return &MarketplaceResolver{client: client, auth: auth, accounts: accounts, defaultAccount: defaultAccount}
}

func (r *MarketplaceResolver) Resolve(ctx context.Context, event domain.WebhookEvent) (Resolution, error) {
	switch strings.ToLower(event.Topic) {
	case "orders", "orders_v2", "shipments":
	default:
		return Resolution{Ignore: true}, nil
	}

	account, err := r.account(ctx, marketplaceAccount(event.RawBody))
	if err != nil {
		return Resolution{}, err
	}

	var order *marketplace.Order
	err = r.auth.Do(ctx, account, func(ctx context.Context, accessToken string) error {
		o, err := r.client.GetOrder(ctx, accessToken, event.ResourceID)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("fetch marketplace order %s: %w", event.ResourceID, err)
	}

	reference := order.ExternalReference
	if reference == "" {
		reference = order.ID
	}
	return Resolution{OrderReference: reference, ExternalStatus: order.Status}, nil
}

// account prefers the account connected as the notified seller and falls
// back to the configured one.
func (r *MarketplaceResolver) account(ctx context.Context, sellerID string) (string, error) {
	if sellerID != "" && r.accounts != nil {
		account, err := r.accounts.AccountForProviderUser(ctx, sellerID)
		switch {
		case err == nil && account != "":
			return account, nil
		case err != nil && !errors.Is(err, domain.ErrNotConnected):
			return "", fmt.Errorf("resolve marketplace seller %s: %w", sellerID, err)
		}
	}
	if r.defaultAccount != "" {
		return r.defaultAccount, nil
	}
	return "", fmt.Errorf("resolve marketplace seller %q: %w", sellerID, domain.ErrNotConnected)
}

func marketplaceAccount(body []byte) string {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload struct {
		UserID json.Number `json:"user_id"`
	}
	if err := dec.Decode(&payload); err != nil {
		return ""
	}
	return payload.UserID.String()
}

// StorefrontResolver derives the status from the event name itself.
type StorefrontResolver struct{}

func (StorefrontResolver) Resolve(_ context.Context, event domain.WebhookEvent) (Resolution, error) {
	if !strings.HasPrefix(strings.ToLower(event.Topic), "order/") {
		return Resolution{Ignore: true}, nil
	}
	return Resolution{OrderReference: event.ResourceID, ExternalStatus: event.Topic}, nil
}
