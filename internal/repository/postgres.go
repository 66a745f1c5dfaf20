package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/valora-storefront/internal/domain"
)

// Compile-time interface assertions.
var (
	_ OrderRepository        = (*PostgresOrderRepo)(nil)
	_ TokenRepository        = (*PostgresTokenRepo)(nil)
	_ WebhookEventRepository = (*PostgresWebhookEventRepo)(nil)
)

func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// PostgresOrderRepo implements OrderRepository.
type PostgresOrderRepo struct {
	db *pgxpool.Pool
}

func NewPostgresOrderRepo(pool *pgxpool.Pool) *PostgresOrderRepo {
	return &PostgresOrderRepo{db: pool}
}

const selectOrderSQL = `SELECT id, COALESCE(external_reference, ''), COALESCE(payment_id, ''), status, created_at, updated_at
FROM orders
WHERE id = $1 OR external_reference = $1 OR payment_id = $1
ORDER BY (id = $1) DESC
LIMIT 1`

func (r *PostgresOrderRepo) GetByReference(ctx context.Context, reference string) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	err := r.db.QueryRow(ctx, selectOrderSQL, reference).Scan(
		&order.ID,
		&order.ExternalReference,
		&order.PaymentID,
		&status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, notFound("get order", err)
	}
	order.Status = domain.OrderStatus(status)
	return order, nil
}

func (r *PostgresOrderRepo) ApplyStatus(ctx context.Context, orderID string, status domain.OrderStatus, meta TransitionMeta) (domain.OrderTransition, bool, error) {
	var transition domain.OrderTransition
	applied := false

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var current string
		if err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&current); err != nil {
			return notFound("lock order", err)
		}
		from := domain.OrderStatus(current)
		transition = domain.OrderTransition{OrderID: orderID, From: from, To: from, EventID: meta.EventID, Source: meta.Source}
		if !domain.CanTransition(from, status) {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $2, payment_id = COALESCE(NULLIF($3, ''), payment_id), updated_at = now() WHERE id = $1`,
			orderID, string(status), meta.PaymentID,
		); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		err := tx.QueryRow(ctx,
			`INSERT INTO order_status_history (order_id, from_status, to_status, event_id, source)
VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
			orderID, string(from), string(status), meta.EventID, meta.Source,
		).Scan(&transition.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert status history: %w", err)
		}
		transition.To = status
		applied = true
		return nil
	})
	if err != nil {
		return domain.OrderTransition{}, false, err
	}
	return transition, applied, nil
}

func (r *PostgresOrderRepo) History(ctx context.Context, orderID string) ([]domain.OrderTransition, error) {
	rows, err := r.db.Query(ctx,
		`SELECT order_id, from_status, to_status, COALESCE(event_id, 0), source, created_at
FROM order_status_history WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderTransition
	for rows.Next() {
		var (
			t        domain.OrderTransition
			from, to string
		)
		if err := rows.Scan(&t.OrderID, &from, &to, &t.EventID, &t.Source, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		t.From, t.To = domain.OrderStatus(from), domain.OrderStatus(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PostgresTokenRepo implements TokenRepository.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTokenRepo(pool *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool}
}

const tokenColumns = `account_id, platform, COALESCE(provider_user_id, ''), COALESCE(access_token, ''), COALESCE(refresh_token, ''),
access_expires_at, refresh_expires_at, scopes, needs_reauth, COALESCE(reauth_reason, ''), created_at, updated_at`

func scanToken(row pgx.Row) (domain.StoredToken, error) {
	var (
		token         domain.StoredToken
		accessExpires *time.Time
		reason        string
	)
	if err := row.Scan(
		&token.AccountID,
		&token.Platform,
		&token.ProviderUserID,
		&token.AccessToken,
		&token.RefreshToken,
		&accessExpires,
		&token.RefreshExpiresAt,
		&token.Scopes,
		&token.NeedsReauth,
		&reason,
		&token.CreatedAt,
		&token.UpdatedAt,
	); err != nil {
		return domain.StoredToken{}, err
	}
	if accessExpires != nil {
		token.AccessExpiresAt = *accessExpires
	}
	token.ReauthReason = domain.ReauthReason(reason)
	return token, nil
}

func (r *PostgresTokenRepo) Get(ctx context.Context, accountID, platform string) (domain.StoredToken, error) {
	token, err := scanToken(r.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM platform_tokens WHERE account_id = $1 AND platform = $2`,
		accountID, platform,
	))
	if err != nil {
		return domain.StoredToken{}, notFound("get token", err)
	}
	return token, nil
}

// GetByProviderUser returns the most recently updated token whose provider
// user id matches.
func (r *PostgresTokenRepo) GetByProviderUser(ctx context.Context, platform, providerUserID string) (domain.StoredToken, error) {
	token, err := scanToken(r.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM platform_tokens
WHERE platform = $1 AND provider_user_id = $2
ORDER BY updated_at DESC
LIMIT 1`,
		platform, providerUserID,
	))
	if err != nil {
		return domain.StoredToken{}, notFound("get token by provider user", err)
	}
	return token, nil
}

const upsertCredentialsSQL = `INSERT INTO platform_tokens
(account_id, platform, provider_user_id, access_token, refresh_token, access_expires_at, refresh_expires_at, scopes, needs_reauth, reauth_reason)
VALUES ($1, $2, NULLIF($8, ''), $3, NULLIF($4, ''), $5, $6, $7, false, NULL)
ON CONFLICT (account_id, platform) DO UPDATE SET
	provider_user_id = COALESCE(EXCLUDED.provider_user_id, platform_tokens.provider_user_id),
	access_token = EXCLUDED.access_token,
	refresh_token = COALESCE(EXCLUDED.refresh_token, platform_tokens.refresh_token),
	access_expires_at = EXCLUDED.access_expires_at,
	refresh_expires_at = COALESCE(EXCLUDED.refresh_expires_at, platform_tokens.refresh_expires_at),
	scopes = EXCLUDED.scopes,
	needs_reauth = false,
	reauth_reason = NULL,
	updated_at = now()
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) SaveCredentials(ctx context.Context, token domain.StoredToken) (domain.StoredToken, error) {
	var accessExpires *time.Time
	if !token.AccessExpiresAt.IsZero() {
		accessExpires = &token.AccessExpiresAt
	}
	scopes := token.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	saved, err := scanToken(r.db.QueryRow(ctx, upsertCredentialsSQL,
		token.AccountID,
		token.Platform,
		token.AccessToken,
		token.RefreshToken,
		accessExpires,
		token.RefreshExpiresAt,
		scopes,
		token.ProviderUserID,
	))
	if err != nil {
		return domain.StoredToken{}, fmt.Errorf("save credentials: %w", err)
	}
	return saved, nil
}

func (r *PostgresTokenRepo) MarkNeedsReauth(ctx context.Context, accountID, platform string, reason domain.ReauthReason) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO platform_tokens (account_id, platform, scopes, needs_reauth, reauth_reason)
VALUES ($1, $2, '{}', true, $3)
ON CONFLICT (account_id, platform) DO UPDATE SET needs_reauth = true, reauth_reason = EXCLUDED.reauth_reason, updated_at = now()`,
		accountID, platform, string(reason),
	)
	if err != nil {
		return fmt.Errorf("mark needs reauth: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) ClearCredentials(ctx context.Context, accountID, platform string, reason domain.ReauthReason) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO platform_tokens (account_id, platform, scopes, needs_reauth, reauth_reason)
VALUES ($1, $2, '{}', true, $3)
ON CONFLICT (account_id, platform) DO UPDATE SET
	access_token = NULL,
	refresh_token = NULL,
	access_expires_at = NULL,
	refresh_expires_at = NULL,
	needs_reauth = true,
	reauth_reason = EXCLUDED.reauth_reason,
	updated_at = now()`,
		accountID, platform, string(reason),
	)
	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}
