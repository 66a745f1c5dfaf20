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

// PostgresWebhookEventRepo implements WebhookEventRepository.
type PostgresWebhookEventRepo struct {
	db *pgxpool.Pool
}

func NewPostgresWebhookEventRepo(pool *pgxpool.Pool) *PostgresWebhookEventRepo {
	return &PostgresWebhookEventRepo{db: pool}
}

const webhookColumns = `id, source, topic, resource_id, request_id, delivery_key, signature_header, raw_body,
received_at, status, retry_count, next_attempt_at, COALESCE(last_error, ''), COALESCE(signature_strategy, ''),
processed_at, updated_at`

func scanWebhookEvent(row pgx.Row) (domain.WebhookEvent, error) {
	var (
		event  domain.WebhookEvent
		status string
	)
	if err := row.Scan(
		&event.ID,
		&event.Source,
		&event.Topic,
		&event.ResourceID,
		&event.RequestID,
		&event.DeliveryKey,
		&event.SignatureHeader,
		&event.RawBody,
		&event.ReceivedAt,
		&status,
		&event.RetryCount,
		&event.NextAttemptAt,
		&event.LastError,
		&event.SignatureStrategy,
		&event.ProcessedAt,
		&event.UpdatedAt,
	); err != nil {
		return domain.WebhookEvent{}, err
	}
	event.Status = domain.WebhookStatus(status)
	return event, nil
}

const insertWebhookEventSQL = `INSERT INTO webhook_events
(id, source, topic, resource_id, request_id, delivery_key, signature_header, raw_body, received_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (delivery_key) DO NOTHING
RETURNING ` + webhookColumns

func (r *PostgresWebhookEventRepo) Create(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, bool, error) {
	stored, err := scanWebhookEvent(r.db.QueryRow(ctx, insertWebhookEventSQL,
		event.ID,
		event.Source,
		event.Topic,
		event.ResourceID,
		event.RequestID,
		event.DeliveryKey,
		event.SignatureHeader,
		event.RawBody,
		event.ReceivedAt,
		string(event.Status),
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.WebhookEvent{}, false, fmt.Errorf("insert webhook event: %w", err)
	}

	existing, err := scanWebhookEvent(r.db.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE delivery_key = $1`, event.DeliveryKey))
	if err != nil {
		return domain.WebhookEvent{}, false, notFound("get duplicate webhook event", err)
	}
	return existing, false, nil
}

func (r *PostgresWebhookEventRepo) Get(ctx context.Context, id int64) (domain.WebhookEvent, error) {
	event, err := scanWebhookEvent(r.db.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1`, id))
	if err != nil {
		return domain.WebhookEvent{}, notFound("get webhook event", err)
	}
	return event, nil
}

func (r *PostgresWebhookEventRepo) Update(ctx context.Context, event domain.WebhookEvent) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events SET
	resource_id = $2,
	status = $3,
	retry_count = $4,
	next_attempt_at = $5,
	last_error = NULLIF($6, ''),
	signature_strategy = NULLIF($7, ''),
	processed_at = $8,
	updated_at = now()
WHERE id = $1`,
		event.ID,
		event.ResourceID,
		string(event.Status),
		event.RetryCount,
		event.NextAttemptAt,
		event.LastError,
		event.SignatureStrategy,
		event.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update webhook event: %w", domain.ErrNotFound)
	}
	return nil
}

// ClaimDue pushes next_attempt_at of the claimed rows forward by lease so a
// concurrent re-drive skips them. Pending rows older than lease are treated as
// abandoned and picked up too.
const claimDueSQL = `UPDATE webhook_events SET next_attempt_at = $2, updated_at = now()
WHERE id IN (
	SELECT id FROM webhook_events
	WHERE (status = 'failed' AND next_attempt_at <= $1)
	   OR (status = 'pending' AND updated_at <= $3)
	ORDER BY COALESCE(next_attempt_at, received_at)
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + webhookColumns

func (r *PostgresWebhookEventRepo) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.WebhookEvent, error) {
	rows, err := r.db.Query(ctx, claimDueSQL, now, now.Add(lease), now.Add(-lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due webhook events: %w", err)
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *PostgresWebhookEventRepo) CountByStatus(ctx context.Context) (map[domain.WebhookStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM webhook_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count webhook events: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.WebhookStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan webhook count: %w", err)
		}
		counts[domain.WebhookStatus(status)] = n
	}
	return counts, rows.Err()
}
