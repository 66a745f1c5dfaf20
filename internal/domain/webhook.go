package domain

import "time"

// Webhook sources.
const (
	SourcePayments    = "payments"
	SourceMarketplace = "marketplace"
	SourceStorefront  = "storefront"
)

// WebhookStatus tracks the processing state of a received event.
type WebhookStatus string

const (
	WebhookStatusPending    WebhookStatus = "pending"
	WebhookStatusProcessed  WebhookStatus = "processed"
	WebhookStatusFailed     WebhookStatus = "failed"
	WebhookStatusDeadLetter WebhookStatus = "dead_letter"
)

// WebhookEvent is a notification captured verbatim before parsing.
type WebhookEvent struct {
	ID                int64
	Source            string
	Topic             string
	ResourceID        string
	RequestID         string
	DeliveryKey       string
	SignatureHeader   string
	RawBody           []byte
	ReceivedAt        time.Time
	Status            WebhookStatus
	RetryCount        int
	NextAttemptAt     *time.Time
	LastError         string
	SignatureStrategy string
	ProcessedAt       *time.Time
	UpdatedAt         time.Time
}

// Retryable reports whether the retry engine may pick the event up again.
func (e WebhookEvent) Retryable() bool {
	return e.Status == WebhookStatusFailed && e.NextAttemptAt != nil
}
