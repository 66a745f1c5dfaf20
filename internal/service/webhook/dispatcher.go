// Package webhook ingests signed platform notifications, reconciles order
// state from them and re-drives failed deliveries.
package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/valora-storefront/internal/domain"
	"github.com/smallbiznis/valora-storefront/internal/ratelimit"
	"github.com/smallbiznis/valora-storefront/internal/repository"
	"github.com/smallbiznis/valora-storefront/internal/signature"
)

var (
	// ErrMalformedPayload rejects bodies that carry no topic or resource id.
	ErrMalformedPayload = errors.New("webhook: malformed payload")
	// ErrUnknownSource rejects deliveries for unregistered sources.
	ErrUnknownSource = errors.New("webhook: unknown source")
)

const (
	DefaultMaxRetries     = 5
	DefaultRetryBase      = 30 * time.Second
	DefaultRetryMax       = time.Hour
	DefaultProcessTimeout = 15 * time.Second
	DefaultLease          = 2 * time.Minute

	redriveConcurrency = 4
)

// Source registers one webhook sender.
type Source struct {
	Name            string
	Secret          string
	SignatureHeader string
	RequestIDHeader string
	Resolver        Resolver
}

// Config tunes retries and processing deadlines.
type Config struct {
	MaxRetries     int
	RetryBase      time.Duration
	RetryMax       time.Duration
	ProcessTimeout time.Duration
	Lease          time.Duration
}

// IDGenerator issues event ids.
type IDGenerator interface {
	Generate() snowflake.ID
}

// Delivery is one inbound HTTP notification.
type Delivery struct {
	Source  string
	Body    []byte
	Headers http.Header
	Query   url.Values
}

// Receipt is returned to the sender after a delivery was persisted.
type Receipt struct {
	Success   bool                 `json:"success"`
	RequestID string               `json:"requestId,omitempty"`
	Message   string               `json:"message"`
	EventID   int64                `json:"event_id,string"`
	Status    domain.WebhookStatus `json:"status"`
	Duplicate bool                 `json:"duplicate"`
}

func newReceipt(event domain.WebhookEvent, duplicate bool) *Receipt {
	message := "accepted"
	switch {
	case duplicate:
		message = "duplicate delivery"
	case event.Status == domain.WebhookStatusProcessed:
		message = "processed"
	case event.Status == domain.WebhookStatusDeadLetter:
		message = "accepted, dead-lettered"
	case event.Retryable():
		message = "accepted, retry scheduled"
	case event.Status == domain.WebhookStatusFailed:
		message = "accepted, processing failed"
	}
	return &Receipt{
		Success:   true,
		RequestID: event.RequestID,
		Message:   message,
		EventID:   event.ID,
		Status:    event.Status,
		Duplicate: duplicate,
	}
}

// RedriveResult summarizes one re-drive pass.
type RedriveResult struct {
	Claimed      int `json:"claimed"`
	Processed    int `json:"processed"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// Dispatcher persists deliveries and applies them to orders.
type Dispatcher struct {
	events   repository.WebhookEventRepository
	orders   repository.OrderRepository
	verifier *signature.Verifier
	sources  map[string]Source
	ids      IDGenerator
	dedup    ratelimit.Deduper
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewDispatcher wires dependencies. dedup may be nil.
func NewDispatcher(
	events repository.WebhookEventRepository,
	orders repository.OrderRepository,
	verifier *signature.Verifier,
	ids IDGenerator,
	dedup ratelimit.Deduper,
	cfg Config,
	logger *zap.Logger,
	sources ...Source,
) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultProcessTimeout
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if verifier == nil {
		verifier = signature.New()
	}

	registry := make(map[string]Source, len(sources))
	for _, src := range sources {
		registry[src.Name] = src
	}

	return &Dispatcher{
		events:   events,
		orders:   orders,
		verifier: verifier,
		sources:  registry,
		ids:      ids,
		dedup:    dedup,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/valora-storefront/internal/service/webhook"),
	}
}

// Receive stores a delivery and processes it inline. Processing failures are
// recorded on the event and never surface as an error; only malformed
// payloads, unknown sources and persistence failures do.
func (d *Dispatcher) Receive(ctx context.Context, delivery Delivery) (*Receipt, error) {
	ctx, span := d.startSpan(ctx, "webhook.Receive")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.source", delivery.Source))

	src, ok := d.sources[delivery.Source]
	if !ok {
		return nil, ErrUnknownSource
	}

	topic, resourceID, err := parseNotification(delivery.Body, delivery.Query)
	if err != nil {
		return nil, err
	}

	sigHeader := delivery.Headers.Get(src.SignatureHeader)
	requestID := delivery.Headers.Get(src.RequestIDHeader)
	now := d.now().UTC()

	event := domain.WebhookEvent{
		ID:              d.ids.Generate().Int64(),
		Source:          src.Name,
		Topic:           topic,
		ResourceID:      resourceID,
		RequestID:       requestID,
		DeliveryKey:     deliveryKey(src.Name, topic, resourceID, sigHeader, delivery.Body),
		SignatureHeader: sigHeader,
		RawBody:         delivery.Body,
		ReceivedAt:      now,
		Status:          domain.WebhookStatusPending,
		UpdatedAt:       now,
	}

	stored, created, err := d.events.Create(ctx, event)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("store webhook event: %w", err)
	}
	span.SetAttributes(attribute.Int64("webhook.event_id", stored.ID))

	if !created {
		d.log().Info("duplicate webhook delivery",
			zap.Int64("event_id", stored.ID),
			zap.String("source", stored.Source),
			zap.String("topic", stored.Topic),
			zap.String("resource_id", stored.ResourceID),
		)
		return newReceipt(stored, true), nil
	}

	d.process(ctx, &stored)
	return newReceipt(stored, false), nil
}

// Retry re-processes one event on operator request. Processed events are
// returned untouched.
func (d *Dispatcher) Retry(ctx context.Context, id int64) (domain.WebhookEvent, error) {
	ctx, span := d.startSpan(ctx, "webhook.Retry")
	defer span.End()

	event, err := d.events.Get(ctx, id)
	if err != nil {
		recordError(span, err)
		return domain.WebhookEvent{}, err
	}
	if event.Status == domain.WebhookStatusProcessed {
		return event, nil
	}

	d.log().Info("manual webhook retry",
		zap.Int64("event_id", event.ID),
		zap.String("status", string(event.Status)),
		zap.Int("retry_count", event.RetryCount),
	)
	d.process(ctx, &event)
	return event, nil
}

// Redrive claims due events and processes them.
func (d *Dispatcher) Redrive(ctx context.Context, limit int) (RedriveResult, error) {
	ctx, span := d.startSpan(ctx, "webhook.Redrive")
	defer span.End()

	due, err := d.events.ClaimDue(ctx, d.now().UTC(), d.cfg.Lease, limit)
	if err != nil {
		recordError(span, err)
		return RedriveResult{}, fmt.Errorf("claim due events: %w", err)
	}

	result := RedriveResult{Claimed: len(due)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(redriveConcurrency)
	for i := range due {
		event := due[i]
		g.Go(func() error {
			d.process(gctx, &event)
			mu.Lock()
			defer mu.Unlock()
			switch event.Status {
			case domain.WebhookStatusProcessed:
				result.Processed++
			case domain.WebhookStatusDeadLetter:
				result.DeadLettered++
			default:
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("webhook.claimed", result.Claimed))
	if result.Claimed > 0 {
		d.log().Info("webhook redrive finished",
			zap.Int("claimed", result.Claimed),
			zap.Int("processed", result.Processed),
			zap.Int("failed", result.Failed),
			zap.Int("dead_lettered", result.DeadLettered),
		)
	}
	return result, nil
}

// Stats counts events per status.
func (d *Dispatcher) Stats(ctx context.Context) (map[domain.WebhookStatus]int, error) {
	return d.events.CountByStatus(ctx)
}

// process runs one attempt and persists its outcome on event.
func (d *Dispatcher) process(ctx context.Context, event *domain.WebhookEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ProcessTimeout)
	defer cancel()
	ctx, span := d.startSpan(ctx, "webhook.process")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("webhook.event_id", event.ID),
		attribute.String("webhook.source", event.Source),
		attribute.String("webhook.topic", event.Topic),
	)

	logger := d.log().With(
		zap.Int64("event_id", event.ID),
		zap.String("source", event.Source),
		zap.String("topic", event.Topic),
		zap.String("resource_id", event.ResourceID),
	)

	src, ok := d.sources[event.Source]
	if !ok {
		d.reject(ctx, event, "unknown source", logger)
		return
	}

	res, err := d.verifier.VerifyRequest(signature.Request{
		Body:      event.RawBody,
		Header:    event.SignatureHeader,
		RequestID: event.RequestID,
		Topic:     event.Topic,
		Secret:    src.Secret,
		Now:       event.ReceivedAt,
	})
	if err != nil {
		logger.Error("webhook secret not configured", zap.Error(err))
		d.reject(ctx, event, err.Error(), logger)
		return
	}
	if !res.Valid {
		logger.Warn("webhook signature rejected",
			zap.String("reason", res.Reason),
			zap.String("scheme", string(res.Scheme)),
		)
		d.reject(ctx, event, "invalid signature: "+res.Reason, logger)
		return
	}
	event.SignatureStrategy = string(res.Scheme)
	if res.Strategy != "" {
		event.SignatureStrategy = string(res.Strategy)
	}

	if err := d.apply(ctx, src, event, logger); err != nil {
		recordError(span, err)
		d.fail(ctx, event, err, logger)
		return
	}

	now := d.now().UTC()
	event.Status = domain.WebhookStatusProcessed
	event.LastError = ""
	event.NextAttemptAt = nil
	event.ProcessedAt = &now
	d.save(ctx, event, logger)
}

func (d *Dispatcher) apply(ctx context.Context, src Source, event *domain.WebhookEvent, logger *zap.Logger) error {
	resolution, err := src.Resolver.Resolve(ctx, *event)
	if err != nil {
		return err
	}
	if resolution.Ignore {
		logger.Debug("webhook topic ignored")
		return nil
	}

	status, ok := MapStatus(event.Source, resolution.ExternalStatus)
	if !ok {
		if d.dedup == nil || d.dedup.ShouldLog(ctx, "unmapped:"+event.Source+":"+resolution.ExternalStatus) {
			logger.Warn("unmapped external status", zap.String("external_status", resolution.ExternalStatus))
		}
		return nil
	}

	order, err := d.orders.GetByReference(ctx, resolution.OrderReference)
	if err != nil {
		return fmt.Errorf("load order %q: %w", resolution.OrderReference, err)
	}

	transition, applied, err := d.orders.ApplyStatus(ctx, order.ID, status, repository.TransitionMeta{
		EventID:   event.ID,
		Source:    event.Source,
		PaymentID: resolution.PaymentID,
	})
	if err != nil {
		return fmt.Errorf("apply status %s to order %s: %w", status, order.ID, err)
	}
	if !applied {
		logger.Info("order status not advanced",
			zap.String("order_id", order.ID),
			zap.String("current", string(order.Status)),
			zap.String("incoming", string(status)),
		)
		return nil
	}
	logger.Info("order status updated",
		zap.String("order_id", order.ID),
		zap.String("from", string(transition.From)),
		zap.String("to", string(transition.To)),
	)
	return nil
}

// reject marks an event failed without scheduling another attempt.
func (d *Dispatcher) reject(ctx context.Context, event *domain.WebhookEvent, reason string, logger *zap.Logger) {
	event.Status = domain.WebhookStatusFailed
	event.NextAttemptAt = nil
	event.LastError = reason
	d.save(ctx, event, logger)
}

// fail schedules another attempt with exponential backoff, or dead-letters
// the event once the retry ceiling is exceeded.
func (d *Dispatcher) fail(ctx context.Context, event *domain.WebhookEvent, cause error, logger *zap.Logger) {
	event.RetryCount++
	event.LastError = cause.Error()

	if errors.Is(cause, domain.ErrReauthRequired) || event.RetryCount > d.cfg.MaxRetries {
		event.Status = domain.WebhookStatusDeadLetter
		event.NextAttemptAt = nil
		logger.Error("webhook event dead-lettered",
			zap.Int("retry_count", event.RetryCount),
			zap.Bool("reauth_required", errors.Is(cause, domain.ErrReauthRequired)),
			zap.Error(cause),
		)
		d.save(ctx, event, logger)
		return
	}

	next := d.now().UTC().Add(d.Backoff(event.RetryCount))
	event.Status = domain.WebhookStatusFailed
	event.NextAttemptAt = &next
	logger.Warn("webhook processing failed",
		zap.Int("retry_count", event.RetryCount),
		zap.Time("next_attempt_at", next),
		zap.Error(cause),
	)
	d.save(ctx, event, logger)
}

// Backoff returns the delay before attempt n+1: base*2^(n-1), capped.
func (d *Dispatcher) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := d.cfg.RetryBase
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= d.cfg.RetryMax {
			return d.cfg.RetryMax
		}
	}
	if delay > d.cfg.RetryMax {
		return d.cfg.RetryMax
	}
	return delay
}

func (d *Dispatcher) save(ctx context.Context, event *domain.WebhookEvent, logger *zap.Logger) {
	event.UpdatedAt = d.now().UTC()
	if err := d.events.Update(ctx, *event); err != nil {
		logger.Error("persist webhook event state", zap.String("status", string(event.Status)), zap.Error(err))
	}
}

func (d *Dispatcher) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if d.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return d.tracer.Start(ctx, name)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (d *Dispatcher) log() *zap.Logger {
	if d.logger != nil {
		return d.logger
	}
	return zap.L()
}

// deliveryKey identifies a delivery across sender retries.
func deliveryKey(source, topic, resourceID, sigHeader string, body []byte) string {
	h := sha256.New()
	for _, part := range []string{source, topic, resourceID, sigHeader} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// parseNotification pulls the topic and resource id out of a notification,
// falling back to query parameters some senders use.
func parseNotification(body []byte, query url.Values) (topic, resourceID string, err error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	for _, key := range []string{"topic", "type", "event"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			topic = strings.TrimSpace(s)
			break
		}
	}
	if topic == "" {
		topic = firstQuery(query, "topic", "type")
	}

	for _, strategy := range []signature.Strategy{signature.StrategyDataID, signature.StrategyResourceURL, signature.StrategyPayloadID} {
		if id := signature.ExtractResourceID(strategy, body, ""); id != "" {
			resourceID = id
			break
		}
	}
	if resourceID == "" {
		resourceID = firstQuery(query, "data.id", "id")
	}

	if topic == "" || resourceID == "" {
		return "", "", fmt.Errorf("%w: topic and resource id are required", ErrMalformedPayload)
	}
	return topic, resourceID, nil
}

func firstQuery(query url.Values, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(query.Get(key)); v != "" {
			return v
		}
	}
	return ""
}
