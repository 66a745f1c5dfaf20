package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-storefront/internal/domain"
	"github.com/smallbiznis/valora-storefront/internal/service/webhook"
)

const maxWebhookBody = 1 << 20

// WebhookService is the dispatcher surface used over HTTP.
type WebhookService interface {
	Receive(ctx context.Context, delivery webhook.Delivery) (*webhook.Receipt, error)
	Retry(ctx context.Context, id int64) (domain.WebhookEvent, error)
	Redrive(ctx context.Context, limit int) (webhook.RedriveResult, error)
	Stats(ctx context.Context) (map[domain.WebhookStatus]int, error)
}

// WebhookHandler receives platform notifications and exposes operator actions.
type WebhookHandler struct {
	Webhooks     WebhookService
	RedriveLimit int
	Logger       *zap.Logger
}

func NewWebhookHandler(webhooks WebhookService, redriveLimit int, logger *zap.Logger) *WebhookHandler {
	if redriveLimit <= 0 {
		redriveLimit = 50
	}
	return &WebhookHandler{Webhooks: webhooks, RedriveLimit: redriveLimit, Logger: logger}
}

// Receive persists a delivery. Processing failures still answer 200 so the
// sender stops retrying; the retry engine owns them from here.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "error_description": "Payload exceeds 1MiB."})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Body could not be read."})
		return
	}

	receipt, err := h.Webhooks.Receive(c.Request.Context(), webhook.Delivery{
		Source:  c.Param("source"),
		Body:    body,
		Headers: c.Request.Header,
		Query:   c.Request.URL.Query(),
	})
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// Retry re-processes one stored event.
func (h *WebhookHandler) Retry(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "id must be numeric."})
		return
	}
	event, err := h.Webhooks.Retry(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, eventResponse(event))
}

// Redrive runs one re-drive pass immediately.
func (h *WebhookHandler) Redrive(c *gin.Context) {
	limit := h.RedriveLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "limit must be a positive integer."})
			return
		}
		limit = n
	}
	result, err := h.Webhooks.Redrive(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Stats reports event counts per status.
func (h *WebhookHandler) Stats(c *gin.Context) {
	counts, err := h.Webhooks.Stats(c.Request.Context())
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

func eventResponse(e domain.WebhookEvent) gin.H {
	return gin.H{
		"id":                 strconv.FormatInt(e.ID, 10),
		"source":             e.Source,
		"topic":              e.Topic,
		"resource_id":        e.ResourceID,
		"status":             e.Status,
		"retry_count":        e.RetryCount,
		"retryable":          e.Retryable(),
		"next_attempt_at":    e.NextAttemptAt,
		"last_error":         e.LastError,
		"signature_strategy": e.SignatureStrategy,
		"received_at":        e.ReceivedAt,
		"processed_at":       e.ProcessedAt,
	}
}
