package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-storefront/internal/domain"
	domainoauth "github.com/smallbiznis/valora-storefront/internal/domain/oauth"
	"github.com/smallbiznis/valora-storefront/internal/service/webhook"
)

// respondError maps service errors onto status codes and a stable error code.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	if logger == nil {
		logger = zap.L()
	}
	status, code, description := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("error_code", code), zap.Error(err))
	} else {
		logger.Warn("request rejected", zap.String("error_code", code), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "error_description": description})
}

func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, webhook.ErrMalformedPayload):
		return http.StatusBadRequest, "malformed_payload", "Payload must carry a topic and a resource id."
	case errors.Is(err, webhook.ErrUnknownSource):
		return http.StatusNotFound, "unknown_source", "Webhook source is not registered."
	case errors.Is(err, domainoauth.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", "Request is missing required parameters."
	case errors.Is(err, domainoauth.ErrStateMismatch):
		return http.StatusBadRequest, "state_mismatch", "Authorization state does not match."
	case errors.Is(err, domainoauth.ErrSessionExpired):
		return http.StatusBadRequest, "session_expired", "Authorization session expired. Start again."
	case errors.Is(err, domainoauth.ErrProviderDenied):
		return http.StatusForbidden, "access_denied", "Authorization was denied by the provider."
	case errors.Is(err, domainoauth.ErrExchangeFailed):
		return http.StatusBadGateway, "exchange_failed", "Authorization code could not be exchanged."
	case errors.Is(err, domain.ErrReauthRequired), errors.Is(err, domainoauth.ErrInvalidGrant):
		return http.StatusConflict, "reauth_required", "Account must be reconnected."
	case errors.Is(err, domain.ErrNotConnected):
		return http.StatusNotFound, "not_connected", "Account is not connected."
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found", "Resource not found."
	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable, "upstream_unavailable", "Upstream platform unavailable. Retry later."
	default:
		return http.StatusInternalServerError, "server_error", "Internal server error."
	}
}
