package http_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-storefront/internal/config"
	"github.com/smallbiznis/valora-storefront/internal/domain"
	apphttp "github.com/smallbiznis/valora-storefront/internal/http"
	"github.com/smallbiznis/valora-storefront/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-storefront/internal/http/middleware"
	"github.com/smallbiznis/valora-storefront/internal/jwt"
	"github.com/smallbiznis/valora-storefront/internal/middleware"
	"github.com/smallbiznis/valora-storefront/internal/ratelimit"
	"github.com/smallbiznis/valora-storefront/internal/service/webhook"
)

type stubWebhooks struct{}

func (stubWebhooks) Receive(context.Context, webhook.Delivery) (*webhook.Receipt, error) {
	return &webhook.Receipt{EventID: 1, Status: domain.WebhookStatusProcessed}, nil
}

func (stubWebhooks) Retry(context.Context, int64) (domain.WebhookEvent, error) {
	return domain.WebhookEvent{}, domain.ErrNotFound
}

func (stubWebhooks) Redrive(context.Context, int) (webhook.RedriveResult, error) {
	return webhook.RedriveResult{}, nil
}

func (stubWebhooks) Stats(context.Context) (map[domain.WebhookStatus]int, error) {
	return map[domain.WebhookStatus]int{}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

var adminSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestRouter(t *testing.T, db apphttp.Pinger, webhookLimit int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{ServiceName: "valora-storefront-test"}
	tokens := jwt.NewGenerator(adminSecret, "", time.Hour)

	return apphttp.NewRouter(
		cfg,
		handler.NewWebhookHandler(stubWebhooks{}, 10, zap.NewNop()),
		handler.NewOAuthHandler(nil, nil, "https://shop.test/oauth/callback", "/", time.Minute, zap.NewNop()),
		&httpmiddleware.Auth{Tokens: tokens, Logger: zap.NewNop()},
		apphttp.RateLimiters{
			Webhooks: middleware.NewRateLimiter(ratelimit.NewLimiter(ratelimit.NewMemoryStore(), webhookLimit, time.Minute), "webhooks", zap.NewNop()),
		},
		db,
		zap.NewNop(),
	)
}

func bearer(t *testing.T, role string) string {
	t.Helper()
	token, err := jwt.NewGenerator(adminSecret, "", time.Hour).GenerateToken("operator-1", role)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	r := newTestRouter(t, nil, 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/stats", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/stats", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/webhooks/stats", nil)
	req.Header.Set("Authorization", bearer(t, "viewer"))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/webhooks/stats", nil)
	req.Header.Set("Authorization", bearer(t, jwt.RoleAdmin))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodPost, "/webhooks/retry/9", nil)
	req.Header.Set("Authorization", bearer(t, jwt.RoleAdmin))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRouteIsRateLimited(t *testing.T) {
	r := newTestRouter(t, nil, 2)

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, send())
	require.Equal(t, http.StatusOK, send())
	require.Equal(t, http.StatusTooManyRequests, send())
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(t, stubPinger{}, 0).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	newTestRouter(t, stubPinger{err: errors.New("down")}, 0).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
