package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-storefront/internal/ratelimit"
)

func TestRateLimiterHandlerReturns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), 2, time.Minute)

	router := gin.New()
	router.Use(NewRateLimiter(limiter, "webhooks", zap.NewNop()).Handler())
	router.POST("/hook", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/hook", nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send("198.51.100.7").Code)
	require.Equal(t, http.StatusOK, send("198.51.100.7").Code)

	rec := send("198.51.100.7")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), "rate_limited")

	require.Equal(t, http.StatusOK, send("198.51.100.8").Code)
}

func TestRateLimiterNilPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	var rl *RateLimiter
	router.Use(rl.Handler())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}
