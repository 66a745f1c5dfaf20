package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-storefront/internal/domain"
)

func TestGetPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payments/987654321", r.URL.Path)
		require.Equal(t, "Bearer APP_USR-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":987654321,"status":"approved","status_detail":"accredited","external_reference":"order-1001"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "APP_USR-token", 0, srv.Client())
	payment, err := client.GetPayment(context.Background(), "987654321")
	require.NoError(t, err)
	require.Equal(t, "987654321", payment.ID)
	require.Equal(t, "approved", payment.Status)
	require.Equal(t, "order-1001", payment.ExternalReference)
}

func TestGetPaymentErrors(t *testing.T) {
	cases := []struct {
		status int
		target error
	}{
		{http.StatusUnauthorized, domain.ErrUnauthorized},
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusBadGateway, domain.ErrTransient},
		{http.StatusTooManyRequests, domain.ErrTransient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		client := NewClient(srv.URL, "t", 5, srv.Client())
		_, err := client.GetPayment(context.Background(), "1")
		require.ErrorIs(t, err, tc.target, "status %d", tc.status)
		srv.Close()
	}
}
