package marketplace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-storefront/internal/domain"
)

func TestGetOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/orders/2000001234", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer APP_USR-fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":2000001234,"status":"paid","status_detail":null,"external_reference":"order-77"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 0, srv.Client())

	_, err := client.GetOrder(context.Background(), "APP_USR-stale", "2000001234")
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	order, err := client.GetOrder(context.Background(), "APP_USR-fresh", "2000001234")
	require.NoError(t, err)
	require.Equal(t, "2000001234", order.ID)
	require.Equal(t, "paid", order.Status)
	require.Equal(t, "order-77", order.ExternalReference)
}
