package webhook

import (
	"strings"

	"github.com/smallbiznis/valora-storefront/internal/domain"
)

// statusMappings translates external statuses into internal order statuses.
// Anything absent leaves the order untouched.
var statusMappings = map[string]map[string]domain.OrderStatus{
	domain.SourcePayments: {
		"pending":      domain.OrderStatusPending,
		"in_process":   domain.OrderStatusPending,
		"authorized":   domain.OrderStatusPending,
		"approved":     domain.OrderStatusPaid,
		"rejected":     domain.OrderStatusRejected,
		"cancelled":    domain.OrderStatusCancelled,
		"refunded":     domain.OrderStatusReturned,
		"charged_back": domain.OrderStatusReturned,
	},
	domain.SourceMarketplace: {
		"confirmed":          domain.OrderStatusPending,
		"payment_required":   domain.OrderStatusPending,
		"payment_in_process": domain.OrderStatusPending,
		"paid":               domain.OrderStatusPaid,
		"shipped":            domain.OrderStatusShipped,
		"delivered":          domain.OrderStatusDelivered,
		"not_delivered":      domain.OrderStatusFailed,
		"cancelled":          domain.OrderStatusCancelled,
		"invalid":            domain.OrderStatusRejected,
	},
	domain.SourceStorefront: {
		"order/created":   domain.OrderStatusPending,
		"order/paid":      domain.OrderStatusPaid,
		"order/fulfilled": domain.OrderStatusShipped,
		"order/delivered": domain.OrderStatusDelivered,
		"order/cancelled": domain.OrderStatusCancelled,
		"order/voided":    domain.OrderStatusCancelled,
	},
}

// MapStatus returns the internal status for an external one reported by source.
func MapStatus(source, external string) (domain.OrderStatus, bool) {
	table, ok := statusMappings[source]
	if !ok {
		return "", false
	}
	status, ok := table[strings.ToLower(strings.TrimSpace(external))]
	return status, ok
}
