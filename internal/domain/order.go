package domain

import "time"

// OrderStatus is the closed set of internal order states.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusReturned  OrderStatus = "returned"
)

// orderPrecedence orders statuses for reconciliation. Webhook driven
// transitions only ever move to a strictly higher rank. Terminal statuses
// rank above every non-terminal one.
var orderPrecedence = map[OrderStatus]int{
	OrderStatusPending:   0,
	OrderStatusFailed:    1,
	OrderStatusPaid:      2,
	OrderStatusShipped:   3,
	OrderStatusDelivered: 4,
	OrderStatusReturned:  5,
	OrderStatusRejected:  6,
	OrderStatusCancelled: 7,
}

// Valid reports whether s belongs to the closed status set.
func (s OrderStatus) Valid() bool {
	_, ok := orderPrecedence[s]
	return ok
}

// Precedence returns the reconciliation rank, -1 for unknown statuses.
func (s OrderStatus) Precedence() int {
	if rank, ok := orderPrecedence[s]; ok {
		return rank
	}
	return -1
}

// Terminal reports statuses that end the order lifecycle.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRejected
}

// CanTransition reports whether an order in status from may move to to.
// A terminal order only ever moves to a higher ranked terminal status.
func CanTransition(from, to OrderStatus) bool {
	if !to.Valid() {
		return false
	}
	if from.Terminal() && !to.Terminal() {
		return false
	}
	return to.Precedence() > from.Precedence()
}

// Order is the subset of the storefront order consumed by webhook reconciliation.
type Order struct {
	ID                string
	ExternalReference string
	PaymentID         string
	Status            OrderStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OrderTransition records a status change applied to an order.
type OrderTransition struct {
	OrderID   string
	From      OrderStatus
	To        OrderStatus
	EventID   int64
	Source    string
	CreatedAt time.Time
}
