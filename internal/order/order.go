// Package order defines the restaurant order model shared by the sync core.
package order

import (
	"strings"
	"time"
)

// Status identifies the kitchen lifecycle stage of an order.
//
// Statuses only move forward along placed -> preparing -> ready -> served;
// no event may move an order backward.
type Status string

const (
	// StatusPlaced records a freshly created order awaiting the kitchen.
	StatusPlaced Status = "placed"
	// StatusPreparing records an order being cooked.
	StatusPreparing Status = "preparing"
	// StatusReady records an order ready to be brought to the table.
	StatusReady Status = "ready"
	// StatusServed records an order delivered to the table.
	StatusServed Status = "served"
)

var statusRank = map[Status]int{
	StatusPlaced:    0,
	StatusPreparing: 1,
	StatusReady:     2,
	StatusServed:    3,
}

// Known reports whether the status is part of the lifecycle lattice.
func (s Status) Known() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether next is a strictly forward transition from s.
// Unknown statuses never advance anywhere.
func (s Status) CanAdvanceTo(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// PaymentStatus identifies the billing state of an order.
// It transitions only unpaid -> paid and never reverses.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// Role identifies which dashboard a session drives.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleKitchen  Role = "kitchen"
	RoleAdmin    Role = "admin"
)

// ParseRole normalizes a role string from the server or configuration.
func ParseRole(value string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleCustomer:
		return RoleCustomer, true
	case RoleKitchen:
		return RoleKitchen, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return "", false
}

// MenuItem is a catalog entry owned by the external menu collaborator.
// Read-only from the sync core's perspective.
type MenuItem struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Price    float64  `json:"price"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

// Item is one line of an order. Immutable once the order exists except for
// the optional staff assignment.
type Item struct {
	ItemID     string `json:"item_id"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	AssignedTo string `json:"assigned_to,omitempty"`
}

// Order is a server-confirmed order. Orders are never deleted, only
// transitioned.
type Order struct {
	OrderID       string        `json:"order_id"`
	TableID       string        `json:"table_id"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Items         []Item        `json:"items"`
	AssignedTo    string        `json:"assigned_to,omitempty"`
	Rating        int           `json:"rating,omitempty"`
	Total         float64       `json:"total"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Clone returns a deep copy so store consumers can hold orders without
// aliasing canonical state.
func (o Order) Clone() Order {
	copied := o
	if o.Items != nil {
		copied.Items = make([]Item, len(o.Items))
		copy(copied.Items, o.Items)
	}
	return copied
}
