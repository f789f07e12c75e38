package order

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType identifies the kind of push notification for one order.
type EventType string

const (
	// EventOrderCreated announces a new order; the frame carries the full order.
	EventOrderCreated EventType = "order_created"
	// EventOrderStatus announces a kitchen status transition.
	EventOrderStatus EventType = "order_status"
	// EventOrderPaid announces a payment settlement.
	EventOrderPaid EventType = "order_paid"
	// EventOrderAssigned announces a staff assignment change.
	EventOrderAssigned EventType = "order_assigned"
	// EventOrderRated announces a customer rating.
	EventOrderRated EventType = "order_rated"
)

// Known reports whether the event type is one the store understands.
func (t EventType) Known() bool {
	switch t {
	case EventOrderCreated, EventOrderStatus, EventOrderPaid, EventOrderAssigned, EventOrderRated:
		return true
	}
	return false
}

// Event is a transient delta describing a single change to one order.
// Consumed once and discarded.
type Event struct {
	Type       EventType `json:"type"`
	OrderID    string    `json:"order_id"`
	Status     Status    `json:"status,omitempty"`
	AssignedTo string    `json:"assigned_to,omitempty"`
	Rating     int       `json:"rating,omitempty"`
	// Order carries the full order on order_created frames.
	Order *Order `json:"order,omitempty"`
}

// ParseEvent decodes one wire frame into a typed event.
// Frames with an unknown type or without an order id are rejected so the
// stream client can skip them.
func ParseEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event frame: %w", err)
	}
	if !evt.Type.Known() {
		return Event{}, fmt.Errorf("unknown event type %q", evt.Type)
	}
	if strings.TrimSpace(evt.OrderID) == "" {
		return Event{}, fmt.Errorf("event %q is missing an order id", evt.Type)
	}
	return evt, nil
}
