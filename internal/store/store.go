// Package store holds the canonical, deduplicated view of all orders
// visible to the current session.
//
// Snapshots and streamed deltas flow in; role projections read out. The
// store never surfaces event anomalies as errors: backward or duplicate
// transitions degrade to no-ops and an unknown order id asks the owner for
// a full resynchronization instead of a partial patch.
package store

import (
	"sort"
	"sync"

	"github.com/smartrestaurant/ordersync/internal/order"
)

// Outcome reports what applying one event did to the canonical set.
type Outcome int

const (
	// OutcomeApplied means the event advanced exactly one order.
	OutcomeApplied Outcome = iota
	// OutcomeIgnored means the event was a duplicate, backward, or otherwise
	// stale transition and left the set untouched.
	OutcomeIgnored
	// OutcomeResyncNeeded means the event referenced an order the store has
	// never seen; the caller must refetch a full snapshot because a single
	// missing create implies the view may be stale in ways a delta cannot
	// repair.
	OutcomeResyncNeeded
)

// Store is the canonical order set.
//
// Mutations arrive only from the owning client's event loop (stream events,
// snapshot loads, checkout confirmations); subscribers and projections only
// read. The mutex covers cross-goroutine reads, not concurrent writers.
type Store struct {
	mu          sync.Mutex
	orders      map[string]order.Order
	subscribers map[int]func([]order.Order)
	nextSubID   int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		orders:      make(map[string]order.Order),
		subscribers: make(map[int]func([]order.Order)),
	}
}

// LoadSnapshot replaces the entire canonical set with orders.
// Used after login and after every reconnect. Later duplicates of the same
// order id within one snapshot win, keeping the set deduplicated.
func (s *Store) LoadSnapshot(orders []order.Order) {
	s.mu.Lock()
	s.orders = make(map[string]order.Order, len(orders))
	for _, o := range orders {
		if o.OrderID == "" {
			continue
		}
		s.orders[o.OrderID] = o.Clone()
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// ApplyEvent merges one delta into the canonical set, mutating at most one
// order. Transitions are applied only when forward-valid; everything else
// is ignored, which makes duplicate delivery idempotent.
func (s *Store) ApplyEvent(evt order.Event) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, known := s.orders[evt.OrderID]

	if evt.Type == order.EventOrderCreated {
		if known {
			return OutcomeIgnored
		}
		if evt.Order == nil || evt.Order.OrderID != evt.OrderID {
			// A bare create without the order body cannot be patched in.
			return OutcomeResyncNeeded
		}
		s.orders[evt.OrderID] = evt.Order.Clone()
		s.notifyLocked()
		return OutcomeApplied
	}

	if !known {
		return OutcomeResyncNeeded
	}

	switch evt.Type {
	case order.EventOrderStatus:
		if !existing.Status.CanAdvanceTo(evt.Status) {
			return OutcomeIgnored
		}
		existing.Status = evt.Status
	case order.EventOrderPaid:
		if existing.PaymentStatus == order.PaymentPaid {
			return OutcomeIgnored
		}
		existing.PaymentStatus = order.PaymentPaid
	case order.EventOrderAssigned:
		if existing.AssignedTo == evt.AssignedTo {
			return OutcomeIgnored
		}
		existing.AssignedTo = evt.AssignedTo
	case order.EventOrderRated:
		if existing.Rating != 0 || evt.Rating < 1 || evt.Rating > 5 {
			return OutcomeIgnored
		}
		existing.Rating = evt.Rating
	default:
		return OutcomeIgnored
	}

	s.orders[evt.OrderID] = existing
	s.notifyLocked()
	return OutcomeApplied
}

// Put merges a server-confirmed order into the set, used by the checkout
// confirmation path and by REST mutations that return the updated order.
// Known orders only move forward: a stale status or payment state in the
// incoming order never regresses the canonical one.
func (s *Store) Put(o order.Order) {
	if o.OrderID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, known := s.orders[o.OrderID]
	if !known {
		s.orders[o.OrderID] = o.Clone()
		s.notifyLocked()
		return
	}

	merged := o.Clone()
	if !existing.Status.CanAdvanceTo(merged.Status) {
		merged.Status = existing.Status
	}
	if existing.PaymentStatus == order.PaymentPaid {
		merged.PaymentStatus = order.PaymentPaid
	}
	if merged.Rating == 0 {
		merged.Rating = existing.Rating
	}
	s.orders[o.OrderID] = merged
	s.notifyLocked()
}

// Get returns a copy of one order.
func (s *Store) Get(orderID string) (order.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return order.Order{}, false
	}
	return o.Clone(), true
}

// Orders returns a defensive copy of the canonical set ordered by creation
// time, then order id for a stable tiebreak.
func (s *Store) Orders() []order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ordersLocked()
}

// Clear empties the canonical set, used on logout so one role's orders
// never leak into another role's session.
func (s *Store) Clear() {
	s.mu.Lock()
	s.orders = make(map[string]order.Order)
	s.notifyLocked()
	s.mu.Unlock()
}

// Subscribe registers fn to receive the current set immediately and every
// subsequent change. The returned cancel removes the subscription.
// Callbacks run on the mutating goroutine and must not call back into the
// store.
func (s *Store) Subscribe(fn func([]order.Order)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	current := s.ordersLocked()
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Store) ordersLocked() []order.Order {
	out := make([]order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

func (s *Store) notifyLocked() {
	if len(s.subscribers) == 0 {
		return
	}
	current := s.ordersLocked()
	for _, fn := range s.subscribers {
		fn(current)
	}
}
