// Package projection derives role-scoped order views.
//
// Projections are pure functions over the canonical order list. They never
// mutate their input and recompute from scratch on every call.
package projection

import (
	"strings"

	"github.com/smartrestaurant/ordersync/internal/order"
)

// Classifier maps an order line to a kitchen station. Nil means every line
// matches every station.
type Classifier func(item order.Item) string

// Customer returns the orders the session created, identified by the
// session's own order history.
func Customer(orders []order.Order, owned map[string]bool) []order.Order {
	out := make([]order.Order, 0, len(owned))
	for _, o := range orders {
		if owned[o.OrderID] {
			out = append(out, o)
		}
	}
	return out
}

// Kitchen returns unserved orders relevant to a station. An order is
// relevant when any of its lines classifies to the given specialty, or when
// specialty is empty.
func Kitchen(orders []order.Order, specialty string, classify Classifier) []order.Order {
	out := make([]order.Order, 0, len(orders))
	for _, o := range orders {
		if o.Status == order.StatusServed {
			continue
		}
		if !matchesSpecialty(o, specialty, classify) {
			continue
		}
		out = append(out, o)
	}
	return out
}

func matchesSpecialty(o order.Order, specialty string, classify Classifier) bool {
	if specialty == "" || classify == nil {
		return true
	}
	for _, item := range o.Items {
		if classify(item) == specialty {
			return true
		}
	}
	return false
}

// Admin returns all orders, optionally narrowed to tables whose id contains
// tableFilter.
func Admin(orders []order.Order, tableFilter string) []order.Order {
	out := make([]order.Order, 0, len(orders))
	for _, o := range orders {
		if tableFilter != "" && !strings.Contains(o.TableID, tableFilter) {
			continue
		}
		out = append(out, o)
	}
	return out
}
