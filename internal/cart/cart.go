// Package cart holds the pre-checkout item selection and the two-phase
// checkout that turns it into a server-side order.
package cart

import (
	"context"
	"sort"
	"sync"

	"github.com/smartrestaurant/ordersync/internal/order"
	apperrors "github.com/smartrestaurant/ordersync/internal/platform/errors"
	"github.com/smartrestaurant/ordersync/internal/rest"
)

// OrderAPI is the slice of the REST client checkout needs.
type OrderAPI interface {
	CreateOrder(ctx context.Context, token, tableID string, items []rest.OrderItemRequest) (order.Order, error)
	PayOrder(ctx context.Context, token, orderID, method string) error
}

// Entry is one cart line.
type Entry struct {
	Item     order.MenuItem
	Quantity int
}

// Cart accumulates menu items before checkout. Safe for concurrent use.
type Cart struct {
	api OrderAPI

	mu      sync.Mutex
	entries map[string]Entry
}

// New creates an empty cart backed by the given order API.
func New(api OrderAPI) *Cart {
	return &Cart{
		api:     api,
		entries: make(map[string]Entry),
	}
}

// Add puts quantity more of item into the cart, merging with any existing
// line for the same item.
func (c *Cart) Add(item order.MenuItem, quantity int) {
	if quantity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[item.ID]
	entry.Item = item
	entry.Quantity += quantity
	c.entries[item.ID] = entry
}

// SetQuantity overwrites the quantity for an item. Zero or negative removes
// the line.
func (c *Cart) SetQuantity(itemID string, quantity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if quantity <= 0 {
		delete(c.entries, itemID)
		return
	}
	entry, ok := c.entries[itemID]
	if !ok {
		return
	}
	entry.Quantity = quantity
	c.entries[itemID] = entry
}

// Entries returns the cart lines sorted by item id.
func (c *Cart) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item.ID < out[j].Item.ID })
	return out
}

// Total sums price times quantity across all lines.
func (c *Cart) Total() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, entry := range c.entries {
		total += entry.Item.Price * float64(entry.Quantity)
	}
	return total
}

// Clear empties the cart.
func (c *Cart) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}

// Checkout creates an order from the cart, then pays for it.
//
// The two phases compensate differently. A failed create leaves the cart
// untouched so the customer can retry. A failed payment cannot undo the
// create, so the cart empties, the created order is returned for the
// caller's state, and the error names the order awaiting payment.
func (c *Cart) Checkout(ctx context.Context, token, tableID, method string) (order.Order, error) {
	c.mu.Lock()
	items := make([]rest.OrderItemRequest, 0, len(c.entries))
	for _, entry := range c.entries {
		items = append(items, rest.OrderItemRequest{ItemID: entry.Item.ID, Quantity: entry.Quantity})
	}
	c.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].ItemID < items[j].ItemID })

	if len(items) == 0 {
		return order.Order{}, apperrors.New(apperrors.CodeValidationEmptyCart, "cart is empty")
	}

	created, err := c.api.CreateOrder(ctx, token, tableID, items)
	if err != nil {
		return order.Order{}, apperrors.Wrap(apperrors.CodeCheckoutRejected, "create order", err)
	}

	c.Clear()

	if err := c.api.PayOrder(ctx, token, created.OrderID, method); err != nil {
		return created, apperrors.WrapWithMetadata(apperrors.CodeCheckoutPaymentFailed, "pay order", map[string]string{
			"order_id": created.OrderID,
		}, err)
	}

	created.PaymentStatus = order.PaymentPaid
	return created, nil
}
