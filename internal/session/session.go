// Package session owns the client's authentication state.
//
// Exactly one session is active per running client instance. Tokens persist
// keyed by role so reopening the client restores the session without
// re-authenticating.
package session

import (
	"time"

	"github.com/smartrestaurant/ordersync/internal/order"
)

// Session binds a token to the role and device it was issued for.
type Session struct {
	Token     string
	Role      order.Role
	Specialty string
	DeviceID  string
	TableID   string
	UserID    string
}

// Stored is the persisted form of a session.
type Stored struct {
	Role      order.Role
	Token     string
	DeviceID  string
	TableID   string
	UserID    string
	Specialty string
	CreatedAt time.Time
}

// Store persists one session per role.
type Store interface {
	Save(rec Stored) error
	Load(role order.Role) (Stored, bool, error)
	Delete(role order.Role) error
}
