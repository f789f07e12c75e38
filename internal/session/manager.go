package session

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/smartrestaurant/ordersync/internal/order"
	apperrors "github.com/smartrestaurant/ordersync/internal/platform/errors"
	"github.com/smartrestaurant/ordersync/internal/rest"
)

// Manager drives the session lifecycle: create on login, destroy on logout,
// account deletion, or server-signaled invalidation.
//
// The manager also tracks which order ids the current session created, the
// client-side ownership history the customer projection filters by. That
// history is session-local and discarded with the session.
type Manager struct {
	api   *rest.Client
	store Store // nil disables persistence
	clock func() time.Time

	mu         sync.Mutex
	current    *Session
	generation uint64
	owned      map[string]bool
}

// NewManager creates a session manager. store may be nil, in which case
// sessions do not survive restarts.
func NewManager(api *rest.Client, store Store) *Manager {
	return &Manager{
		api:   api,
		store: store,
		clock: time.Now,
		owned: make(map[string]bool),
	}
}

// Login authenticates against the REST collaborator and makes the returned
// session current. Any previous session is discarded first, along with its
// order-ownership history.
func (m *Manager) Login(ctx context.Context, deviceID, tableID, userID, password string) (Session, error) {
	resp, err := m.api.Login(ctx, rest.LoginRequest{
		DeviceID: deviceID,
		UserID:   userID,
		Password: password,
		TableID:  tableID,
	})
	if err != nil {
		return Session{}, err
	}

	role, ok := order.ParseRole(resp.Role)
	if !ok {
		return Session{}, apperrors.New(apperrors.CodeUnknown, "server returned unknown role "+resp.Role)
	}

	sess := Session{
		Token:     resp.Token,
		Role:      role,
		Specialty: resp.Specialty,
		DeviceID:  deviceID,
		TableID:   tableID,
		UserID:    userID,
	}

	m.mu.Lock()
	m.current = &sess
	m.generation++
	m.owned = make(map[string]bool)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(Stored{
			Role:      role,
			Token:     resp.Token,
			DeviceID:  deviceID,
			TableID:   tableID,
			UserID:    userID,
			Specialty: resp.Specialty,
			CreatedAt: m.clock().UTC(),
		}); err != nil {
			// Persistence failure degrades restore, not the live session.
			log.Printf("session: persist token for role %s: %v", role, err)
		}
	}

	return sess, nil
}

// Restore loads the persisted session for role, if one exists and its token
// has not visibly expired. A stale persisted token is deleted rather than
// returned, so the caller falls through to a fresh login.
func (m *Manager) Restore(ctx context.Context, role order.Role) (Session, bool, error) {
	if m.store == nil {
		return Session{}, false, nil
	}
	rec, found, err := m.store.Load(role)
	if err != nil {
		return Session{}, false, apperrors.Wrap(apperrors.CodeStorageUnavailable, "load persisted session", err)
	}
	if !found || strings.TrimSpace(rec.Token) == "" {
		return Session{}, false, nil
	}
	if tokenExpired(rec.Token, m.clock()) {
		if err := m.store.Delete(role); err != nil {
			log.Printf("session: drop expired token for role %s: %v", role, err)
		}
		return Session{}, false, nil
	}

	sess := Session{
		Token:     rec.Token,
		Role:      rec.Role,
		Specialty: rec.Specialty,
		DeviceID:  rec.DeviceID,
		TableID:   rec.TableID,
		UserID:    rec.UserID,
	}

	m.mu.Lock()
	m.current = &sess
	m.generation++
	m.owned = make(map[string]bool)
	m.mu.Unlock()

	return sess, true, nil
}

// Logout destroys the current session and its persisted token.
// The original server keeps no session endpoint; logout is a local act.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	current := m.current
	m.current = nil
	m.generation++
	m.owned = make(map[string]bool)
	m.mu.Unlock()

	if current != nil && m.store != nil {
		if err := m.store.Delete(current.Role); err != nil {
			return apperrors.Wrap(apperrors.CodeStorageUnavailable, "delete persisted session", err)
		}
	}
	return nil
}

// DeleteAccount removes the authenticated account server-side, then
// destroys the session like Logout.
func (m *Manager) DeleteAccount(ctx context.Context) error {
	sess, ok := m.Current()
	if !ok {
		return apperrors.New(apperrors.CodeSessionRequired, "no active session")
	}
	if err := m.api.DeleteProfile(ctx, sess.Token); err != nil {
		return err
	}
	return m.Logout(ctx)
}

// Invalidate destroys the current session without touching the server,
// used when the server signals the token is no longer valid mid-session.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	current := m.current
	m.current = nil
	m.generation++
	m.owned = make(map[string]bool)
	m.mu.Unlock()

	if current != nil && m.store != nil {
		if err := m.store.Delete(current.Role); err != nil {
			log.Printf("session: drop invalidated token for role %s: %v", current.Role, err)
		}
	}
}

// Current returns the active session, if any.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Generation increments on every login, restore, logout, and invalidation.
// In-flight work captures the generation before a network call and checks
// it before committing results, so a session change mid-flight drops them.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// RecordOrder marks an order id as created by the current session.
func (m *Manager) RecordOrder(orderID string) {
	if orderID == "" {
		return
	}
	m.mu.Lock()
	m.owned[orderID] = true
	m.mu.Unlock()
}

// OwnedOrders returns a copy of the session's order-creation history.
func (m *Manager) OwnedOrders() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.owned))
	for id := range m.owned {
		out[id] = true
	}
	return out
}
