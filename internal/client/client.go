// Package client assembles the order synchronization core: session
// lifecycle, the event stream, the canonical order store, the cart, and
// the role projections, behind one façade.
package client

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/smartrestaurant/ordersync/internal/cart"
	"github.com/smartrestaurant/ordersync/internal/order"
	apperrors "github.com/smartrestaurant/ordersync/internal/platform/errors"
	"github.com/smartrestaurant/ordersync/internal/projection"
	"github.com/smartrestaurant/ordersync/internal/rest"
	"github.com/smartrestaurant/ordersync/internal/session"
	"github.com/smartrestaurant/ordersync/internal/store"
	"github.com/smartrestaurant/ordersync/internal/stream"
)

const defaultHeartbeatInterval = 10 * time.Second

// Config assembles a client.
type Config struct {
	// BaseURL is the restaurant server root, e.g. http://127.0.0.1:8000.
	BaseURL string
	// HTTPClient overrides the transport for REST calls. Nil uses the default.
	HTTPClient *http.Client
	// Sessions persists tokens across restarts. Nil disables persistence.
	Sessions session.Store
	// Stream overrides the websocket endpoint and backoff schedule. A zero
	// URL derives ws(s)://<base>/ws/orders from BaseURL.
	Stream stream.Config
	// HeartbeatInterval paces liveness pings. Zero uses 10 seconds.
	HeartbeatInterval time.Duration
	// Classifier maps order lines to kitchen stations for the kitchen
	// projection. Nil means every station sees every order.
	Classifier projection.Classifier
}

// Client is the synchronization core. One instance drives one session at a
// time.
type Client struct {
	cfg      Config
	api      *rest.Client
	sessions *session.Manager
	store    *store.Store
	cart     *cart.Cart

	mu             sync.Mutex
	stopLoop       context.CancelFunc
	loopDone       chan struct{}
	streamState    stream.State
	resyncRequests chan struct{}
}

// New assembles a client from cfg.
func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Stream.URL == "" {
		cfg.Stream.URL = deriveStreamURL(cfg.BaseURL)
	}
	api := rest.New(cfg.BaseURL, cfg.HTTPClient)
	return &Client{
		cfg:         cfg,
		api:         api,
		sessions:    session.NewManager(api, cfg.Sessions),
		store:       store.New(),
		cart:        cart.New(api),
		streamState: stream.StateDisconnected,
	}
}

func deriveStreamURL(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws/orders"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws/orders"
	}
	return baseURL + "/ws/orders"
}

// Register creates a new account. The caller logs in separately; a fresh
// account has no session until then.
func (c *Client) Register(ctx context.Context, userID, password string, role order.Role) error {
	return c.api.Register(ctx, userID, password, role)
}

// Login authenticates and brings the sync loops up: initial snapshot,
// event stream, heartbeat. Any previous session is torn down first.
func (c *Client) Login(ctx context.Context, deviceID, tableID, userID, password string) (session.Session, error) {
	c.teardown()
	sess, err := c.sessions.Login(ctx, deviceID, tableID, userID, password)
	if err != nil {
		return session.Session{}, err
	}
	c.store.Clear()
	c.cart.Clear()
	if err := c.startup(sess); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

// Restore resumes a persisted session for role, if one survives, and brings
// the sync loops up. found is false when there is nothing to resume.
func (c *Client) Restore(ctx context.Context, role order.Role) (session.Session, bool, error) {
	c.teardown()
	sess, found, err := c.sessions.Restore(ctx, role)
	if err != nil || !found {
		return session.Session{}, false, err
	}
	c.store.Clear()
	c.cart.Clear()
	if err := c.startup(sess); err != nil {
		return session.Session{}, false, err
	}
	return sess, true, nil
}

// Logout tears down the loops and destroys the session. Local order state
// and the cart empty so nothing leaks into the next session.
func (c *Client) Logout(ctx context.Context) error {
	c.teardown()
	err := c.sessions.Logout(ctx)
	c.store.Clear()
	c.cart.Clear()
	return err
}

// DeleteAccount removes the account server-side, then behaves like Logout.
func (c *Client) DeleteAccount(ctx context.Context) error {
	sess, ok := c.sessions.Current()
	if !ok {
		return apperrors.New(apperrors.CodeSessionRequired, "no active session")
	}
	if err := c.api.DeleteProfile(ctx, sess.Token); err != nil {
		return err
	}
	return c.Logout(ctx)
}

// Close tears down the loops without destroying the persisted session.
func (c *Client) Close() {
	c.teardown()
}

// Session returns the active session, if any.
func (c *Client) Session() (session.Session, bool) {
	return c.sessions.Current()
}

// startup spawns the event loop and heartbeat for sess.
func (c *Client) startup(sess session.Session) error {
	runCtx, cancel := context.WithCancel(context.Background())

	st := stream.New(c.cfg.Stream)
	if err := st.Connect(runCtx, sess.Token); err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	resync := make(chan struct{}, 1)
	c.mu.Lock()
	c.stopLoop = cancel
	c.loopDone = done
	c.resyncRequests = resync
	c.streamState = stream.StateConnecting
	c.mu.Unlock()

	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.heartbeat(runCtx, sess)
		}()
		c.eventLoop(runCtx, cancel, sess, st, resync)
		cancel()
		wg.Wait()
	}()
	return nil
}

// teardown stops the loops if they are running.
func (c *Client) teardown() {
	c.mu.Lock()
	cancel := c.stopLoop
	done := c.loopDone
	c.stopLoop = nil
	c.loopDone = nil
	c.resyncRequests = nil
	c.streamState = stream.StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// StreamState reports the order event stream's connection state. It reads
// StateDisconnected outside a session and after the stream's retry budget
// runs out, so consumers can tell a dead stream from a quiet one.
func (c *Client) StreamState() stream.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamState
}

func (c *Client) setStreamState(state stream.State) {
	c.mu.Lock()
	c.streamState = state
	c.mu.Unlock()
}

// requestResync asks the event loop for a snapshot refetch. No-op outside a
// session; coalesces with an already pending request.
func (c *Client) requestResync() {
	c.mu.Lock()
	resync := c.resyncRequests
	c.mu.Unlock()
	if resync == nil {
		return
	}
	select {
	case resync <- struct{}{}:
	default:
	}
}

type snapshotResult struct {
	orders     []order.Order
	ownedIDs   []string
	generation uint64
	err        error
}

// eventLoop owns all store mutations for one session. Stream deltas apply
// directly; every reconnection triggers a snapshot refetch, and events that
// arrive while the snapshot is in flight buffer until it lands, then replay
// through the same forward-only merge.
func (c *Client) eventLoop(ctx context.Context, cancel context.CancelFunc, sess session.Session, st *stream.Client, resync <-chan struct{}) {
	snapshots := make(chan snapshotResult, 1)
	retry := make(chan struct{}, 1)
	resyncInFlight := false
	var buffered []order.Event

	startResync := func() {
		if resyncInFlight {
			return
		}
		resyncInFlight = true
		generation := c.sessions.Generation()
		go func() {
			orders, ownedIDs, err := c.fetchSnapshot(ctx, sess)
			select {
			case snapshots <- snapshotResult{orders: orders, ownedIDs: ownedIDs, generation: generation, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case state, ok := <-st.States():
			if !ok {
				return
			}
			c.setStreamState(state)
			switch state {
			case stream.StateConnected:
				// Every (re)connection may have missed deltas.
				startResync()
			case stream.StateDisconnected:
				log.Printf("client: stream gave up; order view is frozen until next login")
			}

		case <-retry:
			startResync()

		case <-resync:
			startResync()

		case evt, ok := <-st.Events():
			if !ok {
				return
			}
			if resyncInFlight {
				buffered = append(buffered, evt)
				continue
			}
			if c.store.ApplyEvent(evt) == store.OutcomeResyncNeeded {
				startResync()
			}

		case result := <-snapshots:
			resyncInFlight = false
			pending := buffered
			buffered = nil

			if result.err != nil {
				if !apperrors.CodeOf(result.err).Recoverable() {
					log.Printf("client: session rejected during resync: %v", result.err)
					c.sessions.Invalidate()
					cancel()
					return
				}
				log.Printf("client: snapshot fetch failed, retrying: %v", result.err)
				go func() {
					select {
					case <-time.After(time.Second):
						select {
						case retry <- struct{}{}:
						default:
						}
					case <-ctx.Done():
					}
				}()
				continue
			}
			if result.generation != c.sessions.Generation() {
				// The session changed while the fetch was in flight.
				continue
			}

			c.store.LoadSnapshot(result.orders)
			for _, id := range result.ownedIDs {
				c.sessions.RecordOrder(id)
			}
			for _, evt := range pending {
				if c.store.ApplyEvent(evt) == store.OutcomeResyncNeeded {
					startResync()
					break
				}
			}
		}
	}
}

// fetchSnapshot pulls the role-scoped order list. Customers also rebuild
// their order-ownership history from the server's per-user view, so a
// restored session still projects its own orders.
func (c *Client) fetchSnapshot(ctx context.Context, sess session.Session) ([]order.Order, []string, error) {
	orders, err := c.api.Orders(ctx, sess.Token)
	if err != nil {
		return nil, nil, err
	}
	if sess.Role != order.RoleCustomer {
		return orders, nil, nil
	}
	mine, err := c.api.MyOrders(ctx, sess.Token)
	if err != nil {
		return nil, nil, err
	}
	ownedIDs := make([]string, 0, len(mine))
	for _, o := range mine {
		ownedIDs = append(ownedIDs, o.OrderID)
	}
	return orders, ownedIDs, nil
}

// heartbeat reports liveness on a fixed cadence. Failures are logged and
// skipped; the next tick tries again.
func (c *Client) heartbeat(ctx context.Context, sess session.Session) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.api.Ping(ctx, sess.DeviceID, sess.TableID); err != nil && ctx.Err() == nil {
				log.Printf("client: heartbeat: %v", err)
			}
		}
	}
}

// Menu fetches the catalog for the active session.
func (c *Client) Menu(ctx context.Context) ([]order.MenuItem, error) {
	sess, ok := c.sessions.Current()
	if !ok {
		return nil, apperrors.New(apperrors.CodeSessionRequired, "no active session")
	}
	return c.api.Menu(ctx, sess.Token)
}

// AddToCart puts quantity of item into the cart.
func (c *Client) AddToCart(item order.MenuItem, quantity int) {
	c.cart.Add(item, quantity)
}

// SetCartQuantity overwrites a cart line; zero or negative removes it.
func (c *Client) SetCartQuantity(itemID string, quantity int) {
	c.cart.SetQuantity(itemID, quantity)
}

// CartEntries returns the cart lines sorted by item id.
func (c *Client) CartEntries() []cart.Entry {
	return c.cart.Entries()
}

// CartTotal sums the cart.
func (c *Client) CartTotal() float64 {
	return c.cart.Total()
}

// ClearCart empties the cart.
func (c *Client) ClearCart() {
	c.cart.Clear()
}

// Checkout creates and pays for an order from the cart. On success or on a
// payment failure the created order merges into the local view and counts
// toward the session's order history. Results arriving after the session
// changed are dropped rather than committed.
func (c *Client) Checkout(ctx context.Context, method string) (order.Order, error) {
	sess, ok := c.sessions.Current()
	if !ok {
		return order.Order{}, apperrors.New(apperrors.CodeSessionRequired, "no active session")
	}
	generation := c.sessions.Generation()

	created, err := c.cart.Checkout(ctx, sess.Token, sess.TableID, method)
	if generation != c.sessions.Generation() {
		return order.Order{}, apperrors.New(apperrors.CodeSessionRequired, "session changed during checkout")
	}
	if created.OrderID != "" {
		c.sessions.RecordOrder(created.OrderID)
		c.store.Put(created)
	}
	return created, err
}

// RateOrder submits a 1..5 rating for an order the customer received.
func (c *Client) RateOrder(ctx context.Context, orderID string, rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return apperrors.New(apperrors.CodeValidationRatingRequired, "rating must be between 1 and 5")
	}
	sess, ok := c.sessions.Current()
	if !ok {
		return apperrors.New(apperrors.CodeSessionRequired, "no active session")
	}
	if err := c.api.RateOrder(ctx, sess.Token, orderID, rating, comment); err != nil {
		return err
	}
	// The server accepted the rating for an order the local view never saw;
	// refetch rather than leave the view stale.
	if c.store.ApplyEvent(order.Event{Type: order.EventOrderRated, OrderID: orderID, Rating: rating}) == store.OutcomeResyncNeeded {
		c.requestResync()
	}
	return nil
}

// UpdateOrder transitions status or assignment (kitchen/admin sessions).
// The server-confirmed order merges into the local view.
func (c *Client) UpdateOrder(ctx context.Context, orderID string, update rest.OrderUpdate) (order.Order, error) {
	sess, ok := c.sessions.Current()
	if !ok {
		return order.Order{}, apperrors.New(apperrors.CodeSessionRequired, "no active session")
	}
	generation := c.sessions.Generation()

	updated, err := c.api.UpdateOrder(ctx, sess.Token, orderID, update)
	if err != nil {
		return order.Order{}, err
	}
	if generation == c.sessions.Generation() {
		c.store.Put(updated)
	}
	return updated, nil
}

// Orders returns the unprojected canonical order list.
func (c *Client) Orders() []order.Order {
	return c.store.Orders()
}

// SubscribeOptions narrows a projection subscription.
type SubscribeOptions struct {
	// TableFilter narrows the admin projection to tables whose id contains
	// this substring. Ignored for other roles.
	TableFilter string
}

// Subscribe delivers the role-projected order view now and after every
// change. Intermediate views conflate: a slow consumer always sees the
// latest state, never a stale backlog. The returned cancel stops delivery.
func (c *Client) Subscribe(opts SubscribeOptions) (<-chan []order.Order, func()) {
	updates := make(chan []order.Order, 1)
	cancel := c.store.Subscribe(func(orders []order.Order) {
		view := c.project(orders, opts)
		for {
			select {
			case updates <- view:
				return
			default:
				// Drop the stale pending view and try again.
				select {
				case <-updates:
				default:
				}
			}
		}
	})
	return updates, cancel
}

func (c *Client) project(orders []order.Order, opts SubscribeOptions) []order.Order {
	sess, ok := c.sessions.Current()
	if !ok {
		return nil
	}
	switch sess.Role {
	case order.RoleCustomer:
		return projection.Customer(orders, c.sessions.OwnedOrders())
	case order.RoleKitchen:
		return projection.Kitchen(orders, sess.Specialty, c.cfg.Classifier)
	case order.RoleAdmin:
		return projection.Admin(orders, opts.TableFilter)
	}
	return nil
}
