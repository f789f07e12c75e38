package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/smartrestaurant/ordersync/internal/order"
	apperrors "github.com/smartrestaurant/ordersync/internal/platform/errors"
	"github.com/smartrestaurant/ordersync/internal/stream"
)

// testServer fakes the restaurant backend: REST plus the order websocket.
type testServer struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	orders []order.Order
	mine   []order.Order
	role   string

	snapshotCalls atomic.Int64
	conns         chan *websocket.Conn

	holdMu      sync.Mutex
	holdEntered chan struct{}
	holdRelease chan struct{}
}

func newTestServer(t *testing.T, role string) *testServer {
	t.Helper()
	ts := &testServer{t: t, role: role, conns: make(chan *websocket.Conn, 8)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		ts.writeJSON(w, map[string]string{"token": "tok-test", "role": ts.role, "specialty": "grill"})
	})
	mux.HandleFunc("GET /api/orders", func(w http.ResponseWriter, r *http.Request) {
		ts.snapshotCalls.Add(1)
		ts.holdMu.Lock()
		entered, release := ts.holdEntered, ts.holdRelease
		ts.holdEntered, ts.holdRelease = nil, nil
		ts.holdMu.Unlock()
		if entered != nil {
			close(entered)
			<-release
		}
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.writeJSON(w, map[string]any{"orders": ts.orders})
	})
	mux.HandleFunc("GET /api/orders/mine", func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.writeJSON(w, map[string]any{"orders": ts.mine})
	})
	mux.HandleFunc("POST /api/orders", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TableID string `json:"table_id"`
			Items   []struct {
				ItemID   string `json:"item_id"`
				Quantity int    `json:"quantity"`
			} `json:"items"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		created := order.Order{
			OrderID:       fmt.Sprintf("ord-%d", len(body.Items)+100),
			TableID:       body.TableID,
			Status:        order.StatusPlaced,
			PaymentStatus: order.PaymentUnpaid,
			CreatedAt:     time.Now().UTC(),
		}
		ts.mu.Lock()
		ts.orders = append(ts.orders, created)
		ts.mu.Unlock()
		ts.writeJSON(w, created)
	})
	mux.HandleFunc("POST /api/orders/{id}/pay", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/client/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/orders/{id}/rate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/register", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID   string `json:"user_id"`
			Password string `json:"password"`
			Role     string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
			http.Error(w, `{"detail":"user_id required"}`, http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.Handle("/ws/orders", websocket.Handler(func(ws *websocket.Conn) {
		ts.conns <- ws
		var discard [64]byte
		for {
			if _, err := ws.Read(discard[:]); err != nil {
				return
			}
		}
	}))

	ts.srv = httptest.NewServer(mux)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		ts.t.Errorf("encode response: %v", err)
	}
}

func (ts *testServer) setOrders(orders ...order.Order) {
	ts.mu.Lock()
	ts.orders = orders
	ts.mu.Unlock()
}

// holdNextSnapshot makes the next GET /api/orders block. The entered channel
// closes when the handler is reached; the handler responds once release
// closes.
func (ts *testServer) holdNextSnapshot() (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	ts.holdMu.Lock()
	ts.holdEntered, ts.holdRelease = entered, release
	ts.holdMu.Unlock()
	return entered, release
}

func (ts *testServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

func (ts *testServer) push(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if _, err := conn.Write([]byte(frame)); err != nil {
		t.Fatalf("push frame: %v", err)
	}
}

func newTestClient(t *testing.T, ts *testServer) *Client {
	t.Helper()
	c := New(Config{
		BaseURL:           ts.srv.URL,
		HTTPClient:        ts.srv.Client(),
		Stream:            stream.Config{MinBackoff: 10 * time.Millisecond},
		HeartbeatInterval: time.Hour,
	})
	t.Cleanup(c.Close)
	return c
}

func waitView(t *testing.T, views <-chan []order.Order, pred func([]order.Order) bool) []order.Order {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case view := <-views:
			if pred(view) {
				return view
			}
		case <-deadline:
			t.Fatal("timed out waiting for projected view")
			return nil
		}
	}
}

func TestLoginLoadsSnapshot(t *testing.T) {
	ts := newTestServer(t, "admin")
	ts.setOrders(
		order.Order{OrderID: "ord-1", TableID: "T1", Status: order.StatusPlaced, PaymentStatus: order.PaymentUnpaid},
		order.Order{OrderID: "ord-2", TableID: "T2", Status: order.StatusReady, PaymentStatus: order.PaymentPaid},
	)
	c := newTestClient(t, ts)

	sess, err := c.Login(context.Background(), "dev-1", "", "boss", "pw")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if sess.Role != order.RoleAdmin {
		t.Fatalf("Login() role = %s", sess.Role)
	}

	views, cancel := c.Subscribe(SubscribeOptions{})
	defer cancel()
	view := waitView(t, views, func(v []order.Order) bool { return len(v) == 2 })
	if view[0].OrderID != "ord-1" || view[1].OrderID != "ord-2" {
		t.Fatalf("view = %+v", view)
	}
}

func TestStreamEventAdvancesOrder(t *testing.T) {
	ts := newTestServer(t, "admin")
	ts.setOrders(order.Order{OrderID: "ord-1", TableID: "T1", Status: order.StatusPlaced, PaymentStatus: order.PaymentUnpaid})
	c := newTestClient(t, ts)

	if _, err := c.Login(context.Background(), "dev-1", "", "boss", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	conn := ts.conn(t)

	views, cancel := c.Subscribe(SubscribeOptions{})
	defer cancel()
	waitView(t, views, func(v []order.Order) bool { return len(v) == 1 })

	ts.push(t, conn, `{"type":"order_status","order_id":"ord-1","status":"preparing"}`)
	view := waitView(t, views, func(v []order.Order) bool {
		return len(v) == 1 && v[0].Status == order.StatusPreparing
	})

	// A stale regression frame changes nothing.
	ts.push(t, conn, `{"type":"order_status","order_id":"ord-1","status":"placed"}`)
	ts.push(t, conn, `{"type":"order_paid","order_id":"ord-1"}`)
	view = waitView(t, views, func(v []order.Order) bool {
		return len(v) == 1 && v[0].PaymentStatus == order.PaymentPaid
	})
	if view[0].Status != order.StatusPreparing {
		t.Fatalf("status regressed to %s", view[0].Status)
	}
}

func TestReconnectRefetchesSnapshot(t *testing.T) {
	ts := newTestServer(t, "admin")
	c := newTestClient(t, ts)

	if _, err := c.Login(context.Background(), "dev-1", "", "boss", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	first := ts.conn(t)

	views, cancel := c.Subscribe(SubscribeOptions{})
	defer cancel()
	waitView(t, views, func(v []order.Order) bool { return true })

	// The server now knows about an order the client never saw; killing the
	// socket forces a reconnect and a fresh snapshot.
	ts.setOrders(order.Order{OrderID: "ord-9", TableID: "T9", Status: order.StatusPlaced, PaymentStatus: order.PaymentUnpaid})
	first.Close()
	ts.conn(t)

	waitView(t, views, func(v []order.Order) bool {
		return len(v) == 1 && v[0].OrderID == "ord-9"
	})
	// Exactly one snapshot fetch per connection: the login fetch plus one
	// for the reconnect, never a duplicate.
	if got := ts.snapshotCalls.Load(); got != 2 {
		t.Fatalf("snapshot calls = %d, want exactly 2", got)
	}
}

func TestEventsDuringResyncReplayAfterSnapshot(t *testing.T) {
	ts := newTestServer(t, "admin")
	ts.setOrders(order.Order{OrderID: "ord-1", TableID: "T1", Status: order.StatusPlaced, PaymentStatus: order.PaymentUnpaid})
	c := newTestClient(t, ts)

	if _, err := c.Login(context.Background(), "dev-1", "", "boss", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	first := ts.conn(t)

	views, cancel := c.Subscribe(SubscribeOptions{})
	defer cancel()
	waitView(t, views, func(v []order.Order) bool { return len(v) == 1 })

	// Hold the reconnect snapshot open and push deltas while it is in
	// flight. They must survive the snapshot load: forward transitions
	// applied on top, stale ones dropped.
	entered, release := ts.holdNextSnapshot()
	first.Close()
	second := ts.conn(t)
	<-entered

	ts.push(t, second, `{"type":"order_status","order_id":"ord-1","status":"preparing"}`)
	ts.push(t, second, `{"type":"order_created","order_id":"ord-3","order":{"order_id":"ord-3","table_id":"T3","status":"placed","payment_status":"unpaid"}}`)
	ts.push(t, second, `{"type":"order_status","order_id":"ord-1","status":"placed"}`)
	// Give the frames time to reach the buffering loop before the snapshot
	// lands.
	time.Sleep(100 * time.Millisecond)
	close(release)

	view := waitView(t, views, func(v []order.Order) bool {
		return len(v) == 2 && v[0].Status == order.StatusPreparing
	})
	if view[0].OrderID != "ord-1" || view[1].OrderID != "ord-3" {
		t.Fatalf("view = %+v", view)
	}
	if view[0].Status != order.StatusPreparing {
		t.Fatalf("buffered forward transition lost, status = %s", view[0].Status)
	}
}

func TestStreamExhaustionSurfacesDisconnected(t *testing.T) {
	ts := newTestServer(t, "admin")
	c := New(Config{
		BaseURL:           ts.srv.URL,
		HTTPClient:        ts.srv.Client(),
		Stream:            stream.Config{MinBackoff: time.Millisecond, MaxRetries: 1},
		HeartbeatInterval: time.Hour,
	})
	t.Cleanup(c.Close)

	if _, err := c.Login(context.Background(), "dev-1", "", "boss", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	ts.conn(t)

	// Killing the server exhausts the retry budget; consumers must be able
	// to tell the dead stream from a quiet one.
	ts.srv.Close()

	deadline := time.After(5 * time.Second)
	for c.StreamState() != stream.StateDisconnected {
		select {
		case <-deadline:
			t.Fatalf("StreamState() = %s, want %s", c.StreamState(), stream.StateDisconnected)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRateUnknownOrderTriggersResync(t *testing.T) {
	ts := newTestServer(t, "admin")
	ts.setOrders(order.Order{OrderID: "ord-1", TableID: "T1", Status: order.StatusPlaced, PaymentStatus: order.PaymentUnpaid})
	c := newTestClient(t, ts)

	if _, err := c.Login(context.Background(), "dev-1", "", "boss", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	views, cancel := c.Subscribe(SubscribeOptions{})
	defer cancel()
	waitView(t, views, func(v []order.Order) bool { return len(v) == 1 })

	// The server accepts the rating for an order the local view never saw.
	ts.setOrders(
		order.Order{OrderID: "ord-1", TableID: "T1", Status: order.StatusPlaced, PaymentStatus: order.PaymentUnpaid},
		order.Order{OrderID: "ord-5", TableID: "T5", Status: order.StatusServed, PaymentStatus: order.PaymentPaid, Rating: 4},
	)
	if err := c.RateOrder(context.Background(), "ord-5", 4, "great"); err != nil {
		t.Fatalf("RateOrder() error = %v", err)
	}

	waitView(t, views, func(v []order.Order) bool {
		return len(v) == 2 && v[1].OrderID == "ord-5" && v[1].Rating == 4
	})
	if got := ts.snapshotCalls.Load(); got != 2 {
		t.Fatalf("snapshot calls = %d, want exactly 2", got)
	}
}

func TestUnknownOrderEventTriggersResync(t *testing.T) {
	ts := newTestServer(t, "admin")
	c := newTestClient(t, ts)

	if _, err := c.Login(context.Background(), "dev-1", "", "boss", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	conn := ts.conn(t)

	views, cancel := c.Subscribe(SubscribeOptions{})
	defer cancel()
	waitView(t, views, func(v []order.Order) bool { return true })

	// A delta for an unseen order means the view is stale; the server
	// already has the order, so the resync picks it up.
	ts.setOrders(order.Order{OrderID: "ord-7", TableID: "T7", Status: order.StatusPreparing, PaymentStatus: order.PaymentUnpaid})
	ts.push(t, conn, `{"type":"order_status","order_id":"ord-7","status":"preparing"}`)

	waitView(t, views, func(v []order.Order) bool {
		return len(v) == 1 && v[0].OrderID == "ord-7"
	})
}

func TestCustomerCheckoutProjectsOwnOrder(t *testing.T) {
	ts := newTestServer(t, "customer")
	c := newTestClient(t, ts)

	if _, err := c.Login(context.Background(), "dev-1", "T1", "alice", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	c.AddToCart(order.MenuItem{ID: "itm-1", Name: "Pizza", Price: 9.50}, 2)
	if got := c.CartTotal(); got != 19.00 {
		t.Fatalf("CartTotal() = %v, want 19.00", got)
	}

	created, err := c.Checkout(context.Background(), "card")
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if created.PaymentStatus != order.PaymentPaid {
		t.Fatalf("Checkout() = %+v", created)
	}
	if entries := c.CartEntries(); len(entries) != 0 {
		t.Fatalf("cart not cleared: %v", entries)
	}

	views, cancel := c.Subscribe(SubscribeOptions{})
	defer cancel()
	waitView(t, views, func(v []order.Order) bool {
		return len(v) == 1 && v[0].OrderID == created.OrderID
	})
}

func TestRegister(t *testing.T) {
	ts := newTestServer(t, "customer")
	c := newTestClient(t, ts)

	if err := c.Register(context.Background(), "newbie", "pw", order.RoleCustomer); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Register(context.Background(), "", "pw", order.RoleCustomer); err == nil {
		t.Fatal("Register() expected error for rejected account")
	}
}

func TestCheckoutRequiresSession(t *testing.T) {
	ts := newTestServer(t, "customer")
	c := newTestClient(t, ts)

	_, err := c.Checkout(context.Background(), "card")
	if !apperrors.Is(err, apperrors.CodeSessionRequired) {
		t.Fatalf("Checkout() error = %v, want %s", err, apperrors.CodeSessionRequired)
	}
}

func TestRateOrderValidatesRange(t *testing.T) {
	ts := newTestServer(t, "customer")
	c := newTestClient(t, ts)

	err := c.RateOrder(context.Background(), "ord-1", 0, "")
	if !apperrors.Is(err, apperrors.CodeValidationRatingRequired) {
		t.Fatalf("RateOrder() error = %v, want %s", err, apperrors.CodeValidationRatingRequired)
	}
	err = c.RateOrder(context.Background(), "ord-1", 6, "")
	if !apperrors.Is(err, apperrors.CodeValidationRatingRequired) {
		t.Fatalf("RateOrder() error = %v, want %s", err, apperrors.CodeValidationRatingRequired)
	}
}

func TestLogoutClearsLocalState(t *testing.T) {
	ts := newTestServer(t, "admin")
	ts.setOrders(order.Order{OrderID: "ord-1", TableID: "T1", Status: order.StatusPlaced, PaymentStatus: order.PaymentUnpaid})
	c := newTestClient(t, ts)

	if _, err := c.Login(context.Background(), "dev-1", "", "boss", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	views, cancel := c.Subscribe(SubscribeOptions{})
	waitView(t, views, func(v []order.Order) bool { return len(v) == 1 })
	cancel()

	c.AddToCart(order.MenuItem{ID: "itm-1", Price: 3}, 1)
	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if _, ok := c.Session(); ok {
		t.Fatal("Session() reports a session after logout")
	}
	if got := c.Orders(); len(got) != 0 {
		t.Fatalf("Orders() after logout = %v, want empty", got)
	}
	if entries := c.CartEntries(); len(entries) != 0 {
		t.Fatalf("cart after logout = %v, want empty", entries)
	}
}

func TestAdminTableFilterProjection(t *testing.T) {
	ts := newTestServer(t, "admin")
	ts.setOrders(
		order.Order{OrderID: "ord-1", TableID: "T1", Status: order.StatusPlaced, PaymentStatus: order.PaymentUnpaid},
		order.Order{OrderID: "ord-2", TableID: "T2", Status: order.StatusPlaced, PaymentStatus: order.PaymentUnpaid},
	)
	c := newTestClient(t, ts)

	if _, err := c.Login(context.Background(), "dev-1", "", "boss", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	views, cancel := c.Subscribe(SubscribeOptions{TableFilter: "T2"})
	defer cancel()
	view := waitView(t, views, func(v []order.Order) bool { return len(v) == 1 })
	if view[0].OrderID != "ord-2" {
		t.Fatalf("view = %+v", view)
	}
}
