// Package stream maintains the order event websocket.
//
// The connection is long-lived and lossy by design: a dropped socket means
// missed events, so consumers treat every reconnection as a signal to
// refetch the snapshot. The client only promises to report its state
// transitions honestly and to keep trying within its retry budget.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"time"

	"golang.org/x/net/websocket"

	"github.com/smartrestaurant/ordersync/internal/order"
	apperrors "github.com/smartrestaurant/ordersync/internal/platform/errors"
)

// State describes the connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

const (
	defaultMinBackoff         = time.Second
	defaultMaxBackoff         = 30 * time.Second
	defaultStabilityThreshold = time.Minute
)

// Config tunes the stream client. Zero values use defaults; MaxRetries
// zero retries forever.
type Config struct {
	URL                string
	MinBackoff         time.Duration
	MaxBackoff         time.Duration
	StabilityThreshold time.Duration
	MaxRetries         int
}

// Client owns one websocket connection and its reconnection loop.
type Client struct {
	cfg    Config
	events chan order.Event
	states chan State

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stream client. Connect starts it.
func New(cfg Config) *Client {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = defaultStabilityThreshold
	}
	return &Client{
		cfg:    cfg,
		events: make(chan order.Event),
		states: make(chan State, 1),
	}
}

// Events delivers parsed order events. The channel closes when the client
// stops.
func (c *Client) Events() <-chan order.Event {
	return c.events
}

// States delivers connection state transitions. Consumers must drain it;
// sends block until read or the client stops.
func (c *Client) States() <-chan State {
	return c.states
}

// Connect starts the connection loop with the given token. It returns
// immediately; progress is reported on States.
func (c *Client) Connect(ctx context.Context, token string) error {
	if c.cfg.URL == "" {
		return apperrors.New(apperrors.CodeTransportDisconnected, "stream url is required")
	}
	if _, err := url.Parse(c.cfg.URL); err != nil {
		return apperrors.Wrap(apperrors.CodeTransportDisconnected, "parse stream url", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, token)
	return nil
}

// Close stops the connection loop and waits for it to exit. The Events and
// States channels close once the loop is down.
func (c *Client) Close() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Client) run(ctx context.Context, token string) {
	defer close(c.done)
	defer close(c.events)
	defer close(c.states)

	delay := c.cfg.MinBackoff
	retries := 0
	first := true

	for {
		if first {
			if !c.emit(ctx, StateConnecting) {
				return
			}
			first = false
		} else {
			if c.cfg.MaxRetries > 0 && retries >= c.cfg.MaxRetries {
				log.Printf("stream: retry budget exhausted after %d attempts", retries)
				c.emit(ctx, StateDisconnected)
				return
			}
			retries++
			if !c.emit(ctx, StateReconnecting) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.cfg.MaxBackoff {
				delay = c.cfg.MaxBackoff
			}
		}

		connectedAt := time.Now()
		err := c.serve(ctx, token)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("stream: connection lost: %v", err)
		}
		// A connection that held long enough resets the backoff schedule.
		if time.Since(connectedAt) >= c.cfg.StabilityThreshold {
			delay = c.cfg.MinBackoff
			retries = 0
		}
	}
}

// serve dials, reports Connected, and pumps frames until the socket dies.
func (c *Client) serve(ctx context.Context, token string) error {
	dialURL, err := url.Parse(c.cfg.URL)
	if err != nil {
		return err
	}
	query := dialURL.Query()
	query.Set("token", token)
	dialURL.RawQuery = query.Encode()

	origin := "http://localhost/"
	conn, err := websocket.Dial(dialURL.String(), "", origin)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !c.emit(ctx, StateConnected) {
		return nil
	}

	// Unblock the decoder when the context ends.
	serveDone := make(chan struct{})
	defer close(serveDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-serveDone:
		}
	}()

	decoder := json.NewDecoder(conn)
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			return err
		}
		ev, err := order.ParseEvent(raw)
		if err != nil {
			// Unknown frames are skipped, not fatal.
			log.Printf("stream: skipping frame: %v", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) emit(ctx context.Context, state State) bool {
	select {
	case c.states <- state:
		return true
	case <-ctx.Done():
		return false
	}
}
