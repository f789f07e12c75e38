// Package rest consumes the restaurant HTTP API at its boundary.
//
// The API is role-scoped by the server: the session token travels in the
// X-Token header and 4xx failures carry a human-readable detail field.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/smartrestaurant/ordersync/internal/order"
	apperrors "github.com/smartrestaurant/ordersync/internal/platform/errors"
)

const tokenHeader = "X-Token"

// Client calls the restaurant REST collaborator.
type Client struct {
	baseURL string
	client  *http.Client
	tracer  trace.Tracer
}

// New creates a REST client for the given base URL (e.g. http://127.0.0.1:8000).
func New(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tracer:  otel.Tracer("ordersync/rest"),
	}
}

// LoginRequest carries the credentials for a device login.
type LoginRequest struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
	Password string `json:"password"`
	TableID  string `json:"table_id"`
}

// LoginResponse mirrors the server login JSON.
type LoginResponse struct {
	Token     string `json:"token"`
	Role      string `json:"role"`
	Specialty string `json:"specialty,omitempty"`
}

// Login authenticates a device and user against POST /api/login.
func (c *Client) Login(ctx context.Context, req LoginRequest) (LoginResponse, error) {
	var resp LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/login", "", req, &resp)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeAuthSessionExpired {
			return LoginResponse{}, apperrors.Wrap(apperrors.CodeAuthInvalidCredentials, err.Error(), err)
		}
		return LoginResponse{}, err
	}
	return resp, nil
}

// Register creates a new account via POST /api/register.
func (c *Client) Register(ctx context.Context, userID, password string, role order.Role) error {
	body := map[string]string{"user_id": userID, "password": password, "role": string(role)}
	return c.do(ctx, http.MethodPost, "/api/register", "", body, nil)
}

// Menu fetches the catalog via GET /api/menu.
func (c *Client) Menu(ctx context.Context, token string) ([]order.MenuItem, error) {
	var resp struct {
		Items []order.MenuItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/menu", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Orders fetches the role-scoped snapshot via GET /api/orders.
func (c *Client) Orders(ctx context.Context, token string) ([]order.Order, error) {
	var resp struct {
		Orders []order.Order `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/orders", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// MyOrders fetches the customer's own order history via GET /api/orders/mine.
func (c *Client) MyOrders(ctx context.Context, token string) ([]order.Order, error) {
	var resp struct {
		Orders []order.Order `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/orders/mine", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// OrderItemRequest is one cart line submitted at order creation.
type OrderItemRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// CreateOrder submits the cart's item list via POST /api/orders.
func (c *Client) CreateOrder(ctx context.Context, token, tableID string, items []OrderItemRequest) (order.Order, error) {
	body := struct {
		TableID string             `json:"table_id"`
		Items   []OrderItemRequest `json:"items"`
	}{TableID: tableID, Items: items}

	var created order.Order
	if err := c.do(ctx, http.MethodPost, "/api/orders", token, body, &created); err != nil {
		return order.Order{}, err
	}
	return created, nil
}

// PayOrder submits payment via POST /api/orders/{id}/pay.
func (c *Client) PayOrder(ctx context.Context, token, orderID, method string) error {
	body := map[string]string{"method": method}
	return c.do(ctx, http.MethodPost, "/api/orders/"+orderID+"/pay", token, body, nil)
}

// OrderUpdate carries the mutable fields of PUT /api/orders/{id}.
type OrderUpdate struct {
	Status     order.Status `json:"status,omitempty"`
	AssignedTo string       `json:"assigned_to,omitempty"`
}

// UpdateOrder transitions status or assignment via PUT /api/orders/{id}
// (kitchen/admin only; the server enforces the role).
func (c *Client) UpdateOrder(ctx context.Context, token, orderID string, update OrderUpdate) (order.Order, error) {
	var updated order.Order
	if err := c.do(ctx, http.MethodPut, "/api/orders/"+orderID, token, update, &updated); err != nil {
		return order.Order{}, err
	}
	return updated, nil
}

// RateOrder submits a rating via POST /api/orders/{id}/rate.
func (c *Client) RateOrder(ctx context.Context, token, orderID string, rating int, comment string) error {
	body := struct {
		Rating  int     `json:"rating"`
		Comment *string `json:"comment"`
	}{Rating: rating}
	if comment != "" {
		body.Comment = &comment
	}
	return c.do(ctx, http.MethodPost, "/api/orders/"+orderID+"/rate", token, body, nil)
}

// Ping reports client liveness via POST /api/client/ping. Fire-and-forget;
// the server only tracks last-seen timestamps.
func (c *Client) Ping(ctx context.Context, deviceID, tableID string) error {
	body := map[string]string{"device_id": deviceID, "table_id": tableID}
	return c.do(ctx, http.MethodPost, "/api/client/ping", "", body, nil)
}

// DeleteProfile removes the authenticated account via DELETE /api/profile.
func (c *Client) DeleteProfile(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/api/profile", token, nil, nil)
}

// errorBody mirrors the server's 4xx JSON shape.
type errorBody struct {
	Detail string `json:"detail"`
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, method+" "+path)
	defer span.End()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return apperrors.Wrap(apperrors.CodeTransportDisconnected, fmt.Sprintf("%s %s: %v", method, path, err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := decodeDetail(resp.Body)
		err := statusError(resp.StatusCode, method, path, detail)
		span.RecordError(err)
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeDetail(body io.Reader) string {
	var eb errorBody
	if err := json.NewDecoder(body).Decode(&eb); err != nil {
		return ""
	}
	return eb.Detail
}

func statusError(status int, method, path, detail string) error {
	message := detail
	if message == "" {
		message = fmt.Sprintf("%s %s returned status %d", method, path, status)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return apperrors.New(apperrors.CodeAuthSessionExpired, message)
	}
	return apperrors.WithMetadata(apperrors.CodeRequestRejected, message, map[string]string{
		"status": fmt.Sprintf("%d", status),
	})
}
