package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/techswap/marketplace/internal/order"
)

// Config holds the configuration for connecting to the marketplace API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer token of the user the tools act as
}

// Client is an HTTP client for the marketplace order API.
type Client struct {
	http *resty.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(cfg.APIURL).
			SetAuthToken(cfg.Token).
			SetTimeout(30 * time.Second).
			SetHeader("Accept", "application/json"),
	}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// do sends a request and decodes a successful body into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode()}
		if json.Unmarshal(resp.Body(), apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = string(resp.Body())
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type orderEnvelope struct {
	Order *order.Order `json:"order"`
}

func (c *Client) orderCall(ctx context.Context, method, path string, body any) (*order.Order, error) {
	var env orderEnvelope
	if err := c.do(ctx, method, path, nil, body, &env); err != nil {
		return nil, err
	}
	if env.Order == nil {
		return nil, fmt.Errorf("response carried no order")
	}
	return env.Order, nil
}

// CreateResult is the response to opening an order.
type CreateResult struct {
	OrderID    string `json:"orderId"`
	PaymentURL string `json:"paymentUrl"`
	Amount     int64  `json:"amount"`
}

// CreateOrder opens a pending order for productID.
func (c *Client) CreateOrder(ctx context.Context, productID, shippingAddress string) (*CreateResult, error) {
	var out CreateResult
	body := map[string]string{"productId": productID, "shippingAddress": shippingAddress}
	if err := c.do(ctx, http.MethodPost, "/v1/orders", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOrders lists the caller's orders as buyer or seller.
func (c *Client) ListOrders(ctx context.Context, role, status string, limit int) ([]*order.Order, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Orders []*order.Order `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/orders", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// GetOrder fetches one order.
func (c *Client) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return c.orderCall(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(id), nil)
}

// Transactions lists the escrow ledger entries of an order.
func (c *Client) Transactions(ctx context.Context, id string) ([]*order.Transaction, error) {
	var out struct {
		Transactions []*order.Transaction `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(id)+"/transactions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Ship marks a paid order shipped.
func (c *Client) Ship(ctx context.Context, id, trackingNumber string) (*order.Order, error) {
	return c.orderCall(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(id)+"/ship",
		map[string]string{"trackingNumber": trackingNumber})
}

// Confirm accepts delivery, releasing escrow to the seller.
func (c *Client) Confirm(ctx context.Context, id string) (*order.Order, error) {
	return c.orderCall(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(id)+"/confirm", nil)
}

// Dispute freezes escrow on a shipped order.
func (c *Client) Dispute(ctx context.Context, id, reason string, evidence []string) (*order.Order, error) {
	return c.orderCall(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(id)+"/dispute",
		order.DisputeRequest{Reason: reason, Evidence: evidence})
}

// Release asks for escrow release on a completed order.
func (c *Client) Release(ctx context.Context, id string) (*order.Order, error) {
	return c.orderCall(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(id)+"/release", nil)
}
