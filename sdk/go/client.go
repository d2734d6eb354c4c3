package servlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Servline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Location is a service address.
type Location struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
}

// Request represents the API service request model.
type Request struct {
	ID                     string   `json:"id"`
	RequesterID            string   `json:"requesterId"`
	FulfillerID            string   `json:"fulfillerId"`
	Category               string   `json:"category"`
	Title                  string   `json:"title"`
	Description            string   `json:"description"`
	Location               Location `json:"location"`
	RequestedDate          string   `json:"requestedDate"`
	EstimatedDurationHours *float64 `json:"estimatedDurationHours,omitempty"`
	Price                  *float64 `json:"price,omitempty"`
	NegotiatedPrice        *float64 `json:"negotiatedPrice,omitempty"`
	Status                 string   `json:"status"`
	StatusReason           *string  `json:"statusReason,omitempty"`
	CreatedAt              string   `json:"createdAt"`
	UpdatedAt              string   `json:"updatedAt"`
}

// Event represents an audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	RequestID string         `json:"requestId"`
	ActorID   string         `json:"actorId"`
	Payload   map[string]any `json:"payload"`
}

// CreateRequestInput carries the fields for a new service request.
type CreateRequestInput struct {
	FulfillerID            string   `json:"fulfillerId"`
	Category               string   `json:"category"`
	Title                  string   `json:"title"`
	Description            string   `json:"description"`
	Location               Location `json:"location"`
	RequestedDate          string   `json:"requestedDate"`
	EstimatedDurationHours *float64 `json:"estimatedDurationHours,omitempty"`
	Price                  *float64 `json:"price,omitempty"`
}

// APIError wraps non-2xx responses, carrying the envelope message if present.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d message=%s", e.StatusCode, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// CreateRequest creates a service request on behalf of the authenticated user.
func (c *Client) CreateRequest(ctx context.Context, input CreateRequestInput) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", input, &resp)
	return resp, err
}

// GetRequest fetches one request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRequests lists requests where the authenticated user is a participant,
// optionally filtered by status.
func (c *Client) ListRequests(ctx context.Context, status string) ([]Request, error) {
	endpoint := "requests"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Request
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Accept accepts a pending request, optionally with a negotiated price.
func (c *Client) Accept(ctx context.Context, id string, negotiatedPrice *float64) (Request, error) {
	body := map[string]any{}
	if negotiatedPrice != nil {
		body["negotiatedPrice"] = *negotiatedPrice
	}
	var resp Request
	err := c.do(ctx, http.MethodPut, "requests/"+url.PathEscape(id)+"/accept", body, &resp)
	return resp, err
}

// Reject rejects a pending request with a reason.
func (c *Client) Reject(ctx context.Context, id, reason string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPut, "requests/"+url.PathEscape(id)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Start starts an accepted request.
func (c *Client) Start(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPut, "requests/"+url.PathEscape(id)+"/start", nil, &resp)
	return resp, err
}

// Complete completes an in-progress request.
func (c *Client) Complete(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPut, "requests/"+url.PathEscape(id)+"/complete", nil, &resp)
	return resp, err
}

// Cancel cancels a request with a reason.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPut, "requests/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Events returns a request's audit events.
func (c *Client) Events(ctx context.Context, requestID string, limit int) ([]Event, error) {
	endpoint := "requests/" + url.PathEscape(requestID) + "/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return err
	}
	if resp.StatusCode >= 300 || !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
