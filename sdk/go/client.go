package repairlinesdk

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

// Client is a minimal Repairline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Visit represents the API visit model (partial).
type Visit struct {
	ID               string     `json:"id"`
	OrderID          string     `json:"order_id"`
	VisitType        string     `json:"visit_type"`
	Status           string     `json:"status"`
	ScheduledDate    *time.Time `json:"scheduled_date,omitempty"`
	TechnicianID     string     `json:"technician_id,omitempty"`
	PhotoIDs         []string   `json:"photo_ids,omitempty"`
	CompletionType   string     `json:"completion_type,omitempty"`
	ActualDuration   int        `json:"actual_duration"`
	RequiresFollowUp bool       `json:"requires_follow_up"`
}

// Order represents the API order model (partial).
type Order struct {
	ID               string  `json:"id"`
	OrderNumber      string  `json:"order_number"`
	Status           string  `json:"status"`
	NextStepRequired string  `json:"next_step_required,omitempty"`
	RepairCompleted  bool    `json:"repair_completed"`
	Visits           []Visit `json:"visits"`
}

// NewVisit describes a visit to create.
type NewVisit struct {
	VisitType     string     `json:"visit_type"`
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`
	Description   string     `json:"description,omitempty"`
	TechnicianID  string     `json:"technician_id,omitempty"`
}

// CreateOrder is the order creation payload.
type CreateOrder struct {
	OrderNumber string         `json:"order_number,omitempty"`
	Client      map[string]any `json:"client,omitempty"`
	Device      map[string]any `json:"device,omitempty"`
	Visits      []NewVisit     `json:"visits,omitempty"`
}

// Completion is the visit completion payload.
type Completion struct {
	CompletionType     string           `json:"completion_type"`
	Notes              string           `json:"notes,omitempty"`
	PhotoIDs           []string         `json:"photo_ids,omitempty"`
	CompletionPhotoIDs []string         `json:"completion_photo_ids"`
	DetectedModels     []map[string]any `json:"detected_models,omitempty"`
	SelectedParts      []map[string]any `json:"selected_parts,omitempty"`
	Payment            map[string]any   `json:"payment,omitempty"`
}

// CompletionResult summarizes a completed visit.
type CompletionResult struct {
	VisitID          string `json:"visit_id"`
	Status           string `json:"status"`
	CompletionType   string `json:"completion_type"`
	Duration         int    `json:"duration"`
	CompletionPhotos int    `json:"completion_photos"`
	TotalPhotos      int    `json:"total_photos"`
	ModelsDetected   int    `json:"models_detected"`
	RequiresFollowUp bool   `json:"requires_follow_up"`
	OrderStatus      string `json:"order_status"`
}

// AddVisitResult is returned when a visit is added to an order.
type AddVisitResult struct {
	Visit Visit `json:"visit"`
	Order struct {
		OrderID     string `json:"order_id"`
		OrderNumber string `json:"order_number"`
		Status      string `json:"status"`
		VisitsCount int    `json:"visits_count"`
	} `json:"order"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	OrderID    string         `json:"order_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Details come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// OutcomeUnknown reports whether the server could not tell if the write landed.
// Re-read the order before retrying.
func (e *APIError) OutcomeUnknown() bool {
	return e.Details["outcome"] == "unknown"
}

// CreateOrder creates an order with its initial visits.
func (c *Client) CreateOrder(ctx context.Context, in CreateOrder) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodPost, "orders", in, &resp)
	return resp, err
}

// Order fetches an order by id or order number.
func (c *Client) Order(ctx context.Context, ref string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodGet, "orders/"+url.PathEscape(ref), nil, &resp)
	return resp, err
}

// Orders lists orders, optionally by status.
func (c *Client) Orders(ctx context.Context, status string, limit int) ([]Order, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Order `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("orders", q), nil, &resp)
	return resp.Items, err
}

// AddVisit adds a follow-up visit to an order.
func (c *Client) AddVisit(ctx context.Context, orderRef string, v NewVisit) (AddVisitResult, error) {
	var resp AddVisitResult
	err := c.do(ctx, http.MethodPost, "orders/"+url.PathEscape(orderRef)+"/visits", v, &resp)
	return resp, err
}

// Visit fetches a visit.
func (c *Client) Visit(ctx context.Context, visitID string) (Visit, error) {
	var resp Visit
	err := c.do(ctx, http.MethodGet, visitPath(visitID, ""), nil, &resp)
	return resp, err
}

// StartWork opens a work session.
func (c *Client) StartWork(ctx context.Context, visitID string) (Visit, error) {
	var resp Visit
	err := c.do(ctx, http.MethodPost, visitPath(visitID, "start"), nil, &resp)
	return resp, err
}

// StopWork closes the open work session.
func (c *Client) StopWork(ctx context.Context, visitID string) (Visit, error) {
	var resp Visit
	err := c.do(ctx, http.MethodPost, visitPath(visitID, "stop"), nil, &resp)
	return resp, err
}

// CompleteVisit declares the visit outcome.
func (c *Client) CompleteVisit(ctx context.Context, visitID string, in Completion) (CompletionResult, error) {
	var resp CompletionResult
	err := c.do(ctx, http.MethodPost, visitPath(visitID, "complete"), in, &resp)
	return resp, err
}

// ScheduleVisit sets or moves the visit date.
func (c *Client) ScheduleVisit(ctx context.Context, visitID string, date time.Time) (Visit, error) {
	var resp Visit
	err := c.do(ctx, http.MethodPost, visitPath(visitID, "schedule"), map[string]any{"scheduled_date": date}, &resp)
	return resp, err
}

// CancelVisit cancels a visit.
func (c *Client) CancelVisit(ctx context.Context, visitID, reason string) (Visit, error) {
	var resp Visit
	err := c.do(ctx, http.MethodPost, visitPath(visitID, "cancel"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// AttachPhotos records photo ids on a visit.
func (c *Client) AttachPhotos(ctx context.Context, visitID string, photoIDs []string) (Visit, error) {
	var resp Visit
	err := c.do(ctx, http.MethodPost, visitPath(visitID, "photos"), map[string]any{"photo_ids": photoIDs}, &resp)
	return resp, err
}

// Events returns recent events, newest first, optionally for one order.
func (c *Client) Events(ctx context.Context, orderID string, limit int) ([]Event, error) {
	q := url.Values{}
	if orderID != "" {
		q.Set("order_id", orderID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func visitPath(visitID, action string) string {
	p := "visits/" + url.PathEscape(visitID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
