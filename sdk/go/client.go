package citylinesdk

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

// Client is a minimal Cityline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. "http://localhost:8311/v1".
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Complaint mirrors the API complaint model.
type Complaint struct {
	ID              int64     `json:"id"`
	ComplaintNumber string    `json:"complaint_number"`
	Type            string    `json:"type"`
	Description     string    `json:"description,omitempty"`
	Borough         string    `json:"borough,omitempty"`
	Agency          string    `json:"agency,omitempty"`
	Address         string    `json:"address,omitempty"`
	Status          string    `json:"status"`
	Priority        string    `json:"priority"`
	SubmittedAt     string    `json:"submitted_at"`
	ResolvedAt      *string   `json:"resolved_at,omitempty"`
	DueAt           *string   `json:"due_at,omitempty"`
	DeletedAt       *string   `json:"deleted_at,omitempty"`
	CreatedAt       string    `json:"created_at"`
	UpdatedAt       string    `json:"updated_at"`
	Analysis        *Analysis `json:"analysis,omitempty"`
}

// Analysis is the AI risk assessment attached to a complaint.
type Analysis struct {
	ID          int64    `json:"id"`
	ComplaintID int64    `json:"complaint_id"`
	RiskScore   float64  `json:"risk_score"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	Summary     string   `json:"summary"`
	Model       string   `json:"model,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

// Action is one entry of the append-only ledger.
type Action struct {
	ID          int64          `json:"id"`
	Type        string         `json:"type"`
	ComplaintID *int64         `json:"complaint_id,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	TriggeredBy string         `json:"triggered_by"`
	CreatedAt   string         `json:"created_at"`
}

// CreateComplaintRequest is the intake payload.
type CreateComplaintRequest struct {
	ComplaintNumber string `json:"complaint_number,omitempty"`
	Type            string `json:"type"`
	Description     string `json:"description,omitempty"`
	Borough         string `json:"borough,omitempty"`
	Agency          string `json:"agency,omitempty"`
	Address         string `json:"address,omitempty"`
	Priority        string `json:"priority,omitempty"`
	SubmittedAt     string `json:"submitted_at,omitempty"`
	DueAt           string `json:"due_at,omitempty"`
}

// UpdateComplaintRequest carries changed fields only.
type UpdateComplaintRequest struct {
	Type        *string `json:"type,omitempty"`
	Description *string `json:"description,omitempty"`
	Borough     *string `json:"borough,omitempty"`
	Agency      *string `json:"agency,omitempty"`
	Address     *string `json:"address,omitempty"`
	Status      *string `json:"status,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
	DueAt       *string `json:"due_at,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedActions wraps ledger listings with the advancing cursor.
type PaginatedActions struct {
	Items      []Action `json:"items"`
	NextCursor int64    `json:"next_cursor"`
}

// CreateComplaint submits a complaint, which queues its risk analysis.
func (c *Client) CreateComplaint(ctx context.Context, req CreateComplaintRequest) (Complaint, error) {
	var resp Complaint
	err := c.do(ctx, http.MethodPost, "complaints", req, &resp)
	return resp, err
}

// Complaint fetches one complaint with its analysis, when one exists.
func (c *Client) Complaint(ctx context.Context, id int64) (Complaint, error) {
	var resp Complaint
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("complaints/%d", id), nil, &resp)
	return resp, err
}

// Complaints lists complaints, optionally filtered by status.
func (c *Client) Complaints(ctx context.Context, status string, limit int) ([]Complaint, error) {
	endpoint := "complaints"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Complaint `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// UpdateComplaint patches a complaint. force bypasses the status transition
// check.
func (c *Client) UpdateComplaint(ctx context.Context, id int64, req UpdateComplaintRequest, force bool) (Complaint, error) {
	endpoint := fmt.Sprintf("complaints/%d", id)
	if force {
		endpoint += "?force=true"
	}
	var resp Complaint
	err := c.do(ctx, http.MethodPatch, endpoint, req, &resp)
	return resp, err
}

// DeleteComplaint soft-deletes a complaint.
func (c *Client) DeleteComplaint(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("complaints/%d", id), nil, nil)
}

// RestoreComplaint restores a soft-deleted complaint.
func (c *Client) RestoreComplaint(ctx context.Context, id int64) (Complaint, error) {
	var resp Complaint
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("complaints/%d/restore", id), nil, &resp)
	return resp, err
}

// Reanalyze queues a fresh risk analysis for a complaint.
func (c *Client) Reanalyze(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("complaints/%d/reanalyze", id), nil, nil)
}

// ComplaintActions lists the ledger entries for one complaint.
func (c *Client) ComplaintActions(ctx context.Context, id int64) ([]Action, error) {
	var resp struct {
		Items []Action `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("complaints/%d/actions", id), nil, &resp)
	return resp.Items, err
}

// Actions returns recent ledger entries, newest first.
func (c *Client) Actions(ctx context.Context, limit int) ([]Action, error) {
	endpoint := "actions"
	if limit > 0 {
		endpoint = fmt.Sprintf("actions?limit=%d", limit)
	}
	var resp PaginatedActions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ActionsAfter returns ledger entries with IDs above the cursor, oldest
// first, so a consumer can tail the ledger.
func (c *Client) ActionsAfter(ctx context.Context, cursor int64, limit int) (PaginatedActions, error) {
	endpoint := fmt.Sprintf("actions?after=%d", cursor)
	if limit > 0 {
		endpoint += fmt.Sprintf("&limit=%d", limit)
	}
	var resp PaginatedActions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// QueueDepth reports pipeline job counts by status.
func (c *Client) QueueDepth(ctx context.Context) (map[string]int, error) {
	var resp map[string]int
	err := c.do(ctx, http.MethodGet, "queue", nil, &resp)
	return resp, err
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
