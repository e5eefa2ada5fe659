package draftgatesdk

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

// Client is a minimal Draftgate HTTP API client.
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

// Workflow represents the API workflow model.
type Workflow struct {
	ID          string         `json:"id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id,omitempty"`
	Operation   string         `json:"operation"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	Priority    int            `json:"priority"`
	DueDate     string         `json:"due_date,omitempty"`
	SubmittedAt string         `json:"submitted_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// Approval represents an audit trail entry.
type Approval struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflow_id"`
	ReviewerID   string `json:"reviewer_id"`
	ReviewerName string `json:"reviewer_name,omitempty"`
	Action       string `json:"action"`
	Comment      string `json:"comment,omitempty"`
	FromStatus   string `json:"from_status"`
	ToStatus     string `json:"to_status"`
	CreatedAt    string `json:"created_at"`
}

// WorkflowConfig represents the per-entity-type approval policy.
type WorkflowConfig struct {
	EntityType          string   `json:"entity_type"`
	RequiresApproval    bool     `json:"requires_approval"`
	AutoApproveForRoles []string `json:"auto_approve_for_roles"`
	MinApprovers        int      `json:"min_approvers"`
	NotifyOnSubmit      bool     `json:"notify_on_submit"`
	NotifyOnComplete    bool     `json:"notify_on_complete"`
}

// Event represents a ledger entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// WorkflowPage wraps the workflow directory listing.
type WorkflowPage struct {
	Items []Workflow `json:"items"`
	Total int        `json:"total"`
	Page  int        `json:"page"`
	Limit int        `json:"limit"`
}

// EventPage wraps event listings with a cursor.
type EventPage struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ListOptions are workflow directory filters.
type ListOptions struct {
	EntityType string
	Status     string
	AssignedTo string
	CreatedBy  string
	Mine       bool
	Page       int
	Limit      int
}

// CreateWorkflow opens a new draft.
func (c *Client) CreateWorkflow(ctx context.Context, entityType, operation string, payload map[string]any) (Workflow, error) {
	body := map[string]any{
		"entity_type": entityType,
		"operation":   operation,
		"payload":     payload,
	}
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "v0/workflows", body, &resp)
	return resp, err
}

// GetWorkflow fetches a workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "v0/workflows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListWorkflows queries the workflow directory.
func (c *Client) ListWorkflows(ctx context.Context, opts ListOptions) (WorkflowPage, error) {
	q := url.Values{}
	if opts.EntityType != "" {
		q.Set("entity_type", opts.EntityType)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.AssignedTo != "" {
		q.Set("assigned_to", opts.AssignedTo)
	}
	if opts.CreatedBy != "" {
		q.Set("created_by", opts.CreatedBy)
	}
	if opts.Mine {
		q.Set("mine", "true")
	}
	if opts.Page > 0 {
		q.Set("page", fmt.Sprintf("%d", opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	endpoint := "v0/workflows"
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp WorkflowPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Submit moves a workflow into review (or auto-approval).
func (c *Client) Submit(ctx context.Context, id string) (Workflow, error) {
	return c.transition(ctx, id, "submit", "")
}

// Claim takes exclusive review of a pending workflow.
func (c *Client) Claim(ctx context.Context, id string) (Workflow, error) {
	return c.transition(ctx, id, "claim", "")
}

// Approve records the approve decision.
func (c *Client) Approve(ctx context.Context, id, comment string) (Workflow, error) {
	return c.transition(ctx, id, "approve", comment)
}

// Reject records the reject decision. Comment required.
func (c *Client) Reject(ctx context.Context, id, comment string) (Workflow, error) {
	return c.transition(ctx, id, "reject", comment)
}

// RequestChanges sends the workflow back to its creator. Comment required.
func (c *Client) RequestChanges(ctx context.Context, id, comment string) (Workflow, error) {
	return c.transition(ctx, id, "request-changes", comment)
}

func (c *Client) transition(ctx context.Context, id, action, comment string) (Workflow, error) {
	var body any
	if comment != "" {
		body = map[string]any{"comment": comment}
	} else {
		body = map[string]any{}
	}
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "v0/workflows/"+url.PathEscape(id)+"/"+action, body, &resp)
	return resp, err
}

// Comment records a non-transition remark.
func (c *Client) Comment(ctx context.Context, id, comment string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "v0/workflows/"+url.PathEscape(id)+"/comments", map[string]any{"comment": comment}, &resp)
	return resp, err
}

// UpdatePayload replaces the proposed document of an editable workflow.
func (c *Client) UpdatePayload(ctx context.Context, id string, payload map[string]any) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPatch, "v0/workflows/"+url.PathEscape(id), map[string]any{"payload": payload}, &resp)
	return resp, err
}

// Cancel deletes a workflow that has not entered review.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/workflows/"+url.PathEscape(id), nil, nil)
}

// History returns the chronological approval trail.
func (c *Client) History(ctx context.Context, id string) ([]Approval, error) {
	var resp []Approval
	err := c.do(ctx, http.MethodGet, "v0/workflows/"+url.PathEscape(id)+"/history", nil, &resp)
	return resp, err
}

// GetConfig fetches the approval policy for an entity type.
func (c *Client) GetConfig(ctx context.Context, entityType string) (WorkflowConfig, error) {
	var resp WorkflowConfig
	err := c.do(ctx, http.MethodGet, "v0/configs/"+url.PathEscape(entityType), nil, &resp)
	return resp, err
}

// UpsertConfig writes the approval policy for an entity type.
func (c *Client) UpsertConfig(ctx context.Context, cfg WorkflowConfig) (WorkflowConfig, error) {
	body := map[string]any{
		"requires_approval":      cfg.RequiresApproval,
		"auto_approve_for_roles": cfg.AutoApproveForRoles,
		"notify_on_submit":       cfg.NotifyOnSubmit,
		"notify_on_complete":     cfg.NotifyOnComplete,
	}
	if cfg.MinApprovers > 0 {
		body["min_approvers"] = cfg.MinApprovers
	}
	var resp WorkflowConfig
	err := c.do(ctx, http.MethodPut, "v0/configs/"+url.PathEscape(cfg.EntityType), body, &resp)
	return resp, err
}

// Events returns a page of the event ledger.
func (c *Client) Events(ctx context.Context, limit int, cursor string) (EventPage, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
