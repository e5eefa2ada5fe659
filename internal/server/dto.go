package server

import (
	"encoding/json"

	"draftgate/internal/domain"
)

// Request payloads

type CreateWorkflowRequest struct {
	EntityType  string         `json:"entity_type"`
	EntityID    *string        `json:"entity_id,omitempty"`
	Operation   string         `json:"operation" enum:"create,update,delete"`
	Payload     map[string]any `json:"payload"`
	Priority    *int           `json:"priority,omitempty"`
	DueDate     *string        `json:"due_date,omitempty" format:"date-time"`
}

type UpdatePayloadRequest struct {
	Payload map[string]any `json:"payload"`
}

type DecisionRequest struct {
	Comment string `json:"comment,omitempty"`
}

type CommentRequest struct {
	Comment string `json:"comment"`
}

type AssignmentRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" enum:"reviewer,approver,observer"`
}

type UpsertConfigRequest struct {
	RequiresApproval    bool     `json:"requires_approval"`
	AutoApproveForRoles []string `json:"auto_approve_for_roles,omitempty"`
	MinApprovers        *int     `json:"min_approvers,omitempty"`
	NotifyOnSubmit      bool     `json:"notify_on_submit,omitempty"`
	NotifyOnComplete    bool     `json:"notify_on_complete,omitempty"`
}

type RoleChangeRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

// Response payloads

type WorkflowResponse struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entity_type"`
	EntityID       *string        `json:"entity_id,omitempty"`
	Operation      string         `json:"operation" enum:"create,update,delete"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status" enum:"draft,pending_review,in_review,changes_requested,approved,rejected"`
	PreviousStatus *string        `json:"previous_status,omitempty"`
	AssignedTo     *string        `json:"assigned_to,omitempty"`
	Priority       int            `json:"priority"`
	DueDate        *string        `json:"due_date,omitempty" format:"date-time"`
	SubmittedAt    *string        `json:"submitted_at,omitempty" format:"date-time"`
	StartedAt      *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string        `json:"completed_at,omitempty" format:"date-time"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

type ApprovalResponse struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflow_id"`
	ReviewerID   string `json:"reviewer_id"`
	ReviewerName string `json:"reviewer_name,omitempty"`
	Action       string `json:"action" enum:"approve,reject,request_changes,comment"`
	Comment      string `json:"comment,omitempty"`
	FromStatus   string `json:"from_status"`
	ToStatus     string `json:"to_status"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type AssignmentResponse struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	UserID     string `json:"user_id"`
	Role       string `json:"role" enum:"reviewer,approver,observer"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type ConfigResponse struct {
	EntityType          string   `json:"entity_type"`
	RequiresApproval    bool     `json:"requires_approval"`
	AutoApproveForRoles []string `json:"auto_approve_for_roles"`
	MinApprovers        int      `json:"min_approvers"`
	NotifyOnSubmit      bool     `json:"notify_on_submit"`
	NotifyOnComplete    bool     `json:"notify_on_complete"`
	UpdatedAt           string   `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only populated on creation; the plaintext is never stored.
	Key string `json:"key,omitempty"`
}

type MeResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	Source string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedWorkflows struct {
	Items []WorkflowResponse `json:"items"`
	Total int                `json:"total"`
	Page  int                `json:"page"`
	Limit int                `json:"limit"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func workflowResponse(w domain.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:             w.ID,
		EntityType:     w.EntityType,
		EntityID:       w.EntityID,
		Operation:      w.Operation,
		Payload:        decodeJSONMap(w.PayloadJSON),
		Status:         w.Status,
		PreviousStatus: w.PreviousStatus,
		AssignedTo:     w.AssignedTo,
		Priority:       w.Priority,
		DueDate:        w.DueDate,
		SubmittedAt:    w.SubmittedAt,
		StartedAt:      w.StartedAt,
		CompletedAt:    w.CompletedAt,
		CreatedBy:      w.CreatedBy,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
}

func approvalResponse(a domain.Approval) ApprovalResponse {
	return ApprovalResponse(a)
}

func assignmentResponse(a domain.WorkflowAssignment) AssignmentResponse {
	return AssignmentResponse(a)
}

func configResponse(cfg domain.WorkflowConfig) ConfigResponse {
	return ConfigResponse{
		EntityType:          cfg.EntityType,
		RequiresApproval:    cfg.RequiresApproval,
		AutoApproveForRoles: nonNilSlice(cfg.AutoApproveForRoles),
		MinApprovers:        cfg.MinApprovers,
		NotifyOnSubmit:      cfg.NotifyOnSubmit,
		NotifyOnComplete:    cfg.NotifyOnComplete,
		UpdatedAt:           cfg.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		UserID:    k.UserID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func mapWorkflows(items []domain.Workflow) []WorkflowResponse {
	res := make([]WorkflowResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workflowResponse(w))
	}
	return res
}

func mapApprovals(items []domain.Approval) []ApprovalResponse {
	res := make([]ApprovalResponse, 0, len(items))
	for _, a := range items {
		res = append(res, approvalResponse(a))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
