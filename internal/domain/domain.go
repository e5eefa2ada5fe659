package domain

// Workflow statuses.
const (
	StatusDraft            = "draft"
	StatusPendingReview    = "pending_review"
	StatusInReview         = "in_review"
	StatusChangesRequested = "changes_requested"
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
)

// Approval actions.
const (
	ActionApprove        = "approve"
	ActionReject         = "reject"
	ActionRequestChanges = "request_changes"
	ActionComment        = "comment"
)

// Workflow operations.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

type Workflow struct {
	ID             string  `json:"id"`
	EntityType     string  `json:"entity_type"`
	EntityID       *string `json:"entity_id,omitempty"`
	Operation      string  `json:"operation" enum:"create,update,delete"`
	PayloadJSON    string  `json:"payload_json"`
	Status         string  `json:"status" enum:"draft,pending_review,in_review,changes_requested,approved,rejected"`
	PreviousStatus *string `json:"previous_status,omitempty"`
	AssignedTo     *string `json:"assigned_to,omitempty"`
	Priority       int     `json:"priority"`
	DueDate        *string `json:"due_date,omitempty" format:"date-time"`
	SubmittedAt    *string `json:"submitted_at,omitempty" format:"date-time"`
	StartedAt      *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedBy      string  `json:"created_by"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further transition is permitted.
func (w Workflow) Terminal() bool {
	return w.Status == StatusApproved || w.Status == StatusRejected
}

type Approval struct {
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

type WorkflowConfig struct {
	EntityType          string   `json:"entity_type"`
	RequiresApproval    bool     `json:"requires_approval"`
	AutoApproveForRoles []string `json:"auto_approve_for_roles,omitempty"`
	// MinApprovers is stored for future multi-approver aggregation; the
	// engine currently accepts a single approver.
	MinApprovers     int    `json:"min_approvers"`
	NotifyOnSubmit   bool   `json:"notify_on_submit"`
	NotifyOnComplete bool   `json:"notify_on_complete"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

type WorkflowAssignment struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	UserID     string `json:"user_id"`
	Role       string `json:"role" enum:"reviewer,approver,observer"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
