package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"draftgate/internal/domain"
	"draftgate/internal/events"
	"draftgate/internal/policy"
	"draftgate/internal/repo"
)

// Identity is the opaque authenticated-user identity supplied by the auth
// collaborator. Roles may be empty, in which case the stored role table is
// consulted when policy needs them.
type Identity struct {
	ID    string
	Roles []string
}

// Applier receives the approved change for materialization by the content
// subsystem. Invoked after the approving transaction commits.
type Applier interface {
	ApplyApproved(ctx context.Context, w domain.Workflow) error
}

// NoopApplier is the default extension point: it does nothing.
type NoopApplier struct{}

func (NoopApplier) ApplyApproved(context.Context, domain.Workflow) error { return nil }

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Policy  policy.Resolver
	Applier Applier
	Now     func() time.Time
}

func New(db *sql.DB) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Policy:  policy.Resolver{Repo: r},
		Applier: NoopApplier{},
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

var validate = validator.New()

// legalFrom is the transition table: the statuses each action may fire from.
// It is the single point of truth for legality; nothing else inspects status.
var legalFrom = map[string][]string{
	"submit":          {domain.StatusDraft, domain.StatusChangesRequested},
	"claim":           {domain.StatusPendingReview},
	"approve":         {domain.StatusInReview},
	"reject":          {domain.StatusInReview},
	"request_changes": {domain.StatusInReview},
	"update_payload":  {domain.StatusDraft, domain.StatusChangesRequested},
	"cancel":          {domain.StatusDraft, domain.StatusPendingReview},
}

func ensureTransition(w domain.Workflow, action string) error {
	if w.Terminal() {
		return StateConflictError{WorkflowID: w.ID, Status: w.Status, Action: action}
	}
	for _, s := range legalFrom[action] {
		if w.Status == s {
			return nil
		}
	}
	return StateConflictError{WorkflowID: w.ID, Status: w.Status, Action: action}
}

// CreateOptions are parameters for creating a workflow.
type CreateOptions struct {
	EntityType  string `validate:"required"`
	EntityID    string
	Operation   string `validate:"required,oneof=create update delete"`
	PayloadJSON string `validate:"required"`
	Priority    int
	DueDate     string
	Actor       Identity
}

// CreateWorkflow opens a new workflow in draft.
func (e Engine) CreateWorkflow(ctx context.Context, opts CreateOptions) (domain.Workflow, error) {
	if err := validate.Struct(opts); err != nil {
		return domain.Workflow{}, ValidationError{Msg: err.Error()}
	}
	if !json.Valid([]byte(opts.PayloadJSON)) {
		return domain.Workflow{}, ValidationError{Msg: "payload must be valid JSON"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	w := domain.Workflow{
		ID:          uuid.New().String(),
		EntityType:  opts.EntityType,
		Operation:   opts.Operation,
		PayloadJSON: opts.PayloadJSON,
		Status:      domain.StatusDraft,
		Priority:    opts.Priority,
		CreatedBy:   opts.Actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.EntityID != "" {
		w.EntityID = &opts.EntityID
	}
	if opts.DueDate != "" {
		if _, err := time.Parse(time.RFC3339, opts.DueDate); err != nil {
			return domain.Workflow{}, ValidationError{Msg: "due_date must be RFC3339"}
		}
		w.DueDate = &opts.DueDate
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, opts.Actor.ID, now); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Repo.InsertWorkflow(ctx, tx, w); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.created", "workflow", w.ID, opts.Actor.ID, events.EventPayload{
		"entity_type": w.EntityType,
		"operation":   w.Operation,
	}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// Submit moves a draft or changes_requested workflow into review, or straight
// to approved when the auto-approval policy applies. Policy is re-evaluated
// on every submission.
func (e Engine) Submit(ctx context.Context, id string, actor Identity) (domain.Workflow, error) {
	w, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return w, err
	}
	if err := ensureTransition(w, "submit"); err != nil {
		return w, err
	}
	if w.CreatedBy != actor.ID {
		return w, AuthorizationError{UserID: actor.ID, Action: "submit"}
	}
	roles, err := e.actorRoles(ctx, actor)
	if err != nil {
		return w, err
	}
	autoApprove, err := e.Policy.ShouldAutoApprove(ctx, w.EntityType, roles)
	if err != nil {
		return w, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	var ok bool
	if autoApprove {
		ok, err = e.Repo.MarkAutoApproved(ctx, tx, w.ID, w.Status, now)
	} else {
		ok, err = e.Repo.MarkSubmitted(ctx, tx, w.ID, w.Status, now)
	}
	if err != nil {
		return w, err
	}
	if !ok {
		return e.conflict(ctx, w.ID, "submit")
	}
	evtType := "workflow.submitted"
	if autoApprove {
		evtType = "workflow.auto_approved"
	}
	if err := e.Events.Append(ctx, tx, evtType, "workflow", w.ID, actor.ID, events.EventPayload{
		"entity_type": w.EntityType,
	}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	updated, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return updated, err
	}
	if autoApprove {
		if err := e.applyApproved(ctx, updated); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// Claim gives a reviewer exclusive review rights. The conditional update is
// the only defence against two reviewers racing for the same workflow; zero
// rows affected means the claim was lost, never that it succeeded.
func (e Engine) Claim(ctx context.Context, id string, actor Identity) (domain.Workflow, error) {
	w, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return w, err
	}
	if err := ensureTransition(w, "claim"); err != nil {
		return w, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, actor.ID, now); err != nil {
		return w, err
	}
	ok, err := e.Repo.ClaimWorkflow(ctx, tx, w.ID, actor.ID, now)
	if err != nil {
		return w, err
	}
	if !ok {
		return e.conflict(ctx, w.ID, "claim")
	}
	if err := e.Events.Append(ctx, tx, "workflow.claimed", "workflow", w.ID, actor.ID, nil); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return e.Repo.GetWorkflow(ctx, id)
}

// Approve records the terminal approve decision by the assigned reviewer and
// hands the change to the applier.
func (e Engine) Approve(ctx context.Context, id string, actor Identity, comment string) (domain.Workflow, error) {
	w, err := e.decide(ctx, id, actor, domain.ActionApprove, domain.StatusApproved, comment, false)
	if err != nil {
		return w, err
	}
	if err := e.applyApproved(ctx, w); err != nil {
		return w, err
	}
	return w, nil
}

// Reject records the terminal reject decision. A comment is required.
func (e Engine) Reject(ctx context.Context, id string, actor Identity, comment string) (domain.Workflow, error) {
	return e.decide(ctx, id, actor, domain.ActionReject, domain.StatusRejected, comment, true)
}

// RequestChanges returns the workflow to the creator for another edit/submit
// cycle and releases the reviewer's claim. A comment is required.
func (e Engine) RequestChanges(ctx context.Context, id string, actor Identity, comment string) (domain.Workflow, error) {
	return e.decide(ctx, id, actor, domain.ActionRequestChanges, domain.StatusChangesRequested, comment, true)
}

func (e Engine) decide(ctx context.Context, id string, actor Identity, action, toStatus, comment string, commentRequired bool) (domain.Workflow, error) {
	w, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return w, err
	}
	if err := ensureTransition(w, action); err != nil {
		return w, err
	}
	if w.AssignedTo == nil || *w.AssignedTo != actor.ID {
		return w, AuthorizationError{UserID: actor.ID, Action: action}
	}
	if commentRequired && strings.TrimSpace(comment) == "" {
		return w, ValidationError{Msg: "comment is required for " + action}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	var ok bool
	if toStatus == domain.StatusChangesRequested {
		ok, err = e.Repo.ReleaseForChanges(ctx, tx, w.ID, actor.ID, now)
	} else {
		ok, err = e.Repo.DecideWorkflow(ctx, tx, w.ID, actor.ID, toStatus, now)
	}
	if err != nil {
		return w, err
	}
	if !ok {
		return e.conflict(ctx, w.ID, action)
	}
	approval := domain.Approval{
		ID:         uuid.New().String(),
		WorkflowID: w.ID,
		ReviewerID: actor.ID,
		Action:     action,
		Comment:    strings.TrimSpace(comment),
		FromStatus: w.Status,
		ToStatus:   toStatus,
		CreatedAt:  now,
	}
	if err := e.Repo.InsertApproval(ctx, tx, approval); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, decisionEventType(action), "workflow", w.ID, actor.ID, events.EventPayload{
		"from_status": w.Status,
		"to_status":   toStatus,
	}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return e.Repo.GetWorkflow(ctx, id)
}

func decisionEventType(action string) string {
	switch action {
	case domain.ActionApprove:
		return "workflow.approved"
	case domain.ActionReject:
		return "workflow.rejected"
	default:
		return "workflow.changes_requested"
	}
}

// Comment records a non-transition remark. Allowed for any authenticated
// caller in any status.
func (e Engine) Comment(ctx context.Context, id string, actor Identity, comment string) (domain.Approval, error) {
	if strings.TrimSpace(comment) == "" {
		return domain.Approval{}, ValidationError{Msg: "comment is required"}
	}
	w, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return domain.Approval{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	approval := domain.Approval{
		ID:         uuid.New().String(),
		WorkflowID: w.ID,
		ReviewerID: actor.ID,
		Action:     domain.ActionComment,
		Comment:    strings.TrimSpace(comment),
		FromStatus: w.Status,
		ToStatus:   w.Status,
		CreatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return approval, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, actor.ID, now); err != nil {
		return approval, err
	}
	if err := e.Repo.InsertApproval(ctx, tx, approval); err != nil {
		return approval, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.commented", "workflow", w.ID, actor.ID, nil); err != nil {
		return approval, err
	}
	if err := tx.Commit(); err != nil {
		return approval, err
	}
	return approval, nil
}

// UpdatePayload replaces the proposed document while the workflow is
// editable. Creator only; no status change.
func (e Engine) UpdatePayload(ctx context.Context, id string, actor Identity, payloadJSON string) (domain.Workflow, error) {
	if !json.Valid([]byte(payloadJSON)) {
		return domain.Workflow{}, ValidationError{Msg: "payload must be valid JSON"}
	}
	w, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return w, err
	}
	if err := ensureTransition(w, "update_payload"); err != nil {
		return w, err
	}
	if w.CreatedBy != actor.ID {
		return w, AuthorizationError{UserID: actor.ID, Action: "update payload of"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.UpdateWorkflowPayload(ctx, tx, w.ID, w.Status, payloadJSON, now)
	if err != nil {
		return w, err
	}
	if !ok {
		return e.conflict(ctx, w.ID, "update_payload")
	}
	if err := e.Events.Append(ctx, tx, "workflow.payload_updated", "workflow", w.ID, actor.ID, nil); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return e.Repo.GetWorkflow(ctx, id)
}

// Cancel hard-deletes a workflow that has not yet entered review. Approval
// and assignment rows are removed with it.
func (e Engine) Cancel(ctx context.Context, id string, actor Identity) error {
	w, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if err := ensureTransition(w, "cancel"); err != nil {
		return err
	}
	if w.CreatedBy != actor.ID {
		return AuthorizationError{UserID: actor.ID, Action: "cancel"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.DeleteWorkflow(ctx, tx, w.ID, w.Status)
	if err != nil {
		return err
	}
	if !ok {
		_, err := e.conflict(ctx, w.ID, "cancel")
		return err
	}
	if err := e.Events.Append(ctx, tx, "workflow.canceled", "workflow", w.ID, actor.ID, events.EventPayload{
		"entity_type": w.EntityType,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// History returns the chronological approval trail for a workflow.
func (e Engine) History(ctx context.Context, id string) ([]domain.Approval, error) {
	if _, err := e.Repo.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListApprovalsByWorkflow(ctx, id)
}

// AddAssignment declares a reviewer/approver/observer relationship. Reserved
// for a multi-reviewer extension; not consulted by transitions.
func (e Engine) AddAssignment(ctx context.Context, workflowID, userID, role string, actor Identity) (domain.WorkflowAssignment, error) {
	switch role {
	case "reviewer", "approver", "observer":
	default:
		return domain.WorkflowAssignment{}, ValidationError{Msg: "role must be reviewer, approver or observer"}
	}
	if _, err := e.Repo.GetWorkflow(ctx, workflowID); err != nil {
		return domain.WorkflowAssignment{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.WorkflowAssignment{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		UserID:     userID,
		Role:       role,
		CreatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, userID, now); err != nil {
		return a, err
	}
	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.assignment_added", "workflow", workflowID, actor.ID, events.EventPayload{
		"user_id": userID,
		"role":    role,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// conflict resolves a zero-rows conditional update into a distinguishable
// error: the row vanished (not found) or its status moved under us.
func (e Engine) conflict(ctx context.Context, id, action string) (domain.Workflow, error) {
	current, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return current, err
	}
	return current, StateConflictError{WorkflowID: id, Status: current.Status, Action: action}
}

func (e Engine) actorRoles(ctx context.Context, actor Identity) ([]string, error) {
	if len(actor.Roles) > 0 {
		return actor.Roles, nil
	}
	return e.Repo.UserRoles(ctx, actor.ID)
}

func (e Engine) applyApproved(ctx context.Context, w domain.Workflow) error {
	if e.Applier == nil {
		return nil
	}
	if err := e.Applier.ApplyApproved(ctx, w); err != nil {
		return ApplyError{Err: err}
	}
	return nil
}
