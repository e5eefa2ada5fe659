package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"draftgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const workflowColumns = `id,entity_type,entity_id,operation,payload_json,status,previous_status,assigned_to,priority,due_date,submitted_at,started_at,completed_at,created_by,created_at,updated_at`

func scanWorkflow(scan func(dest ...any) error) (domain.Workflow, error) {
	var w domain.Workflow
	var entityID, previousStatus, assignedTo, dueDate, submittedAt, startedAt, completedAt sql.NullString
	err := scan(&w.ID, &w.EntityType, &entityID, &w.Operation, &w.PayloadJSON, &w.Status, &previousStatus, &assignedTo,
		&w.Priority, &dueDate, &submittedAt, &startedAt, &completedAt, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if entityID.Valid {
		w.EntityID = &entityID.String
	}
	if previousStatus.Valid {
		w.PreviousStatus = &previousStatus.String
	}
	if assignedTo.Valid {
		w.AssignedTo = &assignedTo.String
	}
	if dueDate.Valid {
		w.DueDate = &dueDate.String
	}
	if submittedAt.Valid {
		w.SubmittedAt = &submittedAt.String
	}
	if startedAt.Valid {
		w.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		w.CompletedAt = &completedAt.String
	}
	return w, nil
}

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(`+workflowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.EntityType, nullableStringPtr(w.EntityID), w.Operation, w.PayloadJSON, w.Status,
		nullableStringPtr(w.PreviousStatus), nullableStringPtr(w.AssignedTo), w.Priority,
		nullableStringPtr(w.DueDate), nullableStringPtr(w.SubmittedAt), nullableStringPtr(w.StartedAt),
		nullableStringPtr(w.CompletedAt), w.CreatedBy, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id)
	return scanWorkflow(row.Scan)
}

// ClaimWorkflow atomically assigns a pending_review workflow to a reviewer.
// Returns false when another reviewer already holds it or the workflow is
// not in pending_review.
func (r Repo) ClaimWorkflow(ctx context.Context, tx *sql.Tx, id, reviewerID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE workflows
SET status=?, previous_status=status, assigned_to=?, started_at=?, updated_at=?
WHERE id=? AND status=? AND assigned_to IS NULL`,
		domain.StatusInReview, reviewerID, now, now, id, domain.StatusPendingReview)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkSubmitted moves a workflow into pending_review. The from status guards
// against concurrent duplicate submissions.
func (r Repo) MarkSubmitted(ctx context.Context, tx *sql.Tx, id, from, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE workflows
SET status=?, previous_status=status, submitted_at=COALESCE(submitted_at,?), updated_at=?
WHERE id=? AND status=?`,
		domain.StatusPendingReview, now, now, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkAutoApproved short-circuits a submission straight to approved.
func (r Repo) MarkAutoApproved(ctx context.Context, tx *sql.Tx, id, from, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE workflows
SET status=?, previous_status=status, submitted_at=COALESCE(submitted_at,?), completed_at=?, updated_at=?
WHERE id=? AND status=?`,
		domain.StatusApproved, now, now, now, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DecideWorkflow applies a terminal decision (approved or rejected) by the
// assigned reviewer, clearing the assignment.
func (r Repo) DecideWorkflow(ctx context.Context, tx *sql.Tx, id, reviewerID, toStatus, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE workflows
SET status=?, previous_status=status, assigned_to=NULL, completed_at=?, updated_at=?
WHERE id=? AND status=? AND assigned_to=?`,
		toStatus, now, now, id, domain.StatusInReview, reviewerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseForChanges moves an in_review workflow back to changes_requested and
// releases the reviewer's claim.
func (r Repo) ReleaseForChanges(ctx context.Context, tx *sql.Tx, id, reviewerID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE workflows
SET status=?, previous_status=status, assigned_to=NULL, updated_at=?
WHERE id=? AND status=? AND assigned_to=?`,
		domain.StatusChangesRequested, now, id, domain.StatusInReview, reviewerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateWorkflowPayload replaces the payload while the workflow is editable.
func (r Repo) UpdateWorkflowPayload(ctx context.Context, tx *sql.Tx, id, from, payloadJSON, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET payload_json=?, updated_at=? WHERE id=? AND status=?`,
		payloadJSON, now, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteWorkflow hard-deletes a workflow from the given status. Dependent
// approval and assignment rows are removed in the same transaction so cancel
// never leaves orphans.
func (r Repo) DeleteWorkflow(ctx context.Context, tx *sql.Tx, id, from string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id=? AND status=?`, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM approvals WHERE workflow_id=?`, id); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_assignments WHERE workflow_id=?`, id); err != nil {
		return false, err
	}
	return true, nil
}

type WorkflowFilters struct {
	EntityType string
	Status     string
	AssignedTo string
	CreatedBy  string
	Mine       bool
	ActingUser string
	Page       int
	Limit      int
}

// ListWorkflows returns one page of the workflow directory plus the total
// count across all pages. Pages are 1-indexed; ordering is newest-created
// first with id as tiebreak.
func (r Repo) ListWorkflows(ctx context.Context, f WorkflowFilters) ([]domain.Workflow, int, error) {
	var clauses []string
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.Mine && f.ActingUser != "" {
		clauses = append(clauses, "(created_by=? OR assigned_to=?)")
		args = append(args, f.ActingUser, f.ActingUser)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM workflows `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows ` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, (page-1)*limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, w)
	}
	return res, total, rows.Err()
}

func (r Repo) CountWorkflowsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// UpsertWorkflowConfig writes the per-entity-type approval configuration.
func (r Repo) UpsertWorkflowConfig(ctx context.Context, cfg domain.WorkflowConfig) error {
	roles, err := marshalStringSlice(cfg.AutoApproveForRoles)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workflow_configs(entity_type,requires_approval,auto_approve_roles_json,min_approvers,notify_on_submit,notify_on_complete,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(entity_type) DO UPDATE SET requires_approval=excluded.requires_approval, auto_approve_roles_json=excluded.auto_approve_roles_json, min_approvers=excluded.min_approvers, notify_on_submit=excluded.notify_on_submit, notify_on_complete=excluded.notify_on_complete, updated_at=excluded.updated_at`,
		cfg.EntityType, boolToInt(cfg.RequiresApproval), nullableStringPtr(roles), cfg.MinApprovers,
		boolToInt(cfg.NotifyOnSubmit), boolToInt(cfg.NotifyOnComplete), now, now)
	return err
}

func (r Repo) GetWorkflowConfig(ctx context.Context, entityType string) (domain.WorkflowConfig, error) {
	var cfg domain.WorkflowConfig
	var requiresApproval, notifySubmit, notifyComplete int
	var roles sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT entity_type,requires_approval,auto_approve_roles_json,min_approvers,notify_on_submit,notify_on_complete,created_at,updated_at FROM workflow_configs WHERE entity_type=?`, entityType).
		Scan(&cfg.EntityType, &requiresApproval, &roles, &cfg.MinApprovers, &notifySubmit, &notifyComplete, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return cfg, ErrNotFound
	}
	if err != nil {
		return cfg, err
	}
	cfg.RequiresApproval = requiresApproval != 0
	cfg.NotifyOnSubmit = notifySubmit != 0
	cfg.NotifyOnComplete = notifyComplete != 0
	if roles.Valid {
		_ = json.Unmarshal([]byte(roles.String), &cfg.AutoApproveForRoles)
	}
	return cfg, nil
}

func (r Repo) ListWorkflowConfigs(ctx context.Context) ([]domain.WorkflowConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT entity_type,requires_approval,auto_approve_roles_json,min_approvers,notify_on_submit,notify_on_complete,created_at,updated_at FROM workflow_configs ORDER BY entity_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowConfig
	for rows.Next() {
		var cfg domain.WorkflowConfig
		var requiresApproval, notifySubmit, notifyComplete int
		var roles sql.NullString
		if err := rows.Scan(&cfg.EntityType, &requiresApproval, &roles, &cfg.MinApprovers, &notifySubmit, &notifyComplete, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, err
		}
		cfg.RequiresApproval = requiresApproval != 0
		cfg.NotifyOnSubmit = notifySubmit != 0
		cfg.NotifyOnComplete = notifyComplete != 0
		if roles.Valid {
			_ = json.Unmarshal([]byte(roles.String), &cfg.AutoApproveForRoles)
		}
		res = append(res, cfg)
	}
	return res, rows.Err()
}

// LatestEventsFrom returns the newest ledger events before the cursor.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the highest event id, or zero when the ledger is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(max(id),0) FROM events`).Scan(&id)
	return id, err
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
