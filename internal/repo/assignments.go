package repo

import (
	"context"
	"database/sql"

	"draftgate/internal/domain"
)

// Assignments declare reviewer/approver/observer relationships. They are
// reserved for a multi-reviewer extension; the engine never consults them
// when authorizing transitions.

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.WorkflowAssignment) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT OR IGNORE INTO workflow_assignments(id,workflow_id,user_id,role,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.WorkflowID, a.UserID, a.Role, a.CreatedAt)
	return err
}

func (r Repo) ListAssignmentsByWorkflow(ctx context.Context, workflowID string) ([]domain.WorkflowAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workflow_id,user_id,role,created_at FROM workflow_assignments WHERE workflow_id=? ORDER BY created_at ASC, id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowAssignment
	for rows.Next() {
		var a domain.WorkflowAssignment
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.UserID, &a.Role, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
