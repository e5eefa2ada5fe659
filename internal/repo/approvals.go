package repo

import (
	"context"
	"database/sql"

	"draftgate/internal/domain"
)

// InsertApproval appends one immutable audit record. Rows are never updated
// or deleted except when their workflow is canceled.
func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,workflow_id,reviewer_id,action,comment,from_status,to_status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkflowID, a.ReviewerID, a.Action, nullable(a.Comment), a.FromStatus, a.ToStatus, a.CreatedAt)
	return err
}

// ListApprovalsByWorkflow returns the full history oldest-first with the
// reviewer's display name denormalized for rendering.
func (r Repo) ListApprovalsByWorkflow(ctx context.Context, workflowID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT a.id, a.workflow_id, a.reviewer_id, COALESCE(u.display_name,''), a.action, COALESCE(a.comment,''), a.from_status, a.to_status, a.created_at
FROM approvals a
LEFT JOIN users u ON u.id=a.reviewer_id
WHERE a.workflow_id=?
ORDER BY a.created_at ASC, a.id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.ReviewerID, &a.ReviewerName, &a.Action, &a.Comment, &a.FromStatus, &a.ToStatus, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountApprovalsByAction returns how many records of one action exist for a
// workflow, used by tests and the CLI history summary.
func (r Repo) CountApprovalsByAction(ctx context.Context, workflowID, action string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM approvals WHERE workflow_id=? AND action=?`, workflowID, action).Scan(&n)
	return n, err
}
