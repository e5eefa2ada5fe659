package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, userID, now string) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT OR IGNORE INTO users(id, created_at) VALUES (?,?)`, userID, now)
	return err
}

func (r Repo) SetUserDisplayName(ctx context.Context, userID, name string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE users SET display_name=? WHERE id=?`, nullable(name), userID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, userID, role string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO user_roles(user_id, role) VALUES (?,?)`, userID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, userID, role string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=? AND role=?`, userID, role)
	return err
}

// UserRoles returns the stored role slugs for a user. Callers whose identity
// already carries roles (JWT claims) do not need this.
func (r Repo) UserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id=? ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
