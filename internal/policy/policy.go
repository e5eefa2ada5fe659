package policy

import (
	"context"
	"errors"

	"draftgate/internal/domain"
	"draftgate/internal/repo"
)

// Resolver decides whether a submission skips human review. It is evaluated
// at submit time, never at creation time, so role or config changes between
// draft and submission take effect.
type Resolver struct {
	Repo repo.Repo
}

// ShouldAutoApprove reports whether a submission by a user holding the given
// roles is approved without review. No config row for the entity type means
// approval is not required.
func (r Resolver) ShouldAutoApprove(ctx context.Context, entityType string, roles []string) (bool, error) {
	cfg, err := r.Repo.GetWorkflowConfig(ctx, entityType)
	if errors.Is(err, repo.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return Evaluate(cfg, roles), nil
}

// Evaluate applies the auto-approval rules to a loaded config record.
func Evaluate(cfg domain.WorkflowConfig, roles []string) bool {
	if !cfg.RequiresApproval {
		return true
	}
	if len(cfg.AutoApproveForRoles) == 0 {
		return false
	}
	allowed := make(map[string]struct{}, len(cfg.AutoApproveForRoles))
	for _, role := range cfg.AutoApproveForRoles {
		allowed[role] = struct{}{}
	}
	for _, role := range roles {
		if _, ok := allowed[role]; ok {
			return true
		}
	}
	return false
}
