package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"draftgate/internal/domain"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   domain.WorkflowConfig
		roles []string
		want  bool
	}{
		{
			name: "approval not required",
			cfg:  domain.WorkflowConfig{EntityType: "content", RequiresApproval: false},
			want: true,
		},
		{
			name: "required with no bypass roles",
			cfg:  domain.WorkflowConfig{EntityType: "content", RequiresApproval: true},
			want: false,
		},
		{
			name:  "submitter holds a bypass role",
			cfg:   domain.WorkflowConfig{EntityType: "content", RequiresApproval: true, AutoApproveForRoles: []string{"admin", "editor_in_chief"}},
			roles: []string{"writer", "admin"},
			want:  true,
		},
		{
			name:  "submitter holds no bypass role",
			cfg:   domain.WorkflowConfig{EntityType: "content", RequiresApproval: true, AutoApproveForRoles: []string{"admin"}},
			roles: []string{"writer"},
			want:  false,
		},
		{
			name: "bypass roles configured but submitter has none",
			cfg:  domain.WorkflowConfig{EntityType: "content", RequiresApproval: true, AutoApproveForRoles: []string{"admin"}},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.cfg, tt.roles))
		})
	}
}
