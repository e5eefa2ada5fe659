package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"draftgate/internal/db"
	"draftgate/internal/domain"
	"draftgate/internal/engine"
	"draftgate/internal/migrate"
	"draftgate/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func seedConfig(t *testing.T, env testEnv, cfg domain.WorkflowConfig) {
	t.Helper()
	if cfg.MinApprovers == 0 {
		cfg.MinApprovers = 1
	}
	if err := env.Engine.Repo.UpsertWorkflowConfig(env.Ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
}

func createDraft(t *testing.T, env testEnv, creator string) domain.Workflow {
	t.Helper()
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.CreateOptions{
		EntityType:  "content",
		Operation:   domain.OperationCreate,
		PayloadJSON: `{"title":"A"}`,
		Actor:       engine.Identity{ID: creator},
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if w.Status != domain.StatusDraft {
		t.Fatalf("expected draft, got %s", w.Status)
	}
	return w
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	var ve engine.ValidationError
	_, err := env.Engine.CreateWorkflow(env.Ctx, engine.CreateOptions{
		EntityType:  "content",
		Operation:   "publish",
		PayloadJSON: `{}`,
		Actor:       engine.Identity{ID: "alice"},
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for bad operation, got %v", err)
	}
	_, err = env.Engine.CreateWorkflow(env.Ctx, engine.CreateOptions{
		EntityType:  "content",
		Operation:   domain.OperationCreate,
		PayloadJSON: `{not json`,
		Actor:       engine.Identity{ID: "alice"},
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for bad payload, got %v", err)
	}
}

func TestSubmitAutoApprovedWhenNoConfig(t *testing.T) {
	env := newTestEnv(t)
	w := createDraft(t, env, "alice")
	got, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "alice"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", got.Status)
	}
	if got.SubmittedAt == nil || got.CompletedAt == nil {
		t.Fatalf("expected submitted_at and completed_at set")
	}
	history, err := env.Engine.History(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected zero approval records, got %d", len(history))
	}
}

func TestSubmitAutoApprovedWhenNotRequired(t *testing.T) {
	env := newTestEnv(t)
	seedConfig(t, env, domain.WorkflowConfig{EntityType: "content", RequiresApproval: false})
	w := createDraft(t, env, "alice")
	got, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "alice"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", got.Status)
	}
}

func TestSubmitAutoApprovedByRole(t *testing.T) {
	env := newTestEnv(t)
	seedConfig(t, env, domain.WorkflowConfig{
		EntityType:          "content",
		RequiresApproval:    true,
		AutoApproveForRoles: []string{"editor_in_chief"},
	})
	w := createDraft(t, env, "alice")
	got, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "alice", Roles: []string{"editor_in_chief"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != domain.StatusApproved {
		t.Fatalf("expected approved via role bypass, got %s", got.Status)
	}

	// without the role the workflow enters review
	w2 := createDraft(t, env, "alice")
	got2, err := env.Engine.Submit(env.Ctx, w2.ID, engine.Identity{ID: "alice", Roles: []string{"writer"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got2.Status != domain.StatusPendingReview {
		t.Fatalf("expected pending_review, got %s", got2.Status)
	}
	if got2.SubmittedAt == nil {
		t.Fatalf("expected submitted_at set")
	}
}

func TestSubmitWrongActor(t *testing.T) {
	env := newTestEnv(t)
	w := createDraft(t, env, "alice")
	var ae engine.AuthorizationError
	if _, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "mallory"}); !errors.As(err, &ae) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestClaimAndApprove(t *testing.T) {
	env := newTestEnv(t)
	seedConfig(t, env, domain.WorkflowConfig{EntityType: "content", RequiresApproval: true})
	w := createDraft(t, env, "alice")
	if _, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "alice"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, err := env.Engine.Claim(env.Ctx, w.ID, engine.Identity{ID: "bob"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.StatusInReview {
		t.Fatalf("expected in_review, got %s", claimed.Status)
	}
	if claimed.AssignedTo == nil || *claimed.AssignedTo != "bob" {
		t.Fatalf("expected assigned to bob")
	}
	if claimed.StartedAt == nil {
		t.Fatalf("expected started_at set")
	}

	// approve by someone other than the assignee is rejected
	var ae engine.AuthorizationError
	if _, err := env.Engine.Approve(env.Ctx, w.ID, engine.Identity{ID: "carol"}, ""); !errors.As(err, &ae) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	if err := env.Engine.Repo.SetUserDisplayName(env.Ctx, "bob", "Bob Reviewer"); err != nil {
		t.Fatalf("set display name: %v", err)
	}

	approved, err := env.Engine.Approve(env.Ctx, w.ID, engine.Identity{ID: "bob"}, "ok")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
	if approved.AssignedTo != nil {
		t.Fatalf("expected assignment cleared on terminal decision")
	}
	if approved.CompletedAt == nil {
		t.Fatalf("expected completed_at set")
	}
	history, err := env.Engine.History(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Action != domain.ActionApprove {
		t.Fatalf("expected one approve record, got %+v", history)
	}
	if history[0].FromStatus != domain.StatusInReview || history[0].ToStatus != domain.StatusApproved {
		t.Fatalf("unexpected from/to: %s -> %s", history[0].FromStatus, history[0].ToStatus)
	}
	if history[0].ReviewerName != "Bob Reviewer" {
		t.Fatalf("expected reviewer display name in history, got %q", history[0].ReviewerName)
	}
	count, err := env.Engine.Repo.CountApprovalsByAction(env.Ctx, w.ID, domain.ActionApprove)
	if err != nil {
		t.Fatalf("count approvals: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one approve record, got %d", count)
	}

	// terminal: no further transitions
	if !approved.Terminal() {
		t.Fatalf("approved workflow should be terminal")
	}
	var se engine.StateConflictError
	if _, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "alice"}); !errors.As(err, &se) {
		t.Fatalf("expected state conflict after terminal, got %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, w.ID, engine.Identity{ID: "carol"}); !errors.As(err, &se) {
		t.Fatalf("expected state conflict after terminal, got %v", err)
	}
}

func TestClaimRace(t *testing.T) {
	env := newTestEnv(t)
	seedConfig(t, env, domain.WorkflowConfig{EntityType: "content", RequiresApproval: true})
	w := createDraft(t, env, "alice")
	if _, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "alice"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	reviewers := []string{"bob", "carol"}
	errs := make([]error, len(reviewers))
	var wg sync.WaitGroup
	for i, reviewer := range reviewers {
		wg.Add(1)
		go func(i int, reviewer string) {
			defer wg.Done()
			_, errs[i] = env.Engine.Claim(env.Ctx, w.ID, engine.Identity{ID: reviewer})
		}(i, reviewer)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var se engine.StateConflictError
		if !errors.As(err, &se) {
			t.Fatalf("loser should see state conflict, got %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	final, err := env.Engine.Repo.GetWorkflow(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if final.AssignedTo == nil {
		t.Fatalf("expected an assignee after the race")
	}
}

func TestRequestChangesCycle(t *testing.T) {
	env := newTestEnv(t)
	seedConfig(t, env, domain.WorkflowConfig{EntityType: "content", RequiresApproval: true})
	w := createDraft(t, env, "alice")
	if _, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "alice"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, w.ID, engine.Identity{ID: "bob"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	changed, err := env.Engine.RequestChanges(env.Ctx, w.ID, engine.Identity{ID: "bob"}, "fix X")
	if err != nil {
		t.Fatalf("request changes: %v", err)
	}
	if changed.Status != domain.StatusChangesRequested {
		t.Fatalf("expected changes_requested, got %s", changed.Status)
	}
	if changed.AssignedTo != nil {
		t.Fatalf("expected claim released")
	}

	if _, err := env.Engine.UpdatePayload(env.Ctx, w.ID, engine.Identity{ID: "alice"}, `{"title":"B"}`); err != nil {
		t.Fatalf("update payload: %v", err)
	}
	resubmitted, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "alice"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if resubmitted.Status != domain.StatusPendingReview {
		t.Fatalf("expected pending_review after resubmit, got %s", resubmitted.Status)
	}

	// a different reviewer can claim after the release
	claimed, err := env.Engine.Claim(env.Ctx, w.ID, engine.Identity{ID: "carol"})
	if err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	if claimed.AssignedTo == nil || *claimed.AssignedTo != "carol" {
		t.Fatalf("expected carol assigned")
	}
}

func TestResubmitReevaluatesPolicy(t *testing.T) {
	env := newTestEnv(t)
	seedConfig(t, env, domain.WorkflowConfig{EntityType: "content", RequiresApproval: true})
	w := createDraft(t, env, "alice")
	if _, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "alice"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, w.ID, engine.Identity{ID: "bob"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.RequestChanges(env.Ctx, w.ID, engine.Identity{ID: "bob"}, "tighten intro"); err != nil {
		t.Fatalf("request changes: %v", err)
	}

	// config flips before the resubmission; the second submit must see it
	seedConfig(t, env, domain.WorkflowConfig{EntityType: "content", RequiresApproval: false})
	got, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "alice"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if got.Status != domain.StatusApproved {
		t.Fatalf("expected auto-approval on resubmit, got %s", got.Status)
	}
}

func TestRejectRequiresComment(t *testing.T) {
	env := newTestEnv(t)
	seedConfig(t, env, domain.WorkflowConfig{EntityType: "content", RequiresApproval: true})
	w := createDraft(t, env, "alice")
	if _, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "alice"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, w.ID, engine.Identity{ID: "bob"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	var ve engine.ValidationError
	if _, err := env.Engine.Reject(env.Ctx, w.ID, engine.Identity{ID: "bob"}, ""); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for empty comment, got %v", err)
	}
	if _, err := env.Engine.RequestChanges(env.Ctx, w.ID, engine.Identity{ID: "bob"}, "   "); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for whitespace comment, got %v", err)
	}
	rejected, err := env.Engine.Reject(env.Ctx, w.ID, engine.Identity{ID: "bob"}, "does not meet the style guide")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if rejected.AssignedTo != nil {
		t.Fatalf("expected assignment cleared")
	}
}

func TestCommentDoesNotTransition(t *testing.T) {
	env := newTestEnv(t)
	w := createDraft(t, env, "alice")
	a, err := env.Engine.Comment(env.Ctx, w.ID, engine.Identity{ID: "bob"}, "looks promising")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if a.FromStatus != a.ToStatus {
		t.Fatalf("comment must not transition: %s -> %s", a.FromStatus, a.ToStatus)
	}
	got, err := env.Engine.Repo.GetWorkflow(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusDraft {
		t.Fatalf("status changed by comment: %s", got.Status)
	}
	var ve engine.ValidationError
	if _, err := env.Engine.Comment(env.Ctx, w.ID, engine.Identity{ID: "bob"}, " "); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	seedConfig(t, env, domain.WorkflowConfig{EntityType: "content", RequiresApproval: true})

	// cancel from draft
	w := createDraft(t, env, "alice")
	if _, err := env.Engine.Comment(env.Ctx, w.ID, engine.Identity{ID: "bob"}, "note"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if err := env.Engine.Cancel(env.Ctx, w.ID, engine.Identity{ID: "alice"}); err != nil {
		t.Fatalf("cancel draft: %v", err)
	}
	if _, err := env.Engine.Repo.GetWorkflow(env.Ctx, w.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected workflow gone, got %v", err)
	}
	var orphans int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM approvals WHERE workflow_id=?`, w.ID).Scan(&orphans); err != nil {
		t.Fatalf("count approvals: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("cancel left %d orphaned approvals", orphans)
	}

	// cancel from pending_review
	w2 := createDraft(t, env, "alice")
	if _, err := env.Engine.Submit(env.Ctx, w2.ID, engine.Identity{ID: "alice"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.Engine.Cancel(env.Ctx, w2.ID, engine.Identity{ID: "alice"}); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}

	// cancel is rejected once review started
	w3 := createDraft(t, env, "alice")
	if _, err := env.Engine.Submit(env.Ctx, w3.ID, engine.Identity{ID: "alice"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, w3.ID, engine.Identity{ID: "bob"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	var se engine.StateConflictError
	if err := env.Engine.Cancel(env.Ctx, w3.ID, engine.Identity{ID: "alice"}); !errors.As(err, &se) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

type capturingApplier struct {
	mu      sync.Mutex
	applied []domain.Workflow
}

func (c *capturingApplier) ApplyApproved(_ context.Context, w domain.Workflow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, w)
	return nil
}

func TestApplierReceivesApprovedChange(t *testing.T) {
	env := newTestEnv(t)
	applier := &capturingApplier{}
	env.Engine.Applier = applier
	seedConfig(t, env, domain.WorkflowConfig{EntityType: "content", RequiresApproval: true})

	w := createDraft(t, env, "alice")
	if _, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "alice"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, w.ID, engine.Identity{ID: "bob"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, w.ID, engine.Identity{ID: "bob"}, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// auto-approval also reaches the applier
	seedConfig(t, env, domain.WorkflowConfig{EntityType: "content", RequiresApproval: false})
	w2 := createDraft(t, env, "alice")
	if _, err := env.Engine.Submit(env.Ctx, w2.ID, engine.Identity{ID: "alice"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if len(applier.applied) != 2 {
		t.Fatalf("expected applier invoked twice, got %d", len(applier.applied))
	}
	if applier.applied[0].ID != w.ID || applier.applied[1].ID != w2.ID {
		t.Fatalf("applier received wrong workflows")
	}
}

func TestAssignmentsAreRecordedButNotAuthoritative(t *testing.T) {
	env := newTestEnv(t)
	seedConfig(t, env, domain.WorkflowConfig{EntityType: "content", RequiresApproval: true})
	w := createDraft(t, env, "alice")
	if _, err := env.Engine.AddAssignment(env.Ctx, w.ID, "bob", "reviewer", engine.Identity{ID: "alice"}); err != nil {
		t.Fatalf("add assignment: %v", err)
	}
	list, err := env.Engine.Repo.ListAssignmentsByWorkflow(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	if len(list) != 1 || list[0].UserID != "bob" {
		t.Fatalf("unexpected assignments: %+v", list)
	}
	// the declared reviewer still cannot decide without claiming
	if _, err := env.Engine.Submit(env.Ctx, w.ID, engine.Identity{ID: "alice"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var se engine.StateConflictError
	if _, err := env.Engine.Approve(env.Ctx, w.ID, engine.Identity{ID: "bob"}, ""); !errors.As(err, &se) {
		t.Fatalf("expected state conflict before claim, got %v", err)
	}
}
