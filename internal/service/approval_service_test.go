package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/auth"
	"github.com/pesio-ai/be-hse-approvals/internal/client"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hse-approvals/internal/repository"
)

func submitFleet(t *testing.T, f *fixture) *RequestView {
	t.Helper()
	view, err := f.svc.Submit(context.Background(), submitter, SubmitRequest{
		ProcessType: approval.ProcessFleet,
		Title:       "Truck 12 inspection",
		Payload:     map[string]any{"vehicle": "TRK-12"},
	})
	require.NoError(t, err)
	return view
}

func TestSubmitWithoutFlowAutoApproves(t *testing.T) {
	f := newFixture()
	view, err := f.svc.Submit(context.Background(), submitter, SubmitRequest{ProcessType: approval.ProcessTraining, Title: "Forklift course"})
	require.NoError(t, err)

	assert.False(t, view.FlowConfigured)
	assert.Equal(t, approval.OverallApproved, view.Request.OverallStatus)
	assert.Equal(t, "ops", view.Request.Department)
	assert.Empty(t, view.Levels)
	assert.Empty(t, f.notifier.sent)
	assert.Equal(t, []string{repository.AuditAutoPassed}, f.audit.actions(view.Request.ID))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, auth.Anonymous, SubmitRequest{ProcessType: approval.ProcessFleet})
	assert.Equal(t, errors.ErrCodeUnauthenticated, errors.CodeOf(err))

	_, err = f.svc.Submit(ctx, submitter, SubmitRequest{ProcessType: "  "})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestSubmitNotifiesFirstLevel(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	view := submitFleet(t, f)

	req := view.Request
	assert.Equal(t, approval.OverallPending, req.OverallStatus)
	assert.Equal(t, int64(1), req.Version)
	assert.Equal(t, fixedNow, req.CreatedAt)
	assert.True(t, view.FlowConfigured)
	require.Len(t, view.Levels, 2)
	assert.Equal(t, approval.StatusPending, view.Levels[0].Status)
	assert.Equal(t, approval.StatusLocked, view.Levels[1].Status)
	assert.Empty(t, view.ViewerLevels)

	sent := f.notifier.events(client.EventApprovalRequired)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"mgr"}, sent[0].Recipients)
	assert.Equal(t, req.ID, sent[0].RequestID)
	assert.Equal(t, []string{repository.AuditSubmitted}, f.audit.actions(req.ID))
}

func TestActFullSequentialFlow(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()
	id := submitFleet(t, f).Request.ID
	f.notifier.reset()

	view, err := f.svc.Act(ctx, manager, id, 1, approval.DecisionApprove, "ok")
	require.NoError(t, err)
	assert.Equal(t, approval.OverallPending, view.Request.OverallStatus)
	assert.Equal(t, approval.StatusApproved, view.Levels[0].Status)
	assert.Equal(t, int64(2), view.Request.Version)

	sent := f.notifier.events(client.EventApprovalRequired)
	require.Len(t, sent, 1)
	assert.ElementsMatch(t, []string{"hse1", "hse2"}, sent[0].Recipients)
	f.notifier.reset()

	view, err = f.svc.Act(ctx, officer, id, 2, approval.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, approval.OverallPartiallyApproved, view.Request.OverallStatus)
	assert.Empty(t, f.notifier.sent, "hse2 was already notified")

	view, err = f.svc.Act(ctx, officer2, id, 2, approval.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, approval.OverallApproved, view.Request.OverallStatus)
	assert.Empty(t, view.Actionable)

	done := f.notifier.events(client.EventRequestApproved)
	require.Len(t, done, 1)
	assert.Equal(t, []string{"sub"}, done[0].Recipients)

	assert.Equal(t, []string{
		repository.AuditSubmitted,
		repository.AuditApproved,
		repository.AuditApproved,
		repository.AuditApproved,
	}, f.audit.actions(id))

	entries, err := f.svc.History(ctx, manager, id)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.NotNil(t, entries[3].StatusAfter)
	assert.Equal(t, "approved", *entries[3].StatusAfter)
}

func TestActRefusals(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()
	id := submitFleet(t, f).Request.ID

	_, err := f.svc.Act(ctx, auth.Anonymous, id, 1, approval.DecisionApprove, "")
	assert.Equal(t, errors.ErrCodeUnauthenticated, errors.CodeOf(err))

	_, err = f.svc.Act(ctx, outsider, id, 1, approval.DecisionApprove, "")
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	_, err = f.svc.Act(ctx, officer, id, 2, approval.DecisionApprove, "")
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err), "level 2 is locked")

	_, err = f.svc.Act(ctx, manager, "missing", 1, approval.DecisionApprove, "")
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	assert.Zero(t, f.requests.updates)
}

func TestActWithoutFlowIsNotConfigured(t *testing.T) {
	f := newFixture()
	view, err := f.svc.Submit(context.Background(), submitter, SubmitRequest{ProcessType: approval.ProcessRemoval})
	require.NoError(t, err)

	_, err = f.svc.Act(context.Background(), manager, view.Request.ID, 1, approval.DecisionApprove, "")
	assert.Equal(t, errors.ErrCodeNotConfigured, errors.CodeOf(err))
}

func TestActRejectIsTerminal(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()
	id := submitFleet(t, f).Request.ID
	f.notifier.reset()

	view, err := f.svc.Act(ctx, manager, id, 1, approval.DecisionReject, "missing MOT")
	require.NoError(t, err)
	assert.Equal(t, approval.OverallRejected, view.Request.OverallStatus)
	assert.Equal(t, approval.StatusLocked, view.Levels[1].Status)

	rejected := f.notifier.events(client.EventRequestRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, []string{"sub"}, rejected[0].Recipients)
	assert.Equal(t, "missing MOT", rejected[0].Payload["comment"])
	assert.Empty(t, f.notifier.events(client.EventApprovalRequired))

	_, err = f.svc.Act(ctx, officer, id, 2, approval.DecisionApprove, "")
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

func TestActRetriesAfterLostRace(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()
	id := submitFleet(t, f).Request.ID
	_, err := f.svc.Act(ctx, manager, id, 1, approval.DecisionApprove, "")
	require.NoError(t, err)
	f.requests.updates = 0

	// hse1 approves level 2 between hse2's read and write.
	raced := false
	f.requests.beforeUpdate = func(stored *approval.Request) {
		if raced {
			return
		}
		raced = true
		ls := stored.Approvals[2]
		ls.Actions = append(ls.Actions, approval.Action{ActorID: "hse1", Decision: approval.DecisionApprove, Timestamp: fixedNow, Round: 1})
		stored.OverallStatus = approval.OverallPartiallyApproved
		stored.Version++
	}

	view, err := f.svc.Act(ctx, officer2, id, 2, approval.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, 2, f.requests.updates)
	assert.Equal(t, approval.OverallApproved, view.Request.OverallStatus)

	stored, err := f.requests.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Len(t, stored.Approvals[2].Actions, 2)
	assert.True(t, stored.Approvals[2].IsCompleted)
}

func TestActDuplicateAfterLostRaceIsConflict(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()
	id := submitFleet(t, f).Request.ID
	_, err := f.svc.Act(ctx, manager, id, 1, approval.DecisionApprove, "")
	require.NoError(t, err)

	// The same approver's earlier click lands first.
	raced := false
	f.requests.beforeUpdate = func(stored *approval.Request) {
		if raced {
			return
		}
		raced = true
		ls := stored.Approvals[2]
		ls.Actions = append(ls.Actions, approval.Action{ActorID: "hse1", Decision: approval.DecisionApprove, Timestamp: fixedNow, Round: 1})
		stored.Version++
	}

	_, err = f.svc.Act(ctx, officer, id, 2, approval.DecisionApprove, "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	stored, err := f.requests.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Len(t, stored.Approvals[2].Actions, 1)
}

func TestActGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()
	id := submitFleet(t, f).Request.ID
	f.requests.updates = 0

	f.requests.beforeUpdate = func(stored *approval.Request) { stored.Version++ }

	_, err := f.svc.Act(ctx, manager, id, 1, approval.DecisionApprove, "")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
	assert.Equal(t, defaultMaxAttempts, f.requests.updates)
}

func TestActPublishesChange(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	id := submitFleet(t, f).Request.ID

	changes, unsubscribe := f.svc.Subscribe(id)
	defer unsubscribe()

	_, err := f.svc.Act(context.Background(), manager, id, 1, approval.DecisionApprove, "")
	require.NoError(t, err)

	c := <-changes
	assert.Equal(t, id, c.RequestID)
	assert.Equal(t, int64(2), c.Version)
	assert.False(t, c.Deleted)
}

func TestResubmit(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()
	id := submitFleet(t, f).Request.ID
	_, err := f.svc.Act(ctx, manager, id, 1, approval.DecisionReject, "")
	require.NoError(t, err)
	f.notifier.reset()

	_, err = f.svc.Resubmit(ctx, manager, id, ResubmitRequest{})
	assert.Equal(t, errors.ErrCodeForbidden, errors.CodeOf(err))

	title := "Truck 12 inspection (fixed)"
	view, err := f.svc.Resubmit(ctx, submitter, id, ResubmitRequest{Title: &title})
	require.NoError(t, err)

	req := view.Request
	assert.Equal(t, approval.OverallPending, req.OverallStatus)
	assert.Equal(t, 2, req.Round)
	assert.Equal(t, title, req.Title)
	assert.Empty(t, req.Approvals[1].Actions)
	require.Len(t, req.Approvals[1].History, 1)
	assert.Equal(t, approval.DecisionReject, req.Approvals[1].History[0].Decision)

	sent := f.notifier.events(client.EventApprovalRequired)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"mgr"}, sent[0].Recipients)
	assert.Contains(t, f.audit.actions(id), repository.AuditResubmitted)

	_, err = f.svc.Act(ctx, manager, id, 1, approval.DecisionApprove, "")
	require.NoError(t, err)
}

func TestWithdraw(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()
	id := submitFleet(t, f).Request.ID
	f.notifier.reset()

	err := f.svc.Withdraw(ctx, outsider, id)
	assert.Equal(t, errors.ErrCodeForbidden, errors.CodeOf(err))

	changes, unsubscribe := f.svc.Subscribe(id)
	defer unsubscribe()

	require.NoError(t, f.svc.Withdraw(ctx, submitter, id))

	_, err = f.svc.View(ctx, submitter, id)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	withdrawn := f.notifier.events(client.EventRequestWithdrawn)
	require.Len(t, withdrawn, 1)
	assert.Equal(t, []string{"mgr"}, withdrawn[0].Recipients)
	assert.Contains(t, f.audit.actions(id), repository.AuditWithdrawn)

	c := <-changes
	assert.True(t, c.Deleted)
}

func TestWithdrawByAdminAndTerminal(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()

	id := submitFleet(t, f).Request.ID
	require.NoError(t, f.svc.Withdraw(ctx, admin, id))

	view, err := f.svc.Submit(ctx, submitter, SubmitRequest{ProcessType: approval.ProcessTraining})
	require.NoError(t, err)
	err = f.svc.Withdraw(ctx, submitter, view.Request.ID)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
}

func TestViewShowsViewerLevelsAndIssues(t *testing.T) {
	flow := fleetFlow(approval.PolicyParallel)
	flow.Levels[1].Roles = append(flow.Levels[1].Roles, approval.Function("finance_lead"), approval.Hierarchy(2))
	f := newFixture(flow)
	ctx := context.Background()
	id := submitFleet(t, f).Request.ID

	view, err := f.svc.View(ctx, officer, id)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, view.ViewerLevels)
	assert.ElementsMatch(t, []string{"mgr", "hse1", "hse2"}, identitiesOf(view.Actionable))

	require.Len(t, view.Issues, 2)
	assert.Equal(t, errors.ErrCodeUnresolvedApprover, view.Issues[0].Code)
	assert.Equal(t, errors.ErrCodeUnsupportedHierarchyDepth, view.Issues[1].Code)
	assert.Len(t, view.Levels[1].Issues, 2)
}

func TestPendingTasks(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()

	first := submitFleet(t, f).Request.ID
	second := submitFleet(t, f).Request.ID
	_, err := f.svc.Act(ctx, manager, second, 1, approval.DecisionApprove, "")
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, submitter, SubmitRequest{ProcessType: approval.ProcessTraining})
	require.NoError(t, err)

	tasks, err := f.svc.PendingTasks(ctx, manager)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, first, tasks[0].RequestID)
	assert.Equal(t, []int{1}, tasks[0].Levels)
	assert.Equal(t, "Truck 12 inspection", tasks[0].Title)

	tasks, err = f.svc.PendingTasks(ctx, officer)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, second, tasks[0].RequestID)
	assert.Equal(t, []int{2}, tasks[0].Levels)

	tasks, err = f.svc.PendingTasks(ctx, outsider)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	_, err = f.svc.PendingTasks(ctx, auth.Anonymous)
	assert.Equal(t, errors.ErrCodeUnauthenticated, errors.CodeOf(err))
}

func TestListRequestsScopesNonAdmins(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()
	submitFleet(t, f)
	submitFleet(t, f)

	mine, err := f.svc.ListRequests(ctx, submitter, repository.RequestFilter{})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	theirs, err := f.svc.ListRequests(ctx, outsider, repository.RequestFilter{SubmitterID: "sub"})
	require.NoError(t, err)
	assert.Empty(t, theirs)

	all, err := f.svc.ListRequests(ctx, admin, repository.RequestFilter{SubmitterID: "sub"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.svc.ListRequests(ctx, auth.Anonymous, repository.RequestFilter{})
	assert.Equal(t, errors.ErrCodeUnauthenticated, errors.CodeOf(err))
}

func identitiesOf(list []approval.ResolvedApprover) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Identity)
	}
	return out
}

func TestWithdrawLosesRaceToFinalDecision(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()
	id := submitFleet(t, f).Request.ID
	f.notifier.reset()

	f.requests.beforeDelete = func(stored *approval.Request) {
		f.requests.beforeDelete = nil
		stored.OverallStatus = approval.OverallApproved
		stored.Version++
	}

	err := f.svc.Withdraw(ctx, submitter, id)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	stored, err := f.requests.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.OverallApproved, stored.OverallStatus)
	assert.NotContains(t, f.audit.actions(id), repository.AuditWithdrawn)
	assert.Empty(t, f.notifier.events(client.EventRequestWithdrawn))
}

func TestWithdrawRefusesStaleVersion(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()
	id := submitFleet(t, f).Request.ID

	f.requests.beforeDelete = func(stored *approval.Request) {
		f.requests.beforeDelete = nil
		stored.Version++
	}

	err := f.svc.Withdraw(ctx, submitter, id)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
	_, err = f.requests.GetByID(ctx, id)
	assert.NoError(t, err)
}

func TestPendingTasksPagesThroughEveryOpenRequest(t *testing.T) {
	f := newFixtureWith([]Option{WithTaskPageSize(3)}, fleetFlow(approval.PolicySequential))
	ctx := context.Background()

	want := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		want = append(want, submitFleet(t, f).Request.ID)
	}

	tasks, err := f.svc.PendingTasks(ctx, manager)
	require.NoError(t, err)
	got := make([]string, 0, len(tasks))
	for _, task := range tasks {
		got = append(got, task.RequestID)
	}
	assert.ElementsMatch(t, want, got)
	assert.Equal(t, 3, f.requests.lists)
}

func TestPendingTasksBeyondOneListingLimit(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	ctx := context.Background()

	total := repository.MaxListLimit + 10
	for i := 0; i < total; i++ {
		submitFleet(t, f)
	}

	tasks, err := f.svc.PendingTasks(ctx, manager)
	require.NoError(t, err)
	assert.Len(t, tasks, total)
}

func TestViewRequiresSignIn(t *testing.T) {
	f := newFixture(fleetFlow(approval.PolicySequential))
	id := submitFleet(t, f).Request.ID

	_, err := f.svc.View(context.Background(), auth.Anonymous, id)
	assert.Equal(t, errors.ErrCodeUnauthenticated, errors.CodeOf(err))
}
