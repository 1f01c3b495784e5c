package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/auth"
	"github.com/pesio-ai/be-hse-approvals/internal/client"
	"github.com/pesio-ai/be-hse-approvals/internal/metrics"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hse-approvals/internal/repository"
)

const (
	defaultMaxAttempts = 3
	taskConcurrency    = 8
)

// ApprovalService is the entry point every board (access, company, fleet,
// removal, training) uses to submit requests and act on approval flows.
type ApprovalService struct {
	flows       FlowStore
	requests    RequestStore
	audit       AuditStore
	notifier    Notifier
	newResolver ResolverFactory
	hub         *Hub
	log         *logger.Logger
	now         func() time.Time
	maxAttempts int
	adminRoles  []string
	taskPage    int
}

// Option configures an ApprovalService.
type Option func(*ApprovalService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *ApprovalService) { s.now = now }
}

// WithMaxAttempts bounds optimistic write attempts per action.
func WithMaxAttempts(n int) Option {
	return func(s *ApprovalService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithTaskPageSize sets how many open requests PendingTasks reads per page.
func WithTaskPageSize(n int) Option {
	return func(s *ApprovalService) {
		if n > 0 && n <= repository.MaxListLimit {
			s.taskPage = n
		}
	}
}

// WithAdminRoles sets the roles allowed to edit flows and withdraw any request.
func WithAdminRoles(roles ...string) Option {
	return func(s *ApprovalService) { s.adminRoles = roles }
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	flows FlowStore,
	requests RequestStore,
	audit AuditStore,
	notifier Notifier,
	newResolver ResolverFactory,
	hub *Hub,
	log *logger.Logger,
	opts ...Option,
) *ApprovalService {
	s := &ApprovalService{
		flows:       flows,
		requests:    requests,
		audit:       audit,
		notifier:    notifier,
		newResolver: newResolver,
		hub:         hub,
		log:         log,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		adminRoles:  []string{"admin"},
		taskPage:    repository.MaxListLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitRequest is the input to Submit.
type SubmitRequest struct {
	ProcessType string         `json:"process_type"`
	Department  string         `json:"department,omitempty"`
	Title       string         `json:"title,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// ResubmitRequest carries the updated request content.
type ResubmitRequest struct {
	Department *string        `json:"department,omitempty"`
	Title      *string        `json:"title,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// RequestView is a request together with everything a viewer needs to
// render its approval flow.
type RequestView struct {
	Request        *approval.Request           `json:"request"`
	FlowConfigured bool                        `json:"flow_configured"`
	Policy         approval.Policy             `json:"policy,omitempty"`
	Levels         []approval.LevelView        `json:"levels"`
	Actionable     []approval.ResolvedApprover `json:"actionable"`
	ViewerLevels   []int                       `json:"viewer_levels"`
	Issues         []approval.ConfigIssue      `json:"issues,omitempty"`
}

// Task is one request awaiting the actor's decision.
type Task struct {
	RequestID     string                 `json:"request_id"`
	ProcessType   string                 `json:"process_type"`
	Title         string                 `json:"title,omitempty"`
	SubmitterID   string                 `json:"submitter_id"`
	Department    string                 `json:"department,omitempty"`
	OverallStatus approval.OverallStatus `json:"overall_status"`
	Levels        []int                  `json:"levels"`
	CreatedAt     time.Time              `json:"created_at"`
}

func (s *ApprovalService) machine() *approval.Machine {
	return approval.NewMachine(s.newResolver(), approval.WithClock(s.now))
}

func (s *ApprovalService) isAdmin(actor auth.Actor) bool {
	return actor.HasAnyRole(s.adminRoles...)
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit creates a request and starts its approval flow. Process types with
// no configured flow are approved immediately.
func (s *ApprovalService) Submit(ctx context.Context, actor auth.Actor, in SubmitRequest) (*RequestView, error) {
	if actor.IsAnonymous() {
		return nil, errors.New(errors.ErrCodeUnauthenticated, "sign in to submit a request")
	}
	processType := strings.TrimSpace(in.ProcessType)
	if processType == "" {
		return nil, errors.InvalidInput("process_type", "process type is required")
	}

	flow, err := s.flows.GetFlow(ctx, processType)
	if err != nil {
		return nil, err
	}

	department := in.Department
	if department == "" {
		department = actor.Department
	}

	m := s.machine()
	req := m.Initialize(flow, &approval.Request{
		ID:          uuid.NewString(),
		ProcessType: processType,
		SubmitterID: actor.ID,
		Department:  department,
		Title:       in.Title,
		Payload:     in.Payload,
	})

	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	metrics.RecordSubmission(processType, string(req.OverallStatus))

	action := repository.AuditSubmitted
	if flow == nil {
		action = repository.AuditAutoPassed
	}
	statusAfter := string(req.OverallStatus)
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:   req.ID,
		ProcessType: processType,
		Action:      action,
		PerformedBy: actor.ID,
		StatusAfter: &statusAfter,
		Metadata:    map[string]interface{}{"round": req.Round},
	})

	s.log.Info().
		Str("request_id", req.ID).
		Str("process_type", processType).
		Str("submitter_id", actor.ID).
		Bool("flow_configured", flow != nil).
		Str("status", string(req.OverallStatus)).
		Msg("Approval request submitted")

	view := s.buildView(ctx, m, flow, req, actor)
	s.reportIssues(req, view.Issues)

	if flow != nil {
		s.notify(ctx, view.Actionable, client.Notification{
			EventType:   client.EventApprovalRequired,
			RequestID:   req.ID,
			ProcessType: processType,
			ActorID:     actor.ID,
			Title:       req.Title,
		})
	}
	s.hub.Publish(Change{RequestID: req.ID, Version: req.Version})

	return view, nil
}

// ── Act ───────────────────────────────────────────────────────────────────────

// Act records an approve or reject decision by actor at level. The write is
// a compare-and-swap on the request version: a lost race is re-evaluated
// against fresh state, and if the actor can no longer act the call fails
// with ErrCodeConflict. A first-attempt refusal is ErrCodeUnauthorized.
func (s *ApprovalService) Act(
	ctx context.Context,
	actor auth.Actor,
	requestID string,
	level int,
	decision approval.Decision,
	comment string,
) (*RequestView, error) {
	if actor.IsAnonymous() {
		return nil, errors.New(errors.ErrCodeUnauthenticated, "sign in to act on approvals")
	}

	for attempt := 0; ; attempt++ {
		req, err := s.requests.GetByID(ctx, requestID)
		if err != nil {
			return nil, err
		}
		flow, err := s.flows.GetFlow(ctx, req.ProcessType)
		if err != nil {
			return nil, err
		}
		if flow == nil {
			return nil, errors.Newf(errors.ErrCodeNotConfigured,
				"no approval flow is configured for %s; nothing to act on", req.ProcessType)
		}

		m := s.machine()
		before := m.ActionableApprovers(ctx, flow, req)

		updated, err := m.ApplyAction(ctx, flow, req, actor.ID, level, decision, comment)
		if err != nil {
			if attempt > 0 && errors.Is(err, errors.ErrCodeUnauthorized) {
				metrics.RecordAction(req.ProcessType, string(decision), "conflict")
				return nil, errors.Wrap(err, errors.ErrCodeConflict,
					"request changed while the action was being recorded")
			}
			metrics.RecordAction(req.ProcessType, string(decision), string(errors.CodeOf(err)))
			s.log.Info().Err(err).
				Str("request_id", requestID).
				Str("actor_id", actor.ID).
				Int("level", level).
				Msg("Approval action refused")
			return nil, err
		}

		err = s.requests.UpdateState(ctx, updated, req.Version)
		if errors.Is(err, errors.ErrCodeConflict) && attempt+1 < s.maxAttempts {
			metrics.RecordConflictRetry(req.ProcessType)
			s.log.Debug().
				Str("request_id", requestID).
				Int("attempt", attempt+1).
				Msg("Concurrent update detected; re-evaluating action")
			continue
		}
		if err != nil {
			metrics.RecordAction(req.ProcessType, string(decision), string(errors.CodeOf(err)))
			return nil, err
		}

		metrics.RecordAction(req.ProcessType, string(decision), "accepted")
		s.afterAction(ctx, m, flow, req, updated, actor, level, decision, comment, before)
		return s.buildView(ctx, m, flow, updated, actor), nil
	}
}

func (s *ApprovalService) afterAction(
	ctx context.Context,
	m *approval.Machine,
	flow *approval.FlowDefinition,
	before, after *approval.Request,
	actor auth.Actor,
	level int,
	decision approval.Decision,
	comment string,
	actionableBefore []approval.ResolvedApprover,
) {
	action := repository.AuditApproved
	if decision == approval.DecisionReject {
		action = repository.AuditRejected
	}
	statusBefore := string(before.OverallStatus)
	statusAfter := string(after.OverallStatus)
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    after.ID,
		ProcessType:  after.ProcessType,
		Level:        &level,
		Action:       action,
		PerformedBy:  actor.ID,
		StatusBefore: &statusBefore,
		StatusAfter:  &statusAfter,
		Metadata:     map[string]interface{}{"comment": comment, "round": after.Round},
	})

	s.log.Info().
		Str("request_id", after.ID).
		Str("process_type", after.ProcessType).
		Str("actor_id", actor.ID).
		Int("level", level).
		Str("decision", string(decision)).
		Str("status", statusAfter).
		Msg("Approval action recorded")

	// Only people who were not already told get an approval_required event.
	if fresh := newlyActionable(actionableBefore, m.ActionableApprovers(ctx, flow, after)); len(fresh) > 0 {
		s.notify(ctx, fresh, client.Notification{
			EventType:   client.EventApprovalRequired,
			RequestID:   after.ID,
			ProcessType: after.ProcessType,
			ActorID:     actor.ID,
			Title:       after.Title,
		})
	}

	if after.OverallStatus.Terminal() && !before.OverallStatus.Terminal() {
		event := client.EventRequestApproved
		if after.OverallStatus == approval.OverallRejected {
			event = client.EventRequestRejected
		}
		s.notify(ctx, s.submitterRecipient(ctx, after), client.Notification{
			EventType:   event,
			RequestID:   after.ID,
			ProcessType: after.ProcessType,
			ActorID:     actor.ID,
			Level:       level,
			Title:       after.Title,
			Payload:     map[string]interface{}{"comment": comment},
		})
	}

	s.hub.Publish(Change{RequestID: after.ID, Version: after.Version})
}

// ── Resubmit / Withdraw ───────────────────────────────────────────────────────

// Resubmit restarts approval after the submitter edits the request. Earlier
// decisions stay in each level's history.
func (s *ApprovalService) Resubmit(ctx context.Context, actor auth.Actor, requestID string, in ResubmitRequest) (*RequestView, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor.IsAnonymous() || actor.ID != req.SubmitterID {
		return nil, errors.New(errors.ErrCodeForbidden, "only the submitter can resubmit a request")
	}

	flow, err := s.flows.GetFlow(ctx, req.ProcessType)
	if err != nil {
		return nil, err
	}

	m := s.machine()
	updated := m.Resubmit(flow, req)
	if in.Title != nil {
		updated.Title = *in.Title
	}
	if in.Department != nil {
		updated.Department = *in.Department
	}
	if in.Payload != nil {
		updated.Payload = in.Payload
	}

	if err := s.requests.UpdateState(ctx, updated, req.Version); err != nil {
		return nil, err
	}

	statusBefore := string(req.OverallStatus)
	statusAfter := string(updated.OverallStatus)
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    updated.ID,
		ProcessType:  updated.ProcessType,
		Action:       repository.AuditResubmitted,
		PerformedBy:  actor.ID,
		StatusBefore: &statusBefore,
		StatusAfter:  &statusAfter,
		Metadata:     map[string]interface{}{"round": updated.Round},
	})

	view := s.buildView(ctx, m, flow, updated, actor)
	s.reportIssues(updated, view.Issues)
	if flow != nil {
		s.notify(ctx, view.Actionable, client.Notification{
			EventType:   client.EventApprovalRequired,
			RequestID:   updated.ID,
			ProcessType: updated.ProcessType,
			ActorID:     actor.ID,
			Title:       updated.Title,
			Payload:     map[string]interface{}{"round": updated.Round},
		})
	}
	s.hub.Publish(Change{RequestID: updated.ID, Version: updated.Version})
	return view, nil
}

// Withdraw deletes a request that has not reached a terminal state. Only the
// submitter or an administrator may withdraw.
func (s *ApprovalService) Withdraw(ctx context.Context, actor auth.Actor, requestID string) error {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if actor.IsAnonymous() || (actor.ID != req.SubmitterID && !s.isAdmin(actor)) {
		return errors.New(errors.ErrCodeForbidden, "only the submitter or an administrator can withdraw a request")
	}
	if req.OverallStatus.Terminal() {
		return errors.Newf(errors.ErrCodeConflict, "request is already %s and cannot be withdrawn", req.OverallStatus)
	}

	var recipients []approval.ResolvedApprover
	flow, err := s.flows.GetFlow(ctx, req.ProcessType)
	if err != nil {
		return err
	}
	if flow != nil {
		recipients = s.machine().ActionableApprovers(ctx, flow, req)
	}

	if err := s.requests.Delete(ctx, requestID, req.Version); err != nil {
		return err
	}

	statusBefore := string(req.OverallStatus)
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    req.ID,
		ProcessType:  req.ProcessType,
		Action:       repository.AuditWithdrawn,
		PerformedBy:  actor.ID,
		StatusBefore: &statusBefore,
	})
	s.log.Info().
		Str("request_id", req.ID).
		Str("actor_id", actor.ID).
		Msg("Approval request withdrawn")

	s.notify(ctx, recipients, client.Notification{
		EventType:   client.EventRequestWithdrawn,
		RequestID:   req.ID,
		ProcessType: req.ProcessType,
		ActorID:     actor.ID,
		Title:       req.Title,
	})
	s.hub.Publish(Change{RequestID: req.ID, Deleted: true})
	return nil
}

// ── Query helpers ─────────────────────────────────────────────────────────────

// View returns a request with its projected flow for the given viewer.
func (s *ApprovalService) View(ctx context.Context, actor auth.Actor, requestID string) (*RequestView, error) {
	if actor.IsAnonymous() {
		return nil, errors.New(errors.ErrCodeUnauthenticated, "sign in to view a request")
	}
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	flow, err := s.flows.GetFlow(ctx, req.ProcessType)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, s.machine(), flow, req, actor), nil
}

// ListRequests returns requests matching filter. Non-admins only see their own.
func (s *ApprovalService) ListRequests(ctx context.Context, actor auth.Actor, filter repository.RequestFilter) ([]*approval.Request, error) {
	if actor.IsAnonymous() {
		return nil, errors.New(errors.ErrCodeUnauthenticated, "sign in to list requests")
	}
	if !s.isAdmin(actor) {
		filter.SubmitterID = actor.ID
	}
	return s.requests.List(ctx, filter)
}

// PendingTasks returns the open requests actor can act on right now.
func (s *ApprovalService) PendingTasks(ctx context.Context, actor auth.Actor) ([]Task, error) {
	if actor.IsAnonymous() {
		return nil, errors.New(errors.ErrCodeUnauthenticated, "sign in to see tasks")
	}

	open, err := s.openRequests(ctx)
	if err != nil {
		return nil, err
	}

	flows := make(map[string]*approval.FlowDefinition)
	for _, req := range open {
		if _, ok := flows[req.ProcessType]; ok {
			continue
		}
		flow, err := s.flows.GetFlow(ctx, req.ProcessType)
		if err != nil {
			return nil, err
		}
		flows[req.ProcessType] = flow
	}

	// One resolver for the whole scan so shared users are looked up once.
	m := s.machine()
	levels := make([][]int, len(open))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(taskConcurrency)
	for i, req := range open {
		flow := flows[req.ProcessType]
		if flow == nil {
			continue
		}
		g.Go(func() error {
			levels[i] = m.ActionableLevels(gctx, flow, req, actor.ID)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var tasks []Task
	for i, req := range open {
		if len(levels[i]) == 0 {
			continue
		}
		tasks = append(tasks, Task{
			RequestID:     req.ID,
			ProcessType:   req.ProcessType,
			Title:         req.Title,
			SubmitterID:   req.SubmitterID,
			Department:    req.Department,
			OverallStatus: req.OverallStatus,
			Levels:        levels[i],
			CreatedAt:     req.CreatedAt,
		})
	}
	return tasks, nil
}

// openRequests pages through every open request, newest first.
func (s *ApprovalService) openRequests(ctx context.Context) ([]*approval.Request, error) {
	filter := repository.RequestFilter{OpenOnly: true, Limit: s.taskPage}
	var open []*approval.Request
	for {
		page, err := s.requests.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		open = append(open, page...)
		if len(page) < filter.Limit {
			return open, nil
		}
		filter.After = repository.CursorAfter(page[len(page)-1])
	}
}

// History returns the audit trail for a request.
func (s *ApprovalService) History(ctx context.Context, actor auth.Actor, requestID string) ([]*repository.AuditEntry, error) {
	if actor.IsAnonymous() {
		return nil, errors.New(errors.ErrCodeUnauthenticated, "sign in to see history")
	}
	return s.audit.GetByRequestID(ctx, requestID)
}

// Subscribe registers for live changes to a request.
func (s *ApprovalService) Subscribe(requestID string) (<-chan Change, func()) {
	return s.hub.Subscribe(requestID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (s *ApprovalService) buildView(
	ctx context.Context,
	m *approval.Machine,
	flow *approval.FlowDefinition,
	req *approval.Request,
	viewer auth.Actor,
) *RequestView {
	view := &RequestView{
		Request:      req,
		Levels:       []approval.LevelView{},
		Actionable:   []approval.ResolvedApprover{},
		ViewerLevels: []int{},
	}
	if flow == nil {
		return view
	}

	view.FlowConfigured = true
	view.Policy = flow.Policy
	view.Levels = m.Project(ctx, flow, req)
	view.Issues = m.Issues(ctx, flow, req)
	if actionable := m.ActionableApprovers(ctx, flow, req); actionable != nil {
		view.Actionable = actionable
	}
	if !viewer.IsAnonymous() {
		if lv := m.ActionableLevels(ctx, flow, req, viewer.ID); lv != nil {
			view.ViewerLevels = lv
		}
	}
	return view
}

// reportIssues surfaces unresolvable roles to operators. They are never
// swallowed: each one is logged as a warning and counted.
func (s *ApprovalService) reportIssues(req *approval.Request, issues []approval.ConfigIssue) {
	for _, issue := range issues {
		metrics.RecordConfigIssue(req.ProcessType, string(issue.Code))
		s.log.Warn().
			Str("request_id", req.ID).
			Str("process_type", req.ProcessType).
			Int("level", issue.Level).
			Str("role", issue.Role).
			Str("code", string(issue.Code)).
			Msg("Approval flow configuration incomplete")
	}
}

func (s *ApprovalService) submitterRecipient(ctx context.Context, req *approval.Request) []approval.ResolvedApprover {
	found, err := s.newResolver().Resolve(ctx, approval.DirectUser(req.SubmitterID), approval.ResolveContext{})
	if err == nil && len(found) > 0 {
		return found
	}
	return []approval.ResolvedApprover{{Identity: req.SubmitterID, DisplayName: req.SubmitterID}}
}

func (s *ApprovalService) notify(ctx context.Context, recipients []approval.ResolvedApprover, n client.Notification) {
	if s.notifier == nil || len(recipients) == 0 {
		return
	}
	s.notifier.NotifyEntities(ctx, recipients, n)
}

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

func newlyActionable(before, after []approval.ResolvedApprover) []approval.ResolvedApprover {
	seen := make(map[string]bool, len(before))
	for _, a := range before {
		seen[a.Identity] = true
	}
	var out []approval.ResolvedApprover
	for _, a := range after {
		if !seen[a.Identity] {
			out = append(out, a)
		}
	}
	return out
}
