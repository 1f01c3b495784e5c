package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
)

// Machine evaluates and advances approval state. It holds no request state
// of its own; every method is a function of the flow and request passed in
// plus whatever the Resolver returns.
type Machine struct {
	resolver Resolver
	now      func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source used to stamp actions.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a Machine resolving approvers through resolver.
func NewMachine(resolver Resolver, opts ...Option) *Machine {
	m := &Machine{resolver: resolver, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize prepares a freshly submitted request. A nil flow means no flow
// is configured for the process type and the request passes automatically.
func (m *Machine) Initialize(flow *FlowDefinition, req *Request) *Request {
	out := req.Clone()
	now := m.now().UTC()
	out.Round = 1
	out.CreatedAt = now
	out.UpdatedAt = now
	out.Approvals = make(map[int]*LevelState)

	if flow == nil {
		out.OverallStatus = OverallApproved
		return out
	}
	for _, lvl := range flow.Levels {
		out.Approvals[lvl.Index] = &LevelState{}
	}
	out.OverallStatus = OverallPending
	return out
}

// LevelStatus computes the status of one level.
func (m *Machine) LevelStatus(ctx context.Context, flow *FlowDefinition, req *Request, idx int) (Status, error) {
	if _, ok := flow.Level(idx); !ok {
		return "", errors.InvalidInput("level", fmt.Sprintf("flow %s has no level %d", flow.ProcessType, idx))
	}
	return m.evaluate(ctx, flow, req).status(idx), nil
}

// LevelStatuses computes the status of every level, keyed by index.
func (m *Machine) LevelStatuses(ctx context.Context, flow *FlowDefinition, req *Request) map[int]Status {
	ev := m.evaluate(ctx, flow, req)
	out := make(map[int]Status, len(flow.Levels))
	for _, lvl := range flow.Levels {
		out[lvl.Index] = ev.status(lvl.Index)
	}
	return out
}

// OverallStatus derives the request status from its level statuses.
func (m *Machine) OverallStatus(ctx context.Context, flow *FlowDefinition, req *Request) OverallStatus {
	return m.evaluate(ctx, flow, req).overall()
}

// CanAct reports whether actorID may record a decision at level idx.
func (m *Machine) CanAct(ctx context.Context, actorID string, flow *FlowDefinition, req *Request, idx int) bool {
	return m.evaluate(ctx, flow, req).canAct(actorID, idx) == nil
}

// ApplyAction validates and records one decision, returning the updated
// copy of req. The input request is not modified; the caller persists the
// result. Failures carry ErrCodeUnauthorized or ErrCodeInvalidInput.
func (m *Machine) ApplyAction(
	ctx context.Context,
	flow *FlowDefinition,
	req *Request,
	actorID string,
	idx int,
	decision Decision,
	comment string,
) (*Request, error) {
	if !decision.Valid() {
		return nil, errors.InvalidInput("decision", fmt.Sprintf("unknown decision %q", decision))
	}
	if req.ProcessType != flow.ProcessType {
		return nil, errors.InvalidInput("process_type",
			fmt.Sprintf("request is %s but flow is %s", req.ProcessType, flow.ProcessType))
	}
	if _, ok := flow.Level(idx); !ok {
		return nil, errors.InvalidInput("level", fmt.Sprintf("flow %s has no level %d", flow.ProcessType, idx))
	}

	ev := m.evaluate(ctx, flow, req)
	if err := ev.canAct(actorID, idx); err != nil {
		return nil, err
	}

	out := req.Clone()
	now := m.now().UTC()
	ls := out.Approvals[idx]
	if ls == nil {
		ls = &LevelState{}
		out.Approvals[idx] = ls
	}
	ls.Actions = append(ls.Actions, Action{
		ActorID:   actorID,
		Decision:  decision,
		Timestamp: now,
		Comment:   comment,
		Round:     out.Round,
	})

	switch decision {
	case DecisionReject:
		ls.IsCompleted = true
		out.OverallStatus = OverallRejected
	case DecisionApprove:
		required := ev.approvers(idx)
		if approvedBy(ls, required) >= len(required) {
			ls.IsCompleted = true
		}
		// Approver lists are reused from the pre-action evaluation; only
		// statuses change.
		after := &evaluation{ctx: ctx, m: m, flow: flow, req: out, resolved: ev.resolved, issues: ev.issues, statuses: map[int]Status{}}
		out.OverallStatus = after.overall()
	}
	out.UpdatedAt = now
	return out, nil
}

// Resubmit restarts approval after the submitter updated the request. Prior
// actions move to each level's history; nothing is auto-approved.
func (m *Machine) Resubmit(flow *FlowDefinition, req *Request) *Request {
	out := req.Clone()
	out.Round++
	out.UpdatedAt = m.now().UTC()
	if flow == nil {
		out.OverallStatus = OverallApproved
		return out
	}

	for _, lvl := range flow.Levels {
		ls := out.Approvals[lvl.Index]
		if ls == nil {
			out.Approvals[lvl.Index] = &LevelState{}
			continue
		}
		ls.History = append(ls.History, ls.Actions...)
		ls.Actions = nil
		ls.IsCompleted = false
	}
	out.OverallStatus = OverallPending
	return out
}

// evaluation memoizes resolved approvers and statuses for one pass over a
// request so each role reference is resolved at most once.
type evaluation struct {
	ctx      context.Context
	m        *Machine
	flow     *FlowDefinition
	req      *Request
	resolved map[int][]ResolvedApprover
	issues   map[int][]ConfigIssue
	statuses map[int]Status
}

func (m *Machine) evaluate(ctx context.Context, flow *FlowDefinition, req *Request) *evaluation {
	return &evaluation{
		ctx:      ctx,
		m:        m,
		flow:     flow,
		req:      req,
		resolved: make(map[int][]ResolvedApprover),
		issues:   make(map[int][]ConfigIssue),
		statuses: make(map[int]Status),
	}
}

// approvers returns the distinct resolved approvers of a level in role order.
func (e *evaluation) approvers(idx int) []ResolvedApprover {
	if list, ok := e.resolved[idx]; ok {
		return list
	}

	lvl, _ := e.flow.Level(idx)
	seen := make(map[string]bool)
	var list []ResolvedApprover
	var issues []ConfigIssue

	for _, role := range lvl.Roles {
		found, err := e.m.resolver.Resolve(e.ctx, role, e.req.resolveContext())
		if err != nil {
			issues = append(issues, issueFromError(idx, role, err))
			continue
		}
		if len(found) == 0 {
			issues = append(issues, ConfigIssue{
				Level:   idx,
				Role:    role.String(),
				Code:    errors.ErrCodeUnresolvedApprover,
				Message: fmt.Sprintf("role %s resolves to no active user", role),
			})
			continue
		}
		for _, a := range found {
			if a.Identity == "" || seen[a.Identity] {
				continue
			}
			seen[a.Identity] = true
			list = append(list, a)
		}
	}

	e.resolved[idx] = list
	e.issues[idx] = issues
	return list
}

func (e *evaluation) status(idx int) Status {
	if st, ok := e.statuses[idx]; ok {
		return st
	}
	st := e.computeStatus(idx)
	e.statuses[idx] = st
	return st
}

func (e *evaluation) computeStatus(idx int) Status {
	ls := e.req.level(idx)

	if ls != nil && ls.IsCompleted && !hasReject(ls) {
		return StatusApproved
	}
	if ls != nil && hasReject(ls) {
		return StatusRejected
	}
	if e.flow.Policy == PolicySequential && idx > 1 && e.status(idx-1) != StatusApproved {
		return StatusLocked
	}

	required := e.approvers(idx)
	approved := approvedBy(ls, required)
	if approved > 0 && approved < len(required) {
		return StatusPartiallyApproved
	}
	return StatusPending
}

// overall is rejected once any level is rejected and approved once every
// level is. In between it is partially_approved only while some level holds
// a partial approval; fully approved levels alone leave it pending.
func (e *evaluation) overall() OverallStatus {
	allApproved := true
	partial := false
	for _, lvl := range e.flow.Levels {
		switch e.status(lvl.Index) {
		case StatusRejected:
			return OverallRejected
		case StatusApproved:
		case StatusPartiallyApproved:
			partial = true
			allApproved = false
		default:
			allApproved = false
		}
	}
	if allApproved {
		return OverallApproved
	}
	if partial {
		return OverallPartiallyApproved
	}
	return OverallPending
}

func (e *evaluation) canAct(actorID string, idx int) error {
	if actorID == "" {
		return errors.New(errors.ErrCodeUnauthorized, "anonymous actors cannot act on approvals")
	}
	if e.req.OverallStatus.Terminal() {
		return errors.Newf(errors.ErrCodeUnauthorized, "request is already %s", e.req.OverallStatus)
	}

	switch st := e.status(idx); st {
	case StatusLocked, StatusApproved, StatusRejected:
		return errors.Newf(errors.ErrCodeUnauthorized, "level %d is %s", idx, st)
	}

	if !containsIdentity(e.approvers(idx), actorID) {
		return errors.Newf(errors.ErrCodeUnauthorized, "user %s is not an approver at level %d", actorID, idx)
	}
	if ls := e.req.level(idx); ls != nil && hasActed(ls, actorID) {
		return errors.Newf(errors.ErrCodeUnauthorized, "user %s already acted at level %d", actorID, idx)
	}
	return nil
}

func hasReject(ls *LevelState) bool {
	for _, a := range ls.Actions {
		if a.Decision == DecisionReject {
			return true
		}
	}
	return false
}

func hasActed(ls *LevelState, actorID string) bool {
	for _, a := range ls.Actions {
		if a.ActorID == actorID {
			return true
		}
	}
	return false
}

// approvedBy counts the required approvers who approved in the current round.
func approvedBy(ls *LevelState, required []ResolvedApprover) int {
	if ls == nil {
		return 0
	}
	approvers := make(map[string]bool, len(ls.Actions))
	for _, a := range ls.Actions {
		if a.Decision == DecisionApprove {
			approvers[a.ActorID] = true
		}
	}
	n := 0
	for _, r := range required {
		if approvers[r.Identity] {
			n++
		}
	}
	return n
}

func containsIdentity(list []ResolvedApprover, id string) bool {
	for _, a := range list {
		if a.Identity == id {
			return true
		}
	}
	return false
}
