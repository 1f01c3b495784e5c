package approval

import (
	"context"
	"time"
)

// Policy controls whether levels are approved in order or independently.
type Policy string

const (
	PolicySequential Policy = "sequential"
	PolicyParallel   Policy = "parallel"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicySequential || p == PolicyParallel
}

// Status is the derived state of a single level. It is never stored.
type Status string

const (
	StatusLocked            Status = "locked"
	StatusPending           Status = "pending"
	StatusPartiallyApproved Status = "partially_approved"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
)

// OverallStatus is the stored status of a request.
type OverallStatus string

const (
	OverallPending           OverallStatus = "pending"
	OverallPartiallyApproved OverallStatus = "partially_approved"
	OverallApproved          OverallStatus = "approved"
	OverallRejected          OverallStatus = "rejected"
)

// Terminal reports whether no further actions are accepted.
func (s OverallStatus) Terminal() bool {
	return s == OverallApproved || s == OverallRejected
}

// Decision is what an approver did.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Well-known process types. Any non-empty key is accepted; these are the
// ones the HSE platform ships flows for.
const (
	ProcessAccess          = "access"
	ProcessCompanyCreation = "company_creation"
	ProcessFleet           = "fleet"
	ProcessRemoval         = "removal"
	ProcessTraining        = "training"
)

// Level is one stage of a flow. Index is 1-based.
type Level struct {
	Index int             `json:"level" yaml:"level"`
	Roles []RoleReference `json:"roles" yaml:"roles"`
}

// FlowDefinition is the configured approval flow for one process type.
type FlowDefinition struct {
	ProcessType string    `json:"process_type" yaml:"process_type"`
	Policy      Policy    `json:"policy" yaml:"policy"`
	Levels      []Level   `json:"levels" yaml:"levels"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Action is one recorded decision at a level.
type Action struct {
	ActorID   string    `json:"actor_id"`
	Decision  Decision  `json:"decision"`
	Timestamp time.Time `json:"timestamp"`
	Comment   string    `json:"comment,omitempty"`
	Round     int       `json:"round"`
}

// LevelState is the persisted per-level approval state. Actions belong to
// the current submission round; History keeps earlier rounds.
type LevelState struct {
	IsCompleted bool     `json:"is_completed"`
	Actions     []Action `json:"actions"`
	History     []Action `json:"history,omitempty"`
}

// Request is an approvable request document.
type Request struct {
	ID            string              `json:"id"`
	ProcessType   string              `json:"process_type"`
	SubmitterID   string              `json:"submitter_id"`
	Department    string              `json:"department,omitempty"`
	Title         string              `json:"title,omitempty"`
	Payload       map[string]any      `json:"payload,omitempty"`
	OverallStatus OverallStatus       `json:"overall_status"`
	Approvals     map[int]*LevelState `json:"approvals"`
	Round         int                 `json:"round"`
	Version       int64               `json:"version"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// ResolvedApprover is a concrete user produced by evaluating a RoleReference.
type ResolvedApprover struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
	Title       string `json:"title,omitempty"`
	Department  string `json:"department,omitempty"`
}

// ResolveContext carries request attributes role resolution depends on.
type ResolveContext struct {
	SubmitterID string
	Department  string
}

// Resolver turns an abstract role reference into concrete approvers.
// An empty result is not an error; errors carry a code the caller can
// report (e.g. unsupported hierarchy depth).
type Resolver interface {
	Resolve(ctx context.Context, ref RoleReference, rc ResolveContext) ([]ResolvedApprover, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref RoleReference, rc ResolveContext) ([]ResolvedApprover, error)

func (f ResolverFunc) Resolve(ctx context.Context, ref RoleReference, rc ResolveContext) ([]ResolvedApprover, error) {
	return f(ctx, ref, rc)
}

func (r *Request) resolveContext() ResolveContext {
	return ResolveContext{SubmitterID: r.SubmitterID, Department: r.Department}
}

func (r *Request) level(idx int) *LevelState {
	if r.Approvals == nil {
		return nil
	}
	return r.Approvals[idx]
}

// Clone returns a deep copy of the request's mutable state. Payload is
// shared since the approval core never writes to it.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Approvals = make(map[int]*LevelState, len(r.Approvals))
	for idx, ls := range r.Approvals {
		if ls == nil {
			continue
		}
		cp := &LevelState{
			IsCompleted: ls.IsCompleted,
			Actions:     append([]Action(nil), ls.Actions...),
			History:     append([]Action(nil), ls.History...),
		}
		c.Approvals[idx] = cp
	}
	return &c
}
