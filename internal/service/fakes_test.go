package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/auth"
	"github.com/pesio-ai/be-hse-approvals/internal/client"
	"github.com/pesio-ai/be-hse-approvals/internal/directory"
	"github.com/pesio-ai/be-hse-approvals/internal/flowstore"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hse-approvals/internal/repository"
)

// memoryRequests is a RequestStore with the same compare-and-swap contract
// as the Postgres repository.
type memoryRequests struct {
	mu       sync.Mutex
	requests map[string]*approval.Request
	updates  int
	lists    int

	// beforeUpdate and beforeDelete run before the version check, letting
	// tests simulate a concurrent writer.
	beforeUpdate func(stored *approval.Request)
	beforeDelete func(stored *approval.Request)
}

func newMemoryRequests() *memoryRequests {
	return &memoryRequests{requests: make(map[string]*approval.Request)}
}

func (s *memoryRequests) Create(_ context.Context, req *approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.Version = 1
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *memoryRequests) GetByID(_ context.Context, id string) (*approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return req.Clone(), nil
}

func (s *memoryRequests) List(_ context.Context, filter repository.RequestFilter) ([]*approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	var out []*approval.Request
	for _, req := range s.requests {
		if filter.ProcessType != "" && req.ProcessType != filter.ProcessType {
			continue
		}
		if filter.SubmitterID != "" && req.SubmitterID != filter.SubmitterID {
			continue
		}
		if filter.OpenOnly && req.OverallStatus.Terminal() {
			continue
		}
		if filter.After != nil && !before(req, filter.After) {
			continue
		}
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return before(out[j], repository.CursorAfter(out[i]))
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memoryRequests) UpdateState(_ context.Context, req *approval.Request, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++

	stored, ok := s.requests[req.ID]
	if !ok {
		return errors.NotFound("approval_request", req.ID)
	}
	if s.beforeUpdate != nil {
		s.beforeUpdate(stored)
	}
	if stored.Version != expectedVersion {
		return errors.Newf(errors.ErrCodeConflict, "approval request %s was modified concurrently", req.ID)
	}
	req.Version = expectedVersion + 1
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *memoryRequests) Delete(_ context.Context, id string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.requests[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}
	if s.beforeDelete != nil {
		s.beforeDelete(stored)
	}
	if stored.Version != expectedVersion || stored.OverallStatus.Terminal() {
		return errors.Newf(errors.ErrCodeConflict, "approval request %s was modified concurrently", id)
	}
	delete(s.requests, id)
	return nil
}

// before reports whether req sorts after cursor in a newest-first listing.
func before(req *approval.Request, cursor *repository.RequestCursor) bool {
	if !req.CreatedAt.Equal(cursor.CreatedAt) {
		return req.CreatedAt.Before(cursor.CreatedAt)
	}
	return req.ID < cursor.ID
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []*repository.AuditEntry
}

func (a *memoryAudit) Append(_ context.Context, entry *repository.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry.ID = int64(len(a.entries) + 1)
	a.entries = append(a.entries, entry)
	return nil
}

func (a *memoryAudit) GetByRequestID(_ context.Context, requestID string) ([]*repository.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range a.entries {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *memoryAudit) actions(requestID string) []string {
	entries, _ := a.GetByRequestID(context.Background(), requestID)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

type sentNotification struct {
	Recipients []string
	client.Notification
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) NotifyEntities(_ context.Context, recipients []approval.ResolvedApprover, msg client.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, r.Identity)
	}
	n.sent = append(n.sent, sentNotification{Recipients: ids, Notification: msg})
}

func (n *recordingNotifier) events(eventType string) []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotification
	for _, s := range n.sent {
		if s.EventType == eventType {
			out = append(out, s)
		}
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}

type fixture struct {
	svc      *ApprovalService
	flows    *flowstore.Memory
	requests *memoryRequests
	audit    *memoryAudit
	notifier *recordingNotifier
	users    *directory.MemoryStore
	hub      *Hub
}

var fixedNow = time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)

var (
	submitter = actorOf("sub", "ops")
	manager   = actorOf("mgr", "ops")
	officer   = actorOf("hse1", "ops")
	officer2  = actorOf("hse2", "ops")
	outsider  = actorOf("out", "finance")
	admin     = auth.Actor{ID: "root", DisplayName: "root", Department: "it", Roles: []string{"admin"}}
)

func actorOf(id, department string) auth.Actor {
	return auth.Actor{ID: id, DisplayName: id, Department: department}
}

func newFixture(flows ...*approval.FlowDefinition) *fixture {
	return newFixtureWith(nil, flows...)
}

func newFixtureWith(opts []Option, flows ...*approval.FlowDefinition) *fixture {
	users := directory.NewMemoryStore(
		&directory.User{ID: "sub", DisplayName: "Sam", Department: "ops", ManagerID: "mgr", Active: true},
		&directory.User{ID: "mgr", DisplayName: "Morgan", JobTitle: "Ops Manager", Department: "ops", Active: true},
		&directory.User{ID: "hse1", DisplayName: "Hana", JobTitle: "HSE Officer", Department: "ops", Active: true},
		&directory.User{ID: "hse2", DisplayName: "Hugo", JobTitle: "HSE Officer", Department: "ops", Active: true},
		&directory.User{ID: "out", DisplayName: "Olga", JobTitle: "Accountant", Department: "finance", Active: true},
		&directory.User{ID: "root", DisplayName: "Root", JobTitle: "Administrator", Department: "it", Active: true},
	)
	f := &fixture{
		flows:    flowstore.NewMemory(flows...),
		requests: newMemoryRequests(),
		audit:    &memoryAudit{},
		notifier: &recordingNotifier{},
		users:    users,
		hub:      NewHub(),
	}
	log := logger.Nop()
	f.svc = NewApprovalService(
		f.flows, f.requests, f.audit, f.notifier,
		func() approval.Resolver { return directory.NewResolver(users, log) },
		f.hub, log,
		append([]Option{
			WithClock(func() time.Time { return fixedNow }),
			WithAdminRoles("admin"),
		}, opts...)...,
	)
	return f
}

// fleetFlow: level 1 is the line manager, level 2 every HSE officer.
func fleetFlow(policy approval.Policy) *approval.FlowDefinition {
	return &approval.FlowDefinition{
		ProcessType: approval.ProcessFleet,
		Policy:      policy,
		Levels: []approval.Level{
			{Index: 1, Roles: []approval.RoleReference{approval.Hierarchy(1)}},
			{Index: 2, Roles: []approval.RoleReference{approval.Function("HSE Officer")}},
		},
	}
}
