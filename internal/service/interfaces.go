package service

import (
	"context"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/client"
	"github.com/pesio-ai/be-hse-approvals/internal/repository"
)

// FlowStore reads and edits flow definitions. GetFlow returns nil, nil when
// a process type has no flow.
type FlowStore interface {
	GetFlow(ctx context.Context, processType string) (*approval.FlowDefinition, error)
	List(ctx context.Context) ([]*approval.FlowDefinition, error)
	Upsert(ctx context.Context, flow *approval.FlowDefinition) error
	Delete(ctx context.Context, processType string) error
}

// RequestStore persists approvable requests. UpdateState must be a
// compare-and-swap on expectedVersion returning ErrCodeConflict on a lost race.
// Delete only removes a request that is still open and at expectedVersion.
// List honours RequestFilter.After for keyset paging.
type RequestStore interface {
	Create(ctx context.Context, req *approval.Request) error
	GetByID(ctx context.Context, id string) (*approval.Request, error)
	List(ctx context.Context, filter repository.RequestFilter) ([]*approval.Request, error)
	UpdateState(ctx context.Context, req *approval.Request, expectedVersion int64) error
	Delete(ctx context.Context, id string, expectedVersion int64) error
}

// AuditStore is the append-only approval audit log.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error)
}

// Notifier delivers notifications to already-computed recipients.
type Notifier interface {
	NotifyEntities(ctx context.Context, recipients []approval.ResolvedApprover, n client.Notification)
}

// ResolverFactory returns a fresh resolver for one evaluation pass.
type ResolverFactory func() approval.Resolver

var (
	_ FlowStore    = (*repository.FlowRepository)(nil)
	_ RequestStore = (*repository.RequestRepository)(nil)
	_ AuditStore   = (*repository.ApprovalAuditRepository)(nil)
	_ Notifier     = (*client.NotificationPublisher)(nil)
)
