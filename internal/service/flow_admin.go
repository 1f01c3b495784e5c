package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/auth"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
)

// ListFlows returns every configured flow.
func (s *ApprovalService) ListFlows(ctx context.Context) ([]*approval.FlowDefinition, error) {
	return s.flows.List(ctx)
}

// GetFlow returns the flow for processType or ErrCodeNotConfigured.
func (s *ApprovalService) GetFlow(ctx context.Context, processType string) (*approval.FlowDefinition, error) {
	flow, err := s.flows.GetFlow(ctx, processType)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, errors.Newf(errors.ErrCodeNotConfigured, "no approval flow configured for %s", processType)
	}
	return flow, nil
}

// PutFlow validates and stores a flow definition. Administrators only.
// Requests already in flight are evaluated against the new definition from
// their next read onwards.
func (s *ApprovalService) PutFlow(ctx context.Context, actor auth.Actor, flow *approval.FlowDefinition) (*approval.FlowDefinition, error) {
	if !s.isAdmin(actor) {
		return nil, errors.New(errors.ErrCodeForbidden, "only administrators can edit approval flows")
	}
	flow.ProcessType = strings.TrimSpace(flow.ProcessType)
	flow.Normalize()
	if err := flow.Validate(); err != nil {
		return nil, err
	}
	if err := s.flows.Upsert(ctx, flow); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("process_type", flow.ProcessType).
		Str("policy", string(flow.Policy)).
		Int("levels", flow.LevelCount()).
		Str("actor_id", actor.ID).
		Msg("Approval flow saved")
	return flow, nil
}

// DeleteFlow removes a flow. Subsequent submissions of that process type are
// auto-approved. Administrators only.
func (s *ApprovalService) DeleteFlow(ctx context.Context, actor auth.Actor, processType string) error {
	if !s.isAdmin(actor) {
		return errors.New(errors.ErrCodeForbidden, "only administrators can delete approval flows")
	}
	if err := s.flows.Delete(ctx, processType); err != nil {
		return err
	}
	s.log.Warn().
		Str("process_type", processType).
		Str("actor_id", actor.ID).
		Msg("Approval flow deleted; submissions will no longer require approval")
	return nil
}

// SeedFlows stores flows that do not exist yet and leaves existing ones
// untouched. It returns the process types it created.
func (s *ApprovalService) SeedFlows(ctx context.Context, flows []*approval.FlowDefinition) ([]string, error) {
	return SeedFlows(ctx, s.flows, flows)
}

// SeedFlows is the store-level form of ApprovalService.SeedFlows, used by
// the seed-flows command which has no service wired.
func SeedFlows(ctx context.Context, store FlowStore, flows []*approval.FlowDefinition) ([]string, error) {
	var created []string
	for _, flow := range flows {
		existing, err := store.GetFlow(ctx, flow.ProcessType)
		if err != nil {
			return created, err
		}
		if existing != nil {
			continue
		}
		if err := flow.Validate(); err != nil {
			return created, err
		}
		if err := store.Upsert(ctx, flow); err != nil {
			return created, err
		}
		created = append(created, flow.ProcessType)
	}
	return created, nil
}
