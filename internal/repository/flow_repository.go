package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/database"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
)

// FlowRepository handles CRUD for approval_flows, one row per process type.
type FlowRepository struct {
	db *database.DB
}

// NewFlowRepository creates a new FlowRepository.
func NewFlowRepository(db *database.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

// GetFlow returns the flow for a process type. It returns nil, nil when no
// flow is configured, which callers treat as "no approval required".
func (r *FlowRepository) GetFlow(ctx context.Context, processType string) (*approval.FlowDefinition, error) {
	query := `
		SELECT process_type, policy, levels, updated_at
		FROM approval_flows
		WHERE process_type = $1
	`

	flow, err := r.scanFlow(r.db.QueryRow(ctx, query, processType))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return flow, err
}

// List returns every configured flow ordered by process type.
func (r *FlowRepository) List(ctx context.Context) ([]*approval.FlowDefinition, error) {
	query := `
		SELECT process_type, policy, levels, updated_at
		FROM approval_flows
		ORDER BY process_type ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval flows")
	}
	defer rows.Close()

	var flows []*approval.FlowDefinition
	for rows.Next() {
		flow, err := r.scanFlow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval flow")
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// Upsert creates or replaces the flow for its process type.
func (r *FlowRepository) Upsert(ctx context.Context, flow *approval.FlowDefinition) error {
	levelsJSON, err := json.Marshal(flow.Levels)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal flow levels")
	}

	query := `
		INSERT INTO approval_flows (process_type, policy, levels)
		VALUES ($1, $2, $3)
		ON CONFLICT (process_type) DO UPDATE
		SET policy     = EXCLUDED.policy,
		    levels     = EXCLUDED.levels,
		    updated_at = NOW()
		RETURNING updated_at
	`

	return r.db.QueryRow(ctx, query, flow.ProcessType, string(flow.Policy), levelsJSON).Scan(&flow.UpdatedAt)
}

// Delete removes the flow for a process type.
func (r *FlowRepository) Delete(ctx context.Context, processType string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_flows WHERE process_type = $1`, processType)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval flow")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_flow", processType)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *FlowRepository) scanFlow(row rowScanner) (*approval.FlowDefinition, error) {
	flow := &approval.FlowDefinition{}
	var policy string
	var levelsJSON []byte

	if err := row.Scan(&flow.ProcessType, &policy, &levelsJSON, &flow.UpdatedAt); err != nil {
		return nil, err
	}
	flow.Policy = approval.Policy(policy)

	// Role references are parsed here, once, into typed values.
	if err := json.Unmarshal(levelsJSON, &flow.Levels); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal flow levels")
	}
	flow.Normalize()
	return flow, nil
}
