package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/database"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
)

// RequestRepository persists approvable requests. Approval state lives in a
// JSONB column guarded by a version counter; every state write is a
// compare-and-swap on that version.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

const openStatuses = "('pending', 'partially_approved')"

const requestColumns = `
	id, process_type, submitter_id, department, title, payload,
	overall_status, approvals, round, version, created_at, updated_at
`

// Create inserts a new request with version 1.
func (r *RequestRepository) Create(ctx context.Context, req *approval.Request) error {
	payloadJSON, approvalsJSON, err := marshalRequestState(req)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_requests
		    (id, process_type, submitter_id, department, title, payload,
		     overall_status, approvals, round, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, 1, $10, $11)
		RETURNING version
	`

	return r.db.QueryRow(ctx, query,
		req.ID,
		req.ProcessType,
		req.SubmitterID,
		req.Department,
		req.Title,
		payloadJSON,
		string(req.OverallStatus),
		approvalsJSON,
		req.Round,
		req.CreatedAt,
		req.UpdatedAt,
	).Scan(&req.Version)
}

// GetByID retrieves a request by primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*approval.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, err
}

// List returns requests matching filter, newest first.
func (r *RequestRepository) List(ctx context.Context, filter RequestFilter) ([]*approval.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE 1=1`
	args := []any{}

	if filter.ProcessType != "" {
		args = append(args, filter.ProcessType)
		query += fmt.Sprintf(" AND process_type = $%d", len(args))
	}
	if filter.SubmitterID != "" {
		args = append(args, filter.SubmitterID)
		query += fmt.Sprintf(" AND submitter_id = $%d", len(args))
	}
	if filter.OpenOnly {
		query += " AND overall_status IN " + openStatuses
	}
	if filter.After != nil {
		args = append(args, filter.After.CreatedAt, filter.After.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d::uuid)", len(args)-1, len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	var out []*approval.Request
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// UpdateState writes the mutable fields of req if the stored version still
// equals expectedVersion. A lost race returns ErrCodeConflict; req.Version
// is advanced on success.
func (r *RequestRepository) UpdateState(ctx context.Context, req *approval.Request, expectedVersion int64) error {
	payloadJSON, approvalsJSON, err := marshalRequestState(req)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_requests
		SET overall_status = $3,
		    approvals      = $4,
		    round          = $5,
		    title          = $6,
		    department     = $7,
		    payload        = $8,
		    updated_at     = $9,
		    version        = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`

	var newVersion int64
	err = r.db.QueryRow(ctx, query,
		req.ID,
		expectedVersion,
		string(req.OverallStatus),
		approvalsJSON,
		req.Round,
		req.Title,
		req.Department,
		payloadJSON,
		req.UpdatedAt,
	).Scan(&newVersion)

	if err == pgx.ErrNoRows {
		return r.missedWrite(ctx, req.ID, expectedVersion)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
	}

	req.Version = newVersion
	return nil
}

// Delete removes a request that is still open and still at
// expectedVersion. Used when a request is withdrawn; a request that moved on
// or reached a terminal state in the meantime returns ErrCodeConflict.
func (r *RequestRepository) Delete(ctx context.Context, id string, expectedVersion int64) error {
	query := `
		DELETE FROM approval_requests
		WHERE id = $1 AND version = $2 AND overall_status IN ` + openStatuses

	tag, err := r.db.Exec(ctx, query, id, expectedVersion)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval request")
	}
	if tag.RowsAffected() == 0 {
		return r.missedWrite(ctx, id, expectedVersion)
	}
	return nil
}

// missedWrite explains a guarded write that matched no row.
func (r *RequestRepository) missedWrite(ctx context.Context, id string, expectedVersion int64) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check approval request")
	}
	return lostRaceError(id, exists, expectedVersion)
}

func lostRaceError(id string, exists bool, expectedVersion int64) error {
	if !exists {
		return errors.NotFound("approval_request", id)
	}
	return errors.Newf(errors.ErrCodeConflict,
		"approval request %s was modified concurrently (expected version %d)", id, expectedVersion)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func marshalRequestState(req *approval.Request) (payload, approvals []byte, err error) {
	if req.Payload != nil {
		payload, err = json.Marshal(req.Payload)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request payload")
		}
	}
	state := req.Approvals
	if state == nil {
		state = map[int]*approval.LevelState{}
	}
	approvals, err = json.Marshal(state)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval state")
	}
	return payload, approvals, nil
}

func (r *RequestRepository) scanRequest(row rowScanner) (*approval.Request, error) {
	req := &approval.Request{}
	var status string
	var payloadJSON, approvalsJSON []byte

	err := row.Scan(
		&req.ID,
		&req.ProcessType,
		&req.SubmitterID,
		&req.Department,
		&req.Title,
		&payloadJSON,
		&status,
		&approvalsJSON,
		&req.Round,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.OverallStatus = approval.OverallStatus(status)

	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &req.Payload); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal request payload")
		}
	}
	req.Approvals = map[int]*approval.LevelState{}
	if approvalsJSON != nil {
		if err := json.Unmarshal(approvalsJSON, &req.Approvals); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval state")
		}
	}
	return req, nil
}
