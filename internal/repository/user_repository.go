package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hse-approvals/internal/directory"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/database"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
)

// UserRepository reads the user directory and org hierarchy. It implements
// directory.Store.
type UserRepository struct {
	db *database.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

var _ directory.Store = (*UserRepository)(nil)

const userColumns = `
	id, display_name, email, job_title, department, company_id, manager_id, active
`

// GetUser returns a directory user, or nil when the id is unknown.
func (r *UserRepository) GetUser(ctx context.Context, id string) (*directory.User, error) {
	query := `SELECT ` + userColumns + ` FROM directory_users WHERE id = $1`

	u, err := r.scanUser(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get directory user")
	}
	return u, nil
}

// FindActiveByJobTitle returns active users whose job title equals jobTitle
// ignoring case.
func (r *UserRepository) FindActiveByJobTitle(ctx context.Context, jobTitle string) ([]*directory.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM directory_users
		WHERE active = TRUE
		  AND LOWER(job_title) = LOWER($1)
		ORDER BY display_name ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, jobTitle)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query users by job title")
	}
	defer rows.Close()

	var users []*directory.User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan directory user")
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Upsert creates or updates a directory user. The directory is owned by the
// HR side of the platform; this exists for sync jobs and seeding.
func (r *UserRepository) Upsert(ctx context.Context, u *directory.User) error {
	query := `
		INSERT INTO directory_users
		    (id, display_name, email, job_title, department, company_id, manager_id, active)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    email        = EXCLUDED.email,
		    job_title    = EXCLUDED.job_title,
		    department   = EXCLUDED.department,
		    company_id   = EXCLUDED.company_id,
		    manager_id   = EXCLUDED.manager_id,
		    active       = EXCLUDED.active,
		    updated_at   = NOW()
	`

	_, err := r.db.Exec(ctx, query,
		u.ID,
		u.DisplayName,
		u.Email,
		u.JobTitle,
		u.Department,
		u.CompanyID,
		u.ManagerID,
		u.Active,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert directory user")
	}
	return nil
}

func (r *UserRepository) scanUser(row rowScanner) (*directory.User, error) {
	u := &directory.User{}
	var managerID *string
	err := row.Scan(
		&u.ID,
		&u.DisplayName,
		&u.Email,
		&u.JobTitle,
		&u.Department,
		&u.CompanyID,
		&managerID,
		&u.Active,
	)
	if err != nil {
		return nil, err
	}
	if managerID != nil {
		u.ManagerID = *managerID
	}
	return u, nil
}
