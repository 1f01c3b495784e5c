package directory

import (
	"context"
	"strings"
	"sync"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/logger"
)

// User is a directory entry as the resolver sees it.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	JobTitle    string `json:"job_title,omitempty"`
	Department  string `json:"department,omitempty"`
	CompanyID   string `json:"company_id,omitempty"`
	ManagerID   string `json:"manager_id,omitempty"`
	Active      bool   `json:"active"`
}

// Store is the read side of the user directory.
type Store interface {
	// GetUser returns nil, nil when the user does not exist.
	GetUser(ctx context.Context, id string) (*User, error)
	// FindActiveByJobTitle matches job titles case-insensitively across all
	// departments.
	FindActiveByJobTitle(ctx context.Context, jobTitle string) ([]*User, error)
}

// Resolver implements approval.Resolver against a Store. A Resolver caches
// every lookup it makes, so create one per request or evaluation pass.
type Resolver struct {
	store Store
	log   *logger.Logger

	mu     sync.Mutex
	users  map[string]*User
	titles map[string][]*User
}

// NewResolver creates a Resolver for one resolution pass.
func NewResolver(store Store, log *logger.Logger) *Resolver {
	return &Resolver{
		store:  store,
		log:    log,
		users:  make(map[string]*User),
		titles: make(map[string][]*User),
	}
}

// Resolve evaluates ref. Lookup failures are logged and treated as "no
// approver"; only an unsupported hierarchy depth is returned as an error.
func (r *Resolver) Resolve(ctx context.Context, ref approval.RoleReference, rc approval.ResolveContext) ([]approval.ResolvedApprover, error) {
	switch ref.Kind {
	case approval.RoleDirectUser:
		u := r.user(ctx, ref.UserID)
		if u == nil || !u.Active {
			return nil, nil
		}
		return []approval.ResolvedApprover{toApprover(u)}, nil

	case approval.RoleFunction:
		return r.byFunction(ctx, ref.JobTitle, rc.Department), nil

	case approval.RoleHierarchy:
		if ref.Depth > 1 {
			return nil, errors.Newf(errors.ErrCodeUnsupportedHierarchyDepth,
				"hierarchy reference L+%d is not supported; only L+1 resolves", ref.Depth)
		}
		return r.lineManager(ctx, rc.SubmitterID), nil
	}

	return nil, errors.InvalidInput("role", "unknown role reference kind")
}

// byFunction prefers holders of the title inside the request's department
// and falls back to every department once when there are none.
func (r *Resolver) byFunction(ctx context.Context, jobTitle, department string) []approval.ResolvedApprover {
	holders := r.jobTitle(ctx, jobTitle)
	if len(holders) == 0 {
		return nil
	}

	if department != "" {
		var inDept []approval.ResolvedApprover
		for _, u := range holders {
			if strings.EqualFold(u.Department, department) {
				inDept = append(inDept, toApprover(u))
			}
		}
		if len(inDept) > 0 {
			return inDept
		}
	}

	out := make([]approval.ResolvedApprover, 0, len(holders))
	for _, u := range holders {
		out = append(out, toApprover(u))
	}
	return out
}

func (r *Resolver) lineManager(ctx context.Context, submitterID string) []approval.ResolvedApprover {
	submitter := r.user(ctx, submitterID)
	if submitter == nil || submitter.ManagerID == "" {
		return nil
	}
	manager := r.user(ctx, submitter.ManagerID)
	if manager == nil || !manager.Active {
		return nil
	}
	return []approval.ResolvedApprover{toApprover(manager)}
}

func (r *Resolver) user(ctx context.Context, id string) *User {
	if id == "" {
		return nil
	}

	r.mu.Lock()
	u, ok := r.users[id]
	r.mu.Unlock()
	if ok {
		return u
	}

	u, err := r.store.GetUser(ctx, id)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", id).Msg("Directory lookup failed; treating user as unassigned")
		return nil
	}

	r.mu.Lock()
	r.users[id] = u
	r.mu.Unlock()
	return u
}

func (r *Resolver) jobTitle(ctx context.Context, jobTitle string) []*User {
	key := strings.ToLower(strings.TrimSpace(jobTitle))
	if key == "" {
		return nil
	}

	r.mu.Lock()
	list, ok := r.titles[key]
	r.mu.Unlock()
	if ok {
		return list
	}

	found, err := r.store.FindActiveByJobTitle(ctx, jobTitle)
	if err != nil {
		r.log.Warn().Err(err).Str("job_title", jobTitle).Msg("Job title lookup failed; no approvers resolved")
		return nil
	}

	for _, u := range found {
		if u == nil || !u.Active || !strings.EqualFold(u.JobTitle, jobTitle) {
			continue
		}
		list = append(list, u)
	}

	r.mu.Lock()
	r.titles[key] = list
	for _, u := range list {
		r.users[u.ID] = u
	}
	r.mu.Unlock()
	return list
}

func toApprover(u *User) approval.ResolvedApprover {
	name := u.DisplayName
	if name == "" {
		name = u.Email
	}
	if name == "" {
		name = u.ID
	}
	return approval.ResolvedApprover{
		Identity:    u.ID,
		DisplayName: name,
		Title:       u.JobTitle,
		Department:  u.Department,
	}
}
