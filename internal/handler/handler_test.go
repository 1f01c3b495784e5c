package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/auth"
	"github.com/pesio-ai/be-hse-approvals/internal/directory"
	"github.com/pesio-ai/be-hse-approvals/internal/flowstore"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hse-approvals/internal/repository"
	"github.com/pesio-ai/be-hse-approvals/internal/service"
)

type requestStore struct {
	mu   sync.Mutex
	reqs map[string]*approval.Request
}

func (s *requestStore) Create(_ context.Context, req *approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.Version = 1
	s.reqs[req.ID] = req.Clone()
	return nil
}

func (s *requestStore) GetByID(_ context.Context, id string) (*approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.reqs[id]; ok {
		return req.Clone(), nil
	}
	return nil, errors.NotFound("approval_request", id)
}

func (s *requestStore) List(_ context.Context, filter repository.RequestFilter) ([]*approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*approval.Request
	for _, req := range s.reqs {
		if filter.SubmitterID != "" && req.SubmitterID != filter.SubmitterID {
			continue
		}
		if filter.OpenOnly && req.OverallStatus.Terminal() {
			continue
		}
		out = append(out, req.Clone())
	}
	return out, nil
}

func (s *requestStore) UpdateState(_ context.Context, req *approval.Request, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.reqs[req.ID]
	if !ok {
		return errors.NotFound("approval_request", req.ID)
	}
	if stored.Version != expected {
		return errors.New(errors.ErrCodeConflict, "modified concurrently")
	}
	req.Version = expected + 1
	s.reqs[req.ID] = req.Clone()
	return nil
}

func (s *requestStore) Delete(_ context.Context, id string, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.reqs[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}
	if stored.Version != expected || stored.OverallStatus.Terminal() {
		return errors.New(errors.ErrCodeConflict, "modified concurrently")
	}
	delete(s.reqs, id)
	return nil
}

type auditStore struct{}

func (auditStore) Append(context.Context, *repository.AuditEntry) error { return nil }

func (auditStore) GetByRequestID(context.Context, string) ([]*repository.AuditEntry, error) {
	return []*repository.AuditEntry{}, nil
}

var (
	submitter = auth.Actor{ID: "sub", DisplayName: "Sam", Department: "ops"}
	manager   = auth.Actor{ID: "mgr", DisplayName: "Morgan", Department: "ops"}
	officer   = auth.Actor{ID: "hse1", DisplayName: "Hana", Department: "ops"}
	admin     = auth.Actor{ID: "root", DisplayName: "Root", Roles: []string{"admin"}}
)

type testEnv struct {
	svc    *service.ApprovalService
	authn  *auth.Authenticator
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	users := directory.NewMemoryStore(
		&directory.User{ID: "sub", DisplayName: "Sam", Department: "ops", ManagerID: "mgr", Active: true},
		&directory.User{ID: "mgr", DisplayName: "Morgan", Department: "ops", Active: true},
		&directory.User{ID: "hse1", DisplayName: "Hana", JobTitle: "HSE Officer", Department: "ops", Active: true},
	)
	flows := flowstore.NewMemory(&approval.FlowDefinition{
		ProcessType: approval.ProcessFleet,
		Policy:      approval.PolicySequential,
		Levels: []approval.Level{
			{Index: 1, Roles: []approval.RoleReference{approval.Hierarchy(1)}},
			{Index: 2, Roles: []approval.RoleReference{approval.Function("HSE Officer")}},
		},
	})
	log := logger.Nop()
	svc := service.NewApprovalService(
		flows,
		&requestStore{reqs: map[string]*approval.Request{}},
		auditStore{},
		nil,
		func() approval.Resolver { return directory.NewResolver(users, log) },
		service.NewHub(),
		log,
		service.WithAdminRoles("admin"),
	)

	authn := auth.NewAuthenticator("test-secret", "")
	r := mux.NewRouter()
	NewHTTPHandler(svc, log, []string{"*"}).Register(r)
	return &testEnv{svc: svc, authn: authn, router: authn.Middleware(r)}
}

func (e *testEnv) token(t *testing.T, actor auth.Actor) string {
	t.Helper()
	tok, err := e.authn.Issue(actor, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, actor *auth.Actor, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(t, *actor))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}
