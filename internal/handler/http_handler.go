package handler

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/auth"
	"github.com/pesio-ai/be-hse-approvals/internal/metrics"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hse-approvals/internal/repository"
	"github.com/pesio-ai/be-hse-approvals/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service  *service.ApprovalService
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service *service.ApprovalService, log *logger.Logger, allowedOrigins []string) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// Register mounts the API routes on r.
func (h *HTTPHandler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/flows", h.ListFlows).Methods(http.MethodGet)
	api.HandleFunc("/flows/{processType}", h.GetFlow).Methods(http.MethodGet)
	api.HandleFunc("/flows/{processType}", h.PutFlow).Methods(http.MethodPut)
	api.HandleFunc("/flows/{processType}", h.DeleteFlow).Methods(http.MethodDelete)

	api.HandleFunc("/requests", h.ListRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests", h.SubmitRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", h.GetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", h.WithdrawRequest).Methods(http.MethodDelete)
	api.HandleFunc("/requests/{id}/resubmit", h.ResubmitRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/levels/{level}/approve", h.decide(approval.DecisionApprove)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/levels/{level}/reject", h.decide(approval.DecisionReject)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/history", h.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/subscribe", h.Subscribe).Methods(http.MethodGet)

	api.HandleFunc("/tasks", h.ListTasks).Methods(http.MethodGet)
}

// ── Flows ─────────────────────────────────────────────────────────────────────

// ListFlows handles list flows HTTP requests
func (h *HTTPHandler) ListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := h.service.ListFlows(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flows": flows})
}

// GetFlow handles get flow HTTP requests
func (h *HTTPHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.service.GetFlow(r.Context(), mux.Vars(r)["processType"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// PutFlow handles create-or-replace flow HTTP requests
func (h *HTTPHandler) PutFlow(w http.ResponseWriter, r *http.Request) {
	var flow approval.FlowDefinition
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}
	flow.ProcessType = mux.Vars(r)["processType"]

	saved, err := h.service.PutFlow(r.Context(), auth.CurrentActor(r.Context()), &flow)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// DeleteFlow handles delete flow HTTP requests
func (h *HTTPHandler) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteFlow(r.Context(), auth.CurrentActor(r.Context()), mux.Vars(r)["processType"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Requests ──────────────────────────────────────────────────────────────────

// SubmitRequest handles submit HTTP requests
func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	view, err := h.service.Submit(r.Context(), auth.CurrentActor(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// ListRequests handles list requests HTTP requests
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	filter := repository.RequestFilter{
		ProcessType: q.Get("process_type"),
		SubmitterID: q.Get("submitter_id"),
		OpenOnly:    q.Get("open") == "true",
		Limit:       limit,
	}

	requests, err := h.service.ListRequests(r.Context(), auth.CurrentActor(r.Context()), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"total":    len(requests),
	})
}

// GetRequest handles get request HTTP requests
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.View(r.Context(), auth.CurrentActor(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ResubmitRequest handles resubmit HTTP requests
func (h *HTTPHandler) ResubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req service.ResubmitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
			return
		}
	}

	view, err := h.service.Resubmit(r.Context(), auth.CurrentActor(r.Context()), mux.Vars(r)["id"], req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// WithdrawRequest handles withdraw HTTP requests
func (h *HTTPHandler) WithdrawRequest(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Withdraw(r.Context(), auth.CurrentActor(r.Context()), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type decisionBody struct {
	Comment string `json:"comment"`
}

// decide returns the approve or reject handler.
func (h *HTTPHandler) decide(decision approval.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		level, err := strconv.Atoi(vars["level"])
		if err != nil || level < 1 {
			h.writeError(w, r, errors.InvalidInput("level", "level must be a positive integer"))
			return
		}

		var body decisionBody
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
				return
			}
		}

		view, err := h.service.Act(r.Context(), auth.CurrentActor(r.Context()), vars["id"], level, decision, body.Comment)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// GetHistory handles audit trail HTTP requests
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.History(r.Context(), auth.CurrentActor(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// ListTasks handles the current actor's pending approvals
func (h *HTTPHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.service.PendingTasks(r.Context(), auth.CurrentActor(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []service.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// ── Live updates ──────────────────────────────────────────────────────────────

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

type liveMessage struct {
	Type string               `json:"type"`
	View *service.RequestView `json:"view,omitempty"`
}

// Subscribe upgrades to a websocket and pushes a fresh view of the request
// every time its state changes, until the request is deleted or the client
// goes away.
func (h *HTTPHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	actor := auth.CurrentActor(r.Context())

	initial, err := h.service.View(r.Context(), actor, requestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("request_id", requestID).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	changes, unsubscribe := h.service.Subscribe(requestID)
	defer unsubscribe()
	metrics.SubscriberOpened()
	defer metrics.SubscriberClosed()

	// Reader goroutine: handles pongs and notices the client closing.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg liveMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg) == nil
	}
	if !send(liveMessage{Type: "snapshot", View: initial}) {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.Deleted {
				send(liveMessage{Type: "deleted"})
				return
			}
			view, err := h.service.View(ctx, actor, requestID)
			if err != nil {
				h.log.Warn().Err(err).Str("request_id", requestID).Msg("Live view refresh failed")
				continue
			}
			if !send(liveMessage{Type: "snapshot", View: view}) {
				return
			}
		}
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	body := map[string]string{
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		body["error"] = appErr.Message
		if appErr.Field != "" {
			body["field"] = appErr.Field
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
