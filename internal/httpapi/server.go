// Package httpapi serves the operator API: health, metrics, item listing,
// human approval decisions, producer intake and audit queries.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gatekeeper/pkg/approval"
	"gatekeeper/pkg/audit"
	"gatekeeper/pkg/lifecycle"
	"gatekeeper/pkg/logx"
	"gatekeeper/pkg/loop"
	"gatekeeper/pkg/store"
	"gatekeeper/pkg/version"
	"gatekeeper/pkg/workitem"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

// ActorAPI is recorded for items created through the API without a source.
const ActorAPI = "api"

// AuditReader answers audit queries.
type AuditReader interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// Deps are the components the API reads and drives.
type Deps struct {
	Ledger  *lifecycle.Ledger
	Gate    *approval.Gate
	Audit   AuditReader
	Loop    *loop.Controller // optional
	Metrics http.Handler     // optional
}

// Server is the HTTP surface of the daemon.
type Server struct {
	deps   Deps
	router chi.Router
	logger *logx.Logger
}

// New builds the router.
func New(deps Deps) *Server {
	s := &Server{deps: deps, logger: logx.NewLogger("http")}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.Route("/items", func(r chi.Router) {
		r.Get("/", s.handleListItems)
		r.Post("/", s.handleCreateItem)
		r.Get("/{id}", s.handleGetItem)
	})
	r.Post("/approvals/{id}/{decision}", s.handleDecision)
	r.Get("/audit", s.handleAudit)
	r.Get("/logs", s.handleLogs)
	r.Route("/loops", func(r chi.Router) {
		r.Get("/", s.handleListLoops)
		r.Get("/{id}", s.handleGetLoop)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on addr and serves until ctx is done, then shuts down
// gracefully. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context, addr string) (net.Addr, <-chan struct{}, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("serving operator API on %s", ln.Addr())

	done := make(chan struct{})
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error: %v", err)
		}
	}()
	go func() {
		defer close(done)
		<-ctx.Done()
		// Parent is cancelled; shut down on a fresh context.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:contextcheck // parent context is already cancelled
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()
	return ln.Addr(), done, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	names := splitParam(r.URL.Query().Get("container"))
	var containers []workitem.Container
	if len(names) == 0 {
		containers = workitem.Containers()
	}
	for _, n := range names {
		c := workitem.Container(n)
		if !c.IsValid() {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown container %q", n))
			return
		}
		containers = append(containers, c)
	}

	items := []*workitem.Item{}
	for _, c := range containers {
		list, err := s.deps.Ledger.Store().List(r.Context(), c)
		if err != nil {
			s.writeError(w, statusFor(err), err)
			return
		}
		items = append(items, list...)
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := workitem.ValidateID(id); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	st := s.deps.Ledger.Store()
	c, err := st.Locate(r.Context(), id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	it, err := st.Get(r.Context(), id, c)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, it)
}

// CreateRequest is the producer intake body.
type CreateRequest struct {
	Container  workitem.Container `json:"container,omitempty"`
	Kind       string             `json:"kind"`
	ActionType string             `json:"action_type,omitempty"`
	Header     workitem.Header    `json:"header,omitempty"`
	Body       string             `json:"body,omitempty"`
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	switch req.Container {
	case "":
		req.Container = workitem.NeedsAction
	case workitem.Inbox, workitem.NeedsAction:
	default:
		// Later containers are reached only through the gate.
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("items can only be created in %s or %s, not %q",
			workitem.Inbox, workitem.NeedsAction, req.Container))
		return
	}
	if req.Header == nil {
		req.Header = workitem.Header{}
	}
	if req.ActionType != "" {
		req.Header[workitem.KeyActionType] = req.ActionType
	}
	actor := req.Header.String(workitem.KeySource)
	if actor == "" {
		actor = ActorAPI
	}

	it, err := s.deps.Ledger.Create(r.Context(), actor, req.Container, req.Kind, req.Header, req.Body)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, it)
}

// DecisionRequest is the body of an approve or reject call.
type DecisionRequest struct {
	Actor   string `json:"actor"`
	Comment string `json:"comment"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var approve bool
	switch chi.URLParam(r, "decision") {
	case "approve":
		approve = true
	case "reject":
	default:
		s.writeError(w, http.StatusNotFound, errors.New("decision must be approve or reject"))
		return
	}

	var req DecisionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
			return
		}
	}

	it, err := s.deps.Gate.Decide(r.Context(), chi.URLParam(r, "id"), approve, req.Actor, req.Comment)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Target: q.Get("target"),
		Actor:  q.Get("actor"),
	}
	for _, k := range splitParam(q.Get("kind")) {
		f.Kinds = append(f.Kinds, audit.Kind(k))
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since: %w", err))
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid until: %w", err))
		return
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
	}

	entries, err := s.deps.Audit.Query(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since: %w", err))
		return
	}
	entries := logx.Recent(r.URL.Query().Get("component"), since)
	if entries == nil {
		entries = []logx.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListLoops(w http.ResponseWriter, r *http.Request) {
	if s.deps.Loop == nil {
		s.writeError(w, http.StatusNotFound, errors.New("loop controller not configured"))
		return
	}
	sessions, err := s.deps.Loop.Active(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []*loop.Session{}
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

// handleGetLoop returns the live session, or its history record once
// archived.
func (s *Server) handleGetLoop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Loop == nil {
		s.writeError(w, http.StatusNotFound, errors.New("loop controller not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	live, err := s.deps.Loop.Get(r.Context(), id)
	if err == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"active": true, "session": live})
		return
	}
	if !errors.Is(err, loop.ErrSessionNotFound) {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	hist, err := s.deps.Loop.History(r.Context(), id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"active": false, "session": hist})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed: %v", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, loop.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrConflict), errors.Is(err, approval.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidContainer):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func splitParam(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
