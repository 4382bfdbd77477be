// Package server exposes the HTTP surface: search submission, result
// retrieval, the websocket upgrade into the broker, and health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tgoebel/beacon/internal/broker"
	"github.com/tgoebel/beacon/internal/event"
	"github.com/tgoebel/beacon/internal/job"
	"github.com/tgoebel/beacon/internal/metrics"
	"github.com/tgoebel/beacon/internal/store"
)

// IdentityFunc extracts the caller identity from a request. Token
// verification is out of scope; the default trusts headers and query params.
type IdentityFunc func(r *http.Request) (userID, sessionID string)

// HeaderIdentity reads X-User-ID / X-Session-ID, falling back to userId /
// sessionId query parameters for websocket clients that cannot set headers.
func HeaderIdentity(r *http.Request) (string, string) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}
	sessionID := r.Header.Get("X-Session-ID")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("sessionId")
	}
	return userID, sessionID
}

// Runner executes one search job. It may publish intermediate progress
// itself; the server records the terminal outcome from its return value.
type Runner interface {
	Run(ctx context.Context, requestID, query string) (json.RawMessage, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, requestID, query string) (json.RawMessage, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, requestID, query string) (json.RawMessage, error) {
	return f(ctx, requestID, query)
}

// Options configures the server.
type Options struct {
	// RequireAuth rejects requests with no identity at the HTTP layer, and
	// refuses the websocket handshake before upgrading.
	RequireAuth bool

	// SearchTimeout is the request-level deadline for a search job. Expiry
	// forces a terminal failure status and event. Default 2m.
	SearchTimeout time.Duration

	// Identity overrides how identity is extracted. Default HeaderIdentity.
	Identity IdentityFunc
}

// Server wires the HTTP handlers to the job store, broker hub, and runner.
type Server struct {
	log     *slog.Logger
	jobs    *job.Store
	hub     *broker.Hub
	kv      store.Store
	runner  Runner
	metrics *metrics.Collector
	opts    Options

	upgrader websocket.Upgrader
	mux      *http.ServeMux
	wg       sync.WaitGroup
}

// New creates a server. metrics may be nil.
func New(jobs *job.Store, hub *broker.Hub, kv store.Store, runner Runner, opts Options, log *slog.Logger, m *metrics.Collector) *Server {
	if log == nil {
		log = slog.Default()
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 2 * time.Minute
	}
	if opts.Identity == nil {
		opts.Identity = HeaderIdentity
	}
	s := &Server{
		log:     log,
		jobs:    jobs,
		hub:     hub,
		kv:      kv,
		runner:  runner,
		metrics: m,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /api/search", s.handleCreateSearch)
	s.mux.HandleFunc("GET /api/search/{requestId}/result", s.handleResult)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.log)(s.mux)
}

// Wait blocks until all in-flight search jobs have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

type searchRequest struct {
	Query string `json:"query"`
}

type searchAccepted struct {
	RequestID string `json:"requestId"`
}

type resultResponse struct {
	RequestID string          `json:"requestId"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *job.Error      `json:"error,omitempty"`
}

func (s *Server) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	userID, sessionID := s.opts.Identity(r)
	if s.opts.RequireAuth && userID == "" && sessionID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	requestID := uuid.New().String()
	if err := s.jobs.Create(r.Context(), requestID, userID, sessionID); err != nil {
		// The job record is a status view; the live event stream works
		// without it, so a store outage does not block submission.
		s.log.Warn("job create failed", "request_id", requestID, "error", err)
	}

	s.wg.Add(1)
	go s.runSearch(requestID, req.Query)

	s.log.Info("search accepted", "request_id", requestID, "user_id", userID)
	writeJSON(w, http.StatusAccepted, searchAccepted{RequestID: requestID})
}

// runSearch drives one job under the request-level deadline. Every outcome,
// including deadline expiry and a panicking runner, lands in a terminal
// status and a terminal event on the search channel.
func (s *Server) runSearch(requestID, query string) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SearchTimeout)
	defer cancel()

	s.setStatus(ctx, requestID, job.StatusRunning, 0)

	result, err := s.runProtected(ctx, requestID, query)
	if err != nil {
		code := "SEARCH_FAILED"
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			code = "SEARCH_TIMEOUT"
		}
		s.log.Warn("search failed", "request_id", requestID, "code", code, "error", err)
		if serr := s.jobs.SetError(ctx, requestID, job.StatusDoneFailed, code, err.Error(), "fatal"); serr != nil {
			s.log.Warn("job error write failed", "request_id", requestID, "error", serr)
		}
		s.publishStatus(requestID, string(job.StatusDoneFailed), 0)
		return
	}

	if serr := s.jobs.SetResult(ctx, requestID, result); serr != nil {
		s.log.Warn("job result write failed", "request_id", requestID, "error", serr)
	}
	s.publishStatus(requestID, string(job.StatusDoneSuccess), 100)
}

func (s *Server) runProtected(ctx context.Context, requestID, query string) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("search panicked: %v", r)
		}
	}()
	return s.runner.Run(ctx, requestID, query)
}

func (s *Server) setStatus(ctx context.Context, requestID string, status job.Status, progress int) {
	if err := s.jobs.SetStatus(ctx, requestID, status, progress); err != nil {
		s.log.Warn("job status write failed", "request_id", requestID, "error", err)
	}
	s.publishStatus(requestID, string(status), progress)
}

func (s *Server) publishStatus(requestID, status string, progress int) {
	ev := event.NewStatusEvent(requestID, status, progress)
	if err := s.hub.Publish(context.Background(), event.ChannelSearch, requestID, ev); err != nil {
		s.log.Warn("status publish failed", "request_id", requestID, "error", err)
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	userID, sessionID := s.opts.Identity(r)
	if s.opts.RequireAuth && userID == "" && sessionID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	requestID := r.PathValue("requestId")
	j, err := s.jobs.Get(r.Context(), requestID)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown request")
		return
	}
	if errors.Is(err, store.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry shortly")
		return
	}
	if err != nil {
		s.log.Error("job read failed", "request_id", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// An ownership mismatch looks identical to an unknown request, so a
	// probe cannot distinguish other users' request ids from random ones.
	if !j.OwnedBy(userID, sessionID) {
		writeError(w, http.StatusNotFound, "unknown request")
		return
	}

	resp := resultResponse{RequestID: j.RequestID, Status: string(j.Status), Progress: j.Progress}
	switch {
	case !j.Status.Terminal():
		writeJSON(w, http.StatusAccepted, resp)
	case j.Status == job.StatusDoneSuccess:
		resp.Result = j.Result
		writeJSON(w, http.StatusOK, resp)
	case j.Status == job.StatusDoneClarify:
		resp.Error = j.Error
		writeJSON(w, http.StatusOK, resp)
	default:
		// The internal failure detail stays in the logs; clients get a
		// retryable generic message.
		code := "SEARCH_FAILED"
		if j.Error != nil {
			code = j.Error.Code
		}
		resp.Error = &job.Error{Code: code, Message: "Search did not complete. Please try again.", Kind: "fatal"}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, sessionID := s.opts.Identity(r)
	if s.opts.RequireAuth && userID == "" && sessionID == "" {
		// Refused before the upgrade, so the client sees a clean HTTP 401
		// instead of a websocket close.
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.HandleConn(ws, userID, sessionID)
}

type healthResponse struct {
	Status      string            `json:"status"`
	Store       string            `json:"store"`
	Connections int               `json:"connections"`
	Stats       *metrics.Snapshot `json:"stats,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok", Connections: s.hub.ConnCount()}
	if err := s.kv.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = "unavailable"
	}
	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		resp.Stats = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
