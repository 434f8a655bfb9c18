// Package controlsurface implements the thin HTTP wrapper spec.md §1
// calls for: one JSON request struct, one JSON response struct per
// concern, and a handler that does nothing but call straight into
// Supervisor/Policy/Bus operations and marshal the result — the same
// "parse request, dispatch, marshal response" shape as the teacher
// agent's internal/operator/server.go, rebuilt over net/http instead of
// a Unix socket so spec.md §6's long-lived subscription streams have
// somewhere to live.
package controlsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drak0niii/launch-ctrl/internal/agents/rca"
	"github.com/drak0niii/launch-ctrl/internal/bus"
	"github.com/drak0niii/launch-ctrl/internal/diagnostics"
	"github.com/drak0niii/launch-ctrl/internal/metrics"
	"github.com/drak0niii/launch-ctrl/internal/policy"
	"github.com/drak0niii/launch-ctrl/internal/supervisor"
	"github.com/drak0niii/launch-ctrl/internal/towerclient"
)

const streamKeepAlive = 30 * time.Second

// Server is the control surface's HTTP handler. It holds no orchestration
// state of its own; every field is a collaborator it delegates to.
type Server struct {
	sup     *supervisor.Supervisor
	policy  *policy.Store
	b       *bus.Bus
	client  *towerclient.Client
	rcaBook *rca.RCA
	exp     *diagnostics.Exporter
	metrics *metrics.Metrics
	log     *zap.Logger

	mux *http.ServeMux
}

// New wires a Server over its collaborators and builds its route table.
func New(sup *supervisor.Supervisor, policyStore *policy.Store, b *bus.Bus, client *towerclient.Client, rcaBook *rca.RCA, exp *diagnostics.Exporter, m *metrics.Metrics, log *zap.Logger) *Server {
	s := &Server{sup: sup, policy: policyStore, b: b, client: client, rcaBook: rcaBook, exp: exp, metrics: m, log: log}
	s.routes()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	mux := http.NewServeMux()

	mux.HandleFunc("/control/start", s.handleControl(func() { s.sup.Start() }))
	mux.HandleFunc("/control/stop", s.handleControl(func() { s.sup.Stop() }))
	mux.HandleFunc("/control/pause", s.handleControl(func() { s.sup.Pause() }))
	mux.HandleFunc("/control/resume", s.handleControl(func() { s.sup.Resume() }))
	mux.HandleFunc("/control/note", s.handleNote)
	mux.HandleFunc("/control/summary", s.handleSummary)

	mux.HandleFunc("/policy", s.handlePolicy)
	mux.HandleFunc("/approvals", s.handleApprovals)
	mux.HandleFunc("/approvals/", s.handleApprovalResolve)
	mux.HandleFunc("/auto-toggle", s.handleAutoToggle)

	mux.HandleFunc("/stream/bus", s.handleStreamBus)
	mux.HandleFunc("/stream/snapshot", s.handleStreamSnapshot)
	mux.HandleFunc("/stream/logs/supervisor", s.handleStreamLogs)
	mux.HandleFunc("/stream/logs/agent/a", s.handleStreamLogs)
	mux.HandleFunc("/stream/logs/agent/b", s.handleStreamLogs)
	mux.HandleFunc("/stream/logs/agent/c", s.handleStreamLogs)

	mux.HandleFunc("/debug/snapshot", s.handleDebugSnapshot)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	s.mux = mux
}

// Response is the generic envelope every control/policy/approval handler
// returns, mirroring the teacher's single ok/error/payload Response shape.
type Response struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, Response{OK: false, Error: err.Error()})
}

func (s *Server) handleControl(action func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("POST required"))
			return
		}
		action()
		writeJSON(w, http.StatusOK, Response{OK: true, Payload: s.sup.Summary()})
	}
}

type noteRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("POST required"))
		return
	}
	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	s.sup.Note(req.Note)
	writeJSON(w, http.StatusOK, Response{OK: true, Payload: s.sup.Summary()})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("GET required"))
		return
	}
	writeJSON(w, http.StatusOK, Response{OK: true, Payload: s.sup.Summary()})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, Response{OK: true, Payload: s.policy.Get()})
	case http.MethodPatch:
		var patch policy.Patch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
			return
		}
		next, err := s.policy.Apply(patch)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, Response{OK: true, Payload: next})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("GET or PATCH required"))
	}
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("GET required"))
		return
	}
	writeJSON(w, http.StatusOK, Response{OK: true, Payload: s.sup.ListApprovals()})
}

type approvalResolveRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("POST required"))
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/approvals/"), "/resolve")
	if id == "" || id == r.URL.Path {
		writeError(w, http.StatusNotFound, fmt.Errorf("expected /approvals/{id}/resolve"))
		return
	}
	var req approvalResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	approval, ok := s.sup.ResolveApproval(id, req.Approve)
	if !ok {
		writeJSON(w, http.StatusOK, Response{OK: false, Error: "no such pending approval"})
		return
	}
	writeJSON(w, http.StatusOK, Response{OK: true, Payload: approval})
}

type autoToggleRequest struct {
	On bool `json:"on"`
}

func (s *Server) handleAutoToggle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, Response{OK: true, Payload: map[string]bool{"on": s.sup.AutoToggle()}})
	case http.MethodPost:
		var req autoToggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
			return
		}
		s.sup.SetAutoToggle(req.On)
		writeJSON(w, http.StatusOK, Response{OK: true, Payload: map[string]bool{"on": s.sup.AutoToggle()}})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("GET or POST required"))
	}
}

// streamJSON writes v as one line-delimited JSON message, flushing
// immediately so the client sees it without buffering delay.
func streamJSON(w http.ResponseWriter, flusher http.Flusher, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// streamKeepAliveComment writes a comment line (spec.md §6: a ≤30s
// keep-alive so intermediaries and clients don't time the connection out
// during quiet periods).
func streamKeepAliveComment(w http.ResponseWriter, flusher http.Flusher) error {
	if _, err := w.Write([]byte("# keep-alive\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (s *Server) handleStreamBus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	sub := s.b.Subscribe()
	defer sub.Close()

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-sub.Events:
			if !open {
				return
			}
			if err := streamJSON(w, flusher, evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := streamKeepAliveComment(w, flusher); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleStreamSnapshot(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	emit := func() bool {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		snap, err := s.client.GetState(ctx)
		if err != nil {
			s.log.Warn("stream/snapshot: fetch failed", zap.Error(err))
			return true
		}
		return streamJSON(w, flusher, snap) == nil
	}

	if !emit() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !emit() {
				return
			}
		}
	}
}

// handleStreamLogs serves the Supervisor's unified log ring for
// /stream/logs/supervisor and all three /stream/logs/agent/{a,b,c}
// routes. The Supervisor does not tag log entries per originating agent
// (agents A/B/C have no background goroutine of their own to log
// independently from the orchestration step that calls them — see
// internal/supervisor/agent.go), so the per-agent routes are aliases
// over the same stream rather than separate feeds.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	sub := s.sup.SubscribeLogs()
	defer sub.Close()

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, open := <-sub.Entries:
			if !open {
				return
			}
			if err := streamJSON(w, flusher, entry); err != nil {
				return
			}
		case <-ticker.C:
			if err := streamKeepAliveComment(w, flusher); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleDebugSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("POST required"))
		return
	}
	path, err := s.exp.Export(diagnostics.Snapshot{
		Logs:      s.sup.Logs(),
		Approvals: s.sup.ListApprovals(),
		Cases:     s.rcaBook.Cases(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{OK: true, Payload: map[string]string{"path": path}})
}
