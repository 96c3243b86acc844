// Package server serves the bookaudit ingest and admin HTTP API.
//
// Routes:
//
//	POST /api/append    Record an action for an actor
//	GET  /api/verify    Replay and verify the whole chain
//	GET  /api/entries   Export a sequence range or filtered query
//	GET  /api/tail      Most recent entries
//	GET  /api/actors    Known actors with stats
//	GET  /api/stats     Append/conflict counters and feed clients
//	GET  /api/feed      WebSocket feed of committed entries
//	GET  /health        Liveness check
//
// Audit log errors map to status codes: an exhausted conflict-retry budget
// is 409 (retryable), an unavailable store 503, an uninitialized log 412.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bookapi/bookaudit/internal/actor"
	"github.com/bookapi/bookaudit/internal/audit"
	"github.com/bookapi/bookaudit/internal/query"
)

// maxAppendBody bounds the JSON body of POST /api/append.
const maxAppendBody = 64 << 10

// Options holds the dependencies injected into the server.
type Options struct {
	Log      *audit.Log
	Registry *actor.Registry
	Feed     *Feed // nil disables /api/feed
	Version  string
}

// Server serves the audit API over a Log.
type Server struct {
	log      *audit.Log
	registry *actor.Registry
	feed     *Feed
	version  string
}

// New creates a Server with the given dependencies.
func New(opts Options) *Server {
	return &Server{
		log:      opts.Log,
		registry: opts.Registry,
		feed:     opts.Feed,
		version:  opts.Version,
	}
}

// Handler returns the http.Handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/append", s.handleAppend)
	mux.HandleFunc("/api/verify", s.handleVerify)
	mux.HandleFunc("/api/entries", s.handleEntries)
	mux.HandleFunc("/api/tail", s.handleTail)
	mux.HandleFunc("/api/actors", s.handleActors)
	mux.HandleFunc("/api/stats", s.handleStats)
	if s.feed != nil {
		mux.Handle("/api/feed", s.feed)
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
	})

	return mux
}

// appendRequest is the body of POST /api/append.
type appendRequest struct {
	Actor   string `json:"actor"`
	Session string `json:"session"`
	Action  string `json:"action"`
}

// appendResponse acknowledges a committed entry.
type appendResponse struct {
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"ts"`
	Hash      string `json:"hash"`
}

// handleAppend records an action on behalf of an actor.
// POST /api/append  { "actor": "alice", "session": "s-1", "action": "book 42 deleted" }
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req appendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAppendBody)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Action == "" {
		http.Error(w, "action field required", http.StatusBadRequest)
		return
	}

	ac := actor.Context{ID: req.Actor, Session: req.Session, Remote: remoteHost(r)}
	if err := ac.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e, err := s.log.Append(r.Context(), ac.Message(req.Action))
	if err != nil {
		if s.registry != nil {
			s.registry.RecordFailure(ac)
		}
		slog.Warn("append rejected", "actor", ac.ID, "error", err)
		writeError(w, err)
		return
	}
	if s.registry != nil {
		s.registry.RecordAppend(ac, e.Seq)
	}

	writeJSON(w, http.StatusCreated, appendResponse{
		Seq:       e.Seq,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Hash:      fmt.Sprintf("%x", e.Hash),
	})
}

// handleVerify replays the chain. Tampering is reported in the body with
// status 200; only a verifier failure is an error status.
// GET /api/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	res, err := s.log.Verify(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleEntries exports entries.
// GET /api/entries?from=1&to=100&format=jsonl
// GET /api/entries?match=*alice*&since=1h&limit=50
//
// Without match/since/until/limit it is a plain sequence-range export;
// with any of them it is a filtered query over the whole log.
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	format := q.Get("format")
	if format == "" {
		format = "json"
	}
	contentType, ok := contentTypes[format]
	if !ok {
		http.Error(w, "unsupported format (use json, jsonl, or csv)", http.StatusBadRequest)
		return
	}

	var (
		entries []audit.Entry
		err     error
	)
	if q.Has("match") || q.Has("since") || q.Has("until") || q.Has("limit") {
		params, perr := parseQuery(q.Get("match"), q.Get("since"), q.Get("until"), q.Get("limit"))
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		entries, err = s.log.Query(r.Context(), params)
	} else {
		from, ferr := parseUint(q.Get("from"))
		to, terr := parseUint(q.Get("to"))
		if ferr != nil || terr != nil {
			http.Error(w, "from and to must be sequence numbers", http.StatusBadRequest)
			return
		}
		entries, err = s.log.ExportRange(r.Context(), from, to)
	}
	if err != nil {
		// Filter compile errors surface here as plain errors.
		if isAuditErr(err) {
			writeError(w, err)
		} else {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if err := audit.WriteEntries(w, format, entries); err != nil {
		slog.Error("writing entries response", "error", err)
	}
}

var contentTypes = map[string]string{
	"json":  "application/json",
	"jsonl": "application/x-ndjson",
	"csv":   "text/csv",
}

// handleTail returns the most recent entries, oldest first.
// GET /api/tail?n=20
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	n := 20
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}

	entries, err := s.log.Tail(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleActors returns all known actors with stats.
// GET /api/actors
func (s *Server) handleActors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if s.registry == nil {
		writeJSON(w, http.StatusOK, []actor.Actor{})
		return
	}
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleStats returns the log's counters.
// GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"log":   s.log.Stats(),
		"retry": retryJSON(s.log.RetryPolicy()),
	}
	if s.feed != nil {
		stats["feed_clients"] = s.feed.Clients()
	}
	writeJSON(w, http.StatusOK, stats)
}

func retryJSON(p audit.RetryPolicy) map[string]any {
	return map[string]any{
		"max_attempts":  p.MaxAttempts,
		"base_delay_ms": p.BaseDelay.Milliseconds(),
		"max_delay_ms":  p.MaxDelay.Milliseconds(),
		"timeout_ms":    p.Timeout.Milliseconds(),
	}
}

// --- Helpers ---

// statusFor maps audit log errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, audit.ErrConflictRetryExhausted):
		return http.StatusConflict
	case errors.Is(err, audit.ErrUninitialized):
		return http.StatusPreconditionFailed
	case errors.Is(err, audit.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isAuditErr(err error) bool {
	return statusFor(err) != http.StatusInternalServerError
}

// writeError sends err as a JSON error body with its mapped status.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusConflict {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func parseQuery(match, since, until, limit string) (query.Params, error) {
	now := time.Now()
	p := query.Params{Match: match}

	var err error
	if p.Since, err = query.ParseSince(since, now); err != nil {
		return p, err
	}
	if p.Until, err = query.ParseSince(until, now); err != nil {
		return p, err
	}
	if limit != "" {
		if p.Limit, err = strconv.Atoi(limit); err != nil {
			return p, fmt.Errorf("invalid limit %q", limit)
		}
	}
	return p, nil
}

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

// remoteHost strips the port from r.RemoteAddr.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
