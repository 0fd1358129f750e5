// Package gateway is the dashboard backend: an HTTP server exposing the
// station ledger over REST, health and metrics endpoints, and a JSON-RPC
// WebSocket mirror with live bus event streaming.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Narth/Calyx-sub001/internal/audit"
	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/intent"
	"github.com/Narth/Calyx-sub001/internal/lease"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/pulse"
	"github.com/Narth/Calyx-sub001/internal/roster"
	"github.com/Narth/Calyx-sub001/internal/shared"
	"github.com/Narth/Calyx-sub001/internal/svf"
	"github.com/Narth/Calyx-sub001/internal/tes"
)

// JSON-RPC protocol error codes, plus the stable app taxonomy carried in
// rpcError.Code for domain failures.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = 1000
	ErrCodeBadRequest     = 4000
	ErrCodeUnauthorized   = 4010
	ErrCodeBackpressure   = 4290
)

type Config struct {
	Store   *persistence.Store
	Crew    *roster.Crew
	Gates   autonomy.Checker
	Bus     *bus.Bus
	Intents *intent.Service
	Leases  *lease.Manager
	Voice   *svf.Service

	// Pulse may be nil; pulse.trigger is then unavailable over the wire.
	Pulse *pulse.Generator

	HeartbeatPath string
	TESMode       tes.Mode
	TESWindow     int
	RecentWindow  int
	StationName   string

	AuthToken         string
	AllowOrigins      []string
	ConfigFingerprint string

	// Per-client budget for mutating requests. Zero disables limiting.
	RateLimitPerMin int
	RateLimitBurst  int

	Logger *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TESMode == "" {
		cfg.TESMode = tes.ModeGraduated
	}
	if cfg.TESWindow <= 0 {
		cfg.TESWindow = 50
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 10
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "gateway"),
		limiter: NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst, cfg.Logger),
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/api/status", s.handleAPIStatus)
	mux.HandleFunc("/api/heartbeat", s.handleAPIHeartbeat)
	mux.HandleFunc("/api/tes", s.handleAPITES)
	mux.HandleFunc("/api/intents", s.handleAPIIntents)
	mux.HandleFunc("/api/intents/", s.handleAPIIntentByID)
	mux.HandleFunc("/api/leases", s.handleAPILeases)
	mux.HandleFunc("/api/leases/", s.handleAPILeaseByID)
	mux.HandleFunc("/api/pulses", s.handleAPIPulses)
	mux.HandleFunc("/api/svf/", s.handleAPISVFChannel)
	return corsMiddleware(s.cfg.AllowOrigins)(mux)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

// admit applies the mutating-request budget. A denied request has already
// been answered with 429.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil || !s.limiter.Enabled() {
		return true
	}
	if s.limiter.Allow(clientKey(r)) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	http.Error(w, "rate limit exceeded; retry later", http.StatusTooManyRequests)
	return false
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.cfg.Store.QueueDepth(ctx); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":       dbOK,
		"db_ok":         dbOK,
		"station":       s.cfg.StationName,
		"autonomy_mode": s.cfg.Gates.Mode(),
		"gate_version":  s.cfg.Gates.Version(),
		"config_hash":   s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	cycles, _ := s.cfg.Store.CycleCounts(ctx)
	leases, _ := s.cfg.Store.LeaseCounts(ctx)
	intents, _ := s.cfg.Store.IntentCounts(ctx)
	depth, _ := s.cfg.Store.QueueDepth(ctx)

	var backlog int
	if s.cfg.Voice != nil {
		backlog, _ = s.cfg.Voice.Backlog(ctx)
	}

	rows, mangled, err := heartbeat.Tail(s.cfg.HeartbeatPath, s.cfg.TESWindow)
	var window tes.Summary
	if err == nil {
		window = tes.Window(rows, s.cfg.TESWindow, s.cfg.TESMode)
	}

	var crew []map[string]any
	if s.cfg.Crew != nil {
		for id, st := range s.cfg.Crew.Statuses() {
			crew = append(crew, map[string]any{
				"roster_id":     id,
				"workers":       st.Workers,
				"active_cycles": st.ActiveCycles,
				"paused":        st.Paused,
			})
		}
	}

	payload := map[string]any{
		"queue_depth":      depth,
		"cycles":           cycles,
		"leases":           leases,
		"intents":          intents,
		"svf_backlog":      backlog,
		"tes":              window,
		"mangled_rows":     mangled,
		"gate_deny_total":  audit.DenyCount(),
		"alloc_bytes":      mem.Alloc,
		"goroutines":       runtime.NumGoroutine(),
		"crew":             crew,
		"ws_clients_total": s.clientCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	cycles, _ := s.cfg.Store.CycleCounts(ctx)
	depth, _ := s.cfg.Store.QueueDepth(ctx)
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP calyx_queue_depth Number of queued cycles.\n")
	fmt.Fprintf(w, "# TYPE calyx_queue_depth gauge\n")
	fmt.Fprintf(w, "calyx_queue_depth %d\n", depth)
	fmt.Fprintf(w, "# HELP calyx_cycles Cycle rows by status.\n")
	fmt.Fprintf(w, "# TYPE calyx_cycles gauge\n")
	for status, n := range cycles {
		fmt.Fprintf(w, "calyx_cycles{status=%q} %d\n", string(status), n)
	}
	fmt.Fprintf(w, "# HELP calyx_gate_deny_total Total gate deny count.\n")
	fmt.Fprintf(w, "# TYPE calyx_gate_deny_total counter\n")
	fmt.Fprintf(w, "calyx_gate_deny_total %d\n", audit.DenyCount())
	if rows, _, err := heartbeat.Tail(s.cfg.HeartbeatPath, s.cfg.TESWindow); err == nil {
		window := tes.Window(rows, s.cfg.TESWindow, s.cfg.TESMode)
		fmt.Fprintf(w, "# HELP calyx_tes_mean Windowed TES mean.\n")
		fmt.Fprintf(w, "# TYPE calyx_tes_mean gauge\n")
		fmt.Fprintf(w, "calyx_tes_mean %g\n", window.Mean)
		fmt.Fprintf(w, "# HELP calyx_tes_window_rows Rows scored in the TES window.\n")
		fmt.Fprintf(w, "# TYPE calyx_tes_window_rows gauge\n")
		fmt.Fprintf(w, "calyx_tes_window_rows %d\n", window.Count)
	}
	if s.cfg.Voice != nil {
		if backlog, err := s.cfg.Voice.Backlog(ctx); err == nil {
			fmt.Fprintf(w, "# HELP calyx_svf_backlog Unacked high-priority SVF messages.\n")
			fmt.Fprintf(w, "# TYPE calyx_svf_backlog gauge\n")
			fmt.Fprintf(w, "calyx_svf_backlog %d\n", backlog)
		}
	}
	fmt.Fprintf(w, "# HELP calyx_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE calyx_alloc_bytes gauge\n")
	fmt.Fprintf(w, "calyx_alloc_bytes %d\n", mem.Alloc)
	if s.cfg.Crew != nil {
		fmt.Fprintf(w, "# HELP calyx_member_active_cycles Active cycles per roster member.\n")
		fmt.Fprintf(w, "# TYPE calyx_member_active_cycles gauge\n")
		for id, st := range s.cfg.Crew.Statuses() {
			fmt.Fprintf(w, "calyx_member_active_cycles{roster_id=%q} %d\n", id, st.ActiveCycles)
		}
	}
}

// --- REST API handlers ---

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	payload, err := s.statusPayload(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) statusPayload(ctx context.Context) (map[string]any, error) {
	depth, err := s.cfg.Store.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	cycles, _ := s.cfg.Store.CycleCounts(ctx)
	leases, _ := s.cfg.Store.LeaseCounts(ctx)
	intents, _ := s.cfg.Store.IntentCounts(ctx)

	var backlog int
	if s.cfg.Voice != nil {
		backlog, _ = s.cfg.Voice.Backlog(ctx)
	}
	var crew []map[string]any
	if s.cfg.Crew != nil {
		for _, rec := range s.cfg.Crew.List() {
			entry := map[string]any{
				"roster_id":    rec.ID,
				"display_name": rec.DisplayName,
				"duty":         rec.Duty,
				"status":       rec.Status,
				"workers":      rec.WorkerCount,
			}
			if st, err := s.cfg.Crew.Status(rec.ID); err == nil {
				entry["active_cycles"] = st.ActiveCycles
				entry["paused"] = st.Paused
			}
			crew = append(crew, entry)
		}
	}
	return map[string]any{
		"healthy":       true,
		"station":       s.cfg.StationName,
		"autonomy_mode": s.cfg.Gates.Mode(),
		"gate_version":  s.cfg.Gates.Version(),
		"config_hash":   s.cfg.ConfigFingerprint,
		"queue_depth":   depth,
		"cycles":        cycles,
		"leases":        leases,
		"intents":       intents,
		"svf_backlog":   backlog,
		"crew":          crew,
		"time_unix":     time.Now().Unix(),
	}, nil
}

func (s *Server) handleAPIHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	window := queryInt(r, "window", s.cfg.RecentWindow)
	rows, mangled, err := heartbeat.Tail(s.cfg.HeartbeatPath, window)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"rows": rows, "mangled_rows": mangled})
}

func (s *Server) handleAPITES(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	window := queryInt(r, "window", s.cfg.TESWindow)
	mode := s.cfg.TESMode
	if v := r.URL.Query().Get("mode"); v != "" {
		if v != string(tes.ModeGraduated) && v != string(tes.ModeBinary) {
			http.Error(w, "mode must be graduated or binary", http.StatusBadRequest)
			return
		}
		mode = tes.Mode(v)
	}
	rows, mangled, err := heartbeat.Tail(s.cfg.HeartbeatPath, window)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	summary := tes.Window(rows, window, mode)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"summary":      summary,
		"stability":    tes.Stability(rows, window, mode),
		"velocity":     tes.Velocity(rows, time.Now().UTC()),
		"mangled_rows": mangled,
	})
}

func (s *Server) handleAPIIntents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := s.cfg.Intents.List(r.Context(), r.URL.Query().Get("status"), queryInt(r, "limit", 50))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"intents": items})
	case http.MethodPost:
		if !s.admit(w, r) {
			return
		}
		var sub intent.Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			http.Error(w, "invalid intent submission", http.StatusBadRequest)
			return
		}
		rec, err := s.cfg.Intents.Create(r.Context(), sub)
		if err != nil {
			var verr *intent.ValidationError
			if errors.As(err, &verr) {
				http.Error(w, verr.Message, http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rec)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAPIIntentByID serves GET /api/intents/{id} and
// POST /api/intents/{id}/approve.
func (s *Server) handleAPIIntentByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/intents/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "intent id required", http.StatusBadRequest)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		rec, err := s.cfg.Intents.Get(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rec)
	case action == "approve" && r.Method == http.MethodPost:
		if !s.admit(w, r) {
			return
		}
		var p struct {
			Cosigner string `json:"cosigner"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Cosigner == "" {
			http.Error(w, "cosigner required", http.StatusBadRequest)
			return
		}
		approved, signatures, err := s.cfg.Intents.Approve(r.Context(), id, p.Cosigner)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, shared.ErrIllegalTransition) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"approved": approved, "signatures": signatures})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAPILeases serves GET /api/leases and POST /api/leases (issue).
func (s *Server) handleAPILeases(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := s.cfg.Leases.List(r.Context(), r.URL.Query().Get("status"), queryInt(r, "limit", 50))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"leases": items})
	case http.MethodPost:
		if !s.admit(w, r) {
			return
		}
		var p struct {
			IntentID   string `json:"intent_id"`
			Executor   string `json:"executor"`
			TTLMinutes int    `json:"ttl_minutes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.IntentID == "" {
			http.Error(w, "intent_id required", http.StatusBadRequest)
			return
		}
		rec, err := s.cfg.Leases.Issue(r.Context(), p.IntentID, p.Executor, time.Duration(p.TTLMinutes)*time.Minute)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, shared.ErrIllegalTransition) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rec)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAPILeaseByID serves GET /api/leases/{id} and
// POST /api/leases/{id}/release.
func (s *Server) handleAPILeaseByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/leases/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "lease id required", http.StatusBadRequest)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		rec, err := s.cfg.Leases.Get(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rec)
	case action == "release" && r.Method == http.MethodPost:
		if !s.admit(w, r) {
			return
		}
		var p struct {
			Outcome string `json:"outcome"`
			Reason  string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid release request", http.StatusBadRequest)
			return
		}
		if p.Outcome != "ok" && p.Outcome != "failed" {
			http.Error(w, "outcome must be ok or failed", http.StatusBadRequest)
			return
		}
		if err := s.cfg.Leases.Release(r.Context(), id, p.Outcome, p.Reason); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, shared.ErrIllegalTransition) || errors.Is(err, shared.ErrLeaseNotHeld) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"released": true, "outcome": p.Outcome})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAPIPulses serves GET /api/pulses (history) and POST /api/pulses
// (generate one now).
func (s *Server) handleAPIPulses(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := s.cfg.Store.ListPulses(r.Context(), queryInt(r, "limit", 20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"pulses": items})
	case http.MethodPost:
		if !s.admit(w, r) {
			return
		}
		if s.cfg.Pulse == nil {
			http.Error(w, "pulse generator not available", http.StatusServiceUnavailable)
			return
		}
		snap, path, err := s.cfg.Pulse.Generate(r.Context(), "operator")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"path":             path,
			"generated_at":     snap.GeneratedAt,
			"tes_mean":         snap.Window.Mean,
			"narrative_source": snap.NarrativeSource,
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAPISVFChannel serves GET /api/svf/{channel} (tail),
// POST /api/svf/{channel}/send and POST /api/svf/{channel}/ack.
func (s *Server) handleAPISVFChannel(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/svf/")
	channel, action, _ := strings.Cut(rest, "/")
	if channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		msgs, err := s.cfg.Voice.Tail(r.Context(), channel, queryInt(r, "limit", 50))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"channel": channel, "messages": msgs})
	case action == "send" && r.Method == http.MethodPost:
		if !s.admit(w, r) {
			return
		}
		var p struct {
			From     string `json:"from"`
			Body     string `json:"body"`
			Priority string `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Body == "" {
			http.Error(w, "body required", http.StatusBadRequest)
			return
		}
		msg, err := s.cfg.Voice.Send(r.Context(), channel, p.From, p.Body, p.Priority)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, shared.ErrSafeMode) || errors.Is(err, shared.ErrGateRefused) {
				status = http.StatusForbidden
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(msg)
	case action == "ack" && r.Method == http.MethodPost:
		if !s.admit(w, r) {
			return
		}
		var p struct {
			Seq int64  `json:"seq"`
			By  string `json:"by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Seq <= 0 || p.By == "" {
			http.Error(w, "seq and by required", http.StatusBadRequest)
			return
		}
		if err := s.cfg.Voice.Ack(r.Context(), channel, p.Seq, p.By); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"acked": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
