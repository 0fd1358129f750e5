package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/heartbeat"
	"github.com/Narth/Calyx-sub001/internal/intent"
	"github.com/Narth/Calyx-sub001/internal/shared"
	"github.com/Narth/Calyx-sub001/internal/tes"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool

	subMu     sync.Mutex
	busSub    *bus.Subscription
	busCancel context.CancelFunc
	topics    []string
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := newClient(conn)
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func isMutatingMethod(method string) bool {
	switch method {
	case "intent.create", "intent.approve", "lease.issue", "lease.release",
		"svf.send", "svf.ack", "pulse.trigger":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		result = map[string]any{
			"protocol": "calyx-bridge",
			"version":  "1.0",
			"station":  s.cfg.StationName,
		}
	case "system.status":
		payload, err := s.statusPayload(ctx)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = payload
	case "intent.create":
		var sub intent.Submission
		if err := json.Unmarshal(req.Params, &sub); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
			break
		}
		rec, err := s.cfg.Intents.Create(ctx, sub)
		if err != nil {
			var verr *intent.ValidationError
			if errors.As(err, &verr) {
				rpcErr = &rpcError{Code: ErrCodeBadRequest, Message: verr.Message}
			} else {
				rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			}
			break
		}
		result = rec
	case "intent.list":
		var p struct {
			Status string `json:"status"`
			Limit  int    `json:"limit"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
				break
			}
		}
		if p.Limit <= 0 || p.Limit > 200 {
			p.Limit = 50
		}
		items, err := s.cfg.Intents.List(ctx, p.Status, p.Limit)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"intents": items}
	case "intent.approve":
		var p struct {
			IntentID string `json:"intent_id"`
			Cosigner string `json:"cosigner"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.IntentID == "" || p.Cosigner == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "intent_id and cosigner required"}
			break
		}
		approved, signatures, err := s.cfg.Intents.Approve(ctx, p.IntentID, p.Cosigner)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeBadRequest, Message: err.Error()}
			break
		}
		result = map[string]any{"approved": approved, "signatures": signatures}
	case "lease.issue":
		var p struct {
			IntentID   string `json:"intent_id"`
			Executor   string `json:"executor"`
			TTLMinutes int    `json:"ttl_minutes"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.IntentID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "intent_id required"}
			break
		}
		ttl := time.Duration(p.TTLMinutes) * time.Minute
		rec, err := s.cfg.Leases.Issue(ctx, p.IntentID, p.Executor, ttl)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeBadRequest, Message: err.Error()}
			break
		}
		result = rec
	case "lease.list":
		var p struct {
			Status string `json:"status"`
			Limit  int    `json:"limit"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
				break
			}
		}
		if p.Limit <= 0 || p.Limit > 200 {
			p.Limit = 50
		}
		items, err := s.cfg.Leases.List(ctx, p.Status, p.Limit)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"leases": items}
	case "lease.release":
		var p struct {
			LeaseID string `json:"lease_id"`
			Outcome string `json:"outcome"`
			Reason  string `json:"reason"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.LeaseID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "lease_id required"}
			break
		}
		if p.Outcome != "ok" && p.Outcome != "failed" {
			rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "outcome must be ok or failed"}
			break
		}
		if err := s.cfg.Leases.Release(ctx, p.LeaseID, p.Outcome, p.Reason); err != nil {
			rpcErr = &rpcError{Code: ErrCodeBadRequest, Message: err.Error()}
			break
		}
		result = map[string]any{"released": true}
	case "svf.send":
		var p struct {
			Channel  string `json:"channel"`
			From     string `json:"from"`
			Body     string `json:"body"`
			Priority string `json:"priority"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Channel == "" || p.Body == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "channel and body required"}
			break
		}
		msg, err := s.cfg.Voice.Send(ctx, p.Channel, p.From, p.Body, p.Priority)
		if err != nil {
			if errors.Is(err, shared.ErrSafeMode) || errors.Is(err, shared.ErrGateRefused) {
				rpcErr = &rpcError{Code: ErrCodeUnauthorized, Message: err.Error()}
			} else {
				rpcErr = &rpcError{Code: ErrCodeBadRequest, Message: err.Error()}
			}
			break
		}
		result = msg
	case "svf.tail":
		var p struct {
			Channel string `json:"channel"`
			Limit   int    `json:"limit"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Channel == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "channel required"}
			break
		}
		if p.Limit <= 0 || p.Limit > 200 {
			p.Limit = 50
		}
		msgs, err := s.cfg.Voice.Tail(ctx, p.Channel, p.Limit)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"channel": p.Channel, "messages": msgs}
	case "svf.ack":
		var p struct {
			Channel string `json:"channel"`
			Seq     int64  `json:"seq"`
			By      string `json:"by"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Channel == "" || p.Seq <= 0 || p.By == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "channel, seq and by required"}
			break
		}
		if err := s.cfg.Voice.Ack(ctx, p.Channel, p.Seq, p.By); err != nil {
			rpcErr = &rpcError{Code: ErrCodeBadRequest, Message: err.Error()}
			break
		}
		result = map[string]any{"acked": true}
	case "pulse.trigger":
		if s.cfg.Pulse == nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: "pulse generator not available"}
			break
		}
		snap, path, err := s.cfg.Pulse.Generate(ctx, "operator")
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{
			"path":             path,
			"generated_at":     snap.GeneratedAt,
			"tes_mean":         snap.Window.Mean,
			"narrative_source": snap.NarrativeSource,
		}
	case "tes.window":
		var p struct {
			Window int    `json:"window"`
			Mode   string `json:"mode"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
				break
			}
		}
		if p.Window <= 0 {
			p.Window = s.cfg.TESWindow
		}
		mode := s.cfg.TESMode
		if p.Mode != "" {
			if p.Mode != string(tes.ModeGraduated) && p.Mode != string(tes.ModeBinary) {
				rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "mode must be graduated or binary"}
				break
			}
			mode = tes.Mode(p.Mode)
		}
		rows, mangled, err := heartbeat.Tail(s.cfg.HeartbeatPath, p.Window)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{
			"summary":      tes.Window(rows, p.Window, mode),
			"mangled_rows": mangled,
		}
	case "events.subscribe":
		var p struct {
			Topics []string `json:"topics"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
				break
			}
		}
		if len(p.Topics) == 0 {
			p.Topics = []string{""}
		}
		if s.cfg.Bus == nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: "event bus not available"}
			break
		}
		s.subscribeClient(c, p.Topics)
		result = map[string]any{"subscribed": true, "topics": p.Topics}
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

// subscribeClient registers a WS client for live bus event push. The
// subscription covers every station topic; the per-client topic list
// filters what is forwarded.
func (s *Server) subscribeClient(c *client, topics []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.topics = topics
	if c.busSub != nil {
		return
	}
	c.busSub = s.cfg.Bus.Subscribe("")
	var busCtx context.Context
	busCtx, c.busCancel = context.WithCancel(context.Background())
	go s.forwardBusEvents(busCtx, c)
}

func (s *Server) forwardBusEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			if !c.wantsTopic(ev.Topic) {
				continue
			}
			_ = c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "event",
				Params: map[string]any{
					"topic":   ev.Topic,
					"payload": ev.Payload,
				},
			})
		}
	}
}

func (c *client) wantsTopic(topic string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, prefix := range c.topics {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) broadcast(method string, params any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if err := c.write(context.Background(), rpcResponse{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
		}); err != nil {
			s.logger.Error("ws: broadcast write error", "method", method, "error", err)
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}
