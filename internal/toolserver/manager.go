package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Narth/Calyx-sub001/internal/audit"
	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/config"
)

const callTimeout = 60 * time.Second

// Manager owns the configured tool servers. Servers start lazily on
// first use and stay up until Close.
type Manager struct {
	gates  autonomy.Checker
	logger *slog.Logger

	mu      sync.Mutex
	configs map[string]config.ToolServerConfig
	clients map[string]*Client
}

func NewManager(servers []config.ToolServerConfig, gates autonomy.Checker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	configs := make(map[string]config.ToolServerConfig, len(servers))
	for _, s := range servers {
		if !s.Enabled {
			continue
		}
		configs[s.Name] = s
	}
	return &Manager{
		gates:   gates,
		logger:  logger.With("component", "toolserver"),
		configs: configs,
		clients: make(map[string]*Client),
	}
}

// Servers lists the names of enabled servers, started or not.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	return names
}

// client returns the running client for name, starting the server if
// this is its first use.
func (m *Manager) client(ctx context.Context, name string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[name]; ok {
		return c, nil
	}
	cfg, ok := m.configs[name]
	if !ok {
		return nil, fmt.Errorf("tool server %q not configured", name)
	}

	m.logger.Info("starting tool server", "server", name, "command", cfg.Command)
	transport, err := NewReconnectableTransport(cfg.Command, cfg.Args, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("start tool server %q: %w", name, err)
	}
	c := NewClient(name, transport)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.Initialize(initCtx); err != nil {
		_ = c.Close()
		return nil, err
	}
	m.clients[name] = c
	return c, nil
}

// ListTools starts the named server if needed and asks what it offers.
func (m *Manager) ListTools(ctx context.Context, server string) ([]Tool, error) {
	c, err := m.client(ctx, server)
	if err != nil {
		return nil, err
	}
	return c.ListTools(ctx)
}

// CallTool dispatches one tool call on behalf of a roster member. The
// gate check runs before the server starts, so a refused call never
// spawns a subprocess.
func (m *Manager) CallTool(ctx context.Context, rosterID, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	subject := fmt.Sprintf("%s/%s by %s", server, tool, rosterID)
	if err := m.gates.AllowServerTool(rosterID, server, tool); err != nil {
		audit.Record("deny", "tool_server.call", err.Error(), m.gates.Version(), subject)
		return nil, err
	}
	audit.Record("allow", "tool_server.call", "", m.gates.Version(), subject)

	c, err := m.client(ctx, server)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	start := time.Now()
	res, err := c.CallTool(callCtx, tool, args)
	if err != nil {
		m.logger.Warn("tool call failed", "server", server, "tool", tool, "roster_id", rosterID, "error", err)
		return nil, err
	}
	m.logger.Info("tool call completed", "server", server, "tool", tool, "roster_id", rosterID, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

// Close shuts every started server down.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("tool server close failed", "server", name, "error", err)
		}
	}
	m.clients = make(map[string]*Client)
}
