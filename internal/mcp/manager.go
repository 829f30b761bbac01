package mcp

import (
	"context"
	"sort"
	"sync"

	"github.com/lanternlabs/lantern/internal/logger"
	"github.com/lanternlabs/lantern/internal/metrics"
)

// toolServer is the slice of Server the manager depends on.
type toolServer interface {
	Name() string
	Tools() []Tool
	CallTool(ctx context.Context, name string, arguments map[string]any) *ToolResult
	Stop()
}

// Manager owns the pool of MCP servers and the flat tool catalog. The
// catalog is read-mostly: it mutates only during StartAll and StopAll.
type Manager struct {
	mu        sync.RWMutex
	servers   map[string]toolServer
	order     []string          // registration order
	catalog   []Tool            // discovery order across servers
	toolIndex map[string]string // tool name -> owning server (earliest wins)
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		servers:   make(map[string]toolServer),
		toolIndex: make(map[string]string),
	}
}

// StartAll spawns every stdio server in cfg. Config maps are unordered, so
// entries register in name order to keep earliest-wins deterministic.
// Startup failures are logged and the server skipped; URL-only entries are
// non-stdio transports and skipped as well.
func (m *Manager) StartAll(ctx context.Context, cfg Config) {
	names := make([]string, 0, len(cfg.MCPServers))
	for name := range cfg.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sc := cfg.MCPServers[name]
		if sc.Command == "" {
			logger.Info("skipping mcp server without command", "server", name, "url", sc.URL)
			continue
		}

		srv, err := StartServer(ctx, name, sc)
		if err != nil {
			logger.Error("mcp server failed to start", "server", name, "error", err)
			continue
		}
		m.register(srv)
	}
}

// register inserts a started server and its tools into the catalog.
// On a tool-name collision the earliest-registered server wins.
func (m *Manager) register(srv toolServer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.servers[srv.Name()] = srv
	m.order = append(m.order, srv.Name())

	for _, tool := range srv.Tools() {
		if owner, exists := m.toolIndex[tool.Name]; exists {
			logger.Warn("duplicate tool name; keeping earliest registration",
				"tool", tool.Name, "owner", owner, "dropped", srv.Name())
			continue
		}
		m.toolIndex[tool.Name] = srv.Name()
		m.catalog = append(m.catalog, tool)
	}
}

// ToolDefinitions returns the active tool catalog in discovery order.
func (m *Manager) ToolDefinitions() []Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tool, len(m.catalog))
	copy(out, m.catalog)
	return out
}

// CallTool dispatches to the server owning the named tool. The only error
// is ErrToolNotFound; tool-level failures come back as an error ToolResult.
func (m *Manager) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolResult, error) {
	m.mu.RLock()
	serverName, ok := m.toolIndex[name]
	srv := m.servers[serverName]
	m.mu.RUnlock()

	if !ok || srv == nil {
		metrics.RecordToolCall(name, "not_found")
		return nil, ErrToolNotFound
	}

	result := srv.CallTool(ctx, name, arguments)
	if result.IsError {
		metrics.RecordToolCall(name, "error")
	} else {
		metrics.RecordToolCall(name, "ok")
	}
	return result, nil
}

// ActiveServerNames returns the names of running servers in registration order.
func (m *Manager) ActiveServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// ToolCount returns the number of tools in the catalog.
func (m *Manager) ToolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.catalog)
}

// StopAll terminates every server and clears the catalog.
func (m *Manager) StopAll() {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]toolServer)
	m.order = nil
	m.catalog = nil
	m.toolIndex = make(map[string]string)
	m.mu.Unlock()

	for _, srv := range servers {
		srv.Stop()
	}
}
