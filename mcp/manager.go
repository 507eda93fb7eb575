package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	agents "github.com/Manoj-tawk/tawk-agents-sdk"
)

// Manager owns the lifecycle of all MCP server connections and the tool
// adapters discovered from them.
//
// Concurrency model: state changes are guarded by mu. Network I/O is always
// performed outside the lock so that a slow or hung server cannot block
// other Manager operations (e.g. CloseAll during shutdown).
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	configs map[string]ServerConfig
	clients map[string]*Client
	tools   map[string][]*agents.Tool // server name → adapted tools

	refreshCancel context.CancelFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger for connection lifecycle events.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager for the given server configs. No connections
// are established until ConnectAll is called.
func NewManager(configs map[string]ServerConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		configs: configs,
		clients: make(map[string]*Client),
		tools:   make(map[string][]*agents.Tool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(discardHandler{})
	}
	return m
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// ConnectAll dials every configured server and discovers its tools.
// Failures are best effort: one broken server does not prevent others from
// connecting. Returns the number of connected servers and per-server errors.
func (m *Manager) ConnectAll(ctx context.Context) (int, []error) {
	m.mu.Lock()
	configs := make([]ServerConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		configs = append(configs, cfg)
	}
	m.mu.Unlock()

	connected := 0
	var errs []error
	for _, cfg := range configs {
		if err := m.connectOne(ctx, cfg); err != nil {
			errs = append(errs, err)
			continue
		}
		connected++
	}
	return connected, errs
}

// connectOne dials one server and registers its tools.
func (m *Manager) connectOne(ctx context.Context, cfg ServerConfig) error {
	client := NewClient(cfg)
	if err := client.Connect(ctx); err != nil {
		m.logger.Warn("mcp server connect failed", "server", cfg.Name, "error", err)
		return err
	}
	infos, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		m.logger.Warn("mcp tool discovery failed", "server", cfg.Name, "error", err)
		return err
	}

	adapted := make([]*agents.Tool, 0, len(infos))
	for _, info := range infos {
		adapted = append(adapted, adaptTool(client, cfg.Name, info))
	}

	m.mu.Lock()
	if old := m.clients[cfg.Name]; old != nil {
		defer old.Close()
	}
	m.clients[cfg.Name] = client
	m.tools[cfg.Name] = adapted
	m.mu.Unlock()

	m.logger.Info("mcp server connected", "server", cfg.Name, "transport", cfg.Transport, "tools", len(adapted))
	return nil
}

// Tools returns all adapted tools from connected servers, ready to attach
// to a run via agents.WithExtraTools.
func (m *Manager) Tools() []*agents.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*agents.Tool
	for _, ts := range m.tools {
		out = append(out, ts...)
	}
	return out
}

// ServerTools returns the adapted tools of one server.
func (m *Manager) ServerTools(server string) []*agents.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*agents.Tool(nil), m.tools[server]...)
}

// Restart re-dials one server and rediscovers its tools.
func (m *Manager) Restart(ctx context.Context, server string) error {
	m.mu.Lock()
	cfg, ok := m.configs[server]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mcp: unknown server %q", server)
	}
	return m.connectOne(ctx, cfg)
}

// StartAutoRefresh launches a background loop that periodically re-lists
// tools for servers with a configured AutoRefreshInterval. Stops when ctx
// is cancelled or CloseAll runs.
func (m *Manager) StartAutoRefresh(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.refreshCancel != nil {
		m.refreshCancel()
	}
	m.refreshCancel = cancel
	configs := make([]ServerConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		if cfg.AutoRefreshInterval > 0 {
			configs = append(configs, cfg)
		}
	}
	m.mu.Unlock()

	for _, cfg := range configs {
		go func(cfg ServerConfig) {
			ticker := time.NewTicker(cfg.AutoRefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := m.connectOne(ctx, cfg); err != nil {
						m.logger.Warn("mcp auto refresh failed", "server", cfg.Name, "error", err)
					}
				}
			}
		}(cfg)
	}
}

// CloseAll stops the refresher and closes every connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	if m.refreshCancel != nil {
		m.refreshCancel()
		m.refreshCancel = nil
	}
	clients := make([]*Client, 0, len(m.clients))
	for name, c := range m.clients {
		clients = append(clients, c)
		delete(m.clients, name)
		delete(m.tools, name)
	}
	m.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
}
