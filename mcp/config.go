// Package mcp connects agents to Model Context Protocol tool servers.
//
// Each configured server is dialled over stdio (a child process speaking
// line-delimited JSON-RPC 2.0, via mcp-go) or HTTP (JSON-RPC 2.0 POST with
// bearer or basic auth). Discovered tools are exposed to agents under
// "<server>_<tool>" names; a failed server call surfaces as a tool failure,
// never a run failure.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Auth carries HTTP authentication for a server. Bearer wins when both are set.
type Auth struct {
	Bearer    string `json:"bearer,omitempty"`
	BasicUser string `json:"basic_user,omitempty"`
	BasicPass string `json:"basic_pass,omitempty"`
}

// ServerConfig describes a single MCP server connection.
// The Name field is populated from the map key in the config file.
type ServerConfig struct {
	Name      string   // derived from the map key
	Transport string   `json:"transport"`         // "stdio" | "http"
	Command   string   `json:"command,omitempty"` // stdio: executable path
	Args      []string `json:"args,omitempty"`    // stdio: command arguments
	Env       []string `json:"env,omitempty"`     // stdio: extra environment variables
	Address   string   `json:"address,omitempty"` // http: endpoint URL
	Auth      *Auth    `json:"auth,omitempty"`    // http: credentials
	// AllowList limits which server tools are exposed. Empty = all.
	AllowList []string `json:"allow_list,omitempty"`
	// AutoRefreshInterval re-lists the server's tools periodically when the
	// manager's refresher is running. Zero disables refresh for this server.
	AutoRefreshInterval time.Duration `json:"auto_refresh_interval,omitempty"`
	// RequestTimeout bounds one JSON-RPC request. Zero means the default 30s.
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
}

// defaultRequestTimeout bounds a single MCP request so a hung server fails
// fast and returns control to the agent.
const defaultRequestTimeout = 30 * time.Second

func (c ServerConfig) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return defaultRequestTimeout
}

// allowed reports whether the server exposes the named tool.
func (c ServerConfig) allowed(tool string) bool {
	if len(c.AllowList) == 0 {
		return true
	}
	for _, name := range c.AllowList {
		if name == tool {
			return true
		}
	}
	return false
}

// configFile mirrors the top-level structure of the servers config file.
type configFile struct {
	Servers map[string]serverEntry `json:"mcpServers"`
}

// serverEntry is the JSON representation of one server, with durations as
// strings ("30s").
type serverEntry struct {
	Transport           string   `json:"transport"`
	Command             string   `json:"command,omitempty"`
	Args                []string `json:"args,omitempty"`
	Env                 []string `json:"env,omitempty"`
	Address             string   `json:"address,omitempty"`
	Auth                *Auth    `json:"auth,omitempty"`
	AllowList           []string `json:"allow_list,omitempty"`
	AutoRefreshInterval string   `json:"auto_refresh_interval,omitempty"`
	RequestTimeout      string   `json:"request_timeout,omitempty"`
}

// LoadConfig reads and parses a server config file. The Name field of each
// ServerConfig is populated from the map key.
func LoadConfig(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcp: read config %q: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses server config bytes; see LoadConfig.
func ParseConfig(data []byte) (map[string]ServerConfig, error) {
	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mcp: parse config: %w", err)
	}
	out := make(map[string]ServerConfig, len(file.Servers))
	for key, e := range file.Servers {
		cfg := ServerConfig{
			Name:      key,
			Transport: e.Transport,
			Command:   e.Command,
			Args:      e.Args,
			Env:       e.Env,
			Address:   e.Address,
			Auth:      e.Auth,
			AllowList: e.AllowList,
		}
		if e.AutoRefreshInterval != "" {
			d, err := time.ParseDuration(e.AutoRefreshInterval)
			if err != nil {
				return nil, fmt.Errorf("mcp: server %q: auto_refresh_interval: %w", key, err)
			}
			cfg.AutoRefreshInterval = d
		}
		if e.RequestTimeout != "" {
			d, err := time.ParseDuration(e.RequestTimeout)
			if err != nil {
				return nil, fmt.Errorf("mcp: server %q: request_timeout: %w", key, err)
			}
			cfg.RequestTimeout = d
		}
		out[key] = cfg
	}
	return out, nil
}
