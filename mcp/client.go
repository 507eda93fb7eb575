package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	sdkclient "github.com/mark3labs/mcp-go/client"
	sdkmcp "github.com/mark3labs/mcp-go/mcp"
)

// clientName identifies this SDK in the MCP initialize handshake.
const (
	clientName    = "tawk-agents-sdk"
	clientVersion = "0.1.0"
	protocolVer   = "2025-03-26"
)

// ToolInfo captures the metadata of a single tool exposed by a server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// conn is one live transport to a server.
type conn interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// Client wraps a single MCP server connection. It is restartable and safe
// for concurrent use.
type Client struct {
	cfg ServerConfig

	mu    sync.RWMutex
	inner conn
}

// NewClient creates an unconnected Client for the given server config.
// Call Connect before ListTools or CallTool.
func NewClient(cfg ServerConfig) *Client {
	return &Client{cfg: cfg}
}

// Connect establishes the transport and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	var inner conn
	var err error
	switch c.cfg.Transport {
	case "stdio":
		inner, err = dialStdio(ctx, c.cfg)
	case "http":
		inner, err = dialHTTP(ctx, c.cfg)
	default:
		return fmt.Errorf("mcp: unknown transport %q for server %q", c.cfg.Transport, c.cfg.Name)
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.inner
	c.inner = inner
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Restart drops the current connection and dials again.
func (c *Client) Restart(ctx context.Context) error {
	return c.Connect(ctx)
}

func (c *Client) current() (conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.inner == nil {
		return nil, fmt.Errorf("mcp: client %q not connected", c.cfg.Name)
	}
	return c.inner, nil
}

// ListTools returns metadata for the tools this server exposes, filtered
// through the config allow-list.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	inner, err := c.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.requestTimeout())
	defer cancel()
	tools, err := inner.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools %q: %w", c.cfg.Name, err)
	}
	out := tools[:0]
	for _, t := range tools {
		if c.cfg.allowed(t.Name) {
			out = append(out, t)
		}
	}
	return out, nil
}

// CallTool invokes the named tool and returns its text content. A server
// that reports a tool error yields a non-nil error so callers can
// distinguish it from transport failures.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	inner, err := c.current()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.requestTimeout())
	defer cancel()
	text, err := inner.CallTool(ctx, name, args)
	if err != nil {
		return "", fmt.Errorf("mcp: call tool %q on %q: %w", name, c.cfg.Name, err)
	}
	return text, nil
}

// Close terminates the connection and releases resources.
func (c *Client) Close() error {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()
	if inner == nil {
		return nil
	}
	return inner.Close()
}

// --- stdio transport (mcp-go) ---

type stdioConn struct {
	inner sdkclient.MCPClient
}

func dialStdio(ctx context.Context, cfg ServerConfig) (conn, error) {
	cli, err := sdkclient.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("mcp: start stdio server %q: %w", cfg.Name, err)
	}
	_, err = cli.Initialize(ctx, sdkmcp.InitializeRequest{
		Params: sdkmcp.InitializeParams{
			ProtocolVersion: protocolVer,
			ClientInfo: sdkmcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
		},
	})
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("mcp: initialize server %q: %w", cfg.Name, err)
	}
	return &stdioConn{inner: cli}, nil
}

func (s *stdioConn) ListTools(ctx context.Context) ([]ToolInfo, error) {
	result, err := s.inner.ListTools(ctx, sdkmcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

func (s *stdioConn) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := sdkmcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := s.inner.CallTool(ctx, req)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(sdkmcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("tool error: %s", text)
	}
	return text, nil
}

func (s *stdioConn) Close() error { return s.inner.Close() }

// --- HTTP transport (JSON-RPC 2.0 POST) ---

type httpConn struct {
	cfg    ServerConfig
	client *http.Client
	nextID atomic.Int64
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func dialHTTP(ctx context.Context, cfg ServerConfig) (conn, error) {
	h := &httpConn{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.requestTimeout()},
	}
	var result json.RawMessage
	err := h.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVer,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
		"capabilities": map[string]any{},
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("mcp: initialize server %q: %w", cfg.Name, err)
	}
	return h, nil
}

// call sends one JSON-RPC request and decodes the result into out.
func (h *httpConn) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      h.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Address, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if a := h.cfg.Auth; a != nil {
		switch {
		case a.Bearer != "":
			req.Header.Set("Authorization", "Bearer "+a.Bearer)
		case a.BasicUser != "":
			req.SetBasicAuth(a.BasicUser, a.BasicPass)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, data)
	}

	var rpc rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpc.Error != nil {
		return fmt.Errorf("%s: rpc %d: %s", method, rpc.Error.Code, rpc.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rpc.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

func (h *httpConn) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := h.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage("{}")
		}
		tools = append(tools, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return tools, nil
}

func (h *httpConn) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	err := h.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	}, &result)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, content := range result.Content {
		if content.Type == "text" {
			parts = append(parts, content.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("tool error: %s", text)
	}
	return text, nil
}

func (h *httpConn) Close() error { return nil }
