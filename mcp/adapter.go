package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	agents "github.com/Manoj-tawk/tawk-agents-sdk"
)

// ToolName is the catalogue name of a server tool: "<server>_<tool>".
func ToolName(server, tool string) string {
	return server + "_" + tool
}

// adaptTool bridges one server tool to an agents.Tool. Transport and
// tool-level failures surface as tool failures (the dispatcher records a
// failure result and the model sees it on the next turn), never as run
// failures.
func adaptTool(client *Client, server string, info ToolInfo) *agents.Tool {
	return agents.NewRemoteTool(
		ToolName(server, info.Name),
		info.Description,
		info.InputSchema,
		func(ctx context.Context, _ *agents.RunContext, args json.RawMessage) (any, error) {
			var params map[string]any
			if len(args) > 0 && string(args) != "null" {
				if err := json.Unmarshal(args, &params); err != nil {
					return nil, fmt.Errorf("parse args: %w", err)
				}
			}
			return client.CallTool(ctx, info.Name, params)
		},
	)
}
