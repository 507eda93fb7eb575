package agents

import "context"

// Model abstracts the LLM backend.
type Model interface {
	// Generate sends a request and returns a complete response.
	Generate(ctx context.Context, req ModelRequest) (ModelResponse, error)
	// GenerateStream streams deltas into ch as StreamEvent values of kind
	// EventRawModelDelta, then returns the final response with usage stats.
	// The implementation must not close ch.
	GenerateStream(ctx context.Context, req ModelRequest, ch chan<- StreamEvent) (ModelResponse, error)
	// Name returns the model name (e.g. "gpt-4o", "claude-sonnet").
	Name() string
}
