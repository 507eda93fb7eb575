package agents

import (
	"context"
	"encoding/json"
	"sync"
)

// mockModel replays a scripted list of responses. The last response repeats
// once the script is exhausted. Requests are captured for assertions.
type mockModel struct {
	name      string
	responses []ModelResponse

	mu       sync.Mutex
	calls    int
	requests []ModelRequest
	err      error
}

func newMockModel(responses ...ModelResponse) *mockModel {
	return &mockModel{name: "mock", responses: responses}
}

func (m *mockModel) Name() string { return m.name }

func (m *mockModel) next(req ModelRequest) (ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return ModelResponse{}, m.err
	}
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	return m.responses[idx], nil
}

func (m *mockModel) Generate(_ context.Context, req ModelRequest) (ModelResponse, error) {
	return m.next(req)
}

func (m *mockModel) GenerateStream(_ context.Context, req ModelRequest, ch chan<- StreamEvent) (ModelResponse, error) {
	resp, err := m.next(req)
	if err != nil {
		return resp, err
	}
	if resp.Text != "" && len(resp.ToolCalls) == 0 {
		ch <- StreamEvent{Delta: resp.Text}
	}
	return resp, nil
}

func (m *mockModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockModel) request(i int) ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// blockingModel blocks every generation until its context is cancelled.
type blockingModel struct {
	started chan struct{} // receives one signal per generation start
}

func newBlockingModel() *blockingModel {
	return &blockingModel{started: make(chan struct{}, 16)}
}

func (m *blockingModel) Name() string { return "blocking" }

func (m *blockingModel) Generate(ctx context.Context, _ ModelRequest) (ModelResponse, error) {
	m.started <- struct{}{}
	<-ctx.Done()
	return ModelResponse{}, ctx.Err()
}

func (m *blockingModel) GenerateStream(ctx context.Context, req ModelRequest, _ chan<- StreamEvent) (ModelResponse, error) {
	return m.Generate(ctx, req)
}

// --- response constructors ---

func textResp(text string) ModelResponse {
	return ModelResponse{Text: text, Usage: Usage{InputTokens: 10, OutputTokens: 5}}
}

func toolResp(calls ...ToolCall) ModelResponse {
	return ModelResponse{ToolCalls: calls, Usage: Usage{InputTokens: 10, OutputTokens: 5}}
}

func call(id, name string) ToolCall {
	return ToolCall{ID: id, Name: name, Args: json.RawMessage(`{}`)}
}

// --- common tools ---

// staticTool returns a fixed value.
func staticTool(name, value string) *Tool {
	return NewFunctionTool(name, "returns "+value, nil,
		func(_ context.Context, _ *RunContext, _ json.RawMessage) (any, error) {
			return value, nil
		})
}

// findItems filters a result's items by kind.
func findItems(items []RunItem, kind ItemKind) []RunItem {
	var out []RunItem
	for _, it := range items {
		if it.Kind == kind {
			out = append(out, it)
		}
	}
	return out
}
