package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for the LLM Client interface.
// It can also be used for dry-run mode.
type MockClient struct {
	Response *Response
	Err      error

	// Respond, when set, computes the reply from the prompt instead of
	// returning Response.
	Respond func(ctx context.Context, prompt string) (*Response, error)

	mu    sync.Mutex
	calls []string
}

// Complete records the call and returns the mock response.
func (m *MockClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, prompt)
	m.mu.Unlock()
	if m.Respond != nil {
		return m.Respond(ctx, prompt)
	}
	return m.Response, m.Err
}

// Calls returns the prompts sent so far.
func (m *MockClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
