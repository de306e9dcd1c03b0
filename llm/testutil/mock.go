// Package testutil provides test doubles for the llm package.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/moprocor/llm"
)

// MockInvoker is a thread-safe llm.Invoker for tests.
//
// Usage:
//
//	// Single response
//	mock := &testutil.MockInvoker{Responses: []string{`{"production_runs": []}`}}
//
//	// Error response
//	mock := &testutil.MockInvoker{Err: &llm.InvocationError{Err: errors.New("down")}}
//
//	// Block until the test releases the call
//	mock := &testutil.MockInvoker{Gate: make(chan struct{})}
type MockInvoker struct {
	mu            sync.Mutex
	Responses     []string // Returned in sequence; the last one repeats
	Err           error    // Takes precedence over Responses
	Gate          chan struct{}
	Started       chan string // Receives each prompt when the call starts, if set
	prompts       []string
	responseIndex int
}

// Invoke implements llm.Invoker.
func (m *MockInvoker) Invoke(ctx context.Context, prompt string, _ ...llm.InvokeOption) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	gate, started := m.Gate, m.Started
	m.mu.Unlock()

	if started != nil {
		started <- prompt
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", &llm.InvocationError{Err: ctx.Err()}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", nil
	}
	resp := m.Responses[m.responseIndex]
	if m.responseIndex < len(m.Responses)-1 {
		m.responseIndex++
	}
	return resp, nil
}

// CallCount returns the number of Invoke calls.
func (m *MockInvoker) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// Prompts returns a copy of every prompt received.
func (m *MockInvoker) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// LastPrompt returns the most recent prompt, or "".
func (m *MockInvoker) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

// Reset clears recorded calls and rewinds Responses.
func (m *MockInvoker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = nil
	m.responseIndex = 0
}

var _ llm.Invoker = (*MockInvoker)(nil)
