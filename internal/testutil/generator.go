package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/zerag/zerag/internal/llm"
)

// MockGenerator is a scripted llm.Generator. It matches the last user
// message against registered substrings (case-insensitive) and returns the
// paired response, or the fallback when nothing matches.
type MockGenerator struct {
	fallback string

	mu        sync.Mutex
	patterns  []patternResponse
	err       error
	callCount int
	prompts   []string
}

type patternResponse struct {
	pattern  string
	response string
}

// NewMockGenerator creates a generator returning fallback by default.
func NewMockGenerator(fallback string) *MockGenerator {
	return &MockGenerator{fallback: fallback}
}

// AddResponse registers a pattern-response pair.
func (m *MockGenerator) AddResponse(pattern, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, patternResponse{
		pattern:  strings.ToLower(pattern),
		response: response,
	})
}

// SetError makes every call fail with err until cleared with nil.
func (m *MockGenerator) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many completions were requested.
func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Prompts returns the recorded last-user-message of each call.
func (m *MockGenerator) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

func (m *MockGenerator) respond(msgs []llm.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++
	var last string
	for _, msg := range msgs {
		if msg.Role == llm.RoleUser {
			last = msg.Text
		}
	}
	m.prompts = append(m.prompts, last)

	if m.err != nil {
		return "", m.err
	}
	lower := strings.ToLower(last)
	for _, p := range m.patterns {
		if strings.Contains(lower, p.pattern) {
			return p.response, nil
		}
	}
	return m.fallback, nil
}

// Complete implements llm.Generator.
func (m *MockGenerator) Complete(_ context.Context, msgs []llm.Message) (string, error) {
	return m.respond(msgs)
}

// CompleteStream implements llm.Generator, splitting the response into
// word-sized fragments so consumers see multiple callbacks.
func (m *MockGenerator) CompleteStream(ctx context.Context, msgs []llm.Message, cb func(string) error) (string, error) {
	resp, err := m.respond(msgs)
	if err != nil {
		return "", err
	}
	words := strings.SplitAfter(resp, " ")
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := cb(w); err != nil {
			return "", err
		}
	}
	return resp, nil
}
