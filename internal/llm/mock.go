package llm

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// MockClient returns the same response for every call, regardless of prompt.
type MockClient struct {
	Response string
}

// NewMockClient creates a client that always returns response.
func NewMockClient(response string) *MockClient {
	return &MockClient{Response: response}
}

func (c *MockClient) SampleText(_ context.Context, _ Request) (string, error) {
	return c.Response, nil
}

// ErrScriptExhausted is returned by a ScriptedClient once its queued
// responses run out.
var ErrScriptExhausted = errors.New("llm: scripted client exhausted")

// ScriptedClient replays a queued sequence of responses in call order and
// records every request it serves. Safe for concurrent use: callers that
// sample in parallel consume entries in whatever order their calls land.
type ScriptedClient struct {
	mu       sync.Mutex
	queue    []scriptEntry
	requests []Request
}

type scriptEntry struct {
	text string
	err  error
}

// Push appends responses to the script.
func (c *ScriptedClient) Push(responses ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range responses {
		c.queue = append(c.queue, scriptEntry{text: r})
	}
}

// PushErr appends a failing call to the script.
func (c *ScriptedClient) PushErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, scriptEntry{err: err})
}

// Requests returns a copy of the requests served so far.
func (c *ScriptedClient) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.requests)
}

func (c *ScriptedClient) SampleText(_ context.Context, req Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.queue) == 0 {
		return "", ErrScriptExhausted
	}
	entry := c.queue[0]
	c.queue = c.queue[1:]
	return entry.text, entry.err
}

var (
	_ Client = (*MockClient)(nil)
	_ Client = (*ScriptedClient)(nil)
)
