// Package llm abstracts the generative text model behind a minimal sampling
// interface. The mediation code depends only on Client; the concrete backend
// (Gemini in production, mocks in tests) is chosen at wiring time.
package llm

import (
	"context"
	"strings"
	"time"
)

// Sampling defaults. Responses are truncated at the first terminator, so
// MaxTokens is deliberately generous.
const (
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.8
	DefaultTimeout     = 60 * time.Second
)

// Request describes a single sampling call. Zero values for MaxTokens,
// Temperature, and Timeout mean "use the default". Seed is optional; backends
// that cannot honor it ignore it.
type Request struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	Terminators []string
	Timeout     time.Duration
	Seed        *int64
}

func (r Request) withDefaults() Request {
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.Temperature == 0 {
		r.Temperature = DefaultTemperature
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeout
	}
	return r
}

// Client samples text from a generative model.
//
// SampleText returns the sampled continuation only (never the prompt). A
// response blocked by the backend's safety filters is reported as an empty
// string with a nil error; callers treat empty output as a retryable parse
// failure, not an infrastructure failure. Errors are reserved for transport
// and service problems.
type Client interface {
	SampleText(ctx context.Context, req Request) (string, error)
}

// truncate cuts s at the first occurrence of each terminator. The terminator
// itself is kept, and is appended even when absent, so downstream parsers
// always see a terminated response.
func truncate(s string, terminators []string) string {
	for _, term := range terminators {
		before, _, _ := strings.Cut(s, term)
		s = before + term
	}
	return s
}
