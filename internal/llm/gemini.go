package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// DefaultGeminiModel is used when no model identifier is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// Transport-level retry budget for rate limits and server errors. Malformed
// model output is retried one level up, by the mediation code, with a new
// seed; this budget only covers the HTTP conversation itself.
const (
	geminiMaxRetries = 3
	geminiBaseDelay  = 500 * time.Millisecond
)

// defaultSafetySettings relaxes blocking to high-severity content only.
// Deliberations routinely discuss contested political topics that the
// default thresholds over-flag.
var defaultSafetySettings = []geminiSafetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_ONLY_HIGH"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_ONLY_HIGH"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_ONLY_HIGH"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_ONLY_HIGH"},
}

// GeminiClient samples text from the Gemini generateContent REST API.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	baseDelay  time.Duration
	httpClient *http.Client
}

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	// APIKey is the AI Studio API key. Required.
	APIKey string
	// Model is the model identifier, e.g. "gemini-2.5-flash".
	// Defaults to DefaultGeminiModel.
	Model string
	// BaseURL overrides the API endpoint. Used by tests.
	BaseURL string
}

// NewGeminiClient creates a client for the Gemini REST API.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = geminiDefaultBaseURL
	}
	return &GeminiClient{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		baseDelay: geminiBaseDelay,
		// Deadlines come from Request.Timeout, not the transport.
		httpClient: &http.Client{},
	}
}

// Model returns the configured model identifier.
func (c *GeminiClient) Model() string {
	return c.model
}

// SampleText sends the prompt to the generateContent endpoint and returns the
// sampled text, truncated at the first terminator. A prompt or candidate
// blocked by the safety filters yields "" with a nil error.
func (c *GeminiClient) SampleText(ctx context.Context, req Request) (string, error) {
	req = req.withDefaults()

	body, err := json.Marshal(generateContentRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Terminators,
			Seed:            req.Seed,
		},
		SafetySettings: defaultSafetySettings,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	resp, err := c.post(ctx, body)
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", &StatusError{StatusCode: resp.Error.Code, Message: resp.Error.Message}
	}

	// A blocked prompt comes back with no candidates; a candidate stopped by
	// the safety filters comes back without text parts. Either way there is
	// nothing to parse, and the caller's retry loop handles the empty sample.
	if len(resp.Candidates) == 0 {
		return "", nil
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	if text.Len() == 0 {
		return "", nil
	}
	return truncate(text.String(), req.Terminators), nil
}

// post sends the request, retrying rate limits and server errors with
// jittered exponential backoff.
func (c *GeminiClient) post(ctx context.Context, body []byte) (*generateContentResponse, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)

	delay := c.baseDelay
	var lastErr error
	for attempt := range geminiMaxRetries + 1 {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("llm: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("llm: send request: %w", err)
		}

		if httpResp.StatusCode == http.StatusOK {
			var out generateContentResponse
			err := json.NewDecoder(httpResp.Body).Decode(&out)
			_ = httpResp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("llm: decode response: %w", err)
			}
			return &out, nil
		}

		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		_ = httpResp.Body.Close()
		statusErr := &StatusError{
			StatusCode: httpResp.StatusCode,
			Message:    strings.TrimSpace(string(raw)),
		}
		// Error bodies are usually the JSON envelope; prefer its message.
		var envelope generateContentResponse
		if jsonErr := json.Unmarshal(raw, &envelope); jsonErr == nil && envelope.Error != nil {
			statusErr.Message = envelope.Error.Message
		}

		lastErr = statusErr
		if !statusErr.Transient() {
			return nil, statusErr
		}
		if attempt == geminiMaxRetries {
			break
		}

		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return nil, lastErr
}

// StatusError reports a non-OK reply from the generative API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: gemini status %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the same request may succeed if repeated.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Wire types for the v1beta generateContent endpoint.

type generateContentRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
	SafetySettings   []geminiSafetySetting  `json:"safetySettings,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     float64  `json:"temperature"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateContentResponse struct {
	Candidates     []geminiCandidate     `json:"candidates,omitempty"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  geminiUsageMetadata   `json:"usageMetadata,omitempty"`
	Error          *geminiAPIError       `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

var _ Client = (*GeminiClient)(nil)
