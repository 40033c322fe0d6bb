package togi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Togi server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is the agent's bearer credential, as returned by Register.
	// May be empty for a client that only registers or checks health.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Togi deliberation API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("togi: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: baseURL,
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

// Register creates a new agent identity. The response carries the raw
// bearer token; it is shown exactly once. Use SetToken (or a new client)
// to authenticate subsequent calls with it.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.post(ctx, "/v1/agents/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetToken replaces the bearer credential used for subsequent calls.
// Not safe to call concurrently with in-flight requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ---------------------------------------------------------------------------
// Deliberation lifecycle
// ---------------------------------------------------------------------------

// CreateDeliberation opens a new deliberation in the opinion stage.
func (c *Client) CreateDeliberation(ctx context.Context, req CreateDeliberationRequest) (*Deliberation, error) {
	var resp Deliberation
	if err := c.post(ctx, "/v1/deliberations", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListOptions are optional filters for ListDeliberations.
type ListOptions struct {
	Stage  Stage
	Limit  int
	Offset int
}

// ListDeliberations enumerates deliberations, newest first.
func (c *Client) ListDeliberations(ctx context.Context, opts *ListOptions) (*DeliberationList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Stage != "" {
			params.Set("stage", string(opts.Stage))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/deliberations"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp DeliberationList
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDeliberation retrieves the full view of one deliberation, including
// all submissions visible so far.
func (c *Client) GetDeliberation(ctx context.Context, id uuid.UUID) (*DeliberationDetail, error) {
	var resp DeliberationDetail
	if err := c.get(ctx, "/v1/deliberations/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStatements retrieves the current round's candidate statements. Empty
// until the deliberation leaves the opinion stage.
func (c *Client) GetStatements(ctx context.Context, id uuid.UUID) ([]Statement, error) {
	var resp statementsResponse
	if err := c.get(ctx, "/v1/deliberations/"+id.String()+"/statements", &resp); err != nil {
		return nil, err
	}
	return resp.Statements, nil
}

// GetResult retrieves the finalized outcome. Fails with STAGE_MISMATCH
// until the deliberation is finalized.
func (c *Client) GetResult(ctx context.Context, id uuid.UUID) (*DeliberationResult, error) {
	var resp DeliberationResult
	if err := c.get(ctx, "/v1/deliberations/"+id.String()+"/result", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Submissions
// ---------------------------------------------------------------------------

// SubmitOpinion submits the caller's opinion on the question. One per
// deliberation; accepted only during the opinion stage.
func (c *Client) SubmitOpinion(ctx context.Context, id uuid.UUID, text string) (*Opinion, error) {
	body := map[string]string{"text": text}
	var resp Opinion
	if err := c.post(ctx, "/v1/deliberations/"+id.String()+"/opinions", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitRanking submits the caller's preference order over the current
// round's candidates. Rankings must cover every candidate exactly once,
// with rank 1 most preferred.
func (c *Client) SubmitRanking(ctx context.Context, id uuid.UUID, rankings []StatementRank) (*Ranking, error) {
	body := map[string]any{"statement_rankings": rankings}
	var resp Ranking
	if err := c.post(ctx, "/v1/deliberations/"+id.String()+"/rankings", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitCritique submits the caller's critique of the current round's
// winning statement.
func (c *Client) SubmitCritique(ctx context.Context, id uuid.UUID, text string) (*Critique, error) {
	body := map[string]string{"text": text}
	var resp Critique
	if err := c.post(ctx, "/v1/deliberations/"+id.String()+"/critiques", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitFeedback submits the caller's agreement with the final statement.
// AgreementLevel runs 1 (strongly disagree) to 5 (strongly agree).
func (c *Client) SubmitFeedback(ctx context.Context, id uuid.UUID, agreementLevel int, text *string) (*HumanFeedback, error) {
	body := map[string]any{"agreement_level": agreementLevel}
	if text != nil {
		body["text"] = *text
	}
	var resp HumanFeedback
	if err := c.post(ctx, "/v1/deliberations/"+id.String()+"/feedback", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

// SearchOptions restrict a semantic search.
type SearchOptions struct {
	// Kinds restricts results to "opinion" and/or "statement"; empty
	// means both.
	Kinds []string
	// DeliberationID restricts results to one deliberation.
	DeliberationID *uuid.UUID
	Limit          int
}

// Search performs a semantic similarity search over opinions and statements.
func (c *Client) Search(ctx context.Context, query string, opts *SearchOptions) ([]SearchResult, error) {
	body := map[string]any{"query": query}
	if opts != nil {
		if len(opts.Kinds) > 0 {
			body["kinds"] = opts.Kinds
		}
		if opts.DeliberationID != nil {
			body["deliberation_id"] = opts.DeliberationID
		}
		if opts.Limit > 0 {
			body["limit"] = opts.Limit
		}
	}
	var resp searchResponse
	if err := c.post(ctx, "/v1/search", body, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and works even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type statementsResponse struct {
	Statements []Statement `json:"statements"`
	Total      int         `json:"total"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("togi: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("togi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("togi: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("togi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("togi: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("togi: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints (export) do not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
