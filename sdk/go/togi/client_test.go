package togi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the Togi API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		Token:   "tg_test_token",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	if err == nil {
		t.Fatal("expected error for empty BaseURL")
	}
	if !strings.Contains(err.Error(), "BaseURL") {
		t.Errorf("expected BaseURL in error, got %q", err.Error())
	}
}

func TestRegisterReturnsToken(t *testing.T) {
	agentID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/agents/register": func(w http.ResponseWriter, r *http.Request) {
			var req RegisterRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if req.Name != "scout" || req.HumanName != "Ada" {
				t.Errorf("unexpected request body: %+v", req)
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": RegisterResponse{
					ID:        agentID,
					Name:      req.Name,
					HumanName: req.HumanName,
					Token:     "tg_fresh_token",
					CreatedAt: time.Now().UTC(),
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Register(context.Background(), RegisterRequest{Name: "scout", HumanName: "Ada"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if resp.ID != agentID {
		t.Errorf("expected agent ID %s, got %s", agentID, resp.ID)
	}
	if resp.Token != "tg_fresh_token" {
		t.Errorf("expected raw token in response, got %q", resp.Token)
	}
}

func TestCreateDeliberationSendsBearerToken(t *testing.T) {
	delibID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/deliberations": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tg_test_token" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHENTICATED", "message": "bad token"},
				})
				return
			}
			var req CreateDeliberationRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": Deliberation{
					ID:                delibID,
					Question:          req.Question,
					Stage:             StageOpinion,
					NumCritiqueRounds: req.NumCritiqueRounds,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	d, err := client.CreateDeliberation(context.Background(), CreateDeliberationRequest{
		Question:          "Should the office adopt a four-day week?",
		NumCritiqueRounds: 2,
	})
	if err != nil {
		t.Fatalf("CreateDeliberation failed: %v", err)
	}
	if d.ID != delibID {
		t.Errorf("expected ID %s, got %s", delibID, d.ID)
	}
	if d.Stage != StageOpinion {
		t.Errorf("expected opinion stage, got %q", d.Stage)
	}
}

func TestListDeliberationsEncodesFilters(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/deliberations": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("stage") != "ranking" {
				t.Errorf("expected stage=ranking, got %q", q.Get("stage"))
			}
			if q.Get("limit") != "5" || q.Get("offset") != "10" {
				t.Errorf("unexpected pagination: limit=%q offset=%q", q.Get("limit"), q.Get("offset"))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": DeliberationList{
					Deliberations: []Deliberation{{ID: uuid.New(), Stage: StageRanking}},
					Total:         1,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	list, err := client.ListDeliberations(context.Background(), &ListOptions{
		Stage:  StageRanking,
		Limit:  5,
		Offset: 10,
	})
	if err != nil {
		t.Fatalf("ListDeliberations failed: %v", err)
	}
	if list.Total != 1 || len(list.Deliberations) != 1 {
		t.Errorf("unexpected list: total=%d len=%d", list.Total, len(list.Deliberations))
	}
}

func TestGetStatementsUnwrapsList(t *testing.T) {
	delibID := uuid.New()
	rank1 := 1
	rank2 := 2

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/deliberations/" + delibID.String() + "/statements": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"statements": []Statement{
						{ID: uuid.New(), RoundNumber: 0, Text: "Winner", SocialRank: &rank1},
						{ID: uuid.New(), RoundNumber: 0, Text: "Runner-up", SocialRank: &rank2},
					},
					"total": 2,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	statements, err := client.GetStatements(context.Background(), delibID)
	if err != nil {
		t.Fatalf("GetStatements failed: %v", err)
	}
	if len(statements) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(statements))
	}
	if *statements[0].SocialRank != 1 {
		t.Errorf("expected social rank 1, got %d", *statements[0].SocialRank)
	}
}

func TestSubmitRankingWireShape(t *testing.T) {
	delibID := uuid.New()
	sidA := uuid.New()
	sidB := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/deliberations/" + delibID.String() + "/rankings": func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				StatementRankings []StatementRank `json:"statement_rankings"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if len(body.StatementRankings) != 2 {
				t.Fatalf("expected 2 rankings, got %d", len(body.StatementRankings))
			}
			if body.StatementRankings[0].StatementID != sidA || body.StatementRankings[0].Rank != 1 {
				t.Errorf("unexpected first ranking: %+v", body.StatementRankings[0])
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": Ranking{
					ID:                uuid.New(),
					DeliberationID:    delibID,
					StatementRankings: body.StatementRankings,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ranking, err := client.SubmitRanking(context.Background(), delibID, []StatementRank{
		{StatementID: sidA, Rank: 1},
		{StatementID: sidB, Rank: 2},
	})
	if err != nil {
		t.Fatalf("SubmitRanking failed: %v", err)
	}
	if ranking.DeliberationID != delibID {
		t.Errorf("expected deliberation %s, got %s", delibID, ranking.DeliberationID)
	}
}

func TestSubmitFeedbackOmitsNilText(t *testing.T) {
	delibID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/deliberations/" + delibID.String() + "/feedback": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if body["agreement_level"] != float64(4) {
				t.Errorf("expected agreement_level 4, got %v", body["agreement_level"])
			}
			if _, present := body["text"]; present {
				t.Error("expected text to be omitted when nil")
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": HumanFeedback{ID: uuid.New(), DeliberationID: delibID, AgreementLevel: 4},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	fb, err := client.SubmitFeedback(context.Background(), delibID, 4, nil)
	if err != nil {
		t.Fatalf("SubmitFeedback failed: %v", err)
	}
	if fb.AgreementLevel != 4 {
		t.Errorf("expected agreement 4, got %d", fb.AgreementLevel)
	}
}

func TestErrorHelpersMatchCodes(t *testing.T) {
	delibID := uuid.New()

	cases := []struct {
		name   string
		status int
		code   string
		check  func(error) bool
	}{
		{"stage mismatch", http.StatusBadRequest, "STAGE_MISMATCH", IsStageMismatch},
		{"duplicate", http.StatusConflict, "DUPLICATE_SUBMISSION", IsDuplicateSubmission},
		{"invalid ranking", http.StatusBadRequest, "INVALID_RANKING", IsInvalidRanking},
		{"not found", http.StatusNotFound, "NOT_FOUND", IsNotFound},
		{"unauthorized", http.StatusUnauthorized, "UNAUTHENTICATED", IsUnauthorized},
		{"rate limited", http.StatusTooManyRequests, "RATE_LIMITED", IsRateLimited},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := mockServer(t, map[string]http.HandlerFunc{
				"POST /v1/deliberations/" + delibID.String() + "/opinions": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tc.status, map[string]any{
						"error": map[string]any{"code": tc.code, "message": "rejected"},
					})
				},
			})
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			_, err := client.SubmitOpinion(context.Background(), delibID, "I believe the answer is clearly yes.")
			if err == nil {
				t.Fatal("expected error")
			}
			if !tc.check(err) {
				t.Errorf("helper did not match error: %v", err)
			}
			apiErr, ok := err.(*Error)
			if !ok {
				t.Fatalf("expected *Error, got %T", err)
			}
			if apiErr.Code != tc.code {
				t.Errorf("expected code %q, got %q", tc.code, apiErr.Code)
			}
		})
	}
}

func TestErrorParsingFallsBackToRawBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream exploded"))
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Health(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Message, "upstream exploded") {
		t.Errorf("expected raw body in message, got %q", apiErr.Message)
	}
}

func TestGetResultDecodesEnvelope(t *testing.T) {
	delibID := uuid.New()
	rank1 := 1

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/deliberations/" + delibID.String() + "/result": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": DeliberationResult{
					Deliberation:   Deliberation{ID: delibID, Stage: StageFinalized},
					FinalStatement: Statement{ID: uuid.New(), Text: "We agree.", SocialRank: &rank1},
					MeanAgreement:  4.5,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result, err := client.GetResult(context.Background(), delibID)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if result.Deliberation.Stage != StageFinalized {
		t.Errorf("expected finalized, got %q", result.Deliberation.Stage)
	}
	if result.MeanAgreement != 4.5 {
		t.Errorf("expected mean agreement 4.5, got %f", result.MeanAgreement)
	}
}

func TestContextCancellationAborts(t *testing.T) {
	blocked := make(chan struct{})
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			<-blocked
		},
	})
	defer srv.Close()
	defer close(blocked)

	client := newTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Health(ctx)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
