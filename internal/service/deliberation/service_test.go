package deliberation_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/togi/internal/mediator"
	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/service/deliberation"
	"github.com/ashita-ai/togi/internal/service/eventlog"
	"github.com/ashita-ai/togi/internal/storage"
	"github.com/ashita-ai/togi/migrations"
)

var (
	testDB     *storage.DB
	testLogger *slog.Logger
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "togi",
			"POSTGRES_PASSWORD": "togi",
			"POSTGRES_DB":       "togi",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")
	dsn := fmt.Sprintf("postgres://togi:togi@%s:%s/togi?sslmode=disable", host, port.Port())

	bootstrapConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap connection: %v\n", err)
		os.Exit(1)
	}
	_, _ = bootstrapConn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	_ = bootstrapConn.Close(ctx)

	testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.New(ctx, dsn, dsn, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func ptr[T any](v T) *T { return &v }

// countingGenerator produces distinct statements whose lengths differ
// within a round, so the length ranker yields a strict social order.
type countingGenerator struct {
	mu    sync.Mutex
	calls int
}

func (g *countingGenerator) GenerateStatement(_ context.Context, _ mediator.GenerateInput) (mediator.StatementResult, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	text := fmt.Sprintf("Candidate %d: close the riverfront on weekends with a %sreview.",
		n, strings.Repeat("periodic ", n%5+1))
	return mediator.StatementResult{Statement: text, Explanation: "scripted draft"}, nil
}

func (g *countingGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// vetoRanker refuses to produce a ranking for one participant's opinion
// until released, then behaves like the length ranker.
type vetoRanker struct {
	mu     sync.Mutex
	target string
	active bool
}

func newVetoRanker(target string) *vetoRanker {
	return &vetoRanker{target: target, active: true}
}

func (r *vetoRanker) release() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

func (r *vetoRanker) PredictRanking(ctx context.Context, in mediator.RankInput) (mediator.RankResult, error) {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active && in.Opinion == r.target {
		return mediator.RankResult{Explanation: "INCORRECT_ANSWER_FORMAT: no ranking found"}, nil
	}
	return mediator.LengthRanker{}.PredictRanking(ctx, in)
}

// newTestService builds a service around a deterministic three-candidate
// engine and a fast-flushing event buffer. The returned generator's call
// count tells how many candidate drafts the engine requested in total.
func newTestService(t *testing.T, ranker mediator.Ranker) (*deliberation.Service, *countingGenerator) {
	t.Helper()

	gen := &countingGenerator{}
	engine, err := mediator.New(mediator.Config{
		Generator:     gen,
		Ranker:        ranker,
		NumCandidates: 3,
		Parallelism:   2,
		Logger:        testLogger,
	})
	require.NoError(t, err)

	buf := eventlog.NewBuffer(testDB, testLogger, 256, 20*time.Millisecond)
	buf.Start(context.Background())

	svc := deliberation.New(testDB, engine, buf, testLogger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Drain(ctx)
		buf.Drain(ctx)
	})
	return svc, gen
}

func newTestAgent(t *testing.T, name string) model.Agent {
	t.Helper()
	token, err := model.GenerateAgentToken()
	require.NoError(t, err)
	sum := sha256.Sum256([]byte(token))
	agent, err := testDB.CreateAgent(context.Background(), model.Agent{
		Name:      name + "-" + uuid.New().String()[:8],
		HumanName: name + " operator",
		TokenHash: hex.EncodeToString(sum[:]),
	})
	require.NoError(t, err)
	return agent
}

func createDeliberation(t *testing.T, svc *deliberation.Service, creator model.Agent, maxParticipants *int, rounds int) model.Deliberation {
	t.Helper()
	d, err := svc.Create(context.Background(), creator, model.CreateDeliberationRequest{
		Question:          "Should the city pedestrianize the riverfront on weekends?",
		MaxParticipants:   maxParticipants,
		NumCritiqueRounds: rounds,
	})
	require.NoError(t, err)
	return d
}

// waitForStage polls until the deliberation reaches the wanted stage. The
// transitions under test run on background workers.
func waitForStage(t *testing.T, svc *deliberation.Service, id uuid.UUID, stage model.Stage) model.Deliberation {
	t.Helper()
	var d model.Deliberation
	require.Eventually(t, func() bool {
		var err error
		d, err = svc.Get(context.Background(), id)
		return err == nil && d.Stage == stage
	}, 20*time.Second, 25*time.Millisecond, "deliberation never reached stage %s", stage)
	return d
}

// identityRanking ranks statements in the order they were listed.
func identityRanking(stmts []model.Statement) model.SubmitRankingRequest {
	entries := make([]model.StatementRank, len(stmts))
	for i, st := range stmts {
		entries[i] = model.StatementRank{StatementID: st.ID, Rank: i + 1}
	}
	return model.SubmitRankingRequest{StatementRankings: entries}
}

func TestDeliberationHappyPath(t *testing.T) {
	ctx := context.Background()
	svc, gen := newTestService(t, mediator.LengthRanker{})

	agents := []model.Agent{
		newTestAgent(t, "alice"),
		newTestAgent(t, "bob"),
		newTestAgent(t, "carol"),
	}
	d := createDeliberation(t, svc, agents[0], ptr(3), 1)
	assert.Equal(t, model.StageOpinion, d.Stage)
	assert.Equal(t, 0, d.CurrentRound)

	opinions := []string{
		"Close it fully; the noise reduction alone is worth it.",
		"Keep one lane open for deliveries, close the rest.",
		"Only close it in summer when foot traffic peaks.",
	}
	for i, agent := range agents {
		_, err := svc.SubmitOpinion(ctx, agent, d.ID, model.SubmitOpinionRequest{Text: opinions[i]})
		require.NoError(t, err)
	}

	// The third opinion reaches the cap and triggers the opinion round.
	d = waitForStage(t, svc, d.ID, model.StageRanking)
	assert.Equal(t, 3, d.ParticipantCount)
	assert.Equal(t, 0, d.CurrentRound)
	require.NotNil(t, d.StartedAt)

	round0, err := svc.CurrentStatements(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, round0, 3)
	for i, st := range round0 {
		require.NotNil(t, st.SocialRank)
		assert.Equal(t, i+1, *st.SocialRank, "statements come back in social order")
		assert.Equal(t, 0, st.RoundNumber)
	}
	assert.True(t, round0[0].IsWinner())

	for _, agent := range agents {
		_, err := svc.SubmitRanking(ctx, agent, d.ID, identityRanking(round0))
		require.NoError(t, err)
	}
	d = waitForStage(t, svc, d.ID, model.StageCritique)
	assert.Equal(t, 0, d.CurrentRound)

	critiques := []string{
		"The statement ignores delivery access for the shops.",
		"It should name who pays for the barriers.",
		"Weekend-only is fine but the hours are too vague.",
	}
	for i, agent := range agents {
		_, err := svc.SubmitCritique(ctx, agent, d.ID, model.SubmitCritiqueRequest{Text: critiques[i]})
		require.NoError(t, err)
	}

	// The third critique triggers the revision round and re-enters ranking.
	require.Eventually(t, func() bool {
		got, err := svc.Get(ctx, d.ID)
		return err == nil && got.Stage == model.StageRanking && got.CurrentRound == 1
	}, 20*time.Second, 25*time.Millisecond)

	round1, err := svc.CurrentStatements(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, round1, 3)
	assert.NotEqual(t, round0[0].ID, round1[0].ID)

	for _, agent := range agents {
		_, err := svc.SubmitRanking(ctx, agent, d.ID, identityRanking(round1))
		require.NoError(t, err)
	}
	waitForStage(t, svc, d.ID, model.StageCritique)

	// No rounds left after this one; the deliberation concludes.
	for i, agent := range agents {
		_, err := svc.SubmitCritique(ctx, agent, d.ID, model.SubmitCritiqueRequest{Text: critiques[i] + " Still."})
		require.NoError(t, err)
	}
	d = waitForStage(t, svc, d.ID, model.StageConcluded)
	require.NotNil(t, d.ConcludedAt)

	// Results are not served until feedback finalizes the deliberation.
	_, err = svc.Result(ctx, d.ID)
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeStageMismatch, deliberation.CodeOf(err))

	levels := []int{5, 4, 4}
	for i, agent := range agents {
		req := model.SubmitFeedbackRequest{AgreementLevel: levels[i]}
		if i == 0 {
			req.Text = ptr("Good compromise overall.")
		}
		_, err := svc.SubmitFeedback(ctx, agent, d.ID, req)
		require.NoError(t, err)
	}
	d = waitForStage(t, svc, d.ID, model.StageFinalized)
	require.NotNil(t, d.FinalizedAt)

	result, err := svc.Result(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FinalStatement.RoundNumber)
	assert.True(t, result.FinalStatement.IsWinner())
	assert.Equal(t, round1[0].ID, result.FinalStatement.ID)
	assert.Len(t, result.Feedback, 3)
	assert.InDelta(t, 13.0/3.0, result.MeanAgreement, 0.001)

	// Lifecycle timestamps are ordered.
	assert.False(t, d.StartedAt.Before(d.CreatedAt))
	assert.False(t, d.ConcludedAt.Before(*d.StartedAt))
	assert.False(t, d.FinalizedAt.Before(*d.ConcludedAt))

	detail, err := svc.Detail(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Opinions, 3)
	assert.Len(t, detail.Statements, 6)
	assert.Len(t, detail.Rankings, 6)
	assert.Len(t, detail.Critiques, 6)
	assert.Len(t, detail.HumanFeedback, 3)

	// Two rounds, three candidates each; any extra call means a round ran twice.
	assert.Equal(t, 6, gen.Calls())

	// The transactional lifecycle events are all present and ordered; the
	// buffered submission events arrive within a flush interval.
	export, err := svc.Export(ctx, d.ID)
	require.NoError(t, err)
	byType := map[model.EventType]int{}
	var lastSeq int64
	for _, e := range export.Events {
		assert.Greater(t, e.SequenceNum, lastSeq, "event sequence must be strictly increasing")
		lastSeq = e.SequenceNum
		byType[e.EventType]++
	}
	assert.Equal(t, 2, byType[model.EventRoundCompleted])
	assert.Equal(t, 4, byType[model.EventStageAdvanced])

	assert.Eventually(t, func() bool {
		export, err := svc.Export(ctx, d.ID)
		if err != nil {
			return false
		}
		n := 0
		for _, e := range export.Events {
			if e.EventType == model.EventOpinionSubmitted {
				n++
			}
		}
		return n == 3
	}, 5*time.Second, 25*time.Millisecond, "buffered submission events should flush")
}

func TestSubmitRejectsWrongStage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, mediator.LengthRanker{})

	a1 := newTestAgent(t, "stage-1")
	a2 := newTestAgent(t, "stage-2")
	d := createDeliberation(t, svc, a1, ptr(2), 1)

	// Nothing past the opinion stage is open yet.
	_, err := svc.SubmitRanking(ctx, a1, d.ID, model.SubmitRankingRequest{})
	assert.Equal(t, model.ErrCodeStageMismatch, deliberation.CodeOf(err))

	_, err = svc.SubmitCritique(ctx, a1, d.ID, model.SubmitCritiqueRequest{Text: "Premature critique of nothing."})
	assert.Equal(t, model.ErrCodeStageMismatch, deliberation.CodeOf(err))

	_, err = svc.SubmitFeedback(ctx, a1, d.ID, model.SubmitFeedbackRequest{AgreementLevel: 3})
	assert.Equal(t, model.ErrCodeStageMismatch, deliberation.CodeOf(err))

	_, err = svc.CurrentStatements(ctx, d.ID)
	assert.Equal(t, model.ErrCodeStageMismatch, deliberation.CodeOf(err))

	_, err = svc.SubmitOpinion(ctx, a1, d.ID, model.SubmitOpinionRequest{Text: "Close it and see what happens."})
	require.NoError(t, err)
	_, err = svc.SubmitOpinion(ctx, a2, d.ID, model.SubmitOpinionRequest{Text: "Keep it open, the detours are worse."})
	require.NoError(t, err)
	waitForStage(t, svc, d.ID, model.StageRanking)

	// Opinion collection is closed once the round has run.
	late := newTestAgent(t, "stage-late")
	_, err = svc.SubmitOpinion(ctx, late, d.ID, model.SubmitOpinionRequest{Text: "One more opinion, far too late."})
	assert.Equal(t, model.ErrCodeStageMismatch, deliberation.CodeOf(err))
}

func TestSubmitRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, mediator.LengthRanker{})

	a1 := newTestAgent(t, "dup-1")
	a2 := newTestAgent(t, "dup-2")
	d := createDeliberation(t, svc, a1, ptr(3), 1)

	_, err := svc.SubmitOpinion(ctx, a1, d.ID, model.SubmitOpinionRequest{Text: "Close it on weekends only."})
	require.NoError(t, err)

	_, err = svc.SubmitOpinion(ctx, a1, d.ID, model.SubmitOpinionRequest{Text: "Second thoughts, close it entirely."})
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeDuplicateSubmission, deliberation.CodeOf(err))

	// The duplicate did not consume a slot.
	n, err := testDB.CountOpinions(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.SubmitOpinion(ctx, a2, d.ID, model.SubmitOpinionRequest{Text: "Keep it open for the market vans."})
	require.NoError(t, err)
}

func TestSubmitRankingValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, mediator.LengthRanker{})

	a1 := newTestAgent(t, "rank-1")
	a2 := newTestAgent(t, "rank-2")
	d := createDeliberation(t, svc, a1, ptr(2), 1)

	_, err := svc.SubmitOpinion(ctx, a1, d.ID, model.SubmitOpinionRequest{Text: "Pedestrianize it, full stop."})
	require.NoError(t, err)
	_, err = svc.SubmitOpinion(ctx, a2, d.ID, model.SubmitOpinionRequest{Text: "Leave it alone, traffic needs it."})
	require.NoError(t, err)
	waitForStage(t, svc, d.ID, model.StageRanking)

	stmts, err := svc.CurrentStatements(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, stmts, 3)

	tests := []struct {
		name    string
		entries []model.StatementRank
	}{
		{
			name: "too few entries",
			entries: []model.StatementRank{
				{StatementID: stmts[0].ID, Rank: 1},
			},
		},
		{
			name: "repeated rank",
			entries: []model.StatementRank{
				{StatementID: stmts[0].ID, Rank: 1},
				{StatementID: stmts[1].ID, Rank: 1},
				{StatementID: stmts[2].ID, Rank: 3},
			},
		},
		{
			name: "rank out of range",
			entries: []model.StatementRank{
				{StatementID: stmts[0].ID, Rank: 0},
				{StatementID: stmts[1].ID, Rank: 1},
				{StatementID: stmts[2].ID, Rank: 2},
			},
		},
		{
			name: "unknown statement",
			entries: []model.StatementRank{
				{StatementID: uuid.New(), Rank: 1},
				{StatementID: stmts[1].ID, Rank: 2},
				{StatementID: stmts[2].ID, Rank: 3},
			},
		},
		{
			name: "statement ranked twice",
			entries: []model.StatementRank{
				{StatementID: stmts[0].ID, Rank: 1},
				{StatementID: stmts[0].ID, Rank: 2},
				{StatementID: stmts[2].ID, Rank: 3},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitRanking(ctx, a1, d.ID, model.SubmitRankingRequest{StatementRankings: tt.entries})
			require.Error(t, err)
			assert.Equal(t, model.ErrCodeInvalidRanking, deliberation.CodeOf(err))
		})
	}

	// Agents without an opinion are not participants.
	outsider := newTestAgent(t, "rank-outsider")
	_, err = svc.SubmitRanking(ctx, outsider, d.ID, identityRanking(stmts))
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeForbidden, deliberation.CodeOf(err))

	// A valid permutation still works after all the rejections.
	_, err = svc.SubmitRanking(ctx, a1, d.ID, model.SubmitRankingRequest{
		StatementRankings: []model.StatementRank{
			{StatementID: stmts[0].ID, Rank: 3},
			{StatementID: stmts[1].ID, Rank: 1},
			{StatementID: stmts[2].ID, Rank: 2},
		},
	})
	require.NoError(t, err)
}

func TestConcurrentFinalOpinion(t *testing.T) {
	ctx := context.Background()
	svc, gen := newTestService(t, mediator.LengthRanker{})

	a1 := newTestAgent(t, "race-1")
	a2 := newTestAgent(t, "race-2")
	a3 := newTestAgent(t, "race-3")
	a4 := newTestAgent(t, "race-4")
	d := createDeliberation(t, svc, a1, ptr(3), 1)

	_, err := svc.SubmitOpinion(ctx, a1, d.ID, model.SubmitOpinionRequest{Text: "Close the riverfront to cars."})
	require.NoError(t, err)
	_, err = svc.SubmitOpinion(ctx, a2, d.ID, model.SubmitOpinionRequest{Text: "Keep access for residents only."})
	require.NoError(t, err)

	// Two agents race for the last slot.
	start := make(chan struct{})
	results := make(chan error, 2)
	for _, agent := range []model.Agent{a3, a4} {
		go func() {
			<-start
			_, err := svc.SubmitOpinion(ctx, agent, d.ID, model.SubmitOpinionRequest{
				Text: "A compromise: close it, but only after ten in the morning.",
			})
			results <- err
		}()
	}
	close(start)

	errs := []error{<-results, <-results}
	var failures []error
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	require.Len(t, failures, 1, "exactly one of the racing submissions must fail")
	code := deliberation.CodeOf(failures[0])
	assert.Contains(t, []string{model.ErrCodeStageMismatch, model.ErrCodeDuplicateSubmission}, code)

	// The deliberation transitioned exactly once, with exactly three
	// participants and one set of round-0 statements.
	d = waitForStage(t, svc, d.ID, model.StageRanking)
	assert.Equal(t, 3, d.ParticipantCount)
	stmts, err := testDB.ListStatementsByRound(ctx, d.ID, 0)
	require.NoError(t, err)
	assert.Len(t, stmts, 3)
	assert.Equal(t, 3, gen.Calls(), "the opinion round must have run exactly once")
}

func TestRankingFailureLeavesStageUnchanged(t *testing.T) {
	ctx := context.Background()

	poisoned := "Close it, and if that fails close it harder."
	ranker := newVetoRanker(poisoned)
	svc, _ := newTestService(t, ranker)

	a1 := newTestAgent(t, "fail-1")
	a2 := newTestAgent(t, "fail-2")
	d := createDeliberation(t, svc, a1, ptr(2), 1)

	_, err := svc.SubmitOpinion(ctx, a1, d.ID, model.SubmitOpinionRequest{Text: poisoned})
	require.NoError(t, err)
	_, err = svc.SubmitOpinion(ctx, a2, d.ID, model.SubmitOpinionRequest{Text: "Keep the road, add a boardwalk."})
	require.NoError(t, err)

	// The round runs and fails; the failure lands on the deliberation.
	require.Eventually(t, func() bool {
		got, err := svc.Get(ctx, d.ID)
		return err == nil && got.LastError != nil
	}, 20*time.Second, 25*time.Millisecond)

	got, err := svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageOpinion, got.Stage, "a failed round must not advance the stage")
	assert.Equal(t, 0, got.CurrentRound)
	assert.Contains(t, *got.LastError, model.ErrCodeModelFailure)
	require.NotNil(t, got.LastErrorAt)

	round, err := testDB.GetRound(ctx, d.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, storage.RoundFailed, round.Status)

	stmts, err := testDB.ListStatementsByRound(ctx, d.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, stmts, "an aborted round must persist nothing")

	// Once the model behaves, the idempotent re-check succeeds.
	ranker.release()
	require.NoError(t, svc.Recheck(ctx, d.ID))

	d = waitForStage(t, svc, d.ID, model.StageRanking)
	assert.Nil(t, d.LastError, "completing the round clears the failure")

	round, err = testDB.GetRound(ctx, d.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, storage.RoundCompleted, round.Status)
	assert.Equal(t, 2, round.Attempts)
}

func TestCloseOpinionsUnsticksCappedDeliberation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, mediator.LengthRanker{})

	a1 := newTestAgent(t, "close-1")
	a2 := newTestAgent(t, "close-2")
	d := createDeliberation(t, svc, a1, ptr(3), 1)

	// Closing an empty deliberation is refused outright.
	err := svc.CloseOpinions(ctx, d.ID)
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeValidation, deliberation.CodeOf(err))

	_, err = svc.SubmitOpinion(ctx, a1, d.ID, model.SubmitOpinionRequest{Text: "Trial closure for one month first."})
	require.NoError(t, err)
	_, err = svc.SubmitOpinion(ctx, a2, d.ID, model.SubmitOpinionRequest{Text: "Permanent closure, with bus rerouting."})
	require.NoError(t, err)

	// Two of three expected opinions: the automatic check declines.
	time.Sleep(250 * time.Millisecond)
	got, err := svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageOpinion, got.Stage)

	require.NoError(t, svc.CloseOpinions(ctx, d.ID))
	d = waitForStage(t, svc, d.ID, model.StageRanking)
	assert.Equal(t, 2, d.ParticipantCount, "the cap is waived, the opinions that exist are frozen")

	// The stage moved on, so a second close reports the mismatch.
	err = svc.CloseOpinions(ctx, d.ID)
	assert.Equal(t, model.ErrCodeStageMismatch, deliberation.CodeOf(err))
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, mediator.LengthRanker{})
	creator := newTestAgent(t, "create-val")

	tests := []struct {
		name string
		req  model.CreateDeliberationRequest
	}{
		{
			name: "question too short",
			req:  model.CreateDeliberationRequest{Question: "Trees?"},
		},
		{
			name: "max participants below minimum",
			req: model.CreateDeliberationRequest{
				Question:        "Should the city pedestrianize the riverfront?",
				MaxParticipants: ptr(1),
			},
		},
		{
			name: "too many critique rounds",
			req: model.CreateDeliberationRequest{
				Question:          "Should the city pedestrianize the riverfront?",
				NumCritiqueRounds: 9,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, creator, tt.req)
			require.Error(t, err)
			assert.Equal(t, model.ErrCodeValidation, deliberation.CodeOf(err))
		})
	}

	// Omitted round count defaults to a single critique round.
	d, err := svc.Create(ctx, creator, model.CreateDeliberationRequest{
		Question: "Should the city pedestrianize the riverfront?",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, d.NumCritiqueRounds)
}

func TestLookupsReportNotFound(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, mediator.LengthRanker{})

	missing := uuid.New()
	_, err := svc.Get(ctx, missing)
	assert.Equal(t, model.ErrCodeNotFound, deliberation.CodeOf(err))

	_, err = svc.Detail(ctx, missing)
	assert.Equal(t, model.ErrCodeNotFound, deliberation.CodeOf(err))

	_, err = svc.Result(ctx, missing)
	assert.Equal(t, model.ErrCodeNotFound, deliberation.CodeOf(err))

	err = svc.Recheck(ctx, missing)
	assert.Equal(t, model.ErrCodeNotFound, deliberation.CodeOf(err))

	agent := newTestAgent(t, "nf-agent")
	_, err = svc.SubmitOpinion(ctx, agent, missing, model.SubmitOpinionRequest{Text: "Shouting into the void here."})
	assert.Equal(t, model.ErrCodeNotFound, deliberation.CodeOf(err))
}

func TestListFiltersByStage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, mediator.LengthRanker{})
	creator := newTestAgent(t, "list-creator")

	d1 := createDeliberation(t, svc, creator, ptr(5), 1)
	d2 := createDeliberation(t, svc, creator, ptr(5), 2)

	stage := model.StageOpinion
	ds, total, err := svc.List(ctx, &stage, 100, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 2)
	ids := make(map[uuid.UUID]bool, len(ds))
	for _, d := range ds {
		assert.Equal(t, model.StageOpinion, d.Stage)
		ids[d.ID] = true
	}
	assert.True(t, ids[d1.ID])
	assert.True(t, ids[d2.ID])

	bogus := model.Stage("limbo")
	_, _, err = svc.List(ctx, &bogus, 10, 0)
	assert.Equal(t, model.ErrCodeValidation, deliberation.CodeOf(err))
}
