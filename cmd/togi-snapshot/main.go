// Command togi-snapshot exports deliberation transcripts from Postgres into
// a self-contained SQLite file for offline analysis. The snapshot carries
// the full record of each deliberation (opinions, statements, rankings,
// critiques, feedback, and the event log) with credential hashes and
// embeddings stripped, so the file is safe to hand to researchers.
//
// Usage:
//
//	togi-snapshot -o snapshot.db              # all finalized deliberations
//	togi-snapshot -o snapshot.db -stage any   # everything
//	togi-snapshot -o snapshot.db -id <uuid>   # one deliberation
//
// DATABASE_URL must point at the Togi Postgres instance.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/storage"
)

func main() {
	os.Exit(run0())
}

func run0() int {
	out := flag.String("o", "togi-snapshot.db", "output SQLite file (must not exist)")
	stage := flag.String("stage", "finalized", "stage filter: a lifecycle stage, or \"any\"")
	idArg := flag.String("id", "", "export a single deliberation by id")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *out, *stage, *idArg); err != nil {
		logger.Error("snapshot failed", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, out, stageArg, idArg string) error {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if _, err := os.Stat(out); err == nil {
		return fmt.Errorf("output file %s already exists", out)
	}

	db, err := storage.New(ctx, dsn, "", logger)
	if err != nil {
		return err
	}
	defer db.Close(context.WithoutCancel(ctx))

	deliberations, err := selectDeliberations(ctx, db, stageArg, idArg)
	if err != nil {
		return err
	}
	if len(deliberations) == 0 {
		return fmt.Errorf("no deliberations match the filter")
	}

	snap, err := sql.Open("sqlite", out)
	if err != nil {
		return fmt.Errorf("open %s: %w", out, err)
	}
	defer func() { _ = snap.Close() }()

	if _, err := snap.ExecContext(ctx, snapshotSchema); err != nil {
		return fmt.Errorf("create snapshot schema: %w", err)
	}

	start := time.Now()
	for _, d := range deliberations {
		if err := exportDeliberation(ctx, db, snap, d); err != nil {
			return fmt.Errorf("export %s: %w", d.ID, err)
		}
		logger.Info("exported deliberation", "id", d.ID, "stage", d.Stage)
	}

	logger.Info("snapshot complete",
		"file", out,
		"deliberations", len(deliberations),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func selectDeliberations(ctx context.Context, db *storage.DB, stageArg, idArg string) ([]model.Deliberation, error) {
	if idArg != "" {
		id, err := uuid.Parse(idArg)
		if err != nil {
			return nil, fmt.Errorf("invalid -id: %w", err)
		}
		d, err := db.GetDeliberation(ctx, id)
		if err != nil {
			return nil, err
		}
		return []model.Deliberation{d}, nil
	}

	var stage *model.Stage
	if stageArg != "any" {
		s := model.Stage(stageArg)
		if !model.ValidStage(s) {
			return nil, fmt.Errorf("unknown stage %q", stageArg)
		}
		stage = &s
	}

	// Page through everything; snapshots are an offline tool and the
	// corpus fits in memory.
	var all []model.Deliberation
	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		page, err := db.ListDeliberations(ctx, stage, pageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

func exportDeliberation(ctx context.Context, db *storage.DB, snap *sql.DB, d model.Deliberation) error {
	opinions, err := db.ListOpinions(ctx, d.ID)
	if err != nil {
		return err
	}
	statements, err := db.ListStatements(ctx, d.ID)
	if err != nil {
		return err
	}
	rankings, err := db.ListRankings(ctx, d.ID)
	if err != nil {
		return err
	}
	critiques, err := db.ListCritiques(ctx, d.ID)
	if err != nil {
		return err
	}
	feedback, err := db.ListFeedback(ctx, d.ID)
	if err != nil {
		return err
	}
	events, err := db.ListEventsByDeliberation(ctx, d.ID, 0, 100000)
	if err != nil {
		return err
	}

	tx, err := snap.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deliberations (id, question, stage, created_by, participant_count,
		   max_participants, num_critique_rounds, current_round, metadata,
		   created_at, started_at, concluded_at, finalized_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.Question, string(d.Stage), d.CreatedBy.String(),
		d.ParticipantCount, nullableInt(d.MaxParticipants), d.NumCritiqueRounds,
		d.CurrentRound, mustJSON(d.Metadata),
		rfc3339(d.CreatedAt), nullableTime(d.StartedAt),
		nullableTime(d.ConcludedAt), nullableTime(d.FinalizedAt),
	); err != nil {
		return fmt.Errorf("insert deliberation: %w", err)
	}

	for _, op := range opinions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO opinions (id, deliberation_id, agent_id, text, submitted_at)
			 VALUES (?, ?, ?, ?, ?)`,
			op.ID.String(), op.DeliberationID.String(), op.AgentID.String(),
			op.Text, rfc3339(op.SubmittedAt),
		); err != nil {
			return fmt.Errorf("insert opinion: %w", err)
		}
	}

	for _, s := range statements {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO statements (id, deliberation_id, round_number, text,
			   social_rank, metadata, generated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.ID.String(), s.DeliberationID.String(), s.RoundNumber, s.Text,
			nullableInt(s.SocialRank), mustJSON(s.Metadata), rfc3339(s.GeneratedAt),
		); err != nil {
			return fmt.Errorf("insert statement: %w", err)
		}
	}

	for _, r := range rankings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rankings (id, deliberation_id, agent_id, round_number,
			   statement_rankings, submitted_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID.String(), r.DeliberationID.String(), r.AgentID.String(),
			r.RoundNumber, mustJSON(r.StatementRankings), rfc3339(r.SubmittedAt),
		); err != nil {
			return fmt.Errorf("insert ranking: %w", err)
		}
	}

	for _, c := range critiques {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO critiques (id, deliberation_id, agent_id,
			   winning_statement_id, round_number, text, submitted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID.String(), c.DeliberationID.String(), c.AgentID.String(),
			c.WinningStatementID.String(), c.RoundNumber, c.Text, rfc3339(c.SubmittedAt),
		); err != nil {
			return fmt.Errorf("insert critique: %w", err)
		}
	}

	for _, f := range feedback {
		var text any
		if f.Text != nil {
			text = *f.Text
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO human_feedback (id, deliberation_id, agent_id,
			   final_statement_id, agreement_level, text, submitted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.ID.String(), f.DeliberationID.String(), f.AgentID.String(),
			f.FinalStatementID.String(), f.AgreementLevel, text, rfc3339(f.SubmittedAt),
		); err != nil {
			return fmt.Errorf("insert feedback: %w", err)
		}
	}

	for _, e := range events {
		var agentID any
		if e.AgentID != nil {
			agentID = e.AgentID.String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deliberation_events (id, deliberation_id, event_type,
			   sequence_num, agent_id, payload, occurred_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), e.DeliberationID.String(), string(e.EventType),
			e.SequenceNum, agentID, mustJSON(e.Payload), rfc3339(e.OccurredAt),
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	return tx.Commit()
}

const snapshotSchema = `
CREATE TABLE deliberations (
	id TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	stage TEXT NOT NULL,
	created_by TEXT NOT NULL,
	participant_count INTEGER NOT NULL,
	max_participants INTEGER,
	num_critique_rounds INTEGER NOT NULL,
	current_round INTEGER NOT NULL,
	metadata TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	concluded_at TEXT,
	finalized_at TEXT
);

CREATE TABLE opinions (
	id TEXT PRIMARY KEY,
	deliberation_id TEXT NOT NULL REFERENCES deliberations(id),
	agent_id TEXT NOT NULL,
	text TEXT NOT NULL,
	submitted_at TEXT NOT NULL
);

CREATE TABLE statements (
	id TEXT PRIMARY KEY,
	deliberation_id TEXT NOT NULL REFERENCES deliberations(id),
	round_number INTEGER NOT NULL,
	text TEXT NOT NULL,
	social_rank INTEGER,
	metadata TEXT,
	generated_at TEXT NOT NULL
);

CREATE TABLE rankings (
	id TEXT PRIMARY KEY,
	deliberation_id TEXT NOT NULL REFERENCES deliberations(id),
	agent_id TEXT NOT NULL,
	round_number INTEGER NOT NULL,
	statement_rankings TEXT NOT NULL,
	submitted_at TEXT NOT NULL
);

CREATE TABLE critiques (
	id TEXT PRIMARY KEY,
	deliberation_id TEXT NOT NULL REFERENCES deliberations(id),
	agent_id TEXT NOT NULL,
	winning_statement_id TEXT NOT NULL,
	round_number INTEGER NOT NULL,
	text TEXT NOT NULL,
	submitted_at TEXT NOT NULL
);

CREATE TABLE human_feedback (
	id TEXT PRIMARY KEY,
	deliberation_id TEXT NOT NULL REFERENCES deliberations(id),
	agent_id TEXT NOT NULL,
	final_statement_id TEXT NOT NULL,
	agreement_level INTEGER NOT NULL,
	text TEXT,
	submitted_at TEXT NOT NULL
);

CREATE TABLE deliberation_events (
	id TEXT PRIMARY KEY,
	deliberation_id TEXT NOT NULL REFERENCES deliberations(id),
	event_type TEXT NOT NULL,
	sequence_num INTEGER NOT NULL,
	agent_id TEXT,
	payload TEXT,
	occurred_at TEXT NOT NULL
);

CREATE INDEX idx_statements_deliberation_round ON statements(deliberation_id, round_number);
CREATE INDEX idx_events_deliberation_seq ON deliberation_events(deliberation_id, sequence_num);
`

func mustJSON(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return rfc3339(*t)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
