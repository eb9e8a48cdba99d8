// Package postgres stores demo history in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/vango-go/demo-copilot/pkg/persist"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

//go:embed migrations/*.sql
var migrations embed.FS

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var sessionColumns = []string{
	"id", "product", "status", "customer_name", "customer_email", "customer_company",
	"customer_industry", "current_step", "total_steps", "questions_asked", "pauses_count",
	"error_message", "created_at", "started_at", "completed_at", "updated_at",
}

var questionColumns = []string{
	"id", "session_id", "question", "answer", "asked_at_step", "response_time_ms", "degraded", "created_at",
}

// Store implements persist.Sink.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects through the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (s *Store) Write(ctx context.Context, rec persist.Record) error {
	switch rec.Kind {
	case persist.KindSession:
		return s.upsertSession(ctx, rec.Session)
	case persist.KindStep:
		return s.insertStep(ctx, rec.Step)
	case persist.KindQuestion:
		return s.insertQuestion(ctx, rec.Question)
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
}

func (s *Store) upsertSession(ctx context.Context, r *persist.SessionRecord) error {
	if r == nil {
		return fmt.Errorf("session record missing")
	}
	query, args, err := psq.Insert("demo_sessions").
		Columns(sessionColumns...).
		Values(r.ID, r.Product, r.Status, r.CustomerName, r.CustomerEmail, r.CustomerCompany,
			r.CustomerIndustry, r.CurrentStep, r.TotalSteps, r.QuestionsAsked, r.PausesCount,
			r.Error, r.CreatedAt, r.StartedAt, r.CompletedAt, r.UpdatedAt).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			total_steps = EXCLUDED.total_steps,
			questions_asked = EXCLUDED.questions_asked,
			pauses_count = EXCLUDED.pauses_count,
			error_message = EXCLUDED.error_message,
			started_at = COALESCE(EXCLUDED.started_at, demo_sessions.started_at),
			completed_at = COALESCE(demo_sessions.completed_at, EXCLUDED.completed_at),
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting demo session: %w", err)
	}
	return nil
}

func (s *Store) insertStep(ctx context.Context, r *persist.StepRecord) error {
	if r == nil {
		return fmt.Errorf("step record missing")
	}
	query, args, err := psq.Insert("demo_actions").
		Columns("id", "session_id", "step_index", "section", "actions", "narration",
			"duration_ms", "status", "error_message", "created_at").
		Values(r.ID, r.SessionID, r.StepIndex, r.Section, r.Actions, r.Narration,
			r.DurationMs, r.Status, r.Error, r.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building step insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting demo action: %w", err)
	}
	return nil
}

func (s *Store) insertQuestion(ctx context.Context, r *persist.QuestionRecord) error {
	if r == nil {
		return fmt.Errorf("question record missing")
	}
	query, args, err := psq.Insert("customer_questions").
		Columns(questionColumns...).
		Values(r.ID, r.SessionID, r.Question, r.Answer, r.AskedAtStep, r.ResponseTimeMs, r.Degraded, r.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building question insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting customer question: %w", err)
	}
	return nil
}

// HistoryFilter narrows a History query. Zero fields match everything.
type HistoryFilter struct {
	Product       string
	CustomerEmail string
	Status        string
	Limit         int
}

// History lists past sessions, newest first.
func (s *Store) History(ctx context.Context, f HistoryFilter) ([]persist.SessionRecord, error) {
	qb := psq.Select(sessionColumns...).From("demo_sessions")
	if f.Product != "" {
		qb = qb.Where(sq.Eq{"product": f.Product})
	}
	if f.CustomerEmail != "" {
		qb = qb.Where(sq.Eq{"customer_email": f.CustomerEmail})
	}
	if f.Status != "" {
		qb = qb.Where(sq.Eq{"status": f.Status})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	query, args, err := qb.OrderBy("created_at DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building history query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying demo sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]persist.SessionRecord, 0, limit)
	for rows.Next() {
		var r persist.SessionRecord
		var started, completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.Product, &r.Status, &r.CustomerName, &r.CustomerEmail,
			&r.CustomerCompany, &r.CustomerIndustry, &r.CurrentStep, &r.TotalSteps,
			&r.QuestionsAsked, &r.PausesCount, &r.Error, &r.CreatedAt, &started, &completed,
			&r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning demo session: %w", err)
		}
		r.StartedAt = nullTime(started)
		r.CompletedAt = nullTime(completed)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating demo sessions: %w", err)
	}
	return out, nil
}

// Questions returns the questions asked in one session, oldest first.
func (s *Store) Questions(ctx context.Context, sessionID string) ([]persist.QuestionRecord, error) {
	query, args, err := psq.Select(questionColumns...).
		From("customer_questions").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building questions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying customer questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []persist.QuestionRecord
	for rows.Next() {
		var r persist.QuestionRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Question, &r.Answer, &r.AskedAtStep,
			&r.ResponseTimeMs, &r.Degraded, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning customer question: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating customer questions: %w", err)
	}
	return out, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
