package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Statuses a session can no longer leave; only these are purged.
var finishedStatuses = []string{"completed", "failed"}

// StatsFilter selects sessions created in [Since, Until).
type StatsFilter struct {
	Since   time.Time
	Until   time.Time
	Product string
}

// DailyStats rolls up the sessions created on one UTC day.
type DailyStats struct {
	Day                time.Time `json:"day"`
	Started            int       `json:"started"`
	Completed          int       `json:"completed"`
	Failed             int       `json:"failed"`
	CompletionRate     float64   `json:"completion_rate"`
	AvgDurationSeconds float64   `json:"avg_duration_seconds"`
	Questions          int       `json:"questions"`
}

type Stats struct {
	Since                  time.Time    `json:"since"`
	Until                  time.Time    `json:"until"`
	Product                string       `json:"product,omitempty"`
	TotalSessions          int          `json:"total_sessions"`
	CompletedSessions      int          `json:"completed_sessions"`
	FailedSessions         int          `json:"failed_sessions"`
	CompletionRate         float64      `json:"completion_rate"`
	AvgDurationSeconds     float64      `json:"avg_duration_seconds"`
	TotalQuestions         int          `json:"total_questions"`
	AvgQuestionsPerSession float64      `json:"avg_questions_per_session"`
	Daily                  []DailyStats `json:"daily"`
}

// Stats aggregates sessions per day and over the whole window. Rates are
// percentages; durations cover completed sessions only.
func (s *Store) Stats(ctx context.Context, f StatsFilter) (Stats, error) {
	day := "date_trunc('day', created_at AT TIME ZONE 'UTC')"
	qb := psq.Select(
		day+" AS day",
		"COUNT(*)",
		"COUNT(*) FILTER (WHERE status = 'completed')",
		"COUNT(*) FILTER (WHERE status = 'failed')",
		"COALESCE(AVG(EXTRACT(EPOCH FROM completed_at - started_at)) FILTER (WHERE status = 'completed'), 0)",
		"COALESCE(SUM(questions_asked), 0)",
	).From("demo_sessions").
		Where(sq.GtOrEq{"created_at": f.Since}).
		Where(sq.Lt{"created_at": f.Until})
	if f.Product != "" {
		qb = qb.Where(sq.Eq{"product": f.Product})
	}
	query, args, err := qb.GroupBy("day").OrderBy("day ASC").ToSql()
	if err != nil {
		return Stats{}, fmt.Errorf("building stats query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, fmt.Errorf("querying session stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := Stats{Since: f.Since, Until: f.Until, Product: f.Product, Daily: []DailyStats{}}
	var durationTotal float64
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Day, &d.Started, &d.Completed, &d.Failed, &d.AvgDurationSeconds, &d.Questions); err != nil {
			return Stats{}, fmt.Errorf("scanning session stats: %w", err)
		}
		d.CompletionRate = percent(d.Completed, d.Started)
		out.Daily = append(out.Daily, d)

		out.TotalSessions += d.Started
		out.CompletedSessions += d.Completed
		out.FailedSessions += d.Failed
		out.TotalQuestions += d.Questions
		durationTotal += d.AvgDurationSeconds * float64(d.Completed)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterating session stats: %w", err)
	}

	out.CompletionRate = percent(out.CompletedSessions, out.TotalSessions)
	if out.CompletedSessions > 0 {
		out.AvgDurationSeconds = durationTotal / float64(out.CompletedSessions)
	}
	if out.TotalSessions > 0 {
		out.AvgQuestionsPerSession = float64(out.TotalQuestions) / float64(out.TotalSessions)
	}
	return out, nil
}

// Purge deletes finished sessions created before cutoff along with their
// steps and questions, and reports how many sessions went.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := psq.Delete("demo_sessions").
		Where(sq.Lt{"created_at": cutoff}).
		Where(sq.Eq{"status": finishedStatuses}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building purge: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purging demo sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged sessions: %w", err)
	}
	return n, nil
}

// RunRetention purges finished sessions older than keep right away and then
// every interval, until ctx is done.
func (s *Store) RunRetention(ctx context.Context, keep, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := s.Purge(ctx, time.Now().Add(-keep))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("history retention purge failed", "error", err)
		case n > 0:
			logger.Info("purged old demo sessions", "count", n, "older_than", keep)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
