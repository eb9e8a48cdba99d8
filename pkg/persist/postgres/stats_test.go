package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var statsColumns = []string{"day", "started", "completed", "failed", "avg_duration", "questions"}

func TestStats_RollsUpDays(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck // sqlmock db close error is inconsequential in tests.

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	until := since.AddDate(0, 0, 7)
	mock.ExpectQuery("SELECT date_trunc.* FROM demo_sessions WHERE created_at >= \\$1 AND created_at < \\$2 AND product = \\$3 GROUP BY day ORDER BY day ASC").
		WithArgs(since, until, "insign").
		WillReturnRows(sqlmock.NewRows(statsColumns).
			AddRow(since, 4, 3, 1, 300.0, 6).
			AddRow(since.AddDate(0, 0, 1), 1, 1, 0, 600.0, 0))

	got, err := New(db).Stats(context.Background(), StatsFilter{Since: since, Until: until, Product: "insign"})
	require.NoError(t, err)
	require.Len(t, got.Daily, 2)
	assert.Equal(t, 75.0, got.Daily[0].CompletionRate)
	assert.Equal(t, 5, got.TotalSessions)
	assert.Equal(t, 4, got.CompletedSessions)
	assert.Equal(t, 1, got.FailedSessions)
	assert.Equal(t, 80.0, got.CompletionRate)
	// weighted by completed sessions: (3*300 + 1*600) / 4
	assert.Equal(t, 375.0, got.AvgDurationSeconds)
	assert.Equal(t, 6, got.TotalQuestions)
	assert.InDelta(t, 1.2, got.AvgQuestionsPerSession, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStats_EmptyWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck // sqlmock db close error is inconsequential in tests.

	mock.ExpectQuery("SELECT date_trunc.* FROM demo_sessions WHERE created_at >= \\$1 AND created_at < \\$2 GROUP BY day").
		WillReturnRows(sqlmock.NewRows(statsColumns))

	now := time.Now()
	got, err := New(db).Stats(context.Background(), StatsFilter{Since: now.Add(-time.Hour), Until: now})
	require.NoError(t, err)
	assert.NotNil(t, got.Daily)
	assert.Empty(t, got.Daily)
	assert.Zero(t, got.CompletionRate)
	assert.Zero(t, got.AvgQuestionsPerSession)
}

func TestStats_PropagatesQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck // sqlmock db close error is inconsequential in tests.

	mock.ExpectQuery("SELECT date_trunc").WillReturnError(errors.New("connection reset"))
	_, err = New(db).Stats(context.Background(), StatsFilter{Until: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "querying session stats")
}

func TestPurge_DeletesOnlyFinishedSessions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck // sqlmock db close error is inconsequential in tests.

	cutoff := time.Now().AddDate(0, 0, -90)
	mock.ExpectExec("DELETE FROM demo_sessions WHERE created_at < \\$1 AND status IN \\(\\$2,\\$3\\)").
		WithArgs(cutoff, "completed", "failed").
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := New(db).Purge(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRetention_PurgesOnStartAndStopsWithContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck // sqlmock db close error is inconsequential in tests.

	mock.ExpectExec("DELETE FROM demo_sessions").
		WithArgs(sqlmock.AnyArg(), "completed", "failed").
		WillReturnResult(sqlmock.NewResult(0, 3))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		New(db).RunRetention(ctx, 24*time.Hour, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	assert.Eventually(t, func() bool { return mock.ExpectationsWereMet() == nil }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retention loop did not stop")
	}
}
