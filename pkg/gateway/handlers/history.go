package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/gateway/apierror"
	"github.com/vango-go/demo-copilot/pkg/persist"
	"github.com/vango-go/demo-copilot/pkg/persist/postgres"
)

// HistoryStore reads finished sessions back out of persistence.
type HistoryStore interface {
	History(ctx context.Context, f postgres.HistoryFilter) ([]persist.SessionRecord, error)
	Questions(ctx context.Context, sessionID string) ([]persist.QuestionRecord, error)
	Stats(ctx context.Context, f postgres.StatsFilter) (postgres.Stats, error)
}

const (
	defaultStatsDays = 7
	maxStatsDays     = 366
)

type History struct {
	Store  HistoryStore
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type historyResponse struct {
	Sessions []persist.SessionRecord `json:"sessions"`
}

type questionsResponse struct {
	SessionID string                   `json:"session_id"`
	Questions []persist.QuestionRecord `json:"questions"`
}

func (h History) disabled(w http.ResponseWriter, r *http.Request) bool {
	if h.Store != nil {
		return false
	}
	apierror.WriteError(w, http.StatusNotImplemented, &core.Error{
		Kind:      core.KindInvalidRequest,
		Message:   "session history requires a database",
		RequestID: requestID(r),
	})
	return true
}

func (h History) fail(w http.ResponseWriter, r *http.Request, err error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("history query failed", "request_id", requestID(r), "error", err)
	writeError(w, r, err)
}

// List serves GET /v1/history?product=&customer_email=&status=&limit=.
func (h History) List(w http.ResponseWriter, r *http.Request) {
	if h.disabled(w, r) {
		return
	}
	q := r.URL.Query()
	f := postgres.HistoryFilter{
		Product:       strings.TrimSpace(q.Get("product")),
		CustomerEmail: strings.TrimSpace(q.Get("customer_email")),
		Status:        strings.TrimSpace(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, &core.Error{Kind: core.KindInvalidRequest, Message: "limit must be a positive integer", Param: "limit"})
			return
		}
		f.Limit = n
	}

	sessions, err := h.Store.History(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []persist.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Sessions: sessions})
}

// Questions serves GET /v1/history/{id}/questions.
func (h History) Questions(w http.ResponseWriter, r *http.Request) {
	if h.disabled(w, r) {
		return
	}
	id := r.PathValue("id")
	qs, err := h.Store.Questions(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if qs == nil {
		qs = []persist.QuestionRecord{}
	}
	writeJSON(w, http.StatusOK, questionsResponse{SessionID: id, Questions: qs})
}

// Stats serves GET /v1/history/stats?days=&product=, covering the last days
// up to now.
func (h History) Stats(w http.ResponseWriter, r *http.Request) {
	if h.disabled(w, r) {
		return
	}
	q := r.URL.Query()
	days := defaultStatsDays
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxStatsDays {
			writeError(w, r, &core.Error{Kind: core.KindInvalidRequest, Message: "days must be between 1 and 366", Param: "days"})
			return
		}
		days = n
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	until := now().UTC()
	stats, err := h.Store.Stats(r.Context(), postgres.StatsFilter{
		Since:   until.AddDate(0, 0, -days),
		Until:   until,
		Product: strings.TrimSpace(q.Get("product")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
