// Package persist carries fire-and-forget session records from the
// orchestrator to durable stores. A failing store never slows a session down.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

type Kind string

const (
	KindSession  Kind = "session"
	KindStep     Kind = "step"
	KindQuestion Kind = "question"
)

// SessionRecord is the latest known state of a session. Stores upsert it by ID.
type SessionRecord struct {
	ID               string     `json:"id"`
	Product          string     `json:"product"`
	Status           string     `json:"status"`
	CustomerName     string     `json:"customer_name,omitempty"`
	CustomerEmail    string     `json:"customer_email,omitempty"`
	CustomerCompany  string     `json:"customer_company,omitempty"`
	CustomerIndustry string     `json:"customer_industry,omitempty"`
	CurrentStep      int        `json:"current_step"`
	TotalSteps       int        `json:"total_steps"`
	QuestionsAsked   int        `json:"questions_asked"`
	PausesCount      int        `json:"pauses_count"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// StepRecord is one executed script step.
type StepRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	StepIndex  int       `json:"step_index"`
	Section    string    `json:"section"`
	Actions    string    `json:"actions"`
	Narration  string    `json:"narration"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// QuestionRecord is one answered customer question.
type QuestionRecord struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	AskedAtStep    int       `json:"asked_at_step"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Degraded       bool      `json:"degraded"`
	CreatedAt      time.Time `json:"created_at"`
}

// Record wraps exactly one of the typed records.
type Record struct {
	Kind     Kind            `json:"kind"`
	Session  *SessionRecord  `json:"session,omitempty"`
	Step     *StepRecord     `json:"step,omitempty"`
	Question *QuestionRecord `json:"question,omitempty"`
}

func (r Record) SessionID() string {
	switch {
	case r.Session != nil:
		return r.Session.ID
	case r.Step != nil:
		return r.Step.SessionID
	case r.Question != nil:
		return r.Question.SessionID
	}
	return ""
}

type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Multi writes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, rec Record) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Write(ctx, rec))
	}
	return err
}

// Discard drops everything.
type Discard struct{}

func (Discard) Write(context.Context, Record) error { return nil }

type Options struct {
	Buffer       int
	WriteTimeout time.Duration
}

// Recorder hands records to a sink from a single background goroutine. Emit
// never blocks; records are dropped and logged when the buffer is full or the
// sink fails.
type Recorder struct {
	sink    Sink
	opts    Options
	logger  *slog.Logger
	ch      chan Record
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(sink Sink, opts Options, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = Discard{}
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	r := &Recorder{
		sink:   sink,
		opts:   opts,
		logger: logger,
		ch:     make(chan Record, opts.Buffer),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) Emit(rec Record) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
		r.logger.Warn("persistence buffer full, dropping record", "kind", rec.Kind, "session_id", rec.SessionID())
	}
}

// Dropped counts records lost to a full buffer.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Failed counts records the sink rejected.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// Close stops accepting records and waits for the buffer to flush or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for rec := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		err := r.sink.Write(ctx, rec)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.logger.Warn("persist record", "kind", rec.Kind, "session_id", rec.SessionID(), "error", err)
		}
	}
}
