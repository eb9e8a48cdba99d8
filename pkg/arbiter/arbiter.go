// Package arbiter serves live customer questions one at a time, taking the
// session's resources away from the script runner at a step boundary and
// giving them back afterwards.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/events"
	"github.com/vango-go/demo-copilot/pkg/resource"
)

const (
	DefaultPrefix  = "Great question. "
	DefaultApology = "I'm sorry, I couldn't put together an answer to that just now. Let's keep going and I'll make sure someone follows up with you."
)

type Locker interface {
	Lock(ctx context.Context) (*resource.Lease, error)
}

// Holder is the script runner's side of the pause handshake.
type Holder interface {
	Hold() (parked <-chan struct{}, release func())
}

type Publisher interface {
	Publish(t events.Type, payload any) (events.Event, bool)
}

// Host is the session that owns the arbiter. The arbiter never calls it while
// holding its own lock.
type Host interface {
	AnswerContext() core.AnswerContext
	Answered(rec Record)
	// Drained is called after each question; the host checks Idle to decide
	// whether the queue is really empty.
	Drained()
}

// Record is one answered (or apologized-for) question.
type Record struct {
	ID             string    `json:"id"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	Confidence     float64   `json:"confidence,omitempty"`
	AskedAtStep    int       `json:"asked_at_step_index"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Degraded       bool      `json:"degraded,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type Config struct {
	SessionID     string
	VoiceID       string
	AnswerTimeout time.Duration
	Prefix        string
	Apology       string
	Now           func() time.Time
}

// Ticket tracks one queued question.
type Ticket struct {
	ID          string
	Question    string
	AskedAtStep int

	once sync.Once
	done chan struct{}
	rec  Record
	err  error
}

func (t *Ticket) finish(rec Record, err error) {
	t.once.Do(func() {
		t.rec, t.err = rec, err
		close(t.done)
	})
}

// Done is closed once the question is answered or abandoned.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the question is answered. Questions abandoned because the
// session ended fail with a session-terminated error.
func (t *Ticket) Wait(ctx context.Context) (Record, error) {
	select {
	case <-t.done:
		return t.rec, t.err
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

type Arbiter struct {
	answerer core.QuestionAnswerer
	locker   Locker
	holder   Holder
	bus      Publisher
	host     Host
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	queue  []*Ticket
	active *Ticket
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func New(answerer core.QuestionAnswerer, locker Locker, holder Holder, bus Publisher, host Host, cfg Config, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 20 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Apology == "" {
		cfg.Apology = DefaultApology
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Arbiter{
		answerer: answerer,
		locker:   locker,
		holder:   holder,
		bus:      bus,
		host:     host,
		cfg:      cfg,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Ask enqueues a question and returns its ticket and 1-based queue position
// (counting a question already being answered).
func (a *Arbiter) Ask(question string, stepIndex int) (*Ticket, int, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, 0, core.Errorf(core.KindInvalidRequest, "question must not be empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, 0, core.Errorf(core.KindSessionTerminated, "session is no longer accepting questions")
	}
	t := &Ticket{
		ID:          ulid.Make().String(),
		Question:    question,
		AskedAtStep: stepIndex,
		done:        make(chan struct{}),
	}
	a.queue = append(a.queue, t)
	pos := len(a.queue)
	if a.active != nil {
		pos++
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return t, pos, nil
}

// Idle reports whether no question is queued or being answered.
func (a *Arbiter) Idle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active == nil && len(a.queue) == 0
}

// Pending counts queued plus in-flight questions.
func (a *Arbiter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.queue)
	if a.active != nil {
		n++
	}
	return n
}

// Close stops accepting questions and fails every queued one with err. The
// question in flight, if any, ends when the worker's context is canceled.
func (a *Arbiter) Close(err error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	pending := a.queue
	a.queue = nil
	a.mu.Unlock()

	for _, t := range pending {
		t.finish(Record{}, err)
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (a *Arbiter) Done() <-chan struct{} {
	return a.done
}

// Run is the single worker. It returns when ctx is canceled or the arbiter is
// closed.
func (a *Arbiter) Run(ctx context.Context) {
	defer close(a.done)
	defer a.Close(core.Errorf(core.KindSessionTerminated, "session ended before the question was answered"))

	for {
		t := a.take(ctx)
		if t == nil {
			return
		}
		// the runner stays held until the host has restored its state
		parked, release := a.holder.Hold()
		rec, err := a.serve(ctx, t, parked)
		t.finish(rec, err)
		if err != nil {
			release()
			a.setActive(nil)
			return
		}
		a.host.Answered(rec)
		a.setActive(nil)
		a.host.Drained()
		release()
	}
}

func (a *Arbiter) setActive(t *Ticket) {
	a.mu.Lock()
	a.active = t
	a.mu.Unlock()
}

func (a *Arbiter) take(ctx context.Context) *Ticket {
	for {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return nil
		}
		if len(a.queue) > 0 {
			t := a.queue[0]
			a.queue[0] = nil
			a.queue = a.queue[1:]
			a.active = t
			a.mu.Unlock()
			return t
		}
		a.mu.Unlock()

		select {
		case <-a.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

func terminated(err error) error {
	return core.Wrap(core.KindSessionTerminated, err, "question abandoned")
}

func (a *Arbiter) serve(ctx context.Context, t *Ticket, parked <-chan struct{}) (Record, error) {
	select {
	case <-parked:
	case <-ctx.Done():
		return Record{}, terminated(ctx.Err())
	}

	lease, err := a.locker.Lock(ctx)
	if err != nil {
		return Record{}, terminated(err)
	}
	defer lease.Release()

	ac := a.host.AnswerContext()
	start := a.cfg.Now()
	ans, err := a.answer(ctx, t.Question, ac)
	if err == nil && strings.TrimSpace(ans.Text) == "" {
		err = errors.New("empty answer")
	}

	rec := Record{
		ID:             t.ID,
		Question:       t.Question,
		AskedAtStep:    t.AskedAtStep,
		ResponseTimeMs: a.cfg.Now().Sub(start).Milliseconds(),
		Timestamp:      a.cfg.Now(),
	}

	if err != nil {
		if ctx.Err() != nil {
			return Record{}, terminated(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = core.Wrap(core.KindCollaboratorTimeout, err, "answer question")
		}
		a.logger.Warn("answer failed, using fallback", "session_id", a.cfg.SessionID, "question_id", t.ID, "error", err)
		rec.Answer = a.cfg.Apology
		rec.Degraded = true
		a.bus.Publish(events.TypeError, events.Error{Message: a.cfg.Apology})
		if err := a.narrate(ctx, lease, a.cfg.Apology); err != nil {
			return Record{}, err
		}
		return rec, nil
	}

	rec.Answer = strings.TrimSpace(ans.Text)
	rec.Confidence = ans.Confidence
	a.bus.Publish(events.TypeAnswer, events.Answer{
		QuestionID:     rec.ID,
		Question:       rec.Question,
		Answer:         rec.Answer,
		ResponseTimeMs: rec.ResponseTimeMs,
		Timestamp:      rec.Timestamp,
	})
	if err := a.narrate(ctx, lease, a.cfg.Prefix+rec.Answer); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// answer bounds the answerer by AnswerTimeout even when it ignores its
// context; a late reply is discarded.
func (a *Arbiter) answer(ctx context.Context, question string, ac core.AnswerContext) (core.Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.AnswerTimeout)
	defer cancel()

	type result struct {
		ans core.Answer
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- result{err: fmt.Errorf("panic: %v", v)}
			}
		}()
		ans, err := a.answerer.Answer(ctx, question, ac)
		done <- result{ans, err}
	}()

	select {
	case r := <-done:
		return r.ans, r.err
	case <-ctx.Done():
		return core.Answer{}, ctx.Err()
	}
}

// narrate is best effort; only cancellation is reported.
func (a *Arbiter) narrate(ctx context.Context, lease *resource.Lease, text string) error {
	err := lease.Speak(ctx, text, a.cfg.VoiceID, func(chunk []byte) {
		a.bus.Publish(events.TypeAudio, events.Audio{StepIndex: -1, Chunk: chunk})
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return terminated(ctx.Err())
	}
	a.logger.Warn("answer narration failed", "session_id", a.cfg.SessionID, "error", err)
	return nil
}
