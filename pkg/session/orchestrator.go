// Package session owns the lifecycle of one demo: it is the only writer of
// session state and the only component the transport layer talks to.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vango-go/demo-copilot/pkg/arbiter"
	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/events"
	"github.com/vango-go/demo-copilot/pkg/metrics"
	"github.com/vango-go/demo-copilot/pkg/persist"
	"github.com/vango-go/demo-copilot/pkg/resource"
	"github.com/vango-go/demo-copilot/pkg/runner"
	"github.com/vango-go/demo-copilot/pkg/screenshots"
	"github.com/vango-go/demo-copilot/pkg/script"
)

// Scripts resolves a product id to its demo script.
type Scripts interface {
	Lookup(product string) (*script.Script, error)
}

// Deps are the collaborators shared by every session of a process. The
// factories are called once per session so no handle is ever shared.
type Deps struct {
	Scripts     Scripts
	NewBrowser  func() core.BrowserDriver
	NewVoice    func() core.VoiceSynthesizer
	Answerer    core.QuestionAnswerer
	Screenshots screenshots.Store
	Recorder    *persist.Recorder
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Config struct {
	Resource       resource.Config
	AnswerTimeout  time.Duration
	RetryBackoff   time.Duration
	MaxWait        time.Duration
	StopGrace      time.Duration
	HistoryTurns   int
	DefaultVoiceID string
	EventQueueSize int
	EventLogSize   int
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 10
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// InitRequest is the argument of Initialize.
type InitRequest struct {
	Product   string            `json:"product"`
	Customer  core.CustomerInfo `json:"customer"`
	VoiceID   string            `json:"voice_id,omitempty"`
	AutoStart bool              `json:"auto_start"`
}

// Orchestrator is the state machine of one session.
type Orchestrator struct {
	id     string
	deps   Deps
	cfg    Config
	base   *slog.Logger
	logger *slog.Logger
	bus    *events.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	state             State
	prior             State
	product           string
	customer          core.CustomerInfo
	voiceID           string
	script            *script.Script
	binding           *resource.Binding
	runner            *runner.Runner
	arbiter           *arbiter.Arbiter
	launched          bool
	startWhenReady    bool
	pendingCompletion bool
	currentStep       int
	section           string
	stepsDone         int
	questionsAsked    int
	pausesCount       int
	history           []arbiter.Record
	createdAt         time.Time
	startedAt         time.Time
	completedAt       time.Time
	pauseStarted      time.Time
	pausedTotal       time.Duration
	lastError         error
	lastActivity      time.Time

	teardownOnce sync.Once
	done         chan struct{}
}

// New returns an Idle session with its event bus ready for subscribers.
func New(id string, deps Deps, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := cfg.Now()
	return &Orchestrator{
		id:           id,
		deps:         deps,
		cfg:          cfg,
		base:         logger,
		logger:       logger.With("session_id", id),
		bus:          events.NewBus(id, events.Options{QueueSize: cfg.EventQueueSize, LogSize: cfg.EventLogSize, Now: cfg.Now}),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateIdle,
		createdAt:    now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

func (o *Orchestrator) ID() string { return o.id }

// Done is closed once the session has terminated and released its resources.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastActivity is the time of the last control call or script progress.
func (o *Orchestrator) LastActivity() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastActivity
}

// Subscribe returns a live tail of this session's events.
func (o *Orchestrator) Subscribe() *events.Subscription {
	return o.bus.Subscribe()
}

// Recent returns the bounded log of recently published events, oldest
// first, for clients resuming a stream.
func (o *Orchestrator) Recent() []events.Event {
	return o.bus.Recent()
}

// Initialize binds a script and resources. An unknown product leaves the
// session Idle; a resource failure moves it to Failed.
func (o *Orchestrator) Initialize(ctx context.Context, req InitRequest) error {
	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		return core.Errorf(core.KindSessionTerminated, "session %s has ended", o.id)
	}
	if o.state != StateIdle {
		o.mu.Unlock()
		return core.Errorf(core.KindAlreadyInitialized, "session %s is already initialized", o.id)
	}
	s, err := o.loadScript(req)
	if err != nil {
		o.mu.Unlock()
		return err
	}

	o.script = s
	o.product = s.Product
	o.customer = req.Customer
	o.voiceID = strings.TrimSpace(req.VoiceID)
	if o.voiceID == "" {
		o.voiceID = o.cfg.DefaultVoiceID
	}
	o.section = s.SectionOf(0)
	o.startWhenReady = req.AutoStart
	o.binding = resource.New(o.deps.NewBrowser(), o.deps.NewVoice(), o.cfg.Resource, o.logger)
	o.touchLocked()
	o.transitionLocked(StateStarting)
	binding := o.binding
	o.mu.Unlock()

	actx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.ctx, cancel)
	err = binding.Acquire(actx)
	stop()
	cancel()

	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		return core.Errorf(core.KindSessionTerminated, "session %s was stopped during start", o.id)
	}
	if err != nil {
		o.failLocked(err)
		o.mu.Unlock()
		o.teardown()
		return err
	}
	o.buildLocked()
	autoStart := o.startWhenReady
	o.mu.Unlock()

	if autoStart {
		return o.Start()
	}
	return nil
}

func (o *Orchestrator) loadScript(req InitRequest) (*script.Script, error) {
	if o.deps.Scripts == nil {
		return nil, core.Errorf(core.KindConfiguration, "no script catalog configured")
	}
	if o.deps.NewBrowser == nil || o.deps.NewVoice == nil || o.deps.Answerer == nil {
		return nil, core.Errorf(core.KindConfiguration, "collaborators not configured")
	}
	s, err := o.deps.Scripts.Lookup(req.Product)
	if err != nil {
		return nil, err
	}
	return s.Personalize(req.Customer)
}

func (o *Orchestrator) buildLocked() {
	o.runner = runner.New(o.script, o.binding, o.bus, observer{o}, runner.Config{
		SessionID:    o.id,
		VoiceID:      o.voiceID,
		RetryBackoff: o.cfg.RetryBackoff,
		Screenshots:  o.deps.Screenshots,
		MaxWait:      o.cfg.MaxWait,
		Now:          o.cfg.Now,
	}, o.base)
	o.arbiter = arbiter.New(o.deps.Answerer, o.binding, o.runner, o.bus, host{o}, arbiter.Config{
		SessionID:     o.id,
		VoiceID:       o.voiceID,
		AnswerTimeout: o.cfg.AnswerTimeout,
		Now:           o.cfg.Now,
	}, o.base)
}

// Start moves a Starting session to Running and launches the script. Called
// while resources are still being acquired, it starts as soon as they are.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.state != StateStarting {
		err := o.controllableLocked()
		if err == nil {
			err = core.Errorf(core.KindInvalidTransition, "session %s is already %s", o.id, o.state)
		}
		o.mu.Unlock()
		return err
	}
	if o.runner == nil {
		o.startWhenReady = true
		o.mu.Unlock()
		return nil
	}
	o.startedAt = o.cfg.Now()
	o.launched = true
	o.touchLocked()
	o.transitionLocked(StateRunning)
	r, a := o.runner, o.arbiter
	o.mu.Unlock()

	go a.Run(o.ctx)
	go o.drive(r)
	return nil
}

func (o *Orchestrator) drive(r *runner.Runner) {
	err := r.Run(o.ctx, 0)

	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		return
	}
	if err == nil {
		if o.state == StateAnswering || !o.arbiter.Idle() {
			o.pendingCompletion = true
			o.mu.Unlock()
			return
		}
		o.completeLocked(false)
		o.mu.Unlock()
		o.teardown()
		return
	}
	if errors.Is(err, context.Canceled) && o.ctx.Err() != nil {
		o.mu.Unlock()
		return
	}
	o.failLocked(err)
	o.mu.Unlock()
	o.teardown()
}

// Pause stops the script before its next interruptible step. Pausing a paused
// session is a no-op.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.controllableLocked(); err != nil {
		return err
	}
	switch o.state {
	case StatePaused:
		return nil
	case StateAnswering:
		if o.prior == StatePaused {
			return nil
		}
		o.prior = StatePaused
		o.beginPauseLocked()
	default:
		o.beginPauseLocked()
		o.transitionLocked(StatePaused)
	}
	o.touchLocked()
	return nil
}

func (o *Orchestrator) beginPauseLocked() {
	o.pausesCount++
	o.pauseStarted = o.cfg.Now()
	o.runner.Pause()
}

// Resume continues a paused script. Resuming a running session is an invalid
// transition.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.controllableLocked(); err != nil {
		return err
	}
	switch {
	case o.state == StatePaused:
		o.endPauseLocked()
		o.transitionLocked(StateRunning)
	case o.state == StateAnswering && o.prior == StatePaused:
		o.prior = StateRunning
		o.endPauseLocked()
	default:
		return core.Errorf(core.KindInvalidTransition, "cannot resume a session that is %s", o.state)
	}
	o.touchLocked()
	return nil
}

func (o *Orchestrator) endPauseLocked() {
	if !o.pauseStarted.IsZero() {
		o.pausedTotal += o.cfg.Now().Sub(o.pauseStarted)
		o.pauseStarted = time.Time{}
	}
	o.runner.Resume()
}

// Skip jumps to the first step of section once the current step is done.
func (o *Orchestrator) Skip(section string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.controllableLocked(); err != nil {
		return err
	}
	idx, err := o.runner.Skip(section)
	if err != nil {
		return err
	}
	o.bus.Publish(events.TypeSectionSkipped, events.SectionSkipped{Section: section, ToStep: idx})
	o.logger.Info("section skip requested", "section", section, "step", idx)
	o.touchLocked()
	return nil
}

// AskQuestion queues a question and returns at once. The ticket resolves when
// the answer has been narrated.
func (o *Orchestrator) AskQuestion(question string) (*arbiter.Ticket, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.controllableLocked(); err != nil {
		return nil, err
	}
	t, pos, err := o.arbiter.Ask(question, o.currentStep)
	if err != nil {
		return nil, err
	}
	o.questionsAsked++
	if o.state != StateAnswering {
		o.prior = o.state
		o.transitionLocked(StateAnswering)
	}
	o.bus.Publish(events.TypeQuestionQueued, events.QuestionQueued{
		QuestionID: t.ID,
		Question:   t.Question,
		Position:   pos,
	})
	o.logger.Info("question queued", "question_id", t.ID, "position", pos)
	o.touchLocked()
	return t, nil
}

// Stop force-completes the session from any state and releases its resources
// within the configured grace period. Stopping an ended session is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.state.Terminal() {
		o.completeLocked(true)
	}
	o.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		o.teardown()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail terminates the session with err unless it has already ended.
func (o *Orchestrator) Fail(err error) {
	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		return
	}
	o.failLocked(err)
	o.mu.Unlock()
	o.teardown()
}

// controllableLocked rejects control calls outside Running, Paused and
// AnsweringQuestion.
func (o *Orchestrator) controllableLocked() error {
	switch o.state {
	case StateRunning, StatePaused, StateAnswering:
		return nil
	case StateCompleted, StateFailed:
		return core.Errorf(core.KindSessionTerminated, "session %s has ended", o.id)
	default:
		return core.Errorf(core.KindInvalidTransition, "session %s is %s", o.id, o.state)
	}
}

func (o *Orchestrator) touchLocked() {
	o.lastActivity = o.cfg.Now()
}

func (o *Orchestrator) transitionLocked(to State) {
	from := o.state
	if !canTransition(from, to) {
		o.logger.Error("rejected state transition", "from", from, "to", to)
		return
	}
	now := o.cfg.Now()
	o.state = to
	if to.Terminal() {
		o.completedAt = now
	}
	o.bus.Publish(events.TypeStateChange, events.StateChange{State: string(to), Previous: string(from), Timestamp: now})
	o.logger.Info("session state changed", "from", from, "to", to)

	o.deps.Metrics.RecordTransition(string(from), string(to))
	switch {
	case to == StateStarting:
		o.deps.Metrics.SessionStarted()
	case to.Terminal() && from != StateIdle:
		o.deps.Metrics.SessionEnded(string(to), o.durationLocked())
	}
	// a session that never bound a script was never created
	if o.script != nil {
		o.emitSessionLocked()
	}
}

func (o *Orchestrator) completeLocked(forced bool) {
	if !o.pauseStarted.IsZero() {
		o.pausedTotal += o.cfg.Now().Sub(o.pauseStarted)
		o.pauseStarted = time.Time{}
	}
	o.transitionLocked(StateCompleted)
	o.bus.Publish(events.TypeDemoCompleted, events.DemoCompleted{
		DurationSeconds: o.durationLocked().Seconds(),
		QuestionsAsked:  o.questionsAsked,
		PausesCount:     o.pausesCount,
		Forced:          forced,
	})
}

func (o *Orchestrator) failLocked(err error) {
	o.lastError = err
	o.bus.Publish(events.TypeError, events.Error{Message: err.Error(), Fatal: true})
	o.logger.Error("session failed", "error", err)
	if kind, ok := core.KindOf(err); ok {
		o.deps.Metrics.RecordError(string(kind))
	}
	o.transitionLocked(StateFailed)
}

// durationLocked is the demo time excluding pauses.
func (o *Orchestrator) durationLocked() time.Duration {
	if o.startedAt.IsZero() {
		return 0
	}
	end := o.completedAt
	if end.IsZero() {
		end = o.cfg.Now()
	}
	paused := o.pausedTotal
	if !o.pauseStarted.IsZero() {
		paused += end.Sub(o.pauseStarted)
	}
	d := end.Sub(o.startedAt) - paused
	if d < 0 {
		return 0
	}
	return d
}

func (o *Orchestrator) progressLocked() float64 {
	if o.script == nil || o.script.Len() == 0 {
		return 0
	}
	return float64(o.stepsDone) / float64(o.script.Len()) * 100
}

// teardown runs once: it stops both workers, releases the binding and closes
// the bus. It never holds o.mu while waiting.
func (o *Orchestrator) teardown() {
	o.teardownOnce.Do(func() {
		o.cancel()

		o.mu.Lock()
		r, a, b, launched := o.runner, o.arbiter, o.binding, o.launched
		o.mu.Unlock()

		if a != nil {
			a.Close(core.Errorf(core.KindSessionTerminated, "session %s ended", o.id))
		}
		if launched {
			for _, name := range awaitWorkers(o.cfg.StopGrace, worker{"runner", r.Done()}, worker{"arbiter", a.Done()}) {
				o.logger.Warn("worker did not stop within grace period", "worker", name)
			}
		}
		if b != nil {
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StopGrace)
			if err := b.Release(ctx); err != nil {
				o.logger.Warn("release resources", "error", err)
			}
			cancel()
		}
		o.bus.Close()
		o.logger.Info("session torn down")
		close(o.done)
	})
}

type worker struct {
	name string
	done <-chan struct{}
}

// awaitWorkers waits for every worker against one shared deadline and
// returns the names of those still running when it passed.
func awaitWorkers(grace time.Duration, workers ...worker) []string {
	deadline := time.Now().Add(grace)
	var stuck []string
	for _, w := range workers {
		t := time.NewTimer(time.Until(deadline))
		select {
		case <-w.done:
		case <-t.C:
			stuck = append(stuck, w.name)
		}
		t.Stop()
	}
	return stuck
}

func (o *Orchestrator) emitSessionLocked() {
	if o.deps.Recorder == nil {
		return
	}
	rec := &persist.SessionRecord{
		ID:               o.id,
		Product:          o.product,
		Status:           string(o.state),
		CustomerName:     o.customer.Name,
		CustomerEmail:    o.customer.Email,
		CustomerCompany:  o.customer.Company,
		CustomerIndustry: o.customer.Industry,
		CurrentStep:      o.currentStep,
		QuestionsAsked:   o.questionsAsked,
		PausesCount:      o.pausesCount,
		CreatedAt:        o.createdAt,
		StartedAt:        timePtr(o.startedAt),
		CompletedAt:      timePtr(o.completedAt),
		UpdatedAt:        o.cfg.Now(),
	}
	if o.script != nil {
		rec.TotalSteps = o.script.Len()
	}
	if o.lastError != nil {
		rec.Error = o.lastError.Error()
	}
	o.deps.Recorder.Emit(persist.Record{Kind: persist.KindSession, Session: rec})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// observer receives step boundaries from the runner.
type observer struct{ o *Orchestrator }

func (ob observer) StepStarted(step script.Step) {
	o := ob.o
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentStep = step.Index
	o.section = step.Section
	o.touchLocked()
}

func (ob observer) StepFinished(step script.Step, elapsed time.Duration, err error) {
	o := ob.o
	status := "completed"
	if err != nil {
		status = "failed"
	}
	o.deps.Metrics.RecordStep(status, elapsed)

	o.mu.Lock()
	o.touchLocked()
	if err == nil && !o.state.Terminal() {
		o.stepsDone = step.Index + 1
		o.bus.Publish(events.TypeProgress, events.Progress{
			CurrentStepIndex: step.Index,
			TotalSteps:       o.script.Len(),
			SectionName:      step.Section,
			Percent:          o.progressLocked(),
			Timestamp:        o.cfg.Now(),
		})
		o.emitSessionLocked()
	}
	o.mu.Unlock()

	if o.deps.Recorder == nil {
		return
	}
	kinds := make([]string, 0, len(step.Actions))
	for _, a := range step.Actions {
		kinds = append(kinds, string(a.Kind))
	}
	rec := &persist.StepRecord{
		ID:         ulid.Make().String(),
		SessionID:  o.id,
		StepIndex:  step.Index,
		Section:    step.Section,
		Actions:    strings.Join(kinds, ","),
		Narration:  step.Narration,
		DurationMs: elapsed.Milliseconds(),
		Status:     status,
		CreatedAt:  o.cfg.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	o.deps.Recorder.Emit(persist.Record{Kind: persist.KindStep, Step: rec})
}

func (ob observer) ActionRetried(_ script.Step, action script.Action, _ error) {
	ob.o.deps.Metrics.RecordRetry(string(action.Kind))
}

// host is the arbiter's view of the session.
type host struct{ o *Orchestrator }

func (h host) AnswerContext() core.AnswerContext {
	o := h.o
	o.mu.Lock()
	defer o.mu.Unlock()
	ac := core.AnswerContext{
		Product:         o.script.Facts,
		Customer:        o.customer,
		SectionName:     o.section,
		StepIndex:       o.currentStep,
		TotalSteps:      o.script.Len(),
		ProgressPercent: o.progressLocked(),
	}
	from := len(o.history) - o.cfg.HistoryTurns
	if from < 0 {
		from = 0
	}
	for _, rec := range o.history[from:] {
		ac.History = append(ac.History, core.Turn{Question: rec.Question, Answer: rec.Answer})
	}
	return ac
}

func (h host) Answered(rec arbiter.Record) {
	o := h.o
	o.deps.Metrics.RecordQuestion(rec.Degraded, time.Duration(rec.ResponseTimeMs)*time.Millisecond)

	o.mu.Lock()
	o.history = append(o.history, rec)
	o.touchLocked()
	o.emitSessionLocked()
	o.mu.Unlock()

	if o.deps.Recorder != nil {
		o.deps.Recorder.Emit(persist.Record{Kind: persist.KindQuestion, Question: &persist.QuestionRecord{
			ID:             rec.ID,
			SessionID:      o.id,
			Question:       rec.Question,
			Answer:         rec.Answer,
			AskedAtStep:    rec.AskedAtStep,
			ResponseTimeMs: rec.ResponseTimeMs,
			Degraded:       rec.Degraded,
			CreatedAt:      rec.Timestamp,
		}})
	}
}

// Drained restores the state captured when answering began, or completes the
// session if the script finished in the meantime.
func (h host) Drained() {
	o := h.o
	o.mu.Lock()
	if o.state != StateAnswering || !o.arbiter.Idle() {
		o.mu.Unlock()
		return
	}
	if o.pendingCompletion {
		o.completeLocked(false)
		o.mu.Unlock()
		// called from the arbiter's goroutine, which teardown waits for
		go o.teardown()
		return
	}
	o.transitionLocked(o.prior)
	o.mu.Unlock()
}
