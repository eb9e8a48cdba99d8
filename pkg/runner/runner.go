// Package runner executes a demo script step by step against a session's
// exclusive resource binding.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/events"
	"github.com/vango-go/demo-copilot/pkg/resource"
	"github.com/vango-go/demo-copilot/pkg/screenshots"
	"github.com/vango-go/demo-copilot/pkg/script"
)

// ResumeLine is spoken before the first step after a user pause ends.
const ResumeLine = "Let's continue with the demonstration."

type Locker interface {
	Lock(ctx context.Context) (*resource.Lease, error)
}

type Publisher interface {
	Publish(t events.Type, payload any) (events.Event, bool)
}

// Observer is told about step boundaries. Calls come from the runner's
// goroutine, never while the runner's own lock is held.
type Observer interface {
	StepStarted(step script.Step)
	StepFinished(step script.Step, elapsed time.Duration, err error)
	ActionRetried(step script.Step, action script.Action, err error)
}

type Config struct {
	SessionID    string
	VoiceID      string
	RetryBackoff time.Duration
	Screenshots  screenshots.Store
	// MaxWait caps scripted wait actions; zero means no cap.
	MaxWait time.Duration
	Now     func() time.Time
}

type Runner struct {
	script *script.Script
	locker Locker
	bus    Publisher
	obs    Observer
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	cursor         int
	jump           int
	preface        string
	pauseRequested bool
	sayResume      bool
	holds          int
	parked         bool
	parkedCh       chan struct{}
	wake           chan struct{}
	finished       bool
	done           chan struct{}
}

func New(s *script.Script, locker Locker, bus Publisher, obs Observer, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Screenshots == nil {
		cfg.Screenshots = screenshots.Inline{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		script:   s,
		locker:   locker,
		bus:      bus,
		obs:      obs,
		cfg:      cfg,
		logger:   logger,
		jump:     -1,
		parkedCh: make(chan struct{}),
		wake:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run executes steps from index from until the script ends (nil), ctx is
// canceled (ctx.Err()), or a step fails fatally. Run must be called once.
func (r *Runner) Run(ctx context.Context, from int) error {
	defer r.finish()

	r.mu.Lock()
	r.cursor = from
	r.mu.Unlock()

	for {
		step, preface, ok, err := r.next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := r.execute(ctx, step, preface); err != nil {
			return err
		}
	}
}

// Done is closed when Run returns.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Pause asks the runner to stop before the next interruptible step. It
// reports whether the request changed anything.
func (r *Runner) Pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pauseRequested {
		return false
	}
	r.pauseRequested = true
	r.signalLocked()
	return true
}

func (r *Runner) Resume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pauseRequested {
		return false
	}
	r.pauseRequested = false
	r.signalLocked()
	return true
}

// Hold keeps the runner from starting another interruptible step until
// release is called. The returned channel is closed once the runner is parked
// at a boundary or has finished.
func (r *Runner) Hold() (parked <-chan struct{}, release func()) {
	r.mu.Lock()
	r.holds++
	ch := r.parkedCh
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			r.holds--
			r.signalLocked()
			r.mu.Unlock()
		})
	}
}

// Skip moves the cursor to the first step of section. A step already in
// flight completes first.
func (r *Runner) Skip(section string) (int, error) {
	idx, ok := r.script.FirstStepOf(section)
	if !ok {
		return 0, core.Errorf(core.KindInvalidSection, "unknown section %q", section)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return 0, core.Errorf(core.KindSessionTerminated, "script already finished")
	}
	r.jump = idx
	r.preface = fmt.Sprintf("Skipping to the %s section.", strings.ReplaceAll(section, "_", " "))
	r.signalLocked()
	return idx, nil
}

// Parked reports whether the runner is waiting at a boundary.
func (r *Runner) Parked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parked && !r.finished
}

func (r *Runner) signalLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

func (r *Runner) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true
	if !r.parked {
		r.parked = true
		close(r.parkedCh)
	}
	close(r.done)
}

func (r *Runner) next(ctx context.Context) (script.Step, string, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return script.Step{}, "", false, err
		}

		r.mu.Lock()
		if r.jump >= 0 {
			r.cursor = r.jump
			r.jump = -1
		}
		if r.cursor >= r.script.Len() {
			r.mu.Unlock()
			return script.Step{}, "", false, nil
		}
		step := r.script.Steps[r.cursor]
		if step.Interruptible && (r.pauseRequested || r.holds > 0) {
			if !r.parked {
				r.parked = true
				close(r.parkedCh)
			}
			if r.pauseRequested {
				r.sayResume = true
			}
			wake := r.wake
			r.mu.Unlock()

			select {
			case <-wake:
			case <-ctx.Done():
				return script.Step{}, "", false, ctx.Err()
			}
			continue
		}
		if r.parked {
			r.parked = false
			r.parkedCh = make(chan struct{})
		}
		preface := r.preface
		r.preface = ""
		if r.sayResume {
			preface = joinText(ResumeLine, preface)
			r.sayResume = false
		}
		r.cursor = step.Index + 1
		r.mu.Unlock()
		return step, preface, true, nil
	}
}

func (r *Runner) execute(ctx context.Context, step script.Step, preface string) error {
	lease, err := r.locker.Lock(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	start := r.cfg.Now()
	r.obs.StepStarted(step)

	narration := joinText(preface, step.Narration)
	r.bus.Publish(events.TypeNarrationStarted, events.NarrationStarted{
		StepIndex:   step.Index,
		SectionName: step.Section,
		Text:        narration,
	})
	if err := r.speak(ctx, lease, step, narration); err != nil {
		return err
	}

	for _, action := range step.Actions {
		if err := r.perform(ctx, lease, step, action); err != nil {
			lease.Release()
			err = fmt.Errorf("step %d (%s) %s: %w", step.Index, step.Section, action, err)
			r.obs.StepFinished(step, r.cfg.Now().Sub(start), err)
			return err
		}
	}
	r.capture(ctx, lease, step)

	if err := r.speak(ctx, lease, step, step.Outro); err != nil {
		return err
	}
	lease.Release()

	elapsed := r.cfg.Now().Sub(start)
	r.bus.Publish(events.TypeStepCompleted, events.StepCompleted{
		StepIndex:   step.Index,
		SectionName: step.Section,
		DurationMs:  elapsed.Milliseconds(),
	})
	r.obs.StepFinished(step, elapsed, nil)
	return nil
}

// speak treats voice failures as recoverable; only cancellation stops the step.
func (r *Runner) speak(ctx context.Context, lease *resource.Lease, step script.Step, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	err := lease.Speak(ctx, text, r.cfg.VoiceID, func(chunk []byte) {
		r.bus.Publish(events.TypeAudio, events.Audio{StepIndex: step.Index, Chunk: chunk})
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.logger.Warn("narration failed", "session_id", r.cfg.SessionID, "step", step.Index, "error", err)
	r.bus.Publish(events.TypeError, events.Error{Message: "narration unavailable for this step"})
	return nil
}

// perform retries idempotent actions once after a fixed backoff. Anything
// else fails on the first error.
func (r *Runner) perform(ctx context.Context, lease *resource.Lease, step script.Step, action script.Action) error {
	attempt := 0
	backoff := retry.WithMaxRetries(1, retry.NewConstant(r.cfg.RetryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := r.act(ctx, lease, step, action)
		if err == nil || ctx.Err() != nil || !action.IsIdempotent() || core.IsKind(err, core.KindSessionTerminated) {
			return err
		}
		if attempt == 1 {
			r.logger.Info("retrying action", "session_id", r.cfg.SessionID, "step", step.Index, "action", action.String(), "error", err)
			r.bus.Publish(events.TypeActionRetry, events.ActionRetry{
				StepIndex: step.Index,
				Action:    action.String(),
				Reason:    err.Error(),
			})
			r.obs.ActionRetried(step, action, err)
		}
		return retry.RetryableError(err)
	})
}

func (r *Runner) act(ctx context.Context, lease *resource.Lease, step script.Step, action script.Action) error {
	switch action.Kind {
	case script.ActionNavigate:
		return lease.Navigate(ctx, r.script.ResolveURL(action.Target))
	case script.ActionClick:
		return lease.Click(ctx, action.Target)
	case script.ActionType:
		return lease.Type(ctx, action.Target, action.Value)
	case script.ActionScroll:
		dy, err := action.ScrollDelta()
		if err != nil {
			return core.Wrap(core.KindActionFailed, err, "scroll")
		}
		return lease.Scroll(ctx, dy)
	case script.ActionWait:
		d, err := action.WaitDuration()
		if err != nil {
			return core.Wrap(core.KindActionFailed, err, "wait")
		}
		if r.cfg.MaxWait > 0 && d > r.cfg.MaxWait {
			d = r.cfg.MaxWait
		}
		return sleep(ctx, d)
	case script.ActionScreenshot:
		r.capture(ctx, lease, step)
		return nil
	default:
		return core.Errorf(core.KindActionFailed, "unsupported action %q", action.Kind)
	}
}

func (r *Runner) capture(ctx context.Context, lease *resource.Lease, step script.Step) {
	frame, fresh := lease.Screenshot(ctx)
	if !fresh {
		if len(frame) == 0 {
			return
		}
		r.logger.Debug("publishing previous frame", "session_id", r.cfg.SessionID, "step", step.Index)
	}
	ref, err := r.cfg.Screenshots.Put(ctx, r.cfg.SessionID, step.Index, frame)
	if err != nil {
		r.logger.Warn("store screenshot", "session_id", r.cfg.SessionID, "step", step.Index, "error", err)
		ref, _ = screenshots.Inline{}.Put(ctx, r.cfg.SessionID, step.Index, frame)
	}
	r.bus.Publish(events.TypeScreenshot, events.Screenshot{
		StepIndex:  step.Index,
		BytesOrRef: ref,
		Timestamp:  r.cfg.Now(),
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func joinText(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
