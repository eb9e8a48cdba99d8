// Package resource owns the browser and voice handles of one session and
// hands out exclusive leases over them.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/vango-go/demo-copilot/pkg/core"
)

type Config struct {
	StartTimeout  time.Duration
	StopTimeout   time.Duration
	ActionTimeout time.Duration
	SpeakTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 15 * time.Second
	}
	if c.SpeakTimeout <= 0 {
		c.SpeakTimeout = 60 * time.Second
	}
	return c
}

// Binding is the exclusive browser+voice pair of one session. Only the holder
// of a Lease may act on it.
type Binding struct {
	browser core.BrowserDriver
	voice   core.VoiceSynthesizer
	cfg     Config
	logger  *slog.Logger

	sem chan struct{}

	mu        sync.Mutex
	started   bool
	released  bool
	lastFrame []byte

	releaseOnce sync.Once
	releaseErr  error
}

func New(browser core.BrowserDriver, voice core.VoiceSynthesizer, cfg Config, logger *slog.Logger) *Binding {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binding{
		browser: browser,
		voice:   voice,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		sem:     make(chan struct{}, 1),
	}
}

// Acquire starts the browser. Any failure is a resource acquisition error.
func (b *Binding) Acquire(ctx context.Context) error {
	if b.browser == nil {
		return core.Errorf(core.KindResourceAcquisition, "no browser driver configured")
	}
	if b.voice == nil {
		return core.Errorf(core.KindResourceAcquisition, "no voice synthesizer configured")
	}
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return core.Errorf(core.KindSessionTerminated, "resources already released")
	}
	b.mu.Unlock()

	err := call(ctx, b.cfg.StartTimeout, b.browser.Start)
	if err != nil {
		return core.Wrap(core.KindResourceAcquisition, err, "start browser")
	}

	b.mu.Lock()
	b.started = true
	released := b.released
	b.mu.Unlock()
	if released {
		// Release raced ahead of a slow start.
		stopCtx, cancel := context.WithTimeout(context.Background(), b.cfg.StopTimeout)
		defer cancel()
		_ = call(stopCtx, b.cfg.StopTimeout, b.browser.Stop)
		return core.Errorf(core.KindSessionTerminated, "resources released during start")
	}
	return nil
}

// Lock blocks until the caller holds the binding exclusively or ctx is done.
func (b *Binding) Lock(ctx context.Context) (*Lease, error) {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	b.mu.Lock()
	released := b.released
	b.mu.Unlock()
	if released {
		<-b.sem
		return nil, core.Errorf(core.KindSessionTerminated, "resources released")
	}
	return &Lease{b: b}, nil
}

// Held reports whether some lease is outstanding.
func (b *Binding) Held() bool {
	return len(b.sem) == 1
}

// Release stops the browser once. Later calls return the first result.
func (b *Binding) Release(ctx context.Context) error {
	b.releaseOnce.Do(func() {
		b.mu.Lock()
		b.released = true
		started := b.started
		b.mu.Unlock()

		var err error
		if started && b.browser != nil {
			err = multierr.Append(err, call(ctx, b.cfg.StopTimeout, b.browser.Stop))
		}
		if c, ok := b.voice.(interface{ Close() error }); ok {
			err = multierr.Append(err, c.Close())
		}
		if err != nil {
			b.logger.Warn("release resources", "error", err)
		}
		b.releaseErr = err
	})
	return b.releaseErr
}

// Lease is exclusive access to the binding. Release it exactly when the
// current step or answer is done.
type Lease struct {
	b    *Binding
	once sync.Once
}

func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { <-l.b.sem })
}

func (l *Lease) Navigate(ctx context.Context, url string) error {
	return l.act(ctx, "navigate", func(ctx context.Context) error {
		return l.b.browser.Navigate(ctx, url)
	})
}

func (l *Lease) Click(ctx context.Context, selector string) error {
	return l.act(ctx, "click", func(ctx context.Context) error {
		return l.b.browser.Click(ctx, selector)
	})
}

func (l *Lease) Type(ctx context.Context, selector, text string) error {
	return l.act(ctx, "type", func(ctx context.Context) error {
		return l.b.browser.Type(ctx, selector, text)
	})
}

func (l *Lease) Scroll(ctx context.Context, deltaY int) error {
	return l.act(ctx, "scroll", func(ctx context.Context) error {
		return l.b.browser.Scroll(ctx, deltaY)
	})
}

// Screenshot never fails: on error it returns the last good frame, which may
// be nil.
func (l *Lease) Screenshot(ctx context.Context) ([]byte, bool) {
	var frame []byte
	err := l.act(ctx, "screenshot", func(ctx context.Context) error {
		var err error
		frame, err = l.b.browser.Screenshot(ctx)
		return err
	})
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	if err != nil || len(frame) == 0 {
		if err != nil {
			l.b.logger.Debug("screenshot failed, reusing last frame", "error", err)
		}
		return l.b.lastFrame, false
	}
	l.b.lastFrame = frame
	return frame, true
}

// Speak narrates text, handing each audio chunk to onChunk as it arrives.
// Canceling ctx cuts the utterance short.
func (l *Lease) Speak(ctx context.Context, text, voiceID string, onChunk func([]byte)) error {
	if text == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.b.cfg.SpeakTimeout)
	defer cancel()

	stream, err := l.b.openStream(ctx, text, voiceID)
	if err != nil {
		return classify(ctx, "speak", err)
	}
	defer stream.Close()

	chunks := stream.Chunks()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
					return classify(ctx, "speak", err)
				}
				if ctx.Err() != nil {
					return classify(ctx, "speak", ctx.Err())
				}
				return nil
			}
			if onChunk != nil && len(chunk) > 0 {
				onChunk(chunk)
			}
		case <-ctx.Done():
			return classify(ctx, "speak", ctx.Err())
		}
	}
}

// openStream returns once ctx ends even if the synthesizer never does; a
// stream that shows up afterwards is closed.
func (b *Binding) openStream(ctx context.Context, text, voiceID string) (core.AudioStream, error) {
	type result struct {
		stream core.AudioStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- result{err: fmt.Errorf("panic: %v", v)}
			}
		}()
		stream, err := b.voice.Speak(ctx, text, voiceID)
		done <- result{stream, err}
	}()

	select {
	case r := <-done:
		return r.stream, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.stream != nil {
				_ = r.stream.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *Lease) act(ctx context.Context, op string, fn func(context.Context) error) error {
	l.b.mu.Lock()
	released := l.b.released
	l.b.mu.Unlock()
	if released {
		return core.Errorf(core.KindSessionTerminated, "%s after release", op)
	}
	if err := call(ctx, l.b.cfg.ActionTimeout, fn); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ce *core.Error
		if errors.As(err, &ce) {
			return err
		}
		return core.Wrap(core.KindActionFailed, err, op)
	}
	return nil
}

// call runs fn with a deadline and returns when either finishes, so a driver
// that ignores its context cannot pin the caller.
func call(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- fmt.Errorf("panic: %v", v)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classify(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.Wrap(core.KindCollaboratorTimeout, err, op)
	}
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return context.Canceled
	}
	return core.Wrap(core.KindActionFailed, err, op)
}
