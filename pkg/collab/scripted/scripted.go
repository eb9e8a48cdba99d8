// Package scripted provides deterministic in-process collaborators. The
// gateway uses them for dry runs; tests use them to observe and steer the
// orchestration core.
package scripted

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/demo-copilot/pkg/core"
)

// Probe counts overlapping use of a browser/voice pair.
type Probe struct {
	active   atomic.Int32
	overlaps atomic.Int32
}

func (p *Probe) enter() func() {
	if p == nil {
		return func() {}
	}
	if p.active.Add(1) > 1 {
		p.overlaps.Add(1)
	}
	var once sync.Once
	return func() { once.Do(func() { p.active.Add(-1) }) }
}

// Overlaps reports how many calls started while another was in flight.
func (p *Probe) Overlaps() int {
	if p == nil {
		return 0
	}
	return int(p.overlaps.Load())
}

type Call struct {
	Op     string
	Target string
	Value  string
}

func (c Call) String() string {
	if c.Value != "" {
		return fmt.Sprintf("%s %s=%s", c.Op, c.Target, c.Value)
	}
	if c.Target != "" {
		return c.Op + " " + c.Target
	}
	return c.Op
}

type failure struct {
	remaining int
	err       error
}

// Browser records every call and can be told to fail specific ones.
type Browser struct {
	Probe *Probe
	// Delay is spent inside every action, honoring ctx.
	Delay    time.Duration
	StartErr error
	// OnCall runs inside each action after it is recorded.
	OnCall func(Call)

	mu       sync.Mutex
	calls    []Call
	failures map[string]*failure
	frames   int
	started  bool
	stopped  bool
}

func NewBrowser(p *Probe) *Browser {
	return &Browser{Probe: p}
}

// FailNext makes the next n calls of op on target fail with err. An empty
// target matches any target.
func (b *Browser) FailNext(op, target string, n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures == nil {
		b.failures = make(map[string]*failure)
	}
	if err == nil {
		err = errors.New("scripted failure")
	}
	b.failures[op+"|"+target] = &failure{remaining: n, err: err}
}

func (b *Browser) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

func (b *Browser) CallsOf(op string) []Call {
	var out []Call
	for _, c := range b.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (b *Browser) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *Browser) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *Browser) Start(ctx context.Context) error {
	if b.StartErr != nil {
		return b.StartErr
	}
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	return nil
}

func (b *Browser) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	return nil
}

func (b *Browser) Navigate(ctx context.Context, url string) error {
	return b.do(ctx, Call{Op: "navigate", Target: url})
}

func (b *Browser) Click(ctx context.Context, selector string) error {
	return b.do(ctx, Call{Op: "click", Target: selector})
}

func (b *Browser) Type(ctx context.Context, selector, text string) error {
	return b.do(ctx, Call{Op: "type", Target: selector, Value: text})
}

func (b *Browser) Scroll(ctx context.Context, deltaY int) error {
	return b.do(ctx, Call{Op: "scroll", Value: fmt.Sprint(deltaY)})
}

func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	if err := b.do(ctx, Call{Op: "screenshot"}); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.frames++
	n := b.frames
	b.mu.Unlock()
	return []byte(fmt.Sprintf("\x89PNG frame-%d", n)), nil
}

func (b *Browser) do(ctx context.Context, c Call) error {
	exit := b.Probe.enter()
	defer exit()

	b.mu.Lock()
	b.calls = append(b.calls, c)
	var failErr error
	for _, key := range []string{c.Op + "|" + c.Target, c.Op + "|"} {
		if f, ok := b.failures[key]; ok && f.remaining > 0 {
			f.remaining--
			failErr = f.err
			break
		}
	}
	hook := b.OnCall
	b.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	if b.Delay > 0 {
		t := time.NewTimer(b.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failErr
}

// Voice produces one chunk per word of the text.
type Voice struct {
	Probe      *Probe
	ChunkDelay time.Duration
	Err        error

	mu     sync.Mutex
	spoken []string
}

func NewVoice(p *Probe) *Voice {
	return &Voice{Probe: p}
}

func (v *Voice) Spoken() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.spoken...)
}

func (v *Voice) Speak(ctx context.Context, text, voiceID string) (core.AudioStream, error) {
	if v.Err != nil {
		return nil, v.Err
	}
	exit := v.Probe.enter()
	v.mu.Lock()
	v.spoken = append(v.spoken, text)
	v.mu.Unlock()

	s := &stream{chunks: make(chan []byte), done: make(chan struct{})}
	go func() {
		// exit before close so a consumer never observes the end of the
		// utterance while the probe still counts it as active
		defer close(s.chunks)
		defer exit()
		for _, w := range strings.Fields(text) {
			if v.ChunkDelay > 0 {
				select {
				case <-time.After(v.ChunkDelay):
				case <-ctx.Done():
					s.setErr(ctx.Err())
					return
				case <-s.done:
					return
				}
			}
			select {
			case s.chunks <- []byte(w):
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			case <-s.done:
				return
			}
		}
	}()
	return s, nil
}

type stream struct {
	chunks chan []byte
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (s *stream) Chunks() <-chan []byte { return s.chunks }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Answerer answers from the product facts it is handed, or via Func.
type Answerer struct {
	Func  func(ctx context.Context, question string, ac core.AnswerContext) (core.Answer, error)
	Delay time.Duration
	Err   error

	mu       sync.Mutex
	contexts []core.AnswerContext
	asked    []string
}

func (a *Answerer) Asked() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.asked...)
}

func (a *Answerer) Contexts() []core.AnswerContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]core.AnswerContext(nil), a.contexts...)
}

func (a *Answerer) Answer(ctx context.Context, question string, ac core.AnswerContext) (core.Answer, error) {
	a.mu.Lock()
	a.asked = append(a.asked, question)
	a.contexts = append(a.contexts, ac)
	a.mu.Unlock()

	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return core.Answer{}, ctx.Err()
		}
	}
	if a.Err != nil {
		return core.Answer{}, a.Err
	}
	if a.Func != nil {
		return a.Func(ctx, question, ac)
	}
	return core.Answer{Text: FactAnswer(question, ac.Product), Confidence: 0.5}, nil
}

// FactAnswer picks the product fact that best matches a question.
func FactAnswer(question string, p core.ProductFacts) string {
	q := strings.ToLower(question)
	name := p.Name
	if name == "" {
		name = "the product"
	}
	switch {
	case p.Pricing != "" && containsAny(q, "price", "pricing", "cost", "expensive", "cheap", "plan"):
		return fmt.Sprintf("%s pricing: %s.", name, strings.TrimSuffix(p.Pricing, "."))
	case p.Security != "" && containsAny(q, "secure", "security", "compliance", "gdpr", "soc"):
		return fmt.Sprintf("On security, %s is %s.", name, strings.TrimSuffix(p.Security, "."))
	case len(p.Differentiators) > 0 && containsAny(q, "compare", "versus", "vs", "better", "different"):
		return fmt.Sprintf("Compared to alternatives, %s is %s.", name, strings.Join(p.Differentiators, ", "))
	case len(p.Features) > 0 && containsAny(q, "feature", "can it", "does it", "integrat"):
		return fmt.Sprintf("%s includes %s.", name, strings.Join(p.Features, ", "))
	case p.Description != "":
		return p.Description
	default:
		return fmt.Sprintf("That's something I'd be happy to follow up on after the %s demo.", name)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
