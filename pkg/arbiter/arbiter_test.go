package arbiter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/demo-copilot/pkg/collab/scripted"
	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/events"
	"github.com/vango-go/demo-copilot/pkg/resource"
)

type fakeHolder struct {
	mu       sync.Mutex
	parked   chan struct{}
	holds    int
	released int
}

func newFakeHolder(parked bool) *fakeHolder {
	h := &fakeHolder{parked: make(chan struct{})}
	if parked {
		close(h.parked)
	}
	return h
}

func (h *fakeHolder) Hold() (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.holds++
	var once sync.Once
	return h.parked, func() {
		once.Do(func() {
			h.mu.Lock()
			h.released++
			h.mu.Unlock()
		})
	}
}

type fakeHost struct {
	mu       sync.Mutex
	records  []Record
	drained  int
	ctxCalls int
}

func (h *fakeHost) AnswerContext() core.AnswerContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctxCalls++
	return core.AnswerContext{Product: core.ProductFacts{Name: "InSign", Pricing: "$10/user/month"}, SectionName: "dashboard_overview"}
}

func (h *fakeHost) Answered(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
}

func (h *fakeHost) Drained() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drained++
}

func (h *fakeHost) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.records...)
}

type harness struct {
	arb      *Arbiter
	answerer *scripted.Answerer
	voice    *scripted.Voice
	holder   *fakeHolder
	host     *fakeHost
	bus      *events.Bus
	sub      *events.Subscription
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, answerer *scripted.Answerer, holder *fakeHolder, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	probe := &scripted.Probe{}
	voice := scripted.NewVoice(probe)
	b := resource.New(scripted.NewBrowser(probe), voice, resource.Config{}, logger)
	require.NoError(t, b.Acquire(context.Background()))
	bus := events.NewBus("sess", events.Options{QueueSize: 1024})
	host := &fakeHost{}
	a := New(answerer, b, holder, bus, host, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-a.Done()
	})
	return &harness{arb: a, answerer: answerer, voice: voice, holder: holder, host: host, bus: bus, sub: bus.Subscribe(), cancel: cancel}
}

func wait(t *testing.T, tk *Ticket) (Record, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tk.Wait(ctx)
}

func TestArbiter_AnswersAndNarratesWithPrefix(t *testing.T) {
	h := newHarness(t, &scripted.Answerer{}, newFakeHolder(true), Config{})

	tk, pos, err := h.arb.Ask("How much does it cost?", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	rec, err := wait(t, tk)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.AskedAtStep)
	assert.Contains(t, rec.Answer, "$10/user/month")
	assert.False(t, rec.Degraded)

	require.Eventually(t, func() bool { return len(h.host.Records()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{DefaultPrefix + rec.Answer}, h.voice.Spoken())
	assert.True(t, h.arb.Idle())
}

func TestArbiter_ServesQuestionsInArrivalOrderOneAtATime(t *testing.T) {
	var inFlight, overlaps atomic.Int32
	answerer := &scripted.Answerer{
		Func: func(ctx context.Context, q string, _ core.AnswerContext) (core.Answer, error) {
			if inFlight.Add(1) > 1 {
				overlaps.Add(1)
			}
			defer inFlight.Add(-1)
			time.Sleep(5 * time.Millisecond)
			return core.Answer{Text: "answer to " + q, Confidence: 0.9}, nil
		},
	}
	h := newHarness(t, answerer, newFakeHolder(true), Config{})

	var tickets []*Ticket
	for _, q := range []string{"first", "second", "third"} {
		tk, _, err := h.arb.Ask(q, 0)
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	for _, tk := range tickets {
		_, err := wait(t, tk)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"first", "second", "third"}, answerer.Asked())
	assert.Zero(t, overlaps.Load())
	require.Eventually(t, func() bool { return len(h.host.Records()) == 3 }, time.Second, time.Millisecond)
	for i, rec := range h.host.Records() {
		assert.Equal(t, tickets[i].ID, rec.ID)
		assert.InDelta(t, 0.9, rec.Confidence, 0.001)
	}
}

func TestArbiter_FailureYieldsDegradedFallback(t *testing.T) {
	h := newHarness(t, &scripted.Answerer{Err: errors.New("upstream 529")}, newFakeHolder(true), Config{})

	tk, _, err := h.arb.Ask("Does it integrate with Salesforce?", 1)
	require.NoError(t, err)
	rec, err := wait(t, tk)
	require.NoError(t, err)
	assert.True(t, rec.Degraded)
	assert.Equal(t, DefaultApology, rec.Answer)

	require.Eventually(t, func() bool {
		h.host.mu.Lock()
		defer h.host.mu.Unlock()
		return h.host.drained == 1
	}, time.Second, time.Millisecond)

	var sawError, sawAnswer bool
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		ev, err := h.sub.Next(ctx)
		cancel()
		if err != nil {
			break
		}
		sawError = sawError || ev.Type == events.TypeError
		sawAnswer = sawAnswer || ev.Type == events.TypeAnswer
	}
	assert.True(t, sawError)
	assert.False(t, sawAnswer)
}

func TestArbiter_TimeoutYieldsDegradedFallback(t *testing.T) {
	h := newHarness(t, &scripted.Answerer{Delay: time.Second}, newFakeHolder(true), Config{AnswerTimeout: 10 * time.Millisecond})

	tk, _, err := h.arb.Ask("slow?", 0)
	require.NoError(t, err)
	rec, err := wait(t, tk)
	require.NoError(t, err)
	assert.True(t, rec.Degraded)
}

func TestArbiter_WaitsForRunnerToPark(t *testing.T) {
	holder := newFakeHolder(false)
	h := newHarness(t, &scripted.Answerer{}, holder, Config{})

	tk, _, err := h.arb.Ask("pricing?", 0)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.answerer.Asked(), "answerer must not run before the runner parks")
	assert.False(t, h.arb.Idle())

	close(holder.parked)
	_, err = wait(t, tk)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		holder.mu.Lock()
		defer holder.mu.Unlock()
		return holder.released == 1
	}, time.Second, time.Millisecond)
}

func TestArbiter_CloseFailsPendingQuestions(t *testing.T) {
	holder := newFakeHolder(false)
	h := newHarness(t, &scripted.Answerer{}, holder, Config{})

	first, _, err := h.arb.Ask("one", 0)
	require.NoError(t, err)
	second, pos, err := h.arb.Ask("two", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	h.arb.Close(core.Errorf(core.KindSessionTerminated, "stopped"))
	h.cancel()

	_, err = wait(t, first)
	assert.ErrorIs(t, err, core.ErrSessionTerminated)
	_, err = wait(t, second)
	assert.ErrorIs(t, err, core.ErrSessionTerminated)

	_, _, err = h.arb.Ask("three", 0)
	assert.ErrorIs(t, err, core.ErrSessionTerminated)
	assert.Empty(t, h.answerer.Asked())
}

func TestArbiter_RejectsEmptyQuestion(t *testing.T) {
	h := newHarness(t, &scripted.Answerer{}, newFakeHolder(true), Config{})
	_, _, err := h.arb.Ask("   ", 0)
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}

// deafAnswerer blocks until release is closed, whatever its context says.
type deafAnswerer struct {
	release chan struct{}
}

func (d *deafAnswerer) Answer(context.Context, string, core.AnswerContext) (core.Answer, error) {
	<-d.release
	return core.Answer{Text: "too late"}, nil
}

func TestArbiter_AnswererIgnoringContextStillTimesOut(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	probe := &scripted.Probe{}
	b := resource.New(scripted.NewBrowser(probe), scripted.NewVoice(probe), resource.Config{}, logger)
	require.NoError(t, b.Acquire(context.Background()))
	bus := events.NewBus("sess", events.Options{QueueSize: 1024})
	host := &fakeHost{}
	holder := newFakeHolder(true)

	deaf := &deafAnswerer{release: make(chan struct{})}
	defer close(deaf.release)
	a := New(deaf, b, holder, bus, host, Config{AnswerTimeout: 30 * time.Millisecond}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	defer func() {
		cancel()
		<-a.Done()
	}()

	tk, _, err := a.Ask("anyone there?", 0)
	require.NoError(t, err)
	rec, err := wait(t, tk)
	require.NoError(t, err)
	assert.True(t, rec.Degraded)
	assert.Equal(t, DefaultApology, rec.Answer)

	// lock and hold are both handed back
	lease, err := b.Lock(context.Background())
	require.NoError(t, err)
	lease.Release()
	assert.Eventually(t, func() bool {
		holder.mu.Lock()
		defer holder.mu.Unlock()
		return holder.released == 1
	}, time.Second, 5*time.Millisecond)
}
