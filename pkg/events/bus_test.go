package events

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s *Subscription) []Event {
	t.Helper()
	var out []Event
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		ev, err := s.Next(ctx)
		cancel()
		if err != nil {
			return out
		}
		out = append(out, ev)
	}
}

func TestBus_SequenceStrictlyIncreasing(t *testing.T) {
	b := NewBus("s1", Options{})
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 10; i++ {
		ev, ok := b.Publish(TypeProgress, Progress{CurrentStepIndex: i})
		require.True(t, ok)
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, "s1", ev.SessionID)
	}

	got := drain(t, sub)
	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].Seq+1, got[i].Seq)
	}
}

func TestBus_LateSubscriberSeesOnlyLiveTail(t *testing.T) {
	b := NewBus("s1", Options{})
	b.Publish(TypeStateChange, StateChange{State: "running"})

	sub := b.Subscribe()
	defer sub.Close()
	b.Publish(TypeProgress, Progress{CurrentStepIndex: 1})

	got := drain(t, sub)
	require.Len(t, got, 1)
	assert.Equal(t, TypeProgress, got[0].Type)
	assert.Len(t, b.Recent(), 2)
}

func TestBus_OverflowDropsScreenshotsFirstAndKeepsCritical(t *testing.T) {
	b := NewBus("s1", Options{QueueSize: 4})
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(TypeScreenshot, Screenshot{StepIndex: 0})
	b.Publish(TypeProgress, Progress{CurrentStepIndex: 0})
	b.Publish(TypeScreenshot, Screenshot{StepIndex: 1})
	b.Publish(TypeProgress, Progress{CurrentStepIndex: 1})
	// full: the two screenshots go first
	b.Publish(TypeStateChange, StateChange{State: "paused"})
	b.Publish(TypeDemoCompleted, DemoCompleted{})

	got := drain(t, sub)
	types := make([]Type, 0, len(got))
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []Type{TypeProgress, TypeProgress, TypeStateChange, TypeDemoCompleted}, types)
	assert.Equal(t, uint64(2), sub.Dropped())
}

func TestBus_CriticalEventsExceedCapWhenNothingDroppable(t *testing.T) {
	b := NewBus("s1", Options{QueueSize: 2})
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(TypeStateChange, StateChange{State: "running"})
	}
	b.Publish(TypeProgress, Progress{})

	got := drain(t, sub)
	require.Len(t, got, 5)
	for _, ev := range got {
		assert.Equal(t, TypeStateChange, ev.Type)
	}
	assert.Equal(t, uint64(1), sub.Dropped())
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBus("s1", Options{QueueSize: 8})
	slow := b.Subscribe()
	defer slow.Close()
	fast := b.Subscribe()
	defer fast.Close()

	var wg sync.WaitGroup
	received := 0
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			ev, err := fast.Next(context.Background())
			if err != nil {
				return
			}
			received++
			if ev.Type == TypeDemoCompleted {
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish(TypeAudio, Audio{Chunk: []byte{1}})
		}
		b.Publish(TypeDemoCompleted, DemoCompleted{})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	wg.Wait()
	assert.Greater(t, received, 0)
	assert.LessOrEqual(t, slow.Len(), 9)
}

func TestBus_CloseDrainsThenEOF(t *testing.T) {
	b := NewBus("s1", Options{})
	sub := b.Subscribe()
	b.Publish(TypeDemoCompleted, DemoCompleted{QuestionsAsked: 1})
	b.Close()

	_, ok := b.Publish(TypeProgress, Progress{})
	assert.False(t, ok)

	ev, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TypeDemoCompleted, ev.Type)

	_, err = sub.Next(context.Background())
	assert.True(t, errors.Is(err, io.EOF))

	late := b.Subscribe()
	_, err = late.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSubscription_NextHonorsContext(t *testing.T) {
	b := NewBus("s1", Options{})
	sub := b.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
