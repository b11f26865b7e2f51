package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"taskflow-orchestrator/internal/store"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "run-1")
	b.Publish(&store.Event{RunID: "run-1", EventType: "planning_started"})

	select {
	case e := <-ch:
		assert.Equal(t, "planning_started", e.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_IgnoresOtherRuns(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "run-1")
	b.Publish(&store.Event{RunID: "run-2", EventType: "ignored"})

	select {
	case e := <-ch:
		t.Fatalf("unexpected event delivered: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_DropsHeadOnFullBuffer(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "run-1")
	for i := 0; i < bufferSize+10; i++ {
		b.Publish(&store.Event{RunID: "run-1", EventType: "tick", Payload: map[string]any{"i": i}})
	}

	// The subscriber must still be alive (not closed) and must have dropped
	// the oldest entries rather than blocking Publish.
	first := <-ch
	assert.NotEqual(t, 0, first.Payload["i"], "oldest events should have been dropped")

	drained := 1
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatal("subscriber channel closed on overflow; it must stay open")
			}
			_ = e
			drained++
		default:
			assert.Equal(t, bufferSize, drained)
			return
		}
	}
}

func TestSubscribe_ClosesChannelOnContextCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx, "run-1")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after context cancellation")
	}
}
