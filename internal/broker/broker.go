// Package broker is an in-process pub/sub keyed by run id, used to fan out
// store.Event notifications to SSE subscribers without going back to the
// repository. A subscriber whose buffer fills has its oldest buffered event
// dropped and stays subscribed: disconnecting an SSE subscriber on a slow
// read is a worse failure mode for a human watching a run than losing an
// old progress event, and the event table still holds the full history.
package broker

import (
	"context"
	"sync"

	"taskflow-orchestrator/internal/store"
	"taskflow-orchestrator/pkg/metrics"
)

// bufferSize is the per-subscriber channel capacity before the drop-head
// policy kicks in.
const bufferSize = 256

// Broker fans out events to per-run subscribers.
type Broker struct {
	mu          sync.Mutex
	subscribers map[string][]*subscription
}

type subscription struct {
	ch chan *store.Event
}

// New constructs an empty Broker.
func New() *Broker {
	return &Broker{subscribers: make(map[string][]*subscription)}
}

// Subscribe registers a new subscriber for runID and returns a channel that
// delivers events published for that run until ctx is canceled. The caller
// must keep draining the channel until it closes.
func (b *Broker) Subscribe(ctx context.Context, runID string) <-chan *store.Event {
	sub := &subscription{ch: make(chan *store.Event, bufferSize)}

	b.mu.Lock()
	b.subscribers[runID] = append(b.subscribers[runID], sub)
	b.mu.Unlock()
	metrics.BrokerSubscribersGauge.Inc()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[runID]
		for i, s := range subs {
			if s == sub {
				b.subscribers[runID] = append(subs[:i], subs[i+1:]...)
				if len(b.subscribers[runID]) == 0 {
					delete(b.subscribers, runID)
				}
				break
			}
		}
		close(sub.ch)
		metrics.BrokerSubscribersGauge.Dec()
	}()

	return sub.ch
}

// Publish delivers e to every live subscriber of e.RunID. A subscriber whose
// buffer is full has its oldest queued event dropped to make room, so
// Publish never blocks on a slow reader.
func (b *Broker) Publish(e *store.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers[e.RunID] {
		select {
		case sub.ch <- e:
		default:
			select {
			case <-sub.ch:
				metrics.BrokerDroppedEventsTotal.Inc()
			default:
			}
			select {
			case sub.ch <- e:
			default:
				// Buffer was refilled by a concurrent Publish between our
				// drop and our retry; drop this event instead of blocking.
				metrics.BrokerDroppedEventsTotal.Inc()
			}
		}
	}
}
