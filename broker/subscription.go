package broker

import (
	"sync"

	"github.com/alternate/docstream/observability"
)

// subscriptionBuffer is the per-subscription backlog. When it fills, the
// oldest buffered event is dropped in favor of the newest (drop-oldest
// policy), so one slow consumer never stalls the broadcast.
const subscriptionBuffer = 64

// Subscription is one live filtered view of the broker's event stream.
// Events arrive on Events until Cancel is called or the broker shuts down,
// at which point the channel is closed.
type Subscription struct {
	broker *Broker
	topic  string
	filter Filter

	mu       sync.Mutex
	ch       chan map[string]any
	canceled bool
}

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() string { return s.topic }

// Events returns the stream of matching payloads. The channel is closed
// when the subscription is cancelled.
func (s *Subscription) Events() <-chan map[string]any { return s.ch }

// Cancel detaches the subscription from the broadcast and closes its
// channel. Idempotent. Cancellation and in-flight delivery are mutually
// exclusive: once Cancel returns, no further event is delivered.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	close(s.ch)
	s.mu.Unlock()

	s.broker.remove(s)
}

// deliver hands one matching payload to the consumer without blocking. If
// the buffer is full the oldest event is discarded.
func (s *Subscription) deliver(payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.canceled {
		return
	}

	select {
	case s.ch <- payload:
		return
	default:
	}

	// Buffer full: drop the oldest event and retry once. The consumer may
	// have drained concurrently, so the retry can still succeed without a
	// drop having happened.
	select {
	case <-s.ch:
		observability.EventsDropped.WithLabelValues(s.topic).Inc()
	default:
	}
	select {
	case s.ch <- payload:
	default:
	}
}
