// Package feed bridges the document store's change feed to the broker's
// ingress. It is the only producer of broker events: a message reaches
// subscribers because the store committed it, never directly from Publish.
package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/alternate/docstream/broker"
	"github.com/alternate/docstream/docstore"
	"github.com/alternate/docstream/observability"
)

const (
	// maxAttempts bounds feed restarts. Once exhausted the listener stops
	// for good and no further publish becomes visible to subscribers.
	maxAttempts = 5

	// restartBackoff grows linearly with the attempt number.
	restartBackoff = time.Second
)

// Listener consumes the store's change feed and hands normalized events to
// the broker. It restarts the feed on failure up to maxAttempts times, then
// parks in a failed state observable via Failed and the feed_failed gauge.
type Listener struct {
	store   docstore.Store
	broker  *broker.Broker
	backoff time.Duration

	mu     sync.Mutex
	failed bool
}

// NewListener creates a Listener over store feeding b.
func NewListener(store docstore.Store, b *broker.Broker) *Listener {
	return &Listener{store: store, broker: b, backoff: restartBackoff}
}

// SetRestartBackoff overrides the base restart backoff. Tests shorten it.
func (l *Listener) SetRestartBackoff(d time.Duration) {
	l.backoff = d
}

// Failed reports whether the listener has exhausted its restart budget and
// stopped.
func (l *Listener) Failed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// Run consumes the change feed until ctx is cancelled or the restart budget
// is exhausted. Intended to run on its own goroutine.
func (l *Listener) Run(ctx context.Context) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 1 {
			observability.FeedRestarts.Inc()
			select {
			case <-time.After(time.Duration(attempt-1) * l.backoff):
			case <-ctx.Done():
				return
			}
		}

		log.Printf("feed: change feed listener started (attempt %d/%d)", attempt, maxAttempts)
		err := l.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("feed: change feed terminated: %v", err)
	}

	l.mu.Lock()
	l.failed = true
	l.mu.Unlock()
	observability.FeedFailed.Set(1)
	log.Printf("feed: giving up after %d attempts; published messages will no longer reach subscribers", maxAttempts)
}

// consume opens one feed cursor and drains it until it terminates.
func (l *Listener) consume(ctx context.Context) error {
	f, err := l.store.Watch(ctx)
	if err != nil {
		return err
	}
	defer f.Close()

	for ch := range f.Events() {
		l.broker.Ingest(normalize(ch))
	}
	return f.Err()
}

// normalize turns a store change into a broker event: the topic is the
// originating collection (the literal "null" when the store reports none,
// preserved for wire compatibility) and the document id is injected into
// the payload as _id so subscribers can always address the document.
func normalize(ch docstore.Change) broker.Event {
	topic := ch.Collection
	if topic == "" {
		topic = "null"
	}

	payload := ch.Document
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["_id"] = ch.DocumentID

	return broker.Event{Topic: topic, Payload: payload}
}
