// Package broker is the in-process hub between the protocol gateway, the
// document store and the change-feed listener. Publish queues a durable
// write; Subscribe returns a live filtered view of the broadcast stream.
// The broadcast is fed exclusively by the change-feed listener, so a
// published message becomes visible to subscribers only after the store
// has committed it and reported it back.
package broker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/alternate/docstream/docstore"
	"github.com/alternate/docstream/observability"
)

// Common errors.
var (
	// ErrEmptyTopic is returned by Publish when no topic is given.
	ErrEmptyTopic = errors.New("broker: topic must not be empty")

	// ErrClosed is returned when operations are attempted on a closed broker.
	ErrClosed = errors.New("broker: broker is closed")
)

// writeTimeout caps a single store write from the persistence lane.
const writeTimeout = 30 * time.Second

// Event is one store-confirmed write, normalized by the change-feed
// listener. Payload is shared by every matching subscription and must be
// treated as immutable.
type Event struct {
	Topic   string
	Payload map[string]any
}

type writeRequest struct {
	topic   string
	payload map[string]any
}

// Broker fans store-confirmed events out to filtered subscriptions and
// serializes publishes onto a single persistence lane.
type Broker struct {
	store docstore.Store
	wg    sync.WaitGroup

	// laneMu guards the persistence lane. The queue is unbounded so a
	// slow or unreachable store can never block Publish callers; the
	// backlog is visible via the publish_queue_depth gauge.
	laneMu   sync.Mutex
	laneCond *sync.Cond
	lane     []writeRequest
	stopping bool

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a Broker over store and starts the persistence lane.
func New(store docstore.Store) *Broker {
	b := &Broker{
		store: store,
		subs:  make(map[*Subscription]struct{}),
	}
	b.laneCond = sync.NewCond(&b.laneMu)
	b.wg.Add(1)
	go b.persistLoop()
	return b
}

// Publish enqueues payload for durable persistence under topic and returns
// immediately, never waiting on the store. Writes from one broker are
// applied in the order Publish was called. The resulting event reaches
// subscribers only via the change feed.
func (b *Broker) Publish(topic string, payload map[string]any) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	// Copy so later caller mutation can't change what gets persisted.
	doc := make(map[string]any, len(payload))
	for k, v := range payload {
		doc[k] = v
	}

	b.laneMu.Lock()
	defer b.laneMu.Unlock()

	if b.stopping {
		return ErrClosed
	}
	b.lane = append(b.lane, writeRequest{topic: topic, payload: doc})
	observability.PublishQueueDepth.Set(float64(len(b.lane)))
	b.laneCond.Signal()
	return nil
}

// Subscribe returns a live view of every store-confirmed event on topic
// whose payload matches filter. Each call is independent; cancel the
// returned subscription to detach it.
func (b *Broker) Subscribe(topic string, filter Filter) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	s := &Subscription{
		broker: b,
		topic:  topic,
		filter: filter,
		ch:     make(chan map[string]any, subscriptionBuffer),
	}
	b.subs[s] = struct{}{}
	observability.ActiveSubscriptions.WithLabelValues(topic).Inc()
	return s, nil
}

// Ingest broadcasts one change-feed event to every matching subscription.
// Called only by the change-feed listener. A slow subscription never blocks
// the others; its buffer drops the oldest event instead.
func (b *Broker) Ingest(ev Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	observability.EventsBroadcast.WithLabelValues(ev.Topic).Inc()

	for _, s := range subs {
		if s.topic != ev.Topic {
			continue
		}
		if !s.filter.Matches(ev.Payload) {
			continue
		}
		s.deliver(ev.Payload)
	}
}

// remove detaches a cancelled subscription from the dispatch table.
func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		observability.ActiveSubscriptions.WithLabelValues(s.topic).Dec()
	}
}

// Close stops the persistence lane and cancels every subscription. Writes
// still queued are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.laneMu.Lock()
	b.stopping = true
	b.laneCond.Signal()
	b.laneMu.Unlock()
	b.wg.Wait()

	for _, s := range subs {
		s.Cancel()
	}
}

// persistLoop is the single consumer of the persistence lane. Draining in
// FIFO order is what gives Publish its cross-call ordering guarantee.
func (b *Broker) persistLoop() {
	defer b.wg.Done()

	for {
		b.laneMu.Lock()
		for len(b.lane) == 0 && !b.stopping {
			b.laneCond.Wait()
		}
		if b.stopping {
			b.laneMu.Unlock()
			return
		}
		req := b.lane[0]
		b.lane = b.lane[1:]
		observability.PublishQueueDepth.Set(float64(len(b.lane)))
		b.laneMu.Unlock()

		b.persist(req)
	}
}

// persist writes one payload as a document: upsert when the payload carries
// an id, insert otherwise. The write itself emits no broker event; the
// change feed is the only path back to subscribers.
func (b *Broker) persist(req writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	id, _ := req.payload["_id"].(string)
	delete(req.payload, "_id")

	var err error
	if id == "" {
		_, err = b.store.Insert(ctx, req.topic, req.payload)
	} else {
		err = b.store.Upsert(ctx, req.topic, id, req.payload)
	}
	if err != nil {
		observability.PersistenceFailures.WithLabelValues(req.topic).Inc()
		log.Printf("broker: failed to persist message on topic %s: %v", req.topic, err)
	}
}
