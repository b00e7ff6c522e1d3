package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alternate/docstream/broker"
	"github.com/alternate/docstream/docstore"
)

func TestPublishVisibleRoundTrip(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	b := broker.New(store)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListener(store, b)
	go l.Run(ctx)

	matching, err := b.Subscribe("orders", nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	nonMatching, err := b.Subscribe("orders", broker.Filter{"x": float64(2)})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Publish("orders", map[string]any{"x": float64(1)}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case payload := <-matching.Events():
		if payload["x"] != float64(1) {
			t.Errorf("Expected x=1 in delivered payload, got %v", payload["x"])
		}
		id, _ := payload["_id"].(string)
		if id == "" {
			t.Error("Expected a non-empty _id injected into the payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Matching subscriber never received the published message")
	}

	select {
	case payload := <-nonMatching.Events():
		t.Errorf("Non-matching subscriber received %v", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUpsertVisibleAsReplace(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	b := broker.New(store)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewListener(store, b).Run(ctx)

	sub, _ := b.Subscribe("orders", nil)

	for i := 0; i < 2; i++ {
		if err := b.Publish("orders", map[string]any{"_id": "abc", "y": float64(2)}); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case payload := <-sub.Events():
			if payload["_id"] != "abc" {
				t.Errorf("Expected _id abc, got %v", payload["_id"])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Delivery %d never arrived", i)
		}
	}

	// Second write replaced the first, it did not create a new document.
	doc, err := store.Get(context.Background(), "orders", "abc")
	if err != nil || doc == nil {
		t.Fatalf("Expected document at orders/abc, got doc=%v err=%v", doc, err)
	}
}

func TestNormalizeTopicFallback(t *testing.T) {
	ev := normalize(docstore.Change{
		Operation:  docstore.OpInsert,
		Collection: "",
		DocumentID: "id-1",
		Document:   map[string]any{"k": "v"},
	})

	if ev.Topic != "null" {
		t.Errorf("Expected topic fallback to the literal \"null\", got %q", ev.Topic)
	}
	if ev.Payload["_id"] != "id-1" {
		t.Errorf("Expected _id injection, got %v", ev.Payload["_id"])
	}
}

// failingStore always refuses to open a feed.
type failingStore struct {
	docstore.Store
	mu       sync.Mutex
	attempts int
}

func (s *failingStore) Watch(ctx context.Context) (docstore.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return nil, errors.New("store unreachable")
}

func (s *failingStore) watchAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func TestListenerGivesUpAfterBoundedRetries(t *testing.T) {
	store := &failingStore{Store: docstore.NewMemoryStore()}
	b := broker.New(docstore.NewMemoryStore())
	defer b.Close()

	l := NewListener(store, b)
	l.SetRestartBackoff(time.Millisecond)

	done := make(chan struct{})
	go func() {
		l.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Listener did not stop after exhausting its retry budget")
	}

	if got := store.watchAttempts(); got != 5 {
		t.Errorf("Expected exactly 5 feed attempts, got %d", got)
	}
	if !l.Failed() {
		t.Error("Expected listener to report the failed state")
	}
}

// flakyStore fails the first Watch, then behaves like the wrapped store.
type flakyStore struct {
	*docstore.MemoryStore
	mu     sync.Mutex
	failed bool
}

func (s *flakyStore) Watch(ctx context.Context) (docstore.Feed, error) {
	s.mu.Lock()
	first := !s.failed
	s.failed = true
	s.mu.Unlock()
	if first {
		return nil, errors.New("transient feed failure")
	}
	return s.MemoryStore.Watch(ctx)
}

func TestListenerRestartsAfterTransientFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: docstore.NewMemoryStore()}
	b := broker.New(store)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListener(store, b)
	l.SetRestartBackoff(time.Millisecond)
	go l.Run(ctx)

	sub, _ := b.Subscribe("orders", nil)

	// Give the listener time to fail once and re-establish the feed.
	deadline := time.Now().Add(2 * time.Second)
	delivered := false
	for !delivered && time.Now().Before(deadline) {
		if err := b.Publish("orders", map[string]any{"x": float64(1)}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		select {
		case <-sub.Events():
			delivered = true
		case <-time.After(100 * time.Millisecond):
		}
	}

	if !delivered {
		t.Fatal("No delivery after feed restart")
	}
	if l.Failed() {
		t.Error("Listener should not be in the failed state after recovery")
	}
}
