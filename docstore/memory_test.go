package docstore

import (
	"context"
	"testing"
	"time"
)

func nextChange(t *testing.T, f Feed) Change {
	t.Helper()
	select {
	case ch, ok := <-f.Events():
		if !ok {
			t.Fatalf("Feed closed unexpectedly: %v", f.Err())
		}
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("No change event arrived")
	}
	return Change{}
}

func TestMemoryStoreInsertEmitsChange(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	f, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer f.Close()

	id, err := s.Insert(ctx, "orders", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a generated id")
	}

	ch := nextChange(t, f)
	if ch.Operation != OpInsert {
		t.Errorf("Expected insert operation, got %q", ch.Operation)
	}
	if ch.Collection != "orders" || ch.DocumentID != id {
		t.Errorf("Unexpected change %+v", ch)
	}
	if ch.Document["x"] != 1 {
		t.Errorf("Expected full post-image, got %v", ch.Document)
	}
}

func TestMemoryStoreUpsertInsertThenReplace(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	f, _ := s.Watch(ctx)
	defer f.Close()

	if err := s.Upsert(ctx, "orders", "abc", map[string]any{"y": 1}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Upsert(ctx, "orders", "abc", map[string]any{"y": 2}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	first := nextChange(t, f)
	if first.Operation != OpInsert {
		t.Errorf("Expected first upsert to insert, got %q", first.Operation)
	}
	second := nextChange(t, f)
	if second.Operation != OpReplace {
		t.Errorf("Expected second upsert to replace, got %q", second.Operation)
	}
	if second.Document["y"] != 2 {
		t.Errorf("Expected replaced post-image, got %v", second.Document)
	}

	doc, err := s.Get(ctx, "orders", "abc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc["y"] != 2 {
		t.Errorf("Expected stored document y=2, got %v", doc)
	}
}

func TestMemoryStoreWriteIsolation(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	doc := map[string]any{"x": 1}
	id, _ := s.Insert(ctx, "orders", doc)

	// Mutating the caller's map must not change persisted state.
	doc["x"] = 99
	stored, _ := s.Get(ctx, "orders", id)
	if stored["x"] != 1 {
		t.Errorf("Stored document was mutated through the caller's map: %v", stored)
	}
}

func TestMemoryStoreFeedsGetIndependentDocuments(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	first, _ := s.Watch(ctx)
	defer first.Close()
	second, _ := s.Watch(ctx)
	defer second.Close()

	if _, err := s.Insert(ctx, "orders", map[string]any{"x": 1}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	a := nextChange(t, first)
	b := nextChange(t, second)

	// Consumers mutate delivered documents (id injection); one cursor's
	// write must never show up on another's.
	a.Document["x"] = "mutated"
	if b.Document["x"] != 1 {
		t.Errorf("Mutation through one feed leaked into another: %v", b.Document)
	}
}

func TestMemoryStoreWatchCancellation(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f, _ := s.Watch(ctx)
	cancel()

	select {
	case _, ok := <-f.Events():
		if ok {
			t.Error("Expected no events after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Feed did not close after context cancellation")
	}
}

func TestMemoryStoreCloseFailsFeeds(t *testing.T) {
	s := NewMemoryStore()
	f, _ := s.Watch(context.Background())
	s.Close()

	if _, ok := <-f.Events(); ok {
		t.Error("Expected the feed channel to be closed")
	}
	if f.Err() != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", f.Err())
	}

	if _, err := s.Insert(context.Background(), "orders", nil); err != ErrClosed {
		t.Errorf("Expected ErrClosed on insert after close, got %v", err)
	}
}

func TestNewDocumentIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewDocumentID()
		if len(id) != 36 {
			t.Fatalf("Unexpected id format %q", id)
		}
		if seen[id] {
			t.Fatalf("Duplicate id %q", id)
		}
		seen[id] = true
	}
}
