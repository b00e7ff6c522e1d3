package docstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and single-node dev mode.
// Documents live in a nested map keyed by collection then id; the change
// feed fans committed writes out to every open Watch cursor.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string]map[string]map[string]any
	feeds  map[*memoryFeed]struct{}
	closed bool
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string]map[string]map[string]any),
		feeds: make(map[*memoryFeed]struct{}),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, collection string, doc map[string]any) (string, error) {
	id := NewDocumentID()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	s.put(collection, id, doc)
	s.emit(Change{Operation: OpInsert, Collection: collection, DocumentID: id, Document: doc})
	return id, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, collection string, id string, doc map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	op := OpInsert
	if _, exists := s.docs[collection][id]; exists {
		op = OpReplace
	}
	s.put(collection, id, doc)
	s.emit(Change{Operation: op, Collection: collection, DocumentID: id, Document: doc})
	return nil
}

// put stores a defensive copy so callers can't mutate persisted state.
func (s *MemoryStore) put(collection, id string, doc map[string]any) {
	coll, ok := s.docs[collection]
	if !ok {
		coll = make(map[string]map[string]any)
		s.docs[collection] = coll
	}
	coll[id] = copyDoc(doc)
}

// Get returns the document at (collection, id), or nil if absent.
func (s *MemoryStore) Get(ctx context.Context, collection string, id string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, nil
	}
	return copyDoc(doc), nil
}

func (s *MemoryStore) Watch(ctx context.Context) (Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	f := &memoryFeed{
		store:  s,
		events: make(chan Change, 128),
	}
	s.feeds[f] = struct{}{}

	go func() {
		<-ctx.Done()
		f.detach(ctx.Err())
	}()
	return f, nil
}

func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for f := range s.feeds {
		f.fail(ErrClosed)
	}
	s.feeds = make(map[*memoryFeed]struct{})
}

// emit delivers a change to every open feed. Called with s.mu held, so
// feed ordering matches commit ordering. Every feed gets its own copy of
// the document: consumers mutate delivered payloads (id injection) and
// must never observe each other's writes.
func (s *MemoryStore) emit(ch Change) {
	for f := range s.feeds {
		perFeed := ch
		perFeed.Document = copyDoc(ch.Document)
		select {
		case f.events <- perFeed:
		default:
			// Cursor buffer overflow maps to feed retention loss.
		}
	}
}

type memoryFeed struct {
	store  *MemoryStore
	events chan Change

	mu     sync.Mutex
	err    error
	closed bool
}

func (f *memoryFeed) Events() <-chan Change { return f.events }

func (f *memoryFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *memoryFeed) Close() {
	f.detach(nil)
}

// detach unregisters the feed and closes its channel. The store mutex is
// held around both so no emit can race the close.
func (f *memoryFeed) detach(err error) {
	f.store.mu.Lock()
	delete(f.store.feeds, f)
	f.fail(err)
	f.store.mu.Unlock()
}

// fail closes the events channel. Callers must hold store.mu.
func (f *memoryFeed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.events)
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
