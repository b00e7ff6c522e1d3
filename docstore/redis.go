package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// changeStream is the Redis Stream that carries the change feed.
	changeStream = "docstream:changes"

	// changeStreamMaxLen bounds feed retention. Entries beyond it are
	// trimmed; consumers that fall further behind lose events, which is
	// the store's documented retention limit.
	changeStreamMaxLen = 10000
)

// writeScript persists a document and appends the matching change-feed entry
// in one atomic step, so the feed never reports a write that did not commit
// and never misses one that did. Returns the operation kind.
const writeScript = `
local existed = redis.call('EXISTS', KEYS[1])
redis.call('SET', KEYS[1], ARGV[1])
local op = 'insert'
if existed == 1 then
	op = 'replace'
end
redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[4], '*',
	'op', op, 'collection', ARGV[2], 'id', ARGV[3], 'body', ARGV[1])
return op
`

// RedisStore implements Store using Redis: documents as JSON string keys,
// the change feed as a capped Stream appended in the same atomic script as
// each write.
type RedisStore struct {
	client *redis.Client

	// Preloaded Lua script SHA for the atomic write+feed append.
	writeSHA string

	mu     sync.Mutex
	closed bool
}

// NewRedisStore connects to Redis and preloads the write script.
func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	writeSHA, err := client.ScriptLoad(ctx, writeScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload write script: " + err.Error())
	}

	return &RedisStore{client: client, writeSHA: writeSHA}, nil
}

func (s *RedisStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.client.Close()
}

func documentKey(collection, id string) string {
	return fmt.Sprintf("doc:%s:%s", collection, id)
}

func (s *RedisStore) Insert(ctx context.Context, collection string, doc map[string]any) (string, error) {
	id := NewDocumentID()
	if err := s.write(ctx, collection, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStore) Upsert(ctx context.Context, collection string, id string, doc map[string]any) error {
	return s.write(ctx, collection, id, doc)
}

func (s *RedisStore) write(ctx context.Context, collection, id string, doc map[string]any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	keys := []string{documentKey(collection, id), changeStream}
	return s.client.EvalSha(ctx, s.writeSHA, keys,
		string(body), collection, id, changeStreamMaxLen).Err()
}

// Get returns the document at (collection, id), or nil if absent.
func (s *RedisStore) Get(ctx context.Context, collection string, id string) (map[string]any, error) {
	body, err := s.client.Get(ctx, documentKey(collection, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// Watch tails the change stream with blocking XREAD, starting at "now".
func (s *RedisStore) Watch(ctx context.Context) (Feed, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	feedCtx, cancel := context.WithCancel(context.Background())
	f := &redisFeed{
		client: s.client,
		events: make(chan Change, 128),
		cancel: cancel,
	}
	go f.tail(feedCtx)

	// Propagate caller cancellation.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-feedCtx.Done():
		}
	}()
	return f, nil
}

type redisFeed struct {
	client *redis.Client
	events chan Change
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (f *redisFeed) Events() <-chan Change { return f.events }

func (f *redisFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *redisFeed) Close() {
	f.cancel()
}

func (f *redisFeed) tail(ctx context.Context) {
	defer close(f.events)

	// Resolve a concrete starting cursor up front. "$" is only valid for
	// a single blocking read: re-issuing it after a block timeout would
	// skip any entry appended between the two reads.
	lastID, err := startReadID(f.client.XInfoStream(ctx, changeStream).Result())
	if err != nil {
		f.mu.Lock()
		if ctx.Err() == nil {
			f.err = err
		}
		f.mu.Unlock()
		return
	}

	for {
		res, err := f.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{changeStream, lastID},
			Count:   100,
			Block:   5 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			// Block timeout, nothing new.
			continue
		}
		if err != nil {
			f.mu.Lock()
			if ctx.Err() == nil {
				f.err = err
			}
			f.mu.Unlock()
			return
		}

		for _, stream := range res {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				ch, ok := decodeStreamEntry(entry)
				if !ok {
					continue
				}
				select {
				case f.events <- ch:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// startReadID turns the stream's XINFO result into the first XREAD cursor:
// the last generated entry id when the stream exists, the beginning when it
// has never been written. Never "$", so entries appended between successive
// reads are not skipped.
func startReadID(info *redis.XInfoStream, err error) (string, error) {
	if err != nil {
		if isMissingStream(err) {
			return "0", nil
		}
		return "", err
	}
	return info.LastGeneratedID, nil
}

// isMissingStream reports the XINFO error Redis returns for a stream that
// has never received an entry.
func isMissingStream(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}

func decodeStreamEntry(entry redis.XMessage) (Change, bool) {
	op, _ := entry.Values["op"].(string)
	collection, _ := entry.Values["collection"].(string)
	id, _ := entry.Values["id"].(string)
	body, _ := entry.Values["body"].(string)

	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		log.Printf("docstore: dropping malformed stream entry %s: %v", entry.ID, err)
		return Change{}, false
	}

	return Change{
		Operation:  Operation(op),
		Collection: collection,
		DocumentID: id,
		Document:   doc,
	}, true
}
