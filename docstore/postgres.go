package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel is the LISTEN/NOTIFY channel the documents trigger posts to.
const notifyChannel = "docstream_changes"

// schemaStatements create the documents table and the change-notification
// trigger. The trigger fires after every committed insert/update, so a
// notification implies the write is durable. Statements run one at a time:
// pgx's extended protocol rejects multi-statement strings.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		collection  text NOT NULL,
		id          text NOT NULL,
		body        jsonb NOT NULL,
		created_at  timestamptz NOT NULL DEFAULT now(),
		updated_at  timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	)`,
	`CREATE OR REPLACE FUNCTION documents_notify() RETURNS trigger AS $$
	DECLARE
		op text;
	BEGIN
		IF TG_OP = 'INSERT' THEN
			op := 'insert';
		ELSE
			op := 'replace';
		END IF;
		PERFORM pg_notify('docstream_changes',
			json_build_object('op', op, 'collection', NEW.collection, 'id', NEW.id)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS documents_notify ON documents`,
	`CREATE TRIGGER documents_notify
		AFTER INSERT OR UPDATE ON documents
		FOR EACH ROW EXECUTE FUNCTION documents_notify()`,
}

// PostgresStore implements Store using a PostgreSQL backend. Documents are
// rows in a single table keyed by (collection, id) with a JSONB body; the
// change feed rides LISTEN/NOTIFY with a per-notification post-image lookup
// (the notification payload carries only op/collection/id, which keeps it
// well under the 8000-byte NOTIFY limit regardless of document size).
type PostgresStore struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	closed bool
}

// NewPostgresStore initializes a PostgresStore with a connection pool and
// ensures the documents schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// Pool sized for many concurrent connections plus the dedicated
	// LISTEN connections held by open feeds.
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ensure documents schema: %w", err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.pool.Close()
}

func (s *PostgresStore) Insert(ctx context.Context, collection string, doc map[string]any) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	id := NewDocumentID()
	query := `INSERT INTO documents (collection, id, body) VALUES ($1, $2, $3::jsonb)`
	if _, err := s.pool.Exec(ctx, query, collection, id, string(body)); err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, collection string, id string, doc map[string]any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	query := `
		INSERT INTO documents (collection, id, body)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO UPDATE SET
			body = EXCLUDED.body,
			updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query, collection, id, string(body))
	return err
}

// Get returns the document at (collection, id), or nil if absent.
func (s *PostgresStore) Get(ctx context.Context, collection string, id string) (map[string]any, error) {
	var body []byte
	query := `SELECT body FROM documents WHERE collection = $1 AND id = $2`
	err := s.pool.QueryRow(ctx, query, collection, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// Watch opens a change feed backed by a dedicated LISTEN connection. Each
// notification is resolved to the current post-image with a point lookup,
// so update events always carry the complete document.
func (s *PostgresStore) Watch(ctx context.Context) (Feed, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	feedCtx, cancel := context.WithCancel(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		cancel()
		conn.Release()
		return nil, fmt.Errorf("failed to LISTEN on %s: %w", notifyChannel, err)
	}

	f := &postgresFeed{
		store:  s,
		events: make(chan Change, 128),
		cancel: cancel,
	}
	go f.listen(feedCtx, conn)

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

type postgresFeed struct {
	store  *PostgresStore
	events chan Change
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (f *postgresFeed) Events() <-chan Change { return f.events }

func (f *postgresFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *postgresFeed) Close() {
	f.cancel()
}

// notification is the JSON payload posted by the documents trigger.
type notification struct {
	Op         string `json:"op"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// listen drains notifications until the feed is closed or the connection
// fails, then closes the events channel.
func (f *postgresFeed) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer conn.Release()
	defer close(f.events)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			f.mu.Lock()
			if ctx.Err() == nil {
				f.err = err
			}
			f.mu.Unlock()
			return
		}

		var note notification
		if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
			log.Printf("docstore: dropping malformed change notification: %v", err)
			continue
		}

		doc, err := f.store.Get(ctx, note.Collection, note.ID)
		if err != nil {
			f.mu.Lock()
			f.err = err
			f.mu.Unlock()
			return
		}
		if doc == nil {
			// Document removed between notification and lookup.
			continue
		}

		select {
		case f.events <- Change{
			Operation:  Operation(note.Op),
			Collection: note.Collection,
			DocumentID: note.ID,
			Document:   doc,
		}:
		case <-ctx.Done():
			return
		}
	}
}
