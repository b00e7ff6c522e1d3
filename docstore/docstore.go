// Package docstore abstracts the durable document store behind the gateway.
//
// A Store persists schemaless JSON documents grouped into named collections
// and exposes a change feed of committed writes. The feed is the single
// source of truth for visibility: a write "happened" once the feed reports
// it, not before.
package docstore

import (
	"context"
	"errors"
)

// Common errors.
var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("docstore: store is closed")
)

// Operation identifies the kind of committed write a feed event describes.
type Operation string

const (
	OpInsert  Operation = "insert"
	OpUpdate  Operation = "update"
	OpReplace Operation = "replace"
)

// Change is one committed write as reported by the store's change feed.
// Document is the full post-image, never a diff.
type Change struct {
	Operation  Operation
	Collection string
	DocumentID string
	Document   map[string]any
}

// Feed is an open change-feed cursor. Events is closed when the feed
// terminates; Err reports why. Close releases the underlying resources
// and is safe to call more than once.
type Feed interface {
	Events() <-chan Change
	Err() error
	Close()
}

// Store is a durable document store with a change feed.
type Store interface {
	// Insert writes doc as a new document in collection and returns the
	// store-generated id.
	Insert(ctx context.Context, collection string, doc map[string]any) (string, error)

	// Upsert writes doc at id in collection: insert if absent, replace if
	// present.
	Upsert(ctx context.Context, collection string, id string, doc map[string]any) error

	// Watch opens a change feed scoped to insert/update/replace operations.
	// Each call returns an independent cursor positioned at "now".
	Watch(ctx context.Context) (Feed, error)

	// Close releases the store's resources.
	Close()
}
