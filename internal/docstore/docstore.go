// Package docstore abstracts the transactional document database the room
// service runs against. It models the narrow contract the service needs:
// per-document atomic read-modify-write transactions, atomic multi-document
// batches, and push-based snapshot subscriptions.
//
// Paths follow the collection/document alternation convention:
// "rooms/ABC123" is a document, "rooms/ABC123/members" is a collection.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get (and Tx.Get) for a missing document.
var ErrNotFound = errors.New("docstore: document not found")

// Document is a point-in-time view of one stored document.
type Document struct {
	Path   string
	Data   map[string]any
	Exists bool
}

// ID returns the final path segment (the document key).
func (d Document) ID() string {
	idx := strings.LastIndexByte(d.Path, '/')
	if idx < 0 {
		return d.Path
	}
	return d.Path[idx+1:]
}

// DataTo unmarshals the document fields into v via JSON round-trip.
func (d Document) DataTo(v any) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", d.Path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document %s: %w", d.Path, err)
	}
	return nil
}

// ServerTimestamp is a write sentinel resolved to the store's own clock at
// commit time. Client clocks never reach stored timestamp fields.
type ServerTimestamp struct{}

// Increment is a write sentinel that atomically adds By to the current
// numeric value of the field (missing field counts as zero).
type Increment struct {
	By float64
}

// ChangeKind annotates collection-snapshot entries.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one per-document delta between consecutive collection snapshots.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Snapshot is what a subscription delivers. Document subscriptions fill
// Doc (Exists=false when deleted); collection subscriptions fill Docs and
// Changes.
type Snapshot struct {
	Doc     Document
	Docs    []Document
	Changes []Change
}

// Tx is the handle passed to a transaction body. Reads see committed state;
// writes are queued and committed atomically when the body returns nil.
// The store retries the whole body on write conflict, so bodies must be
// side-effect free apart from their queued writes.
type Tx interface {
	Get(path string) (Document, error)
	List(collection string) ([]Document, error)
	Set(path string, data map[string]any)
	Update(path string, fields map[string]any)
	Delete(path string)
}

// Batch accumulates writes committed atomically, without reads.
type Batch interface {
	Set(path string, data map[string]any)
	Update(path string, fields map[string]any)
	Delete(path string)
	Commit(ctx context.Context) error
}

// Store is the document-database contract.
type Store interface {
	// Get returns one document or ErrNotFound.
	Get(ctx context.Context, path string) (Document, error)

	// Set writes a full document, creating or replacing it.
	Set(ctx context.Context, path string, data map[string]any) error

	// Update merges fields into an existing document; ErrNotFound if absent.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Delete removes a document. Deleting a missing document is a no-op.
	Delete(ctx context.Context, path string) error

	// List returns every document in a collection.
	List(ctx context.Context, collection string) ([]Document, error)

	// ListGroup returns documents across all collections named group whose
	// field equals value — e.g. every "invites" entry for one invitee,
	// regardless of parent room.
	ListGroup(ctx context.Context, group, field string, value any) ([]Document, error)

	// RunTransaction executes fn atomically. The store retries fn on
	// write conflict; a non-nil return aborts with nothing applied.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Batch starts an atomic multi-document write set.
	Batch() Batch

	// Subscribe streams snapshots for a document or collection path. The
	// current state is delivered first, then one snapshot per change.
	// The returned function cancels the subscription; after it returns no
	// further callbacks fire.
	Subscribe(path string, onNext func(Snapshot), onErr func(error)) (cancel func())

	// Health pings the backing store.
	Health(ctx context.Context) error

	Close()
}

// IsCollectionPath reports whether path names a collection (odd number of
// segments) rather than a document.
func IsCollectionPath(path string) bool {
	return strings.Count(path, "/")%2 == 0
}

// Parent returns the collection a document path belongs to.
func Parent(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}
