// Package store defines the realtime record store the dispatch core runs
// against: plain keyed JSON records under two-level paths
// ("jobs/<key>", "drivers/<key>"), wholesale writes, top-level merges, and
// push subscriptions that deliver the full collection snapshot on every
// change. There is no diffing contract; subscribers treat each callback as a
// total replacement. Conflicting writes resolve last-write-wins.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound marks reads of records that do not exist.
var ErrNotFound = errors.New("store: record not found")

// Snapshot is the full contents of one collection, key to record JSON.
type Snapshot map[string]json.RawMessage

// CancelFunc tears down a live subscription. Safe to call more than once.
type CancelFunc func()

// Store is the push-subscription record store contract. All operations may
// fail independently; failures are surfaced to the caller and never retried
// here.
type Store interface {
	// Read returns the record at path, or ErrNotFound.
	Read(ctx context.Context, path string) (json.RawMessage, error)
	// Write replaces the record at path wholesale. A nil value deletes it.
	Write(ctx context.Context, path string, value any) error
	// Patch merges fields into the record at path, top level only. Fields
	// set to nil are removed. Patching an absent record creates it.
	Patch(ctx context.Context, path string, fields map[string]any) error
	// Delete removes the record if present; deleting an absent record is
	// not an error.
	Delete(ctx context.Context, path string) error
	// Subscribe registers fn for full-snapshot callbacks on a collection.
	// fn is invoked once with the current snapshot before Subscribe
	// returns, then again after every change under the collection.
	Subscribe(collection string, fn func(Snapshot)) (CancelFunc, error)
	// SubscribeMatch is Subscribe restricted to records whose top-level
	// field equals the given string value.
	SubscribeMatch(collection, field, equals string, fn func(Snapshot)) (CancelFunc, error)
	// Query returns the records whose top-level field equals the value.
	// Equality only; no range queries.
	Query(ctx context.Context, collection, field, equals string) (Snapshot, error)
	// GenerateKey returns a fresh key for the collection: unique and
	// roughly time-ordered, so reverse key order is newest-first.
	GenerateKey(collection string) string
}

// NewKey is the shared key generator: a UUIDv7, whose string form sorts
// lexically by creation time.
func NewKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4
		// rather than returning an empty key.
		return uuid.NewString()
	}
	return id.String()
}

// SplitPath splits "collection/key" into its parts.
func SplitPath(path string) (collection, key string, err error) {
	i := strings.IndexByte(path, '/')
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("store: malformed path %q", path)
	}
	return path[:i], path[i+1:], nil
}

// KeysDesc returns the snapshot's keys in reverse lexical order. With
// time-ordered keys that is newest-first.
func KeysDesc(s Snapshot) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys
}

// KeysAsc returns the snapshot's keys in lexical order, oldest-first.
func KeysAsc(s Snapshot) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode unmarshals one record into out.
func Decode(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}

// fieldEquals reports whether the record's top-level field holds the given
// string value.
func fieldEquals(raw json.RawMessage, field, want string) bool {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false
	}
	fv, ok := rec[field]
	if !ok {
		return false
	}
	var s string
	if err := json.Unmarshal(fv, &s); err != nil {
		return false
	}
	return s == want
}

// filterMatch reduces a snapshot to the records matching field == equals.
func filterMatch(s Snapshot, field, equals string) Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		if fieldEquals(v, field, equals) {
			out[k] = v
		}
	}
	return out
}

// mergeFields applies a top-level merge of fields onto the record raw,
// which may be nil. Nil field values delete the key.
func mergeFields(raw json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	rec := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("store: patch target is not an object: %w", err)
		}
	}
	for k, v := range fields {
		if v == nil {
			delete(rec, k)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		rec[k] = b
	}
	return json.Marshal(rec)
}
