// Package cachestore abstracts a key-addressed blob store for the test-data
// corpus cache, with restore-by-exact-key, fallback restore-by-prefix, and
// idempotent save-on-completion.
//
// Caching is an optimization, never a correctness dependency: a store that is
// unreachable or corrupted behaves as a cache miss, and save degrades to a
// no-op. No error from this package ever fails a job.
package cachestore

import "context"

// Hit classifies the outcome of a restore.
type Hit int

const (
	// Miss means no cached entry matched; nothing was unpacked.
	Miss Hit = iota
	// PrefixHit means a fallback prefix key matched. The unpacked data is
	// non-authoritative: callers must not assume it corresponds to the
	// exact key they asked for, only that some cached data is present.
	PrefixHit
	// ExactHit means the exact key matched and the unpacked data is
	// authoritative for that content identifier.
	ExactHit
)

func (h Hit) String() string {
	switch h {
	case ExactHit:
		return "exact"
	case PrefixHit:
		return "prefix"
	default:
		return "miss"
	}
}

// RestoreResult reports which key, if any, a restore matched.
type RestoreResult struct {
	Hit Hit
	// Key is the store key that actually matched; empty on a miss.
	Key string
}

// SaveOutcome reports whether a save persisted new data.
type SaveOutcome int

const (
	// Stored means the entry was persisted under the given key.
	Stored SaveOutcome = iota
	// Skipped means an entry already existed for the key (or the store was
	// unavailable); nothing was written. Existing entries are immutable and
	// never overwritten.
	Skipped
)

func (o SaveOutcome) String() string {
	if o == Stored {
		return "stored"
	}
	return "skipped"
}

// Store is a key-addressed blob store holding directory trees.
//
// Implementations must be safe for concurrent use: restores may run from
// many jobs at once, and saves for the same key may race benignly (the key
// embeds platform and content identity, so racing writers carry identical
// data and it does not matter which writer's copy survives).
type Store interface {
	// Restore tries exact first, then each prefix in order, copying the
	// first match's content into dest. It never returns an error: any
	// backend failure degrades to a Miss.
	Restore(ctx context.Context, exact string, prefixes []string, dest string) RestoreResult

	// Save durably persists dir's contents under key. It returns Skipped
	// without writing if an entry already exists for key. A backend failure
	// is returned for observability but callers treat it as Skipped.
	Save(ctx context.Context, key string, dir string) (SaveOutcome, error)
}
