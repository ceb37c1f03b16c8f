package mecadex

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Match is the outcome of a lookup.
type Match struct {
	// Found reports whether the stable ID is indexed.
	Found bool

	// StorageKey is the observed key when Found.
	StorageKey string

	// Partition is the partition the record was found in, or the partition
	// whose (in)completeness determined the miss.
	Partition PartitionKey

	// Definitive qualifies a miss: true when the consulted index is
	// Complete, so the stable ID provably has no key in that partition.
	// A miss against a Partial or absent index is ambiguous — the record
	// may simply not have been indexed yet.
	Definitive bool
}

// Lookup answers "what is the storage key for this DOI" from partition-
// scoped index knowledge.
//
// Lookup holds a read-through cache of loaded MonthIndex records. The
// cache is never the source of truth: a cache miss always consults the
// index store before declaring a stable ID unknown. Invalidate must be
// called after a build is persisted for a partition so the next lookup
// observes the new entries.
type Lookup struct {
	store *IndexStore

	mu    sync.RWMutex
	cache map[string]*MonthIndex
}

// NewLookup creates a lookup service over the given index store.
func NewLookup(store *IndexStore) (*Lookup, error) {
	if store == nil {
		return nil, errors.New("mecadex: index store is required")
	}
	return &Lookup{
		store: store,
		cache: make(map[string]*MonthIndex),
	}, nil
}

// Find resolves a stable ID to its storage key.
//
// When hint is non-nil only that partition is consulted — the common case,
// since callers resolve the partition from the manuscript's date first.
// Without a hint every known partition is scanned, which is multiplicatively
// more expensive and intended only for diagnostic use.
//
// Find never fabricates a result; a miss carries the Definitive flag so the
// caller can distinguish "provably absent" from "not indexed yet".
func (l *Lookup) Find(ctx context.Context, stableID string, hint *PartitionKey) (Match, error) {
	if stableID == "" {
		return Match{}, errors.New("mecadex: stable ID is required")
	}

	if hint != nil {
		return l.findIn(ctx, stableID, *hint)
	}

	partitions, err := l.store.Partitions(ctx)
	if err != nil {
		return Match{}, err
	}

	allComplete := len(partitions) > 0
	for _, partition := range partitions {
		match, err := l.findIn(ctx, stableID, partition)
		if err != nil {
			return Match{}, err
		}
		if match.Found {
			return match, nil
		}
		if !match.Definitive {
			allComplete = false
		}
	}
	return Match{Definitive: allComplete}, nil
}

// Invalidate drops the cached index for a partition. Call after a build
// has been persisted so reads observe the new entries.
func (l *Lookup) Invalidate(partition PartitionKey) {
	l.mu.Lock()
	delete(l.cache, partition.String())
	l.mu.Unlock()
}

func (l *Lookup) findIn(ctx context.Context, stableID string, partition PartitionKey) (Match, error) {
	idx, err := l.index(ctx, partition)
	if errors.Is(err, ErrNotFound) {
		// No index at all: ambiguous by definition.
		return Match{Partition: partition}, nil
	}
	if err != nil {
		return Match{}, fmt.Errorf("mecadex: loading index for %s: %w", partition, err)
	}

	if rec, ok := idx.Entries[stableID]; ok {
		return Match{
			Found:      true,
			StorageKey: rec.StorageKey,
			Partition:  partition,
		}, nil
	}
	return Match{
		Partition:  partition,
		Definitive: idx.Status == IndexComplete,
	}, nil
}

// index returns the cached index for a partition, reading through to the
// store on a cache miss. Negative results are not cached.
func (l *Lookup) index(ctx context.Context, partition PartitionKey) (*MonthIndex, error) {
	key := partition.String()

	l.mu.RLock()
	idx, ok := l.cache[key]
	l.mu.RUnlock()
	if ok {
		return idx, nil
	}

	idx, err := l.store.Load(ctx, partition)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[key] = idx
	l.mu.Unlock()
	return idx, nil
}
