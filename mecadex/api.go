// Package mecadex builds and serves a DOI→object-key index for archival
// manuscript packages stored under opaque GUID filenames.
//
// The remote store publishes no mapping from a manuscript's stable
// identifier (its DOI) to the storage key it lives under, and every list or
// read costs money. Mecadex discovers the mapping incrementally by scanning
// one month partition at a time, persists what it has learned durably and
// resumably, answers lookups against partial knowledge, and decides per
// request whether to serve from the index, extend it, or defer to a manual
// path — all under an explicit cost budget.
package mecadex

import (
	"context"
	"errors"
	"io"
	"time"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// IndexStatus describes how much of a partition has been indexed.
type IndexStatus string

const (
	// IndexEmpty means no objects in the partition have been indexed.
	IndexEmpty IndexStatus = "empty"

	// IndexPartial means some objects have been indexed but the partition's
	// listing has never been exhausted under an uncapped build. A partial
	// index is a valid, queryable state, not an error.
	IndexPartial IndexStatus = "partial"

	// IndexComplete means every listed object in the partition has been
	// attempted and the listing itself was exhaustive.
	IndexComplete IndexStatus = "complete"
)

// ManuscriptRecord maps one stable identifier to the storage key it was
// observed under. The storage key is opaque and never derived — only
// observed by reading the object's embedded manifest.
type ManuscriptRecord struct {
	// StableID is the manuscript's DOI (e.g., "10.1101/2023.12.11.571168").
	StableID string `json:"stable_id"`

	// StorageKey is the store-assigned object key, including the partition
	// prefix. Usable directly for a fetch.
	StorageKey string `json:"storage_key"`

	// Partition is the month partition the record was observed in.
	Partition PartitionKey `json:"partition"`

	// ObservedAt records when the mapping was extracted.
	ObservedAt time.Time `json:"observed_at"`
}

// MonthIndex is the accumulated DOI→key knowledge for one partition, plus
// build metadata. Entries are keyed by stable ID; duplicates from
// reprocessing merge idempotently, first observation wins.
type MonthIndex struct {
	// Partition identifies the indexed partition.
	Partition PartitionKey `json:"partition"`

	// Entries maps stable ID to the observed record.
	Entries map[string]ManuscriptRecord `json:"entries"`

	// ObjectsListed is the number of candidate objects seen in the most
	// recent listing pass. Never lags ObjectsIndexed.
	ObjectsListed int `json:"objects_listed"`

	// ObjectsIndexed is the number of entries in the index.
	ObjectsIndexed int `json:"objects_indexed"`

	// Status reports completeness. Complete is sticky across merges.
	Status IndexStatus `json:"status"`

	// CostUnitsSpent is the cumulative cost paid to build this index.
	CostUnitsSpent float64 `json:"cost_units_spent"`
}

// NewMonthIndex creates an empty index for a partition.
func NewMonthIndex(partition PartitionKey) *MonthIndex {
	return &MonthIndex{
		Partition: partition,
		Entries:   make(map[string]ManuscriptRecord),
		Status:    IndexEmpty,
	}
}

// Merge inserts a record keyed by stable ID. If the stable ID is already
// present the existing record is left unchanged and Merge reports false.
// Merging is commutative and idempotent, so results are independent of
// fetch completion order.
func (m *MonthIndex) Merge(rec ManuscriptRecord) bool {
	if m.Entries == nil {
		m.Entries = make(map[string]ManuscriptRecord)
	}
	if _, exists := m.Entries[rec.StableID]; exists {
		return false
	}
	m.Entries[rec.StableID] = rec
	m.ObjectsIndexed = len(m.Entries)
	return true
}

// Clone returns a deep copy. The receiver may be nil, in which case Clone
// returns a fresh empty index for the given partition.
func (m *MonthIndex) Clone(partition PartitionKey) *MonthIndex {
	if m == nil {
		return NewMonthIndex(partition)
	}
	out := &MonthIndex{
		Partition:      m.Partition,
		Entries:        make(map[string]ManuscriptRecord, len(m.Entries)),
		ObjectsListed:  m.ObjectsListed,
		ObjectsIndexed: m.ObjectsIndexed,
		Status:         m.Status,
		CostUnitsSpent: m.CostUnitsSpent,
	}
	for id, rec := range m.Entries {
		out.Entries[id] = rec
	}
	return out
}

// -----------------------------------------------------------------------------
// Object store gateway
// -----------------------------------------------------------------------------

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	// Key is the full object key.
	Key string

	// Size is the object size in bytes.
	Size int64
}

// ListResult is one page of a listing, with the cost of the call.
type ListResult struct {
	// Objects are the keys on this page.
	Objects []ObjectInfo

	// NextPageToken continues the listing. Empty when exhausted.
	NextPageToken string

	// Cost is the cost units charged for this call.
	Cost float64
}

// ObjectStore is the gateway capability over the remote archive store.
//
// Implementations report an opaque cost-unit count per call; the builder
// and orchestrator budget against these numbers. All methods may block on
// the network and honor context cancellation.
type ObjectStore interface {
	// ListPage returns one page of keys under the prefix. Pass an empty
	// pageToken to start and the returned NextPageToken to continue.
	ListPage(ctx context.Context, prefix, pageToken string) (*ListResult, error)

	// Fetch retrieves an object's full payload.
	Fetch(ctx context.Context, key string) ([]byte, float64, error)
}

// RangeFetcher is an optional ObjectStore capability for byte-range reads.
// When available it is the dominant cost lever: the builder reads only the
// small embedded manifest entry instead of the full archive.
type RangeFetcher interface {
	// FetchRange reads length bytes starting at offset. Reads past EOF
	// return the available bytes.
	FetchRange(ctx context.Context, key string, offset, length int64) ([]byte, float64, error)
}

// KeyProber is an optional ObjectStore capability for cheap existence
// checks, used for the direct DOI-derived key probe.
type KeyProber interface {
	// Probe reports whether the key exists without fetching it.
	Probe(ctx context.Context, key string) (bool, float64, error)
}

// -----------------------------------------------------------------------------
// Manifest extractor
// -----------------------------------------------------------------------------

// ExtractedRecord is the identifying information pulled from one archival
// package.
type ExtractedRecord struct {
	// StableID is the DOI found in the package's embedded manifest.
	StableID string

	// ConfirmedKey is a self reference found in the manifest, when the
	// format carries one. Empty otherwise. Used only as a sanity check
	// against the listed key.
	ConfirmedKey string
}

// Extractor pulls the stable identifier out of a package's bytes.
type Extractor interface {
	// Extract parses the full package payload.
	Extract(objectBytes []byte) (ExtractedRecord, error)
}

// RangeExtractor is an optional Extractor capability that reads only the
// manifest entry via ranged fetches instead of the whole payload. It
// returns the cost spent on the ranged reads.
type RangeExtractor interface {
	// ExtractAt extracts from the object at key with the given total size,
	// issuing range reads through rf.
	ExtractAt(ctx context.Context, rf RangeFetcher, key string, size int64) (ExtractedRecord, float64, error)
}

// -----------------------------------------------------------------------------
// Date resolution
// -----------------------------------------------------------------------------

// DateResolver resolves a stable identifier to its publication date via an
// external metadata service. The date is a civil date; callers convert it
// to a PartitionKey with PartitionForDate.
type DateResolver interface {
	ResolveDate(ctx context.Context, stableID string) (time.Time, error)
}

// -----------------------------------------------------------------------------
// Blob store (durable index persistence)
// -----------------------------------------------------------------------------

// BlobStore abstracts the durable medium the index store writes to.
//
// Implementations may target the local filesystem, memory, or any system
// with no-overwrite put semantics. Segment files written through Put are
// immutable.
type BlobStore interface {
	// Put writes data to the given path. Fails with ErrPathExists if the
	// path is already present. Data is durable before Put returns.
	Put(ctx context.Context, path string, r io.Reader) error

	// Get retrieves data from the given path.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists checks whether a path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the path if it exists.
	Delete(ctx context.Context, path string) error
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotFound indicates a requested resource does not exist.
	ErrNotFound = errors.New("mecadex: not found")

	// ErrPathExists indicates an attempt to write to an existing path.
	ErrPathExists = errors.New("mecadex: path exists")

	// ErrInvalidPath indicates a path that would escape the storage root.
	ErrInvalidPath = errors.New("mecadex: invalid path: escapes storage root")

	// ErrExtraction indicates a malformed or unexpected package payload.
	// Builds absorb it per object as a skip.
	ErrExtraction = errors.New("mecadex: extraction failed")

	// ErrResolutionUnavailable indicates the external metadata service
	// could not resolve a stable identifier to a date.
	ErrResolutionUnavailable = errors.New("mecadex: date resolution unavailable")

	// ErrBeforeMonthlyLayout indicates a publication date that predates the
	// store's month-partitioned layout. Such packages live in batch folders
	// that are not prefix-addressable by month.
	ErrBeforeMonthlyLayout = errors.New("mecadex: publication date predates monthly layout")
)
