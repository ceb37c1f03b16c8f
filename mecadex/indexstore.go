package mecadex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	indexSchemaName    = "mecadex-index"
	indexFormatVersion = "1.0.0"

	indexRootDir = "index"
)

// FileRef describes a persisted segment file.
type FileRef struct {
	// Path is the segment's path within the blob store.
	Path string `json:"path"`

	// SizeBytes is the compressed size on disk.
	SizeBytes int64 `json:"size_bytes"`

	// Records is the number of entry records in the segment.
	Records int `json:"records"`
}

// partitionManifest is the durable per-partition metadata record. It points
// at the entries segment of the same sequence; the highest sequence wins.
type partitionManifest struct {
	SchemaName     string       `json:"schema_name"`
	FormatVersion  string       `json:"format_version"`
	Partition      PartitionKey `json:"partition"`
	Sequence       int          `json:"sequence"`
	CreatedAt      time.Time    `json:"created_at"`
	Status         IndexStatus  `json:"status"`
	ObjectsListed  int          `json:"objects_listed"`
	ObjectsIndexed int          `json:"objects_indexed"`
	CostUnitsSpent float64      `json:"cost_units_spent"`
	Entries        FileRef      `json:"entries"`
}

// IndexStore durably persists MonthIndex records, one partition at a time.
//
// Layout per partition, under index/<partition>/:
//
//	entries-<seq>.jsonl.zst   JSONL entry records, compressed
//	manifest-<seq>.json       status, counters, cost, segment reference
//
// Every upsert writes a new immutable sequence: entries first, manifest
// last, acknowledged only after both puts succeed. Superseded sequences are
// retained — index entries are paid-for knowledge and are never deleted
// automatically.
type IndexStore struct {
	blobs      BlobStore
	compressor Compressor

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// IndexStoreConfig holds optional index store configuration.
type IndexStoreConfig struct {
	// Compressor for entry segments. Defaults to zstd.
	Compressor Compressor
}

// NewIndexStore creates an index store over the given blob store.
func NewIndexStore(blobs BlobStore, cfg IndexStoreConfig) (*IndexStore, error) {
	if blobs == nil {
		return nil, errors.New("mecadex: blob store is required")
	}
	comp := cfg.Compressor
	if comp == nil {
		comp = NewZstdCompressor()
	}
	return &IndexStore{
		blobs:      blobs,
		compressor: comp,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// Upsert durably merges idx into the stored index for its partition.
//
// The merge keys on stable ID and never discards previously known entries
// absent from the incoming index — the incoming index may itself be
// partial. Safe to call repeatedly with overlapping data. Returns only
// after the new sequence is written; on error nothing is acknowledged and
// the previous sequence remains authoritative.
//
// Upserts for the same partition are serialized; distinct partitions
// proceed in parallel.
func (s *IndexStore) Upsert(ctx context.Context, idx *MonthIndex) error {
	if idx == nil {
		return errors.New("mecadex: index must not be nil")
	}
	if idx.Partition.IsZero() {
		return errors.New("mecadex: index has no partition")
	}

	lock := s.partitionLock(idx.Partition)
	lock.Lock()
	defer lock.Unlock()

	current, seq, err := s.load(ctx, idx.Partition)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	merged := mergeIndexes(current, idx)
	return s.write(ctx, merged, seq+1)
}

// Load returns the stored index for the partition, or ErrNotFound.
func (s *IndexStore) Load(ctx context.Context, partition PartitionKey) (*MonthIndex, error) {
	idx, _, err := s.load(ctx, partition)
	return idx, err
}

// Partitions returns every partition with known (even partial) data.
func (s *IndexStore) Partitions(ctx context.Context) ([]PartitionKey, error) {
	paths, err := s.blobs.List(ctx, indexRootDir+"/")
	if err != nil {
		return nil, fmt.Errorf("mecadex: listing index partitions: %w", err)
	}

	seen := make(map[PartitionKey]bool)
	var partitions []PartitionKey
	for _, p := range paths {
		rest := strings.TrimPrefix(p, indexRootDir+"/")
		name, _, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		key, err := ParsePartitionKey(name)
		if err != nil || seen[key] {
			continue
		}
		seen[key] = true
		partitions = append(partitions, key)
	}

	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].before(partitions[j])
	})
	return partitions, nil
}

func (s *IndexStore) partitionLock(partition PartitionKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partition.String()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// load returns the stored index and its sequence number. Sequence 0 means
// no data exists yet.
func (s *IndexStore) load(ctx context.Context, partition PartitionKey) (*MonthIndex, int, error) {
	seq, manifestPath, err := s.latestSequence(ctx, partition)
	if err != nil {
		return nil, 0, err
	}
	if seq == 0 {
		return nil, 0, fmt.Errorf("%w: no index for partition %s", ErrNotFound, partition)
	}

	rc, err := s.blobs.Get(ctx, manifestPath)
	if err != nil {
		return nil, 0, fmt.Errorf("mecadex: reading manifest %s: %w", manifestPath, err)
	}
	defer closer(rc)()

	var manifest partitionManifest
	if err := json.NewDecoder(rc).Decode(&manifest); err != nil {
		return nil, 0, fmt.Errorf("mecadex: decoding manifest %s: %w", manifestPath, err)
	}
	if manifest.Partition != partition {
		return nil, 0, fmt.Errorf("mecadex: manifest %s belongs to partition %s", manifestPath, manifest.Partition)
	}

	entries, err := s.readSegment(ctx, manifest.Entries.Path)
	if err != nil {
		return nil, 0, err
	}

	idx := NewMonthIndex(partition)
	for _, rec := range entries {
		idx.Merge(rec)
	}
	idx.ObjectsListed = manifest.ObjectsListed
	idx.Status = manifest.Status
	idx.CostUnitsSpent = manifest.CostUnitsSpent
	return idx, seq, nil
}

func (s *IndexStore) write(ctx context.Context, idx *MonthIndex, seq int) error {
	records := make([]ManuscriptRecord, 0, len(idx.Entries))
	for _, rec := range idx.Entries {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StableID < records[j].StableID
	})

	var buf bytes.Buffer
	cw, err := s.compressor.Compress(&buf)
	if err != nil {
		return fmt.Errorf("mecadex: compressing segment: %w", err)
	}
	if err := encodeRecords(cw, records); err != nil {
		_ = cw.Close()
		return fmt.Errorf("mecadex: encoding segment: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("mecadex: compressing segment: %w", err)
	}

	dir := indexRootDir + "/" + idx.Partition.String()
	entriesPath := fmt.Sprintf("%s/entries-%08d.jsonl%s", dir, seq, s.compressor.Extension())
	manifestPath := fmt.Sprintf("%s/manifest-%08d.json", dir, seq)

	// Data before manifest: a manifest is only visible once its segment is
	// fully written.
	if err := s.blobs.Put(ctx, entriesPath, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("mecadex: writing segment %s: %w", entriesPath, err)
	}

	manifest := partitionManifest{
		SchemaName:     indexSchemaName,
		FormatVersion:  indexFormatVersion,
		Partition:      idx.Partition,
		Sequence:       seq,
		CreatedAt:      time.Now().UTC(),
		Status:         idx.Status,
		ObjectsListed:  idx.ObjectsListed,
		ObjectsIndexed: idx.ObjectsIndexed,
		CostUnitsSpent: idx.CostUnitsSpent,
		Entries: FileRef{
			Path:      entriesPath,
			SizeBytes: int64(buf.Len()),
			Records:   len(records),
		},
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("mecadex: encoding manifest: %w", err)
	}
	if err := s.blobs.Put(ctx, manifestPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("mecadex: writing manifest %s: %w", manifestPath, err)
	}
	return nil
}

func (s *IndexStore) readSegment(ctx context.Context, path string) ([]ManuscriptRecord, error) {
	rc, err := s.blobs.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("mecadex: reading segment %s: %w", path, err)
	}
	defer closer(rc)()

	dr, err := s.compressor.Decompress(rc)
	if err != nil {
		return nil, fmt.Errorf("mecadex: decompressing segment %s: %w", path, err)
	}
	defer closer(dr)()

	records, err := decodeRecords(dr)
	if err != nil {
		return nil, fmt.Errorf("mecadex: decoding segment %s: %w", path, err)
	}
	return records, nil
}

// latestSequence scans the partition's directory for the highest manifest
// sequence. Returns 0 when no manifest exists.
func (s *IndexStore) latestSequence(ctx context.Context, partition PartitionKey) (int, string, error) {
	dir := indexRootDir + "/" + partition.String() + "/"
	paths, err := s.blobs.List(ctx, dir)
	if err != nil {
		return 0, "", fmt.Errorf("mecadex: listing %s: %w", dir, err)
	}

	best := 0
	bestPath := ""
	for _, p := range paths {
		base := p[strings.LastIndex(p, "/")+1:]
		if !strings.HasPrefix(base, "manifest-") || !strings.HasSuffix(base, ".json") {
			continue
		}
		numeric := strings.TrimSuffix(strings.TrimPrefix(base, "manifest-"), ".json")
		seq, err := strconv.Atoi(numeric)
		if err != nil || seq <= best {
			continue
		}
		best = seq
		bestPath = p
	}
	return best, bestPath, nil
}

// mergeIndexes merges incoming into existing without discarding anything.
// Entries union with existing records winning; Complete status is sticky;
// counters and cost merge by max (builds for a partition are serialized and
// each build's index carries cumulative totals, so max is the latest).
// ObjectsListed never lags the entry count, preserving the
// indexed ≤ listed invariant even for entries learned outside a listing
// pass (e.g., a direct-key probe).
func mergeIndexes(existing, incoming *MonthIndex) *MonthIndex {
	if existing == nil {
		merged := incoming.Clone(incoming.Partition)
		if merged.ObjectsListed < len(merged.Entries) {
			merged.ObjectsListed = len(merged.Entries)
		}
		merged.ObjectsIndexed = len(merged.Entries)
		return merged
	}

	merged := existing.Clone(existing.Partition)
	for _, rec := range incoming.Entries {
		merged.Merge(rec)
	}
	if incoming.ObjectsListed > merged.ObjectsListed {
		merged.ObjectsListed = incoming.ObjectsListed
	}
	if len(merged.Entries) > merged.ObjectsListed {
		merged.ObjectsListed = len(merged.Entries)
	}
	if incoming.CostUnitsSpent > merged.CostUnitsSpent {
		merged.CostUnitsSpent = incoming.CostUnitsSpent
	}
	merged.ObjectsIndexed = len(merged.Entries)

	switch {
	case existing.Status == IndexComplete || incoming.Status == IndexComplete:
		merged.Status = IndexComplete
	case len(merged.Entries) > 0 || merged.ObjectsListed > 0:
		merged.Status = IndexPartial
	default:
		merged.Status = IndexEmpty
	}
	return merged
}
