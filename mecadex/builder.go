package mecadex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// StopReason records why a build stopped dispatching objects.
type StopReason string

const (
	// StopExhausted means the listing was drained and every candidate was
	// attempted. Only this reason yields a Complete index.
	StopExhausted StopReason = "exhausted"

	// StopMaxObjects means the per-build object cap was reached.
	StopMaxObjects StopReason = "max-objects"

	// StopBudget means continuing would have exceeded the cost budget.
	StopBudget StopReason = "cost-budget"

	// StopCanceled means the context was canceled at an object boundary.
	// The partial result is valid and should still be persisted.
	StopCanceled StopReason = "canceled"
)

// BuildOptions bound one build call.
type BuildOptions struct {
	// MaxObjects caps how many previously-unindexed objects this build may
	// attempt. Zero means unlimited.
	MaxObjects int

	// CostBudget caps this build's spend in cost units. Zero means
	// unlimited. The build stops dispatching once the budget is reached;
	// in-flight objects complete, so actual spend can overshoot by at most
	// one object.
	CostBudget float64

	// Resume is the previously persisted index for the partition, if any.
	// Objects whose storage key is already indexed are skipped without a
	// fetch, so a resumed build pays only for what it has not seen.
	Resume *MonthIndex

	// Concurrency bounds the fetch+extract worker pool. Defaults to 4.
	// It trades wall-clock build time against the store's request limits.
	Concurrency int
}

// BuildResult is the outcome of one build call.
type BuildResult struct {
	// Index is the merged index: resume entries plus everything extracted
	// by this call. The caller persists it; the builder never does.
	Index *MonthIndex

	// ObjectsSkipped counts objects attempted by this call whose fetch or
	// extraction failed. Skips are absorbed, never silently dropped.
	ObjectsSkipped int

	// Cost is the spend of this call only, excluding the resume's.
	Cost float64

	// Stop records why the build stopped.
	Stop StopReason
}

// BuilderConfig holds optional builder configuration.
type BuilderConfig struct {
	// Logger receives per-object skip warnings and build summaries.
	// Defaults to slog.Default().
	Logger *slog.Logger

	// RangeReadMinSize is the smallest object the builder will extract via
	// range reads; smaller objects are fetched whole. Defaults to 256KB.
	RangeReadMinSize int64
}

// defaultRangeReadMinSize is the object size below which a full fetch is
// cheaper than three ranged requests.
const defaultRangeReadMinSize = 256 * 1024

// Builder constructs the DOI→key index for one partition at a time by
// listing the partition's prefix and extracting each package's manifest.
type Builder struct {
	store        ObjectStore
	extractor    Extractor
	logger       *slog.Logger
	rangeMinSize int64
}

// NewBuilder creates a builder over the given gateway and extractor.
func NewBuilder(store ObjectStore, extractor Extractor, cfg BuilderConfig) (*Builder, error) {
	if store == nil {
		return nil, errors.New("mecadex: object store is required")
	}
	if extractor == nil {
		return nil, errors.New("mecadex: extractor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rangeMin := cfg.RangeReadMinSize
	if rangeMin <= 0 {
		rangeMin = defaultRangeReadMinSize
	}
	return &Builder{
		store:        store,
		extractor:    extractor,
		logger:       logger,
		rangeMinSize: rangeMin,
	}, nil
}

// Build lists the partition and extracts (stableID, storageKey) pairs from
// objects not already present in the resume index, merging them into a
// MonthIndex. Per-object failures are recorded as skips and the build
// continues. Merging is commutative, so results are independent of fetch
// completion order.
//
// Build returns a valid partial result when stopped by a cap or by context
// cancellation; cancellation lands at an object boundary and is not a
// rollback. Listing failures other than cancellation are fatal to the call.
func (b *Builder) Build(ctx context.Context, partition PartitionKey, opts BuildOptions) (*BuildResult, error) {
	idx := opts.Resume.Clone(partition)
	idx.Partition = partition

	seen := make(map[string]struct{}, len(idx.Entries))
	for _, rec := range idx.Entries {
		seen[rec.StorageKey] = struct{}{}
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var mu sync.Mutex // guards spent, skipped, and idx merges
	var spent float64
	skipped := 0
	stop := StopExhausted

	overBudget := func() bool {
		return opts.CostBudget > 0 && spent >= opts.CostBudget
	}

	// Listing phase. Drains pagination unless a cap intervenes.
	var candidates []ObjectInfo
	listingExhausted := false
	token := ""
	for {
		if overBudget() {
			stop = StopBudget
			break
		}
		page, err := b.store.ListPage(ctx, partition.Prefix(), token)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				stop = StopCanceled
				break
			}
			return nil, fmt.Errorf("mecadex: listing partition %s: %w", partition, err)
		}
		spent += page.Cost
		for _, obj := range page.Objects {
			if !strings.HasSuffix(obj.Key, ".meca") {
				continue
			}
			candidates = append(candidates, obj)
		}
		if page.NextPageToken == "" {
			listingExhausted = true
			break
		}
		token = page.NextPageToken
	}

	if len(candidates) > idx.ObjectsListed {
		idx.ObjectsListed = len(candidates)
	}

	pending := candidates[:0:0]
	for _, obj := range candidates {
		if _, ok := seen[obj.Key]; !ok {
			pending = append(pending, obj)
		}
	}

	// Fetch+extract phase: independent per object, bounded worker pool.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	dispatched := 0
	remaining := 0
	for i, obj := range pending {
		if gctx.Err() != nil {
			stop = StopCanceled
			remaining = len(pending) - i
			break
		}
		if opts.MaxObjects > 0 && dispatched >= opts.MaxObjects {
			stop = StopMaxObjects
			remaining = len(pending) - i
			break
		}
		mu.Lock()
		stopForBudget := overBudget()
		mu.Unlock()
		if stopForBudget {
			stop = StopBudget
			remaining = len(pending) - i
			break
		}

		dispatched++
		g.Go(func() error {
			rec, cost, err := b.extractOne(gctx, obj)

			mu.Lock()
			defer mu.Unlock()
			spent += cost
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				skipped++
				b.logger.Warn("object skipped",
					"partition", partition.String(),
					"key", obj.Key,
					"error", err)
				return nil
			}
			idx.Merge(ManuscriptRecord{
				StableID:   rec.StableID,
				StorageKey: obj.Key,
				Partition:  partition,
				ObservedAt: time.Now().UTC(),
			})
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil && stop == StopExhausted {
		stop = StopCanceled
	}

	idx.CostUnitsSpent += spent
	switch {
	case stop == StopExhausted && listingExhausted && remaining == 0:
		idx.Status = IndexComplete
	case len(idx.Entries) > 0 || idx.ObjectsListed > 0:
		idx.Status = IndexPartial
	default:
		idx.Status = IndexEmpty
	}

	b.logger.Info("build finished",
		"partition", partition.String(),
		"status", string(idx.Status),
		"listed", idx.ObjectsListed,
		"indexed", idx.ObjectsIndexed,
		"skipped", skipped,
		"cost", spent,
		"stop", string(stop))

	return &BuildResult{
		Index:          idx,
		ObjectsSkipped: skipped,
		Cost:           spent,
		Stop:           stop,
	}, nil
}

// extractOne fetches and extracts a single object, preferring ranged
// manifest extraction when both the gateway and the extractor support it.
// A failed ranged attempt falls back to a full fetch; its cost still counts.
func (b *Builder) extractOne(ctx context.Context, obj ObjectInfo) (ExtractedRecord, float64, error) {
	var cost float64

	if rf, ok := b.store.(RangeFetcher); ok {
		if re, ok := b.extractor.(RangeExtractor); ok && obj.Size >= b.rangeMinSize {
			rec, c, err := re.ExtractAt(ctx, rf, obj.Key, obj.Size)
			cost += c
			if err == nil {
				b.checkConfirmedKey(obj.Key, rec)
				return rec, cost, nil
			}
			if ctx.Err() != nil {
				return ExtractedRecord{}, cost, err
			}
			b.logger.Debug("ranged extraction failed, falling back to full fetch",
				"key", obj.Key, "error", err)
		}
	}

	data, c, err := b.store.Fetch(ctx, obj.Key)
	cost += c
	if err != nil {
		return ExtractedRecord{}, cost, fmt.Errorf("fetching object: %w", err)
	}

	rec, err := b.extractor.Extract(data)
	if err != nil {
		return ExtractedRecord{}, cost, err
	}
	b.checkConfirmedKey(obj.Key, rec)
	return rec, cost, nil
}

func (b *Builder) checkConfirmedKey(key string, rec ExtractedRecord) {
	if rec.ConfirmedKey != "" && rec.ConfirmedKey != path.Base(key) {
		b.logger.Debug("manifest self reference disagrees with listed key",
			"key", key, "confirmed", rec.ConfirmedKey)
	}
}
