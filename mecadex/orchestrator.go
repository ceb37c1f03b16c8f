package mecadex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Policy selects how the orchestrator reacts to an ambiguous miss.
type Policy string

const (
	// PolicyManualOnly never spends cost automatically; every miss defers
	// to the manual path.
	PolicyManualOnly Policy = "manual-only"

	// PolicyIncremental extends the index by one bounded increment, then
	// re-queries once. Suitable for interactive requests.
	PolicyIncremental Policy = "incremental"

	// PolicyBackgroundComplete runs an uncapped build subject only to the
	// shared cost guard. Designed for batch or offline invocation; the
	// call blocks for the duration of the build.
	PolicyBackgroundComplete Policy = "background-complete"
)

// DeferReason explains a Deferred resolution.
type DeferReason string

const (
	// DeferManualRequired means the package cannot be located automatically
	// under the configured policy; the caller should fall back to a manual
	// upload path.
	DeferManualRequired DeferReason = "manual-required"

	// DeferCostLimitExceeded means the shared cost guard would be breached
	// by further automatic index work. An expected policy outcome, not a
	// failure.
	DeferCostLimitExceeded DeferReason = "cost-limit-exceeded"
)

// Outcome is the terminal state of a resolution request.
type Outcome string

const (
	// OutcomeResolved carries a storage key ready to fetch.
	OutcomeResolved Outcome = "resolved"

	// OutcomeDeferred carries a DeferReason.
	OutcomeDeferred Outcome = "deferred"

	// OutcomeFailed carries an error.
	OutcomeFailed Outcome = "failed"
)

// Resolution is the result of Orchestrator.Resolve.
type Resolution struct {
	Outcome    Outcome
	StorageKey string
	Partition  PartitionKey
	Reason     DeferReason
	Err        error
}

func resolved(partition PartitionKey, key string) Resolution {
	return Resolution{Outcome: OutcomeResolved, Partition: partition, StorageKey: key}
}

func deferred(partition PartitionKey, reason DeferReason) Resolution {
	return Resolution{Outcome: OutcomeDeferred, Partition: partition, Reason: reason}
}

func failed(err error) Resolution {
	return Resolution{Outcome: OutcomeFailed, Err: err}
}

// OrchestratorConfig wires an Orchestrator. Store, Extractor, Index,
// Lookup, Resolver, and Guard are required.
type OrchestratorConfig struct {
	// Store is the object store gateway builds read from.
	Store ObjectStore

	// Extractor pulls stable IDs from package payloads.
	Extractor Extractor

	// Index is the durable index store.
	Index *IndexStore

	// Lookup serves index queries.
	Lookup *Lookup

	// Resolver resolves a stable ID to its publication date.
	Resolver DateResolver

	// Guard is the shared cumulative cost limit for automatic builds.
	Guard *CostGuard

	// Policy selects the miss behavior. Defaults to PolicyManualOnly, the
	// only mode that never spends cost without an explicit opt-in.
	Policy Policy

	// IncrementObjects caps one incremental build's newly attempted
	// objects. Defaults to 25.
	IncrementObjects int

	// IncrementBudget caps one incremental build's spend in cost units.
	// Defaults to 1.
	IncrementBudget float64

	// Concurrency bounds build worker pools. Defaults to the builder's.
	Concurrency int

	// DirectProbe enables probing the DOI-derived key before any index
	// work on an ambiguous miss. Costs one metadata request and resolves
	// months that predate the opaque renaming. Requires the gateway to
	// implement KeyProber; silently skipped otherwise.
	DirectProbe bool

	// Logger receives request decisions. Defaults to slog.Default().
	Logger *slog.Logger
}

// Orchestrator decides, per request, between serving from the index,
// extending the index, and deferring to a manual path.
//
// A request walks resolve-date → partition → lookup. A hit resolves
// immediately. A miss against a Complete index is definitive and defers —
// no further spend is justified. A miss against a Partial or absent index
// is ambiguous and the configured Policy decides. Every automatic build
// first reserves spend from the shared CostGuard and aborts into
// Deferred(cost-limit-exceeded) when the guard would be breached.
//
// Safe for concurrent use. Builds for the same partition are serialized;
// distinct partitions build in parallel.
type Orchestrator struct {
	store     ObjectStore
	extractor Extractor
	index     *IndexStore
	lookup    *Lookup
	resolver  DateResolver
	guard     *CostGuard
	builder   *Builder

	policy           Policy
	incrementObjects int
	incrementBudget  float64
	concurrency      int
	directProbe      bool
	logger           *slog.Logger

	mu       sync.Mutex
	building map[string]*sync.Mutex
}

// NewOrchestrator validates the configuration and creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("mecadex: object store is required")
	}
	if cfg.Extractor == nil {
		return nil, errors.New("mecadex: extractor is required")
	}
	if cfg.Index == nil {
		return nil, errors.New("mecadex: index store is required")
	}
	if cfg.Lookup == nil {
		return nil, errors.New("mecadex: lookup is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("mecadex: date resolver is required")
	}
	if cfg.Guard == nil {
		return nil, errors.New("mecadex: cost guard is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	builder, err := NewBuilder(cfg.Store, cfg.Extractor, BuilderConfig{Logger: logger})
	if err != nil {
		return nil, err
	}

	policy := cfg.Policy
	if policy == "" {
		policy = PolicyManualOnly
	}
	switch policy {
	case PolicyManualOnly, PolicyIncremental, PolicyBackgroundComplete:
	default:
		return nil, fmt.Errorf("mecadex: unknown policy %q", policy)
	}

	incObjects := cfg.IncrementObjects
	if incObjects <= 0 {
		incObjects = 25
	}
	incBudget := cfg.IncrementBudget
	if incBudget <= 0 {
		incBudget = 1
	}

	return &Orchestrator{
		store:            cfg.Store,
		extractor:        cfg.Extractor,
		index:            cfg.Index,
		lookup:           cfg.Lookup,
		resolver:         cfg.Resolver,
		guard:            cfg.Guard,
		builder:          builder,
		policy:           policy,
		incrementObjects: incObjects,
		incrementBudget:  incBudget,
		concurrency:      cfg.Concurrency,
		directProbe:      cfg.DirectProbe,
		logger:           logger,
		building:         make(map[string]*sync.Mutex),
	}, nil
}

// Resolve maps a stable ID to its storage key, or explains why it cannot.
//
// This is the only operation exposed to callers outside the core; all
// index mutation happens behind it.
func (o *Orchestrator) Resolve(ctx context.Context, stableID string) Resolution {
	date, err := o.resolver.ResolveDate(ctx, stableID)
	if err != nil {
		o.logger.Warn("date resolution failed", "stable_id", stableID, "error", err)
		return failed(err)
	}

	partition, err := PartitionForDate(date)
	if errors.Is(err, ErrBeforeMonthlyLayout) {
		// Pre-epoch packages live in batch folders with no month prefix;
		// no amount of listing under a month prefix will find them.
		o.logger.Info("package predates monthly layout", "stable_id", stableID, "date", date.Format("2006-01-02"))
		return deferred(PartitionKey{}, DeferManualRequired)
	}
	if err != nil {
		return failed(err)
	}

	match, err := o.lookup.Find(ctx, stableID, &partition)
	if err != nil {
		return failed(err)
	}
	if match.Found {
		return resolved(partition, match.StorageKey)
	}
	if match.Definitive {
		// The index is complete and the DOI is not in it: the package
		// provably has no key in this partition. Spending more is not
		// justified.
		o.logger.Info("definitive miss", "stable_id", stableID, "partition", partition.String())
		return deferred(partition, DeferManualRequired)
	}

	if o.directProbe {
		if res, ok := o.probeDirectKey(ctx, stableID, partition); ok {
			return res
		}
	}

	switch o.policy {
	case PolicyManualOnly:
		return deferred(partition, DeferManualRequired)
	case PolicyIncremental:
		return o.extendAndRetry(ctx, stableID, partition, BuildOptions{
			MaxObjects:  o.incrementObjects,
			CostBudget:  o.incrementBudget,
			Concurrency: o.concurrency,
		}, o.incrementBudget)
	case PolicyBackgroundComplete:
		budget := o.guard.Remaining()
		return o.extendAndRetry(ctx, stableID, partition, BuildOptions{
			CostBudget:  budget,
			Concurrency: o.concurrency,
		}, budget)
	}
	return failed(fmt.Errorf("mecadex: unknown policy %q", o.policy))
}

// extendAndRetry runs one guarded build for the partition, persists the
// result, and re-queries the index exactly once. Bounded: a second miss
// defers, never loops.
func (o *Orchestrator) extendAndRetry(ctx context.Context, stableID string, partition PartitionKey, opts BuildOptions, reservation float64) Resolution {
	if !o.guard.Reserve(reservation) {
		o.logger.Info("cost guard rejected build",
			"stable_id", stableID,
			"partition", partition.String(),
			"reservation", reservation,
			"spent", o.guard.Spent())
		return deferred(partition, DeferCostLimitExceeded)
	}

	spent, err := o.buildAndPersist(ctx, partition, opts)
	o.guard.Settle(reservation, spent)
	if err != nil {
		return failed(err)
	}

	match, err := o.lookup.Find(ctx, stableID, &partition)
	if err != nil {
		return failed(err)
	}
	if match.Found {
		return resolved(partition, match.StorageKey)
	}
	return deferred(partition, DeferManualRequired)
}

// buildAndPersist serializes builds per partition, resumes from the stored
// index, and persists the result before invalidating the lookup cache.
// Returns the build's actual spend even on failure, so the guard can
// settle honestly.
func (o *Orchestrator) buildAndPersist(ctx context.Context, partition PartitionKey, opts BuildOptions) (float64, error) {
	lock := o.buildLock(partition)
	lock.Lock()
	defer lock.Unlock()

	prior, err := o.index.Load(ctx, partition)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	opts.Resume = prior

	start := time.Now()
	result, err := o.builder.Build(ctx, partition, opts)
	if err != nil {
		return 0, err
	}

	// A persistence failure means the spend is not durably recorded; the
	// result must not be reported as persisted.
	if err := o.index.Upsert(ctx, result.Index); err != nil {
		return result.Cost, fmt.Errorf("mecadex: persisting index for %s: %w", partition, err)
	}
	o.lookup.Invalidate(partition)

	o.logger.Info("index extended",
		"partition", partition.String(),
		"status", string(result.Index.Status),
		"indexed", result.Index.ObjectsIndexed,
		"skipped", result.ObjectsSkipped,
		"cost", result.Cost,
		"elapsed", time.Since(start))
	return result.Cost, nil
}

// probeDirectKey checks the DOI-derived key. On a hit the mapping is
// recorded through the index store so the probe's knowledge is kept.
func (o *Orchestrator) probeDirectKey(ctx context.Context, stableID string, partition PartitionKey) (Resolution, bool) {
	prober, ok := o.store.(KeyProber)
	if !ok {
		return Resolution{}, false
	}

	key := partition.DirectObjectKey(stableID)
	exists, _, err := prober.Probe(ctx, key)
	if err != nil || !exists {
		return Resolution{}, false
	}

	probe := NewMonthIndex(partition)
	probe.Merge(ManuscriptRecord{
		StableID:   stableID,
		StorageKey: key,
		Partition:  partition,
		ObservedAt: time.Now().UTC(),
	})
	probe.Status = IndexPartial
	probe.ObjectsListed = 1
	if err := o.index.Upsert(ctx, probe); err != nil {
		o.logger.Warn("recording direct probe hit failed", "key", key, "error", err)
	} else {
		o.lookup.Invalidate(partition)
	}

	o.logger.Info("direct key probe hit", "stable_id", stableID, "key", key)
	return resolved(partition, key), true
}

func (o *Orchestrator) buildLock(partition PartitionKey) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := partition.String()
	lock, ok := o.building[key]
	if !ok {
		lock = &sync.Mutex{}
		o.building[key] = lock
	}
	return lock
}
