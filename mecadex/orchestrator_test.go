package mecadex_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pithecene-io/mecadex/internal/testutil"
	"github.com/pithecene-io/mecadex/mecadex"
)

type resolverFunc func(ctx context.Context, stableID string) (time.Time, error)

func (f resolverFunc) ResolveDate(ctx context.Context, stableID string) (time.Time, error) {
	return f(ctx, stableID)
}

func fixedDateResolver(date time.Time) resolverFunc {
	return func(context.Context, string) (time.Time, error) {
		return date, nil
	}
}

var testPartitionDate = time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

type orchestratorEnv struct {
	store      *testutil.FakeStore
	indexStore *mecadex.IndexStore
	lookup     *mecadex.Lookup
	guard      *mecadex.CostGuard
}

func newOrchestratorForTest(t *testing.T, env *orchestratorEnv, cfg mecadex.OrchestratorConfig) *mecadex.Orchestrator {
	t.Helper()

	if env.store == nil {
		env.store = testutil.NewFakeStore()
	}
	if env.indexStore == nil {
		blobs := mecadex.NewMemory()
		indexStore, err := mecadex.NewIndexStore(blobs, mecadex.IndexStoreConfig{})
		if err != nil {
			t.Fatal(err)
		}
		env.indexStore = indexStore
	}
	if env.lookup == nil {
		lookup, err := mecadex.NewLookup(env.indexStore)
		if err != nil {
			t.Fatal(err)
		}
		env.lookup = lookup
	}
	if env.guard == nil {
		env.guard = mecadex.NewCostGuard(100)
	}

	cfg.Store = env.store
	cfg.Extractor = mecadex.NewMecaExtractor()
	cfg.Index = env.indexStore
	cfg.Lookup = env.lookup
	cfg.Guard = env.guard
	if cfg.Resolver == nil {
		cfg.Resolver = fixedDateResolver(testPartitionDate)
	}
	cfg.Logger = discardLogger()

	orchestrator, err := mecadex.NewOrchestrator(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return orchestrator
}

func TestOrchestrator_Resolve_IndexHit(t *testing.T) {
	env := &orchestratorEnv{store: testutil.NewFakeStore()}
	dois := seedPartition(env.store, 1)
	orchestrator := newOrchestratorForTest(t, env, mecadex.OrchestratorConfig{
		Policy: mecadex.PolicyManualOnly,
	})
	ctx := context.Background()

	idx := mecadex.NewMonthIndex(testPartition)
	idx.Merge(mecadex.ManuscriptRecord{
		StableID:   dois[0],
		StorageKey: testPartition.Prefix() + "guid-0000.meca",
		Partition:  testPartition,
		ObservedAt: time.Now().UTC(),
	})
	idx.Status = mecadex.IndexPartial
	if err := env.indexStore.Upsert(ctx, idx); err != nil {
		t.Fatal(err)
	}

	res := orchestrator.Resolve(ctx, dois[0])
	if res.Outcome != mecadex.OutcomeResolved {
		t.Fatalf("Outcome = %q (%v), want resolved", res.Outcome, res.Err)
	}
	if res.StorageKey != testPartition.Prefix()+"guid-0000.meca" {
		t.Errorf("StorageKey = %q", res.StorageKey)
	}
	if env.store.FetchCalls != 0 || env.store.ListCalls != 0 {
		t.Error("a hit must not touch the object store")
	}
}

func TestOrchestrator_Resolve_ResolverFailure(t *testing.T) {
	env := &orchestratorEnv{}
	orchestrator := newOrchestratorForTest(t, env, mecadex.OrchestratorConfig{
		Policy: mecadex.PolicyIncremental,
		Resolver: resolverFunc(func(context.Context, string) (time.Time, error) {
			return time.Time{}, fmt.Errorf("%w: service down", mecadex.ErrResolutionUnavailable)
		}),
	})

	res := orchestrator.Resolve(context.Background(), "10.1101/111")
	if res.Outcome != mecadex.OutcomeFailed {
		t.Fatalf("Outcome = %q, want failed", res.Outcome)
	}
	if !errors.Is(res.Err, mecadex.ErrResolutionUnavailable) {
		t.Errorf("Err = %v, want ErrResolutionUnavailable", res.Err)
	}
}

func TestOrchestrator_Resolve_PreEpochDateDefers(t *testing.T) {
	env := &orchestratorEnv{}
	orchestrator := newOrchestratorForTest(t, env, mecadex.OrchestratorConfig{
		Policy:   mecadex.PolicyBackgroundComplete,
		Resolver: fixedDateResolver(time.Date(2017, time.May, 1, 0, 0, 0, 0, time.UTC)),
	})

	res := orchestrator.Resolve(context.Background(), "10.1101/111")
	if res.Outcome != mecadex.OutcomeDeferred || res.Reason != mecadex.DeferManualRequired {
		t.Errorf("got %+v, want Deferred(manual-required)", res)
	}
	if env.store.ListCalls != 0 {
		t.Error("pre-epoch packages must not trigger any listing")
	}
}

func TestOrchestrator_Resolve_ManualOnlyNeverSpends(t *testing.T) {
	env := &orchestratorEnv{store: testutil.NewFakeStore()}
	seedPartition(env.store, 3)
	orchestrator := newOrchestratorForTest(t, env, mecadex.OrchestratorConfig{
		Policy: mecadex.PolicyManualOnly,
	})

	res := orchestrator.Resolve(context.Background(), "10.1101/2024.01.01.100000")
	if res.Outcome != mecadex.OutcomeDeferred || res.Reason != mecadex.DeferManualRequired {
		t.Errorf("got %+v, want Deferred(manual-required)", res)
	}
	if env.store.ListCalls != 0 || env.store.FetchCalls != 0 {
		t.Error("manual-only policy must not spend on the object store")
	}
}

func TestOrchestrator_Resolve_IncrementalExtendsAndResolves(t *testing.T) {
	env := &orchestratorEnv{store: testutil.NewFakeStore()}
	dois := seedPartition(env.store, 3)
	orchestrator := newOrchestratorForTest(t, env, mecadex.OrchestratorConfig{
		Policy:          mecadex.PolicyIncremental,
		IncrementBudget: 10,
	})
	ctx := context.Background()

	res := orchestrator.Resolve(ctx, dois[2])
	if res.Outcome != mecadex.OutcomeResolved {
		t.Fatalf("Outcome = %q (%v), want resolved", res.Outcome, res.Err)
	}
	if res.Partition != testPartition {
		t.Errorf("Partition = %v", res.Partition)
	}

	// The extension was persisted and covers the whole partition.
	loaded, err := env.indexStore.Load(ctx, testPartition)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ObjectsIndexed != 3 {
		t.Errorf("persisted index has %d entries, want 3", loaded.ObjectsIndexed)
	}
	if env.guard.Spent() == 0 {
		t.Error("guard should record the build spend")
	}
}

func TestOrchestrator_Resolve_IncrementTooSmallDefersButPersists(t *testing.T) {
	env := &orchestratorEnv{store: testutil.NewFakeStore()}
	seedPartition(env.store, 3)
	orchestrator := newOrchestratorForTest(t, env, mecadex.OrchestratorConfig{
		Policy: mecadex.PolicyIncremental,
		// Below the cost of a single fetch: the build lists and stops.
		IncrementBudget: 0.5,
	})
	ctx := context.Background()

	res := orchestrator.Resolve(ctx, "10.1101/2024.01.01.100000")
	if res.Outcome != mecadex.OutcomeDeferred || res.Reason != mecadex.DeferManualRequired {
		t.Fatalf("got %+v, want Deferred(manual-required)", res)
	}

	// Partial progress is kept for the next request.
	loaded, err := env.indexStore.Load(ctx, testPartition)
	if err != nil {
		t.Fatalf("partial index should be persisted: %v", err)
	}
	if loaded.ObjectsListed == 0 {
		t.Error("persisted index should record the listing progress")
	}
	if loaded.Status != mecadex.IndexPartial {
		t.Errorf("Status = %q, want partial", loaded.Status)
	}
}

func TestOrchestrator_Resolve_GuardBreachDefers(t *testing.T) {
	env := &orchestratorEnv{
		store: testutil.NewFakeStore(),
		guard: mecadex.NewCostGuard(0.1),
	}
	seedPartition(env.store, 3)
	orchestrator := newOrchestratorForTest(t, env, mecadex.OrchestratorConfig{
		Policy:          mecadex.PolicyIncremental,
		IncrementBudget: 1,
	})

	res := orchestrator.Resolve(context.Background(), "10.1101/2024.01.01.100000")
	if res.Outcome != mecadex.OutcomeDeferred || res.Reason != mecadex.DeferCostLimitExceeded {
		t.Errorf("got %+v, want Deferred(cost-limit-exceeded)", res)
	}
	if env.store.ListCalls != 0 {
		t.Error("a rejected reservation must not reach the object store")
	}
}

func TestOrchestrator_Resolve_DefinitiveMissSkipsBuild(t *testing.T) {
	env := &orchestratorEnv{store: testutil.NewFakeStore()}
	seedPartition(env.store, 2)
	orchestrator := newOrchestratorForTest(t, env, mecadex.OrchestratorConfig{
		Policy:          mecadex.PolicyIncremental,
		IncrementBudget: 10,
	})
	ctx := context.Background()

	idx := mecadex.NewMonthIndex(testPartition)
	idx.Merge(mecadex.ManuscriptRecord{
		StableID:   "10.1101/known",
		StorageKey: testPartition.Prefix() + "guid-0000.meca",
		Partition:  testPartition,
		ObservedAt: time.Now().UTC(),
	})
	idx.Status = mecadex.IndexComplete
	if err := env.indexStore.Upsert(ctx, idx); err != nil {
		t.Fatal(err)
	}

	res := orchestrator.Resolve(ctx, "10.1101/absent")
	if res.Outcome != mecadex.OutcomeDeferred || res.Reason != mecadex.DeferManualRequired {
		t.Errorf("got %+v, want Deferred(manual-required)", res)
	}
	if env.store.ListCalls != 0 || env.store.FetchCalls != 0 {
		t.Error("a definitive miss must not trigger a build")
	}
}

func TestOrchestrator_Resolve_DirectProbeHit(t *testing.T) {
	const doi = "10.1101/2023.11.20.567890"
	env := &orchestratorEnv{store: testutil.NewFakeStore()}
	directKey := testPartition.DirectObjectKey(doi)
	env.store.Add(directKey, testutil.MecaArchive(doi))

	orchestrator := newOrchestratorForTest(t, env, mecadex.OrchestratorConfig{
		Policy:      mecadex.PolicyManualOnly,
		DirectProbe: true,
	})
	ctx := context.Background()

	res := orchestrator.Resolve(ctx, doi)
	if res.Outcome != mecadex.OutcomeResolved {
		t.Fatalf("Outcome = %q (%v), want resolved", res.Outcome, res.Err)
	}
	if res.StorageKey != directKey {
		t.Errorf("StorageKey = %q, want %q", res.StorageKey, directKey)
	}

	// The probe's knowledge is persisted for later lookups.
	loaded, err := env.indexStore.Load(ctx, testPartition)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := loaded.Entries[doi]; !ok {
		t.Error("probe hit should be recorded in the index")
	}
	if loaded.Status != mecadex.IndexPartial {
		t.Errorf("Status = %q, a probe alone never completes an index", loaded.Status)
	}
}

func TestOrchestrator_Resolve_BackgroundCompleteBuildsWholePartition(t *testing.T) {
	env := &orchestratorEnv{store: testutil.NewFakeStore()}
	dois := seedPartition(env.store, 4)
	orchestrator := newOrchestratorForTest(t, env, mecadex.OrchestratorConfig{
		Policy: mecadex.PolicyBackgroundComplete,
	})
	ctx := context.Background()

	res := orchestrator.Resolve(ctx, dois[3])
	if res.Outcome != mecadex.OutcomeResolved {
		t.Fatalf("Outcome = %q (%v), want resolved", res.Outcome, res.Err)
	}

	loaded, err := env.indexStore.Load(ctx, testPartition)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != mecadex.IndexComplete {
		t.Errorf("Status = %q, want complete after a background build", loaded.Status)
	}

	// A subsequent miss in the same partition is now definitive.
	res = orchestrator.Resolve(ctx, "10.1101/never-deposited")
	if res.Outcome != mecadex.OutcomeDeferred || res.Reason != mecadex.DeferManualRequired {
		t.Errorf("got %+v, want Deferred(manual-required)", res)
	}
}
