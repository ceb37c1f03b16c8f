package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pithecene-io/mecadex/mecadex"
)

// FakeStore is an in-memory object store gateway with deterministic cost
// accounting. It implements the listing, fetch, range read, and probe
// capabilities the builder and orchestrator exercise.
//
// Costs default to one unit per request with free transfer, which keeps
// budget arithmetic in tests readable.
type FakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// PageSize bounds keys per list page. Zero means everything in one page.
	PageSize int

	// RequestCost is charged per call. Defaults to 1 when NewFakeStore is
	// used.
	RequestCost float64

	// ByteCost is charged per transferred body byte.
	ByteCost float64

	// FetchErrs maps keys to injected fetch failures.
	FetchErrs map[string]error

	// OnFetch, when set, runs at the start of every Fetch and FetchRange.
	// Tests use it to cancel contexts mid-build.
	OnFetch func(key string)

	// RangeEnabled exposes the FetchRange capability through AsRange.
	RangeEnabled bool

	ListCalls  int
	FetchCalls int
	RangeCalls int
	ProbeCalls int
}

// NewFakeStore creates a fake store with unit request cost.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		objects:     make(map[string][]byte),
		RequestCost: 1,
		FetchErrs:   make(map[string]error),
	}
}

// Add seeds an object.
func (f *FakeStore) Add(key string, data []byte) {
	f.mu.Lock()
	f.objects[key] = data
	f.mu.Unlock()
}

// ListPage implements mecadex.ObjectStore.
func (f *FakeStore) ListPage(ctx context.Context, prefix, pageToken string) (*mecadex.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) && key > pageToken {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	result := &mecadex.ListResult{Cost: f.RequestCost}
	if f.PageSize > 0 && len(keys) > f.PageSize {
		keys = keys[:f.PageSize]
		result.NextPageToken = keys[len(keys)-1]
	}
	for _, key := range keys {
		result.Objects = append(result.Objects, mecadex.ObjectInfo{
			Key:  key,
			Size: int64(len(f.objects[key])),
		})
	}
	return result, nil
}

// Fetch implements mecadex.ObjectStore.
func (f *FakeStore) Fetch(ctx context.Context, key string) ([]byte, float64, error) {
	if f.OnFetch != nil {
		f.OnFetch(key)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls++

	if err := f.FetchErrs[key]; err != nil {
		return nil, f.RequestCost, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, f.RequestCost, mecadex.ErrNotFound
	}
	return data, f.RequestCost + float64(len(data))*f.ByteCost, nil
}

// FetchRange reads a byte range, clamping to EOF like a real store.
func (f *FakeStore) FetchRange(ctx context.Context, key string, offset, length int64) ([]byte, float64, error) {
	if f.OnFetch != nil {
		f.OnFetch(key)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.RangeCalls++

	if err := f.FetchErrs[key]; err != nil {
		return nil, f.RequestCost, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, f.RequestCost, mecadex.ErrNotFound
	}
	if offset < 0 || length < 0 {
		return nil, f.RequestCost, fmt.Errorf("bad range %d+%d", offset, length)
	}
	if offset >= int64(len(data)) {
		return []byte{}, f.RequestCost, nil
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	out := data[offset:end]
	return out, f.RequestCost + float64(len(out))*f.ByteCost, nil
}

// Probe implements mecadex.KeyProber.
func (f *FakeStore) Probe(ctx context.Context, key string) (bool, float64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ProbeCalls++

	_, ok := f.objects[key]
	return ok, f.RequestCost, nil
}

// AsRange returns the store as a range-capable gateway when RangeEnabled,
// and wrapped without the capability otherwise. The builder type-asserts
// for RangeFetcher, so hiding the method needs a distinct static type.
func (f *FakeStore) AsRange() mecadex.ObjectStore {
	if f.RangeEnabled {
		return f
	}
	return listFetchOnly{f}
}

// listFetchOnly hides FetchRange and Probe.
type listFetchOnly struct {
	inner *FakeStore
}

func (s listFetchOnly) ListPage(ctx context.Context, prefix, pageToken string) (*mecadex.ListResult, error) {
	return s.inner.ListPage(ctx, prefix, pageToken)
}

func (s listFetchOnly) Fetch(ctx context.Context, key string) ([]byte, float64, error) {
	return s.inner.Fetch(ctx, key)
}

var (
	_ mecadex.ObjectStore  = (*FakeStore)(nil)
	_ mecadex.RangeFetcher = (*FakeStore)(nil)
	_ mecadex.KeyProber    = (*FakeStore)(nil)
)
