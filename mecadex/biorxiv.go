package mecadex

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// defaultBiorxivAPIBase is the public bioRxiv details endpoint.
const defaultBiorxivAPIBase = "https://api.biorxiv.org/details/biorxiv/"

// BiorxivResolver resolves a DOI to its publication date via the public
// bioRxiv details API. When a manuscript has several versions, the latest
// version's date is used — that is the month whose folder holds the
// package.
type BiorxivResolver struct {
	base   string
	client *http.Client
}

// BiorxivConfig holds optional resolver configuration.
type BiorxivConfig struct {
	// BaseURL overrides the API endpoint, for tests and mirrors.
	BaseURL string

	// HTTPClient overrides the HTTP client. Defaults to a client with a
	// 10 second timeout.
	HTTPClient *http.Client
}

// NewBiorxivResolver creates a resolver against the public API.
func NewBiorxivResolver(cfg BiorxivConfig) *BiorxivResolver {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBiorxivAPIBase
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &BiorxivResolver{base: base, client: client}
}

// biorxivDetails mirrors the API response shape.
type biorxivDetails struct {
	Messages []struct {
		Status string `json:"status"`
	} `json:"messages"`
	Collection []struct {
		DOI     string `json:"doi"`
		Date    string `json:"date"`
		Version string `json:"version"`
	} `json:"collection"`
}

// ResolveDate implements DateResolver.
//
// Failures — network errors, non-200 responses, unknown DOIs — all wrap
// ErrResolutionUnavailable; the orchestrator treats them as fatal to the
// single request, never as a reason to spend index cost.
func (r *BiorxivResolver) ResolveDate(ctx context.Context, stableID string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+stableID, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrResolutionUnavailable, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrResolutionUnavailable, err)
	}
	defer closer(resp.Body)()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("%w: details API returned %s", ErrResolutionUnavailable, resp.Status)
	}

	var details biorxivDetails
	if err := jsonCodec.NewDecoder(resp.Body).Decode(&details); err != nil {
		return time.Time{}, fmt.Errorf("%w: decoding details: %v", ErrResolutionUnavailable, err)
	}

	if len(details.Messages) == 0 || details.Messages[0].Status != "ok" || len(details.Collection) == 0 {
		return time.Time{}, fmt.Errorf("%w: %s not found in bioRxiv", ErrResolutionUnavailable, stableID)
	}

	latest := details.Collection[len(details.Collection)-1]
	if latest.Date == "" {
		return time.Time{}, fmt.Errorf("%w: no date for %s", ErrResolutionUnavailable, stableID)
	}
	date, err := time.Parse("2006-01-02", latest.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q for %s", ErrResolutionUnavailable, latest.Date, stableID)
	}
	return date, nil
}

var _ DateResolver = (*BiorxivResolver)(nil)
