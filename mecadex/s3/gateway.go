// Package s3 provides the S3 gateway over the remote manuscript archive.
//
// The archive bucket is requester-pays: every list, head, and read is billed
// to the caller. The gateway attributes a cost-unit figure to each call from
// a configurable cost model so the index builder and orchestrator can budget
// against real spend rather than request counts.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"

	"github.com/pithecene-io/mecadex/mecadex"
)

// API defines the subset of the S3 client interface used by the gateway.
// This enables testing with mock implementations.
type API interface {
	ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
}

// CostModel maps S3 calls to cost units. The default values approximate
// us-east-1 requester-pays pricing in dollars: GET-class requests at
// $0.0000004 each and data transfer at $0.09/GB. Any consistent unit works;
// budgets are denominated in whatever unit the model uses.
type CostModel struct {
	// PerRequest is charged for every API call.
	PerRequest float64

	// PerByte is charged per body byte transferred.
	PerByte float64
}

// DefaultCostModel returns the dollar-denominated default model.
func DefaultCostModel() CostModel {
	return CostModel{
		PerRequest: 0.0000004,
		PerByte:    0.00000000009,
	}
}

func (c CostModel) request() float64 {
	return c.PerRequest
}

func (c CostModel) transfer(n int) float64 {
	return c.PerRequest + float64(n)*c.PerByte
}

// Config holds configuration for the gateway.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is an optional key prefix for all operations.
	Prefix string

	// RequesterPays marks every request as requester-pays. Required for
	// the public archive bucket; requests without it are rejected.
	RequesterPays bool

	// Cost is the cost attribution model. Zero value means DefaultCostModel.
	Cost CostModel

	// MaxRetries bounds retry attempts for transient failures. Defaults
	// to 4 total tries.
	MaxRetries int

	// RetryInitialInterval seeds the exponential backoff. Defaults to
	// 200ms.
	RetryInitialInterval time.Duration

	// PageSize is the maximum keys per list page. Defaults to 1000, the
	// S3 maximum.
	PageSize int32
}

// Gateway exposes the archive bucket as a paginated, cost-attributed
// object store with byte-range reads and key existence probes.
type Gateway struct {
	client        API
	bucket        string
	prefix        string
	requesterPays bool
	cost          CostModel
	maxTries      uint
	retryInterval time.Duration
	pageSize      int32
}

// New creates a gateway with the given client and configuration.
//
// The client must be pre-configured with credentials and region; use
// NewClient or github.com/aws/aws-sdk-go-v2/config directly.
func New(client API, cfg Config) (*Gateway, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	cost := cfg.Cost
	if cost == (CostModel{}) {
		cost = DefaultCostModel()
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 4
	}
	retryInterval := cfg.RetryInitialInterval
	if retryInterval <= 0 {
		retryInterval = 200 * time.Millisecond
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 1000
	}

	return &Gateway{
		client:        client,
		bucket:        cfg.Bucket,
		prefix:        prefix,
		requesterPays: cfg.RequesterPays,
		cost:          cost,
		maxTries:      uint(maxRetries),
		retryInterval: retryInterval,
		pageSize:      pageSize,
	}, nil
}

// ListPage returns one page of keys under the prefix.
//
// The cost of the page is charged even when it turns out empty; a listing
// request is billed regardless of what it finds.
func (g *Gateway) ListPage(ctx context.Context, prefix, pageToken string) (*mecadex.ListResult, error) {
	input := &awss3.ListObjectsV2Input{
		Bucket:  aws.String(g.bucket),
		Prefix:  aws.String(g.prefix + prefix),
		MaxKeys: aws.Int32(g.pageSize),
	}
	if pageToken != "" {
		input.ContinuationToken = aws.String(pageToken)
	}
	if g.requesterPays {
		input.RequestPayer = types.RequestPayerRequester
	}

	out, err := retry(ctx, g, func() (*awss3.ListObjectsV2Output, error) {
		return g.client.ListObjectsV2(ctx, input)
	})
	if err != nil {
		return nil, fmt.Errorf("s3: list objects: %w", err)
	}

	result := &mecadex.ListResult{Cost: g.cost.request()}
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		result.Objects = append(result.Objects, mecadex.ObjectInfo{
			Key:  strings.TrimPrefix(*obj.Key, g.prefix),
			Size: aws.ToInt64(obj.Size),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		result.NextPageToken = aws.ToString(out.NextContinuationToken)
	}
	return result, nil
}

// Fetch retrieves an object's full payload. Cost covers the request plus
// every transferred byte, which for whole archives dominates the bill.
func (g *Gateway) Fetch(ctx context.Context, key string) ([]byte, float64, error) {
	input := &awss3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(g.prefix + key),
	}
	if g.requesterPays {
		input.RequestPayer = types.RequestPayerRequester
	}

	out, err := retry(ctx, g, func() (*awss3.GetObjectOutput, error) {
		return g.client.GetObject(ctx, input)
	})
	if err != nil {
		if isNotFound(err) {
			return nil, g.cost.request(), mecadex.ErrNotFound
		}
		return nil, g.cost.request(), fmt.Errorf("s3: get object: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, g.cost.transfer(len(data)), fmt.Errorf("s3: reading body: %w", err)
	}
	return data, g.cost.transfer(len(data)), nil
}

// FetchRange reads length bytes starting at offset. An offset beyond EOF
// returns an empty slice; a range extending past EOF returns the available
// bytes. Ranged reads are what make manifest-only extraction affordable.
func (g *Gateway) FetchRange(ctx context.Context, key string, offset, length int64) ([]byte, float64, error) {
	if offset < 0 || length < 0 {
		return nil, 0, fmt.Errorf("s3: invalid range %d+%d", offset, length)
	}
	if length == 0 {
		return []byte{}, 0, nil
	}

	input := &awss3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(g.prefix + key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	}
	if g.requesterPays {
		input.RequestPayer = types.RequestPayerRequester
	}

	out, err := retry(ctx, g, func() (*awss3.GetObjectOutput, error) {
		return g.client.GetObject(ctx, input)
	})
	if err != nil {
		if isNotFound(err) {
			return nil, g.cost.request(), mecadex.ErrNotFound
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return []byte{}, g.cost.request(), nil
		}
		return nil, g.cost.request(), fmt.Errorf("s3: range read: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, g.cost.transfer(len(data)), fmt.Errorf("s3: reading range body: %w", err)
	}
	return data, g.cost.transfer(len(data)), nil
}

// Probe reports whether the key exists, at the cost of a single metadata
// request with no body transfer.
func (g *Gateway) Probe(ctx context.Context, key string) (bool, float64, error) {
	input := &awss3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(g.prefix + key),
	}
	if g.requesterPays {
		input.RequestPayer = types.RequestPayerRequester
	}

	_, err := retry(ctx, g, func() (*awss3.HeadObjectOutput, error) {
		return g.client.HeadObject(ctx, input)
	})
	if err != nil {
		if isNotFound(err) {
			return false, g.cost.request(), nil
		}
		return false, g.cost.request(), fmt.Errorf("s3: head object: %w", err)
	}
	return true, g.cost.request(), nil
}

// retry runs op with bounded exponential backoff. Not-found and other
// non-transient API errors fail immediately; throttling and server faults
// are retried up to the configured try count.
func retry[T any](ctx context.Context, g *Gateway, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.retryInterval

	return backoff.Retry(ctx, func() (T, error) {
		out, err := op()
		if err != nil && !isRetryable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(g.maxTries))
}

// isRetryable reports whether an S3 error is worth retrying.
func isRetryable(err error) bool {
	if isNotFound(err) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InternalError", "SlowDown", "RequestTimeout", "ServiceUnavailable", "503":
			return true
		}
		return false
	}
	// Transport-level failures (connection reset, timeout) surface as
	// non-API errors; retry unless the context is done.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// isNotFound checks if an error indicates the object was not found.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}

var (
	_ mecadex.ObjectStore  = (*Gateway)(nil)
	_ mecadex.RangeFetcher = (*Gateway)(nil)
	_ mecadex.KeyProber    = (*Gateway)(nil)
)
