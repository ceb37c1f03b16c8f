package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// MockS3Client is a test double for API. Keys are listed in sorted order
// with real MaxKeys pagination, range requests are honored, and per-call
// failure injection allows retry testing.
type MockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailNext injects n failures with the given code before the named
	// operation ("list", "get", "head") succeeds.
	failures map[string]*injectedFailure

	// Counters, by operation name.
	calls map[string]int

	// LastRequestPayer captures the RequestPayer of the most recent call.
	LastRequestPayer types.RequestPayer
}

type injectedFailure struct {
	remaining int
	code      string
}

// NewMockS3Client creates a new mock S3 client for testing.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		objects:  make(map[string][]byte),
		failures: make(map[string]*injectedFailure),
		calls:    make(map[string]int),
	}
}

// PutObjectData seeds an object directly.
func (m *MockS3Client) PutObjectData(key string, data []byte) {
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
}

// FailNext arranges for the next n calls of op to fail with the given S3
// error code.
func (m *MockS3Client) FailNext(op string, n int, code string) {
	m.mu.Lock()
	m.failures[op] = &injectedFailure{remaining: n, code: code}
	m.mu.Unlock()
}

// Calls returns how many times op was invoked, failures included.
func (m *MockS3Client) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockS3Client) begin(op string, payer types.RequestPayer) error {
	m.calls[op]++
	m.LastRequestPayer = payer
	if f := m.failures[op]; f != nil && f.remaining > 0 {
		f.remaining--
		return &mockAPIError{code: f.code, message: "injected failure"}
	}
	return nil
}

// ListObjectsV2 implements API.ListObjectsV2 for testing. Pagination uses
// the last key of a page as the continuation token, matching S3's sorted
// listing behavior.
func (m *MockS3Client) ListObjectsV2(_ context.Context, params *awss3.ListObjectsV2Input, _ ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("list", params.RequestPayer); err != nil {
		return nil, err
	}

	prefix := aws.ToString(params.Prefix)
	after := aws.ToString(params.ContinuationToken)
	maxKeys := int(aws.ToInt32(params.MaxKeys))
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) && key > after {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	truncated := len(keys) > maxKeys
	if truncated {
		keys = keys[:maxKeys]
	}

	out := &awss3.ListObjectsV2Output{IsTruncated: aws.Bool(truncated)}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(m.objects[key]))),
		})
	}
	if truncated {
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	return out, nil
}

// GetObject implements API.GetObject for testing, including range requests.
func (m *MockS3Client) GetObject(_ context.Context, params *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("get", params.RequestPayer); err != nil {
		return nil, err
	}

	key := aws.ToString(params.Key)
	data, exists := m.objects[key]
	if !exists {
		return nil, &types.NoSuchKey{}
	}

	if params.Range != nil {
		start, end, err := parseRange(aws.ToString(params.Range))
		if err != nil {
			return nil, err
		}
		if start >= int64(len(data)) {
			return nil, &mockAPIError{code: "InvalidRange"}
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		data = data[start : end+1]
	}

	return &awss3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

// HeadObject implements API.HeadObject for testing.
func (m *MockS3Client) HeadObject(_ context.Context, params *awss3.HeadObjectInput, _ ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("head", params.RequestPayer); err != nil {
		return nil, err
	}

	key := aws.ToString(params.Key)
	data, exists := m.objects[key]
	if !exists {
		return nil, &types.NoSuchKey{}
	}
	return &awss3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func parseRange(header string) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("bad range header %q", header)
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("bad range header %q", header)
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad range header %q", header)
	}
	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad range header %q", header)
	}
	return start, end, nil
}

// mockAPIError implements smithy.APIError for testing.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string { return e.code + ": " + e.message }

func (e *mockAPIError) ErrorCode() string { return e.code }

func (e *mockAPIError) ErrorMessage() string { return e.message }

func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }
