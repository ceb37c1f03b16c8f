package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds configuration for creating an S3 client.
type ClientConfig struct {
	// Region is the AWS region (required). The public archive bucket
	// lives in us-east-1.
	Region string

	// Endpoint is an optional custom endpoint URL, for S3-compatible
	// services (MinIO, LocalStack) in tests and local runs.
	Endpoint string

	// UsePathStyle enables path-style addressing instead of
	// virtual-hosted style. Required for some S3-compatible services.
	UsePathStyle bool

	// Credentials are the AWS credentials to use. If nil, uses the
	// default credential chain. Requester-pays requests always need real
	// credentials; anonymous access is rejected by the bucket.
	Credentials aws.CredentialsProvider
}

// NewClient creates a new S3 client with the given configuration.
//
// Example:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{Region: "us-east-1"})
//	gw, err := s3.New(client, s3.Config{
//	    Bucket:        "biorxiv-src-monthly",
//	    RequesterPays: true,
//	})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.Credentials != nil {
		opts = append(opts, config.WithCredentialsProvider(cfg.Credentials))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	s3Opts := []func(*s3.Options){}

	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// NewLocalClient creates an S3 client for an S3-compatible service running
// locally (MinIO, LocalStack) with static credentials. Intended for
// integration tests against a seeded local bucket.
func NewLocalClient(ctx context.Context, endpoint, accessKey, secretKey string) (*s3.Client, error) {
	return NewClient(ctx, ClientConfig{
		Region:       "us-east-1",
		Endpoint:     endpoint,
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
	})
}
