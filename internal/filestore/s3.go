package filestore

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/snarg/callscribe/internal/ratelimit"
)

// S3Store stores artifacts in an S3-compatible object store. Folder
// semantics map to key prefixes; the file id is the object key.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	log    zerolog.Logger
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // non-empty for S3-compatible stores
	AccessKey string
	SecretKey string
	Prefix    string
	Limiter   *ratelimit.Limiter
}

// NewS3Store creates an S3 artifact store and verifies bucket access.
func NewS3Store(ctx context.Context, cfg S3Config, log zerolog.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Limiter != nil {
		opts = append(opts, awsconfig.WithHTTPClient(&http.Client{
			Transport: &ratelimit.Transport{Endpoint: EndpointFileStore, Limiter: cfg.Limiter},
		}))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	// Startup validation: verify credentials and bucket access
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &cfg.Bucket}); err != nil {
		return nil, fmt.Errorf("s3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log.With().Str("component", "s3-store").Logger(),
	}, nil
}

func (s *S3Store) Type() string { return "s3" }

func (s *S3Store) key(folders []string, name string) string {
	parts := make([]string, 0, len(folders)+2)
	if s.prefix != "" {
		parts = append(parts, s.prefix)
	}
	parts = append(parts, folders...)
	parts = append(parts, name)
	return strings.Join(parts, "/")
}

func (s *S3Store) FindByName(ctx context.Context, folders []string, name string) (string, error) {
	key := s.key(folders, name)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		// HeadObject errors on missing keys; treat any error as absent
		// and let the subsequent PutObject surface real faults.
		return "", nil
	}
	return key, nil
}

func (s *S3Store) Upload(ctx context.Context, folders []string, name string, data []byte, contentType string) (string, error) {
	key := s.key(folders, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return key, nil
}
