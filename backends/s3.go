package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 fetches images addressed as s3://bucket/key.
type S3 struct {
	client   *s3.Client
	maxBytes int64
}

// NewS3 creates an S3 backend using the default AWS credential chain
// (environment, shared config, instance role).
func NewS3(ctx context.Context, optFns ...func(*s3.Options)) (*S3, error) {
	// Load AWS config from environment/credentials
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3FromConfig(cfg, optFns...), nil
}

// NewS3FromConfig creates an S3 backend from an existing AWS config.
func NewS3FromConfig(cfg aws.Config, optFns ...func(*s3.Options)) *S3 {
	return &S3{
		client:   s3.NewFromConfig(cfg, optFns...),
		maxBytes: DefaultMaxBytes,
	}
}

// Fetch downloads the object named by an s3:// URL.
func (s *S3) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	bucket, key, err := parseBucketURL(rawURL, "s3")
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %w: %s", ErrTransport, ErrNotFound, rawURL)
		}
		return nil, fmt.Errorf("%w: failed to get object from S3: %v", ErrTransport, err)
	}
	defer result.Body.Close()

	body, err := io.ReadAll(io.LimitReader(result.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read S3 object: %v", ErrTransport, err)
	}
	if int64(len(body)) > s.maxBytes {
		return nil, fmt.Errorf("%w: object exceeds limit of %d bytes", ErrTransport, s.maxBytes)
	}
	return body, nil
}

// Close performs cleanup operations.
func (s *S3) Close() error {
	return nil
}

// isS3NotFound checks if an error is a "not found" error from S3.
func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	// Check for common not found error strings
	errMsg := err.Error()
	return strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "NoSuchKey")
}

// parseBucketURL splits scheme://bucket/key.
func parseBucketURL(rawURL, scheme string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if u.Scheme != scheme {
		return "", "", fmt.Errorf("%w: expected %s:// url, got %q", ErrTransport, scheme, rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s url %q needs a bucket and a key", ErrTransport, scheme, rawURL)
	}
	return u.Host, key, nil
}
