package backends

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS fetches images addressed as gs://bucket/object.
type GCS struct {
	client   *storage.Client
	maxBytes int64
}

// NewGCS creates a GCS backend. Without options it uses Application
// Default Credentials.
func NewGCS(ctx context.Context, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCS{client: client, maxBytes: DefaultMaxBytes}, nil
}

// Fetch downloads the object named by a gs:// URL.
func (g *GCS) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	bucket, object, err := parseBucketURL(rawURL, "gs")
	if err != nil {
		return nil, err
	}

	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: %w: %s", ErrTransport, ErrNotFound, rawURL)
		}
		return nil, fmt.Errorf("%w: failed to open GCS object: %v", ErrTransport, err)
	}
	defer r.Close()

	if r.Attrs.Size > g.maxBytes {
		return nil, fmt.Errorf("%w: object of %d bytes exceeds limit of %d", ErrTransport, r.Attrs.Size, g.maxBytes)
	}
	body, err := io.ReadAll(io.LimitReader(r, g.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read GCS object: %v", ErrTransport, err)
	}
	if int64(len(body)) > g.maxBytes {
		return nil, fmt.Errorf("%w: object exceeds limit of %d bytes", ErrTransport, g.maxBytes)
	}
	return body, nil
}

// Close closes the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
