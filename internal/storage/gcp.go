package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// GCSAPI defines the subset of the GCS client the resource uses. This allows
// mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string) GCSWriter
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// BucketAttrs fails when the bucket is unreachable.
	BucketAttrs(ctx context.Context, bucket string) error
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size int64
	MD5  []byte
	// Archived is set for objects in a storage class whose reported size
	// is not served until the object is rehydrated.
	Archived bool
}

type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{
		Size:     attrs.Size,
		MD5:      attrs.MD5,
		Archived: attrs.StorageClass == "ARCHIVE",
	}, nil
}

func (c *realGCSClient) BucketAttrs(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

// GCSResource stores replica data in a Google Cloud Storage bucket.
// Credentials are resolved via Application Default Credentials.
type GCSResource struct {
	name string
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Prefix is prepended to every physical path.
	Prefix string
	client GCSAPI
}

// NewGCSResource creates a GCS client and verifies the bucket is reachable.
func NewGCSResource(ctx context.Context, name, bucket, prefix string) (*GCSResource, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	r := NewGCSResourceWithClient(name, bucket, prefix, &realGCSClient{client: client})
	if err := r.HealthCheck(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCS resource initialized", "resource", name, "bucket", bucket, "prefix", prefix)
	return r, nil
}

// NewGCSResourceWithClient creates a GCSResource with a pre-configured client.
// Used for testing with mock clients.
func NewGCSResourceWithClient(name, bucket, prefix string, client GCSAPI) *GCSResource {
	return &GCSResource{name: name, Bucket: bucket, Prefix: prefix, client: client}
}

// Name returns the resource name.
func (r *GCSResource) Name() string {
	return r.name
}

func (r *GCSResource) gcsKey(physicalPath string) string {
	return r.Prefix + strings.TrimPrefix(physicalPath, "/")
}

// Put streams the data into a GCS object writer.
func (r *GCSResource) Put(ctx context.Context, physicalPath string, reader io.Reader, size int64) (int64, error) {
	w := r.client.NewWriter(ctx, r.Bucket, r.gcsKey(physicalPath))
	n, err := io.Copy(w, reader)
	if err != nil {
		w.Close()
		return 0, fmt.Errorf("writing replica data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return n, nil
}

// Open returns a reader over the GCS object.
func (r *GCSResource) Open(ctx context.Context, physicalPath string) (io.ReadCloser, error) {
	rc, err := r.client.NewReader(ctx, r.Bucket, r.gcsKey(physicalPath))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, physicalPath)
		}
		return nil, fmt.Errorf("reading replica data from GCS: %w", err)
	}
	return rc, nil
}

// Stat reads object attributes. Archive-class objects report
// UnknownFileSize.
func (r *GCSResource) Stat(ctx context.Context, physicalPath string) (int64, error) {
	attrs, err := r.client.Attrs(ctx, r.Bucket, r.gcsKey(physicalPath))
	if err != nil {
		if isGCSNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrObjectNotFound, physicalPath)
		}
		return 0, fmt.Errorf("stat replica data in GCS: %w", err)
	}
	if attrs.Archived {
		return UnknownFileSize, nil
	}
	return attrs.Size, nil
}

// Remove deletes the GCS object. A missing object is not an error.
func (r *GCSResource) Remove(ctx context.Context, physicalPath string) error {
	err := r.client.Delete(ctx, r.Bucket, r.gcsKey(physicalPath))
	if err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting replica data from GCS: %w", err)
	}
	return nil
}

// HealthCheck verifies that the bucket is accessible.
func (r *GCSResource) HealthCheck(ctx context.Context) error {
	return r.client.BucketAttrs(ctx, r.Bucket)
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

var _ Resource = (*GCSResource)(nil)
