package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API defines the subset of the AWS S3 client the resource uses. This
// allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Options configures an S3Resource.
type S3Options struct {
	Bucket          string
	Region          string
	Prefix          string
	EndpointURL     string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Resource stores replica data in an Amazon S3 (or S3-compatible) bucket.
// Physical paths map to object keys under Prefix. Credentials are resolved
// via the standard AWS credential chain unless static keys are configured.
type S3Resource struct {
	name string
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Prefix is prepended to every physical path.
	Prefix string
	client S3API
}

// NewS3Resource builds an S3 client from opts and verifies the bucket is
// reachable.
func NewS3Resource(ctx context.Context, name string, opts S3Options) (*S3Resource, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	r := NewS3ResourceWithClient(name, opts.Bucket, opts.Prefix, client)

	if err := r.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("S3 resource initialized", "resource", name, "bucket", opts.Bucket, "region", opts.Region, "prefix", opts.Prefix)
	return r, nil
}

// NewS3ResourceWithClient creates an S3Resource with a pre-configured client.
// Used for testing with mock clients.
func NewS3ResourceWithClient(name, bucket, prefix string, client S3API) *S3Resource {
	return &S3Resource{name: name, Bucket: bucket, Prefix: prefix, client: client}
}

// Name returns the resource name.
func (r *S3Resource) Name() string {
	return r.name
}

func (r *S3Resource) s3Key(physicalPath string) string {
	return r.Prefix + strings.TrimPrefix(physicalPath, "/")
}

// Put uploads the data. The SDK needs a seekable body for signing, so the
// reader is passed through when it already is one.
func (r *S3Resource) Put(ctx context.Context, physicalPath string, reader io.Reader, size int64) (int64, error) {
	counter := &countingReader{r: reader}
	input := &s3.PutObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(r.s3Key(physicalPath)),
		Body:   counter,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := r.client.PutObject(ctx, input); err != nil {
		return 0, fmt.Errorf("putting replica data to S3: %w", err)
	}
	return counter.n, nil
}

// Open streams the object body.
func (r *S3Resource) Open(ctx context.Context, physicalPath string) (io.ReadCloser, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(r.s3Key(physicalPath)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, physicalPath)
		}
		return nil, fmt.Errorf("getting replica data from S3: %w", err)
	}
	return out.Body, nil
}

// Stat issues HeadObject. A response without a content length reports
// UnknownFileSize.
func (r *S3Resource) Stat(ctx context.Context, physicalPath string) (int64, error) {
	out, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(r.s3Key(physicalPath)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrObjectNotFound, physicalPath)
		}
		return 0, fmt.Errorf("stat replica data in S3: %w", err)
	}
	if out.ContentLength == nil {
		return UnknownFileSize, nil
	}
	return *out.ContentLength, nil
}

// Remove deletes the object. S3 DeleteObject is already idempotent.
func (r *S3Resource) Remove(ctx context.Context, physicalPath string) error {
	_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(r.s3Key(physicalPath)),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("deleting replica data from S3: %w", err)
	}
	return nil
}

// HealthCheck verifies that the bucket is accessible.
func (r *S3Resource) HealthCheck(ctx context.Context) error {
	_, err := r.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(r.Bucket),
	})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

// countingReader records how many bytes the SDK consumed.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var _ Resource = (*S3Resource)(nil)
