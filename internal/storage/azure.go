package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client the
// resource uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	// DownloadBlob streams a blob's contents.
	DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// GetBlobProperties retrieves the size of a blob.
	GetBlobProperties(ctx context.Context, containerName, blobName string) (AzureBlobProperties, error)
	// ContainerExists fails when the container is unreachable.
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureBlobProperties is the part of a blob's properties the resource reads.
type AzureBlobProperties struct {
	Size int64
	// SizeKnown is false when the service omitted the content length or the
	// blob sits in the archive tier.
	SizeKnown bool
}

// AzureOptions configures an AzureResource.
type AzureOptions struct {
	Container          string
	AccountURL         string
	Prefix             string
	ConnectionString   string
	UseManagedIdentity bool
}

// AzureResource stores replica data in an Azure Blob Storage container.
type AzureResource struct {
	name string
	// Container is the upstream Azure Blob container name.
	Container string
	// Prefix is prepended to every physical path.
	Prefix string
	client AzureBlobAPI
}

// NewAzureResource creates an Azure client from opts and verifies the
// container is reachable.
func NewAzureResource(ctx context.Context, name string, opts AzureOptions) (*AzureResource, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	r := NewAzureResourceWithClient(name, opts.Container, opts.Prefix, client)
	if err := r.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", opts.Container, err)
	}

	slog.Info("Azure resource initialized", "resource", name, "container", opts.Container, "account", opts.AccountURL, "prefix", opts.Prefix)
	return r, nil
}

// NewAzureResourceWithClient creates an AzureResource with a pre-configured
// client. Used for testing with mock clients.
func NewAzureResourceWithClient(name, container, prefix string, client AzureBlobAPI) *AzureResource {
	return &AzureResource{name: name, Container: container, Prefix: prefix, client: client}
}

// Name returns the resource name.
func (r *AzureResource) Name() string {
	return r.name
}

func (r *AzureResource) blobName(physicalPath string) string {
	return r.Prefix + strings.TrimPrefix(physicalPath, "/")
}

// Put buffers the data and uploads it as a block blob.
func (r *AzureResource) Put(ctx context.Context, physicalPath string, reader io.Reader, size int64) (int64, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, fmt.Errorf("reading replica data: %w", err)
	}
	if err := r.client.UploadBlob(ctx, r.Container, r.blobName(physicalPath), data); err != nil {
		return 0, fmt.Errorf("uploading replica data to Azure Blob: %w", err)
	}
	return int64(len(data)), nil
}

// Open streams the blob.
func (r *AzureResource) Open(ctx context.Context, physicalPath string) (io.ReadCloser, error) {
	rc, err := r.client.DownloadBlob(ctx, r.Container, r.blobName(physicalPath))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, physicalPath)
		}
		return nil, fmt.Errorf("downloading replica data from Azure Blob: %w", err)
	}
	return rc, nil
}

// Stat reads blob properties. Archive-tier blobs report UnknownFileSize.
func (r *AzureResource) Stat(ctx context.Context, physicalPath string) (int64, error) {
	props, err := r.client.GetBlobProperties(ctx, r.Container, r.blobName(physicalPath))
	if err != nil {
		if isAzureNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrObjectNotFound, physicalPath)
		}
		return 0, fmt.Errorf("stat replica data in Azure Blob: %w", err)
	}
	if !props.SizeKnown {
		return UnknownFileSize, nil
	}
	return props.Size, nil
}

// Remove deletes the blob. A missing blob is not an error.
func (r *AzureResource) Remove(ctx context.Context, physicalPath string) error {
	err := r.client.DeleteBlob(ctx, r.Container, r.blobName(physicalPath))
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting replica data from Azure Blob: %w", err)
	}
	return nil
}

// HealthCheck verifies that the container is accessible.
func (r *AzureResource) HealthCheck(ctx context.Context) error {
	return r.client.ContainerExists(ctx, r.Container)
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist")
}

var _ Resource = (*AzureResource)(nil)
