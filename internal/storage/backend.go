// Package storage defines the interface and implementations for VaultGrid's
// physical storage resources, the vaults that hold replica bytes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/vaultgrid/vaultgrid/internal/replica"
)

// UnknownFileSize is the marker a Resource returns from Stat when it cannot
// report a reliable length. It is distinct from every valid size and from -1.
const UnknownFileSize int64 = math.MinInt64

// ErrObjectNotFound is returned when no data exists at a physical path.
var ErrObjectNotFound = errors.New("storage: object not found")

// Resource is one physical storage resource. Physical paths are resource
// relative. All methods must be safe for concurrent use.
type Resource interface {
	// Name is the resource name recorded in replica metadata.
	Name() string

	// Put writes the data from reader to physicalPath, replacing any existing
	// data, and returns the number of bytes written.
	Put(ctx context.Context, physicalPath string, reader io.Reader, size int64) (int64, error)

	// Open returns a reader over the data at physicalPath. The caller closes it.
	Open(ctx context.Context, physicalPath string) (io.ReadCloser, error)

	// Stat returns the byte length of the data at physicalPath, or
	// UnknownFileSize when the resource cannot stat reliably.
	Stat(ctx context.Context, physicalPath string) (int64, error)

	// Remove deletes the data at physicalPath. Removing missing data is not
	// an error.
	Remove(ctx context.Context, physicalPath string) error

	// HealthCheck verifies that the resource is operational.
	HealthCheck(ctx context.Context) error
}

// StatSize queries res and converts the boundary sentinel into a tagged Size.
func StatSize(ctx context.Context, res Resource, physicalPath string) (replica.Size, error) {
	n, err := res.Stat(ctx, physicalPath)
	if err != nil {
		return replica.Size{}, err
	}
	if n == UnknownFileSize {
		return replica.UnknownSize(), nil
	}
	return replica.KnownSize(n), nil
}

// Registry resolves resource names recorded in replica metadata.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]Resource
}

// NewRegistry creates a Registry holding the given resources.
func NewRegistry(resources ...Resource) *Registry {
	r := &Registry{resources: make(map[string]Resource)}
	for _, res := range resources {
		r.Add(res)
	}
	return r
}

// Add registers res under its name, replacing any previous resource.
func (r *Registry) Add(res Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[res.Name()] = res
}

// Get returns the named resource.
func (r *Registry) Get(name string) (Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage resource %q", name)
	}
	return res, nil
}

// Names returns the registered resource names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.resources))
	for name := range r.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheck checks every registered resource and returns the first failure.
func (r *Registry) HealthCheck(ctx context.Context) error {
	for _, name := range r.Names() {
		res, err := r.Get(name)
		if err != nil {
			return err
		}
		if err := res.HealthCheck(ctx); err != nil {
			return fmt.Errorf("resource %q: %w", name, err)
		}
	}
	return nil
}
