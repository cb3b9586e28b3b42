package checksum

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/metrics"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/session"
	"github.com/vaultgrid/vaultgrid/internal/storage"
)

// Engine computes digests by streaming replica data out of its storage
// resource.
type Engine struct {
	resources *storage.Registry
	scheme    Scheme
}

// NewEngine creates an Engine that resolves resources through reg and uses
// scheme when the caller supplies no recognizable original checksum.
func NewEngine(reg *storage.Registry, scheme Scheme) *Engine {
	if scheme == "" {
		scheme = DefaultScheme
	}
	return &Engine{resources: reg, scheme: scheme}
}

// Scheme returns the engine's default scheme.
func (e *Engine) Scheme() Scheme {
	return e.scheme
}

func (e *Engine) schemeFor(original string) Scheme {
	if s, ok := SchemeOf(original); ok {
		return s
	}
	return e.scheme
}

// Compute returns the digest of the replica's current bytes. Any failure is
// reported as ErrChecksumComputation.
func (e *Engine) Compute(ctx context.Context, info *replica.Metadata, scheme Scheme) (string, error) {
	res, err := e.resources.Get(info.Resource)
	if err != nil {
		return "", ferrors.ErrChecksumComputation.Wrap(err)
	}
	rc, err := res.Open(ctx, info.PhysicalPath)
	if err != nil {
		return "", ferrors.ErrChecksumComputation.Wrap(err)
	}
	defer rc.Close()

	counted := &byteCounter{r: rc}
	digest, err := Compute(counted, scheme)
	metrics.ChecksumBytesTotal.Add(float64(counted.n))
	if err != nil {
		return "", ferrors.ErrChecksumComputation.Wrap(fmt.Errorf("%s on %s: %w", info.PhysicalPath, info.Resource, err))
	}
	return digest, nil
}

// RegisterNewChecksum computes the replica's digest and records it in info,
// where it is staged until the replica is published. The digest is returned
// even when it differs from originalChecksum.
func (e *Engine) RegisterNewChecksum(ctx context.Context, sess *session.Session, info *replica.Metadata, originalChecksum string) (string, error) {
	digest, err := e.Compute(ctx, info, e.schemeFor(originalChecksum))
	if err != nil {
		metrics.ChecksumOperationsTotal.WithLabelValues("register", "error").Inc()
		return "", err
	}

	if originalChecksum != "" && originalChecksum != digest {
		slog.Warn("Registered checksum differs from original",
			"data_id", info.DataID, "replica_number", info.ReplicaNumber,
			"user", sess.String(), "original", originalChecksum, "computed", digest)
	}

	info.Checksum = digest
	metrics.ChecksumOperationsTotal.WithLabelValues("register", "ok").Inc()
	return digest, nil
}

// VerifyChecksum computes the replica's digest and returns it when it equals
// originalChecksum, or "" on mismatch. A mismatch is not an error, and info
// is never modified.
func (e *Engine) VerifyChecksum(ctx context.Context, sess *session.Session, info *replica.Metadata, originalChecksum string) (string, error) {
	digest, err := e.Compute(ctx, info, e.schemeFor(originalChecksum))
	if err != nil {
		metrics.ChecksumOperationsTotal.WithLabelValues("verify", "error").Inc()
		return "", err
	}

	if digest != originalChecksum {
		slog.Info("Checksum mismatch",
			"data_id", info.DataID, "replica_number", info.ReplicaNumber,
			"user", sess.String(), "original", originalChecksum, "computed", digest)
		metrics.ChecksumOperationsTotal.WithLabelValues("verify", "mismatch").Inc()
		return "", nil
	}
	metrics.ChecksumOperationsTotal.WithLabelValues("verify", "ok").Inc()
	return digest, nil
}

type byteCounter struct {
	r io.Reader
	n int64
}

func (c *byteCounter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
