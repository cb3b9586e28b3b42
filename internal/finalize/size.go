package finalize

import (
	"context"
	"fmt"
	"log/slog"

	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/metrics"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/session"
	"github.com/vaultgrid/vaultgrid/internal/storage"
)

// GetSizeInVault reconciles the replica's physical size with recordedSize.
//
// When the resource cannot report a size, recordedSize is trusted and no
// verification happens. Otherwise, with verifySize set, a physical size that
// differs from recordedSize is an ErrSizeMismatch. The physical size is
// returned in every other case.
func GetSizeInVault(ctx context.Context, resources *storage.Registry, sess *session.Session, info *replica.Metadata, verifySize bool, recordedSize int64) (int64, error) {
	res, err := resources.Get(info.Resource)
	if err != nil {
		metrics.SizeResolutionsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("resolving resource for %s: %w", info.Key(), err)
	}

	size, err := storage.StatSize(ctx, res, info.PhysicalPath)
	if err != nil {
		metrics.SizeResolutionsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("statting %s on %s: %w", info.PhysicalPath, info.Resource, err)
	}

	physical, known := size.Value()
	if !known {
		slog.Debug("Physical size unknown, trusting recorded size",
			"data_id", info.DataID, "replica_number", info.ReplicaNumber,
			"resource", info.Resource, "recorded_size", recordedSize)
		metrics.SizeResolutionsTotal.WithLabelValues("recorded").Inc()
		return recordedSize, nil
	}

	if verifySize && physical != recordedSize {
		metrics.SizeResolutionsTotal.WithLabelValues("mismatch").Inc()
		slog.Warn("Replica size mismatch",
			"data_id", info.DataID, "replica_number", info.ReplicaNumber,
			"user", sess.String(), "physical_size", physical, "recorded_size", recordedSize)
		return 0, ferrors.ErrSizeMismatch.Withf("replica %s: physical size %d, recorded size %d",
			info.Key(), physical, recordedSize)
	}

	metrics.SizeResolutionsTotal.WithLabelValues("physical").Inc()
	return physical, nil
}
