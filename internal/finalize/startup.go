package finalize

import (
	"context"
	"log/slog"
	"time"

	"github.com/vaultgrid/vaultgrid/internal/catalog"
	"github.com/vaultgrid/vaultgrid/internal/lock"
	"github.com/vaultgrid/vaultgrid/internal/logging"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/session"
)

// lockProbeTimeout bounds how long startup recovery waits for an object lock
// before assuming another daemon is still writing the object.
const lockProbeTimeout = time.Second

// RecoverInterrupted marks stale every replica a previous process left
// intermediate or write-locked. The replica state table does not survive a
// restart, so such rows have no entry to publish from. Objects whose lock is
// held elsewhere are skipped. It returns the keys it marked stale.
func (f *Finalizer) RecoverInterrupted(ctx context.Context, sess *session.Session) ([]replica.Key, error) {
	rows, err := f.catalog.ListAllReplicas(ctx)
	if err != nil {
		return nil, err
	}

	byObject := make(map[int64][]replica.Metadata)
	var order []int64
	for _, md := range rows {
		if md.Status != replica.Intermediate && md.Status != replica.WriteLocked {
			continue
		}
		if f.table.Contains(md.Key()) {
			continue
		}
		if _, ok := byObject[md.DataID]; !ok {
			order = append(order, md.DataID)
		}
		byObject[md.DataID] = append(byObject[md.DataID], md)
	}

	log := logging.Component("recovery")
	var recovered []replica.Key
	for _, dataID := range order {
		stranded := byObject[dataID]
		keys, err := f.recoverObject(ctx, log, sess, stranded)
		if err != nil {
			log.Error("Startup recovery failed; manual repair required",
				"data_id", dataID, "path", stranded[0].LogicalPath, "error", err)
			continue
		}
		recovered = append(recovered, keys...)
	}
	if len(recovered) > 0 {
		log.Warn("Marked interrupted replicas stale", "count", len(recovered))
	}
	return recovered, nil
}

func (f *Finalizer) recoverObject(ctx context.Context, log *slog.Logger, sess *session.Session, stranded []replica.Metadata) ([]replica.Key, error) {
	probe, cancel := context.WithTimeout(ctx, lockProbeTimeout)
	h, err := f.locks.Lock(probe, stranded[0].LogicalPath, lock.Write)
	cancel()
	if err != nil {
		log.Info("Object busy, skipping startup recovery", "path", stranded[0].LogicalPath)
		return nil, nil
	}
	defer h.Unlock()

	now := time.Now().UTC()
	rows := make([]replica.Metadata, 0, len(stranded))
	keys := make([]replica.Key, 0, len(stranded))
	for _, md := range stranded {
		md.Status = replica.Stale
		md.ModifiedAt = now
		rows = append(rows, md)
		keys = append(keys, md.Key())
	}

	err = session.WithElevatedPrivilege(sess, func(c session.Capability) error {
		return f.publish(ctx, catalog.PublishContext{
			DataID:        rows[0].DataID,
			ReplicaNumber: rows[0].ReplicaNumber,
			Rows:          rows,
			User:          sess.User,
			Privilege:     c.Level(),
		})
	})
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		log.Info("Replica marked stale after interrupted write", "data_id", k.DataID, "replica_number", k.ReplicaNumber)
	}
	return keys, nil
}
