package finalize

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vaultgrid/vaultgrid/internal/descriptor"
	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/metrics"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/rst"
	"github.com/vaultgrid/vaultgrid/internal/session"
)

// CloseReplicaWithoutCatalogUpdate closes fd at the storage layer and writes
// nothing to the catalog. With preserveRST the replica's RST entry survives
// for a later publish, and the object lock stays held until that publish or
// stale recovery runs. Otherwise the entry is erased and the lock released.
// A preserved entry must be resolved through PublishReplicaState or
// StaleTargetReplicaAndPublish before the replica can be opened again.
func (f *Finalizer) CloseReplicaWithoutCatalogUpdate(ctx context.Context, fd int, preserveRST bool) error {
	d, err := f.descs.Get(fd)
	if err != nil {
		return err
	}
	key := d.Info.Key()

	if d.Input.OpenType != descriptor.OpenForRead && !preserveRST {
		lease := f.table.Acquire(key)
		lease.Erase()
		lease.Release()
	}

	if !d.State.Terminal() {
		if err := d.Transition(descriptor.StateAborted); err != nil {
			return err
		}
	}

	if d.Lock.Held() {
		if preserveRST && d.Input.OpenType != descriptor.OpenForRead {
			f.holdPending(key, d.Lock)
		} else if err := d.Lock.Unlock(); err != nil {
			slog.Warn("Object lock release failed on close", "fd", fd, "error", err)
		}
	}

	slog.Debug("Replica closed without catalog update", "fd", fd, "key", key.String(), "preserve_rst", preserveRST)
	return f.descs.Free(fd)
}

// CloseReplicaAndUnlockDataObject publishes the replica at status, falling
// back to stale recovery when the publish fails, and only then releases the
// object lock and closes fd. The close is quiet: no hook runs and no
// content-changed notification is emitted.
func (f *Finalizer) CloseReplicaAndUnlockDataObject(ctx context.Context, fd int, status replica.Status) error {
	d, err := f.descs.Get(fd)
	if err != nil {
		return err
	}
	if d.Input.OpenType == descriptor.OpenForRead {
		return f.closeRead(d)
	}
	if d.State == descriptor.StateOpen {
		if err := d.Transition(descriptor.StateFinalizing); err != nil {
			return err
		}
	}
	return f.closeAndUnlock(ctx, d, f.table.Acquire(d.Info.Key()), status)
}

// closeAndUnlock owns lease and releases it before the object lock.
func (f *Finalizer) closeAndUnlock(ctx context.Context, d *descriptor.Descriptor, lease *rst.Lease, status replica.Status) error {
	wrote := d.Input.OpenType == descriptor.CreateType || d.BytesWritten > 0
	final, err := f.commit(ctx, d.Session, lease, status, wrote)
	lease.Release()

	if d.Lock.Held() {
		if uerr := d.Lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}

	d.SetStatus(final)
	next := descriptor.StateCommitted
	if final != replica.Good {
		next = descriptor.StateStale
	}
	settle(d, next)
	if ferr := f.descs.Free(d.Index); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

func (f *Finalizer) closeRead(d *descriptor.Descriptor) error {
	var err error
	if d.Lock.Held() {
		err = d.Lock.Unlock()
	}
	if d.State == descriptor.StateOpen {
		settle(d, descriptor.StateFinalizing)
	}
	settle(d, descriptor.StateCommitted)
	if ferr := f.descs.Free(d.Index); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// settle moves d to state once the outcome is already decided, so a
// rejected transition is logged rather than returned.
func settle(d *descriptor.Descriptor, state descriptor.State) {
	if err := d.Transition(state); err != nil {
		slog.Warn("Descriptor state transition rejected", "fd", d.Index, "error", err)
	}
}

// commit publishes the entry at status and runs stale recovery when that
// fails. It returns the status the catalog ended up with.
func (f *Finalizer) commit(ctx context.Context, sess *session.Session, lease *rst.Lease, status replica.Status, wrote bool) (replica.Status, error) {
	err := f.unlockAndPublish(ctx, sess, lease, status, wrote)
	if err == nil {
		return status, nil
	}

	slog.Warn("Replica publish failed, marking target stale",
		"key", lease.Key().String(), "status", status.String(), "error", err)
	if rerr := f.staleAndPublish(ctx, sess, lease); rerr != nil {
		return replica.Stale, errors.Join(err, rerr)
	}
	return replica.Stale, err
}

// unlockAndPublish stages the final target status, restores siblings from
// write-locked and publishes at the session's normal privilege. Siblings are
// marked stale instead when new data was written. The entry is erased once
// the catalog holds it.
func (f *Finalizer) unlockAndPublish(ctx context.Context, sess *session.Session, lease *rst.Lease, status replica.Status, wrote bool) error {
	if err := lease.SetTargetStatus(status); err != nil {
		return err
	}
	entry, err := lease.Entry()
	if err != nil {
		return err
	}

	for rn, before := range entry.SiblingsBefore {
		next := before.Status
		if wrote && status == replica.Good && f.opts.StaleSiblingsOnWrite && before.Status == replica.Good {
			next = replica.Stale
		}
		if err := lease.StageSibling(rn, func(md *replica.Metadata) { md.Status = next }); err != nil {
			return err
		}
	}

	pc, err := lease.PublishContext(sess.User, sess.Normal().Level())
	if err != nil {
		return err
	}
	if err := f.publish(ctx, pc); err != nil {
		return err
	}
	lease.Erase()
	return nil
}

// StaleTargetReplicaAndPublish marks the target replica stale in its RST
// entry and publishes the whole entry with elevated privilege, so a replica
// whose normal publish failed is not left looking good. Sibling statuses are
// published as staged. On success the entry is erased. A failure here is an
// ErrStalePublishFailure and is recorded in the recovery journal.
func (f *Finalizer) StaleTargetReplicaAndPublish(ctx context.Context, sess *session.Session, dataID int64, replicaNumber int) error {
	key := replica.Key{DataID: dataID, ReplicaNumber: replicaNumber}
	lease := f.table.Acquire(key)
	err := f.staleAndPublish(ctx, sess, lease)
	lease.Release()
	f.releasePending(key)
	return err
}

func (f *Finalizer) staleAndPublish(ctx context.Context, sess *session.Session, lease *rst.Lease) error {
	metrics.StalePublishTotal.Inc()
	key := lease.Key()

	if !lease.Exists() {
		err := ferrors.ErrNoRSTEntry.Withf("no replica state table entry for %s; cannot mark stale", key)
		slog.Error("Stale publish recovery has nothing to publish", "key", key.String(), "user", sess.String())
		return err
	}
	if err := lease.SetTargetStatus(replica.Stale); err != nil {
		return err
	}

	err := session.WithElevatedPrivilege(sess, func(c session.Capability) error {
		pc, err := lease.PublishContext(sess.User, c.Level())
		if err != nil {
			return err
		}
		return f.publish(ctx, pc)
	})
	if err != nil {
		metrics.StalePublishFailuresTotal.Inc()
		entry, _ := lease.Entry()
		slog.Error("Failed to mark replica stale; manual repair required",
			"data_id", key.DataID, "replica_number", key.ReplicaNumber,
			"path", entry.Target.LogicalPath, "user", sess.String(), "error", err)
		if _, jerr := f.journal.Record(Failure{
			DataID:        key.DataID,
			ReplicaNumber: key.ReplicaNumber,
			LogicalPath:   entry.Target.LogicalPath,
			User:          sess.String(),
			Error:         err.Error(),
		}); jerr != nil {
			slog.Error("Recording recovery failure", "key", key.String(), "error", jerr)
		}
		return ferrors.ErrStalePublishFailure.Withf("replica %s could not be marked stale", key).Wrap(err)
	}

	lease.Erase()
	slog.Info("Replica marked stale", "data_id", key.DataID, "replica_number", key.ReplicaNumber)
	return nil
}

// PublishReplicaState publishes an entry preserved by
// CloseReplicaWithoutCatalogUpdate at status, then releases the object lock
// parked with it.
func (f *Finalizer) PublishReplicaState(ctx context.Context, sess *session.Session, dataID int64, replicaNumber int, status replica.Status) (replica.Status, error) {
	key := replica.Key{DataID: dataID, ReplicaNumber: replicaNumber}
	lease := f.table.Acquire(key)
	final, err := f.commit(ctx, sess, lease, status, true)
	lease.Release()
	f.releasePending(key)
	return final, err
}
