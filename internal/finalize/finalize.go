package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vaultgrid/vaultgrid/internal/catalog"
	"github.com/vaultgrid/vaultgrid/internal/condinput"
	"github.com/vaultgrid/vaultgrid/internal/descriptor"
	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/hooks"
	"github.com/vaultgrid/vaultgrid/internal/metrics"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/rst"
	"github.com/vaultgrid/vaultgrid/internal/session"
)

// Result describes a finished finalize.
type Result struct {
	Descriptor    int            `json:"descriptor"`
	DataID        int64          `json:"data_id"`
	ReplicaNumber int            `json:"replica_number"`
	Status        replica.Status `json:"status"`
	Size          int64          `json:"size"`
	Checksum      string         `json:"checksum,omitempty"`
	// HookStatus is the post-operation hook's status. It never changes the
	// outcome of the finalize.
	HookStatus int `json:"hook_status"`
}

// HookNameFor maps a descriptor purpose to its post-operation hook.
func HookNameFor(purpose string) string {
	switch purpose {
	case "put":
		return hooks.DataObjPutPost
	case "repair":
		return hooks.DataObjRepairPost
	}
	return hooks.DataObjClosePost
}

// Finalize completes the replica behind fd: it reconciles size, registers or
// verifies the checksum as requested, stages the result in the RST,
// publishes it (or marks the replica stale when anything fails), releases
// the object lock, applies ACL and metadata directives and runs the
// post-operation hook. The returned Result is non-nil whenever fd was valid.
func (f *Finalizer) Finalize(ctx context.Context, fd int) (*Result, error) {
	start := time.Now()
	defer func() { metrics.FinalizeDuration.Observe(time.Since(start).Seconds()) }()

	d, err := f.descs.Get(fd)
	if err != nil {
		metrics.FinalizeTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if d.Input.OpenType == descriptor.OpenForRead {
		err := f.closeRead(d)
		return f.finish(ctx, d, err), err
	}
	if err := d.Transition(descriptor.StateFinalizing); err != nil {
		metrics.FinalizeTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	lease := f.table.Acquire(d.Info.Key())
	opErr := f.stage(ctx, d, lease)
	status := replica.Good
	if opErr != nil {
		slog.Warn("Replica finalize failed, marking stale",
			"fd", fd, "data_id", d.Info.DataID, "replica_number", d.Info.ReplicaNumber,
			"code", ferrors.Code(opErr), "error", opErr)
		status = replica.Stale
	}

	err = f.closeAndUnlock(ctx, d, lease, status)
	if opErr != nil {
		err = errors.Join(opErr, err)
	}

	// ACL and metadata apply to the committed object. A malformed payload
	// is reported here and leaves the replica good.
	if err == nil && d.Info.Status == replica.Good {
		err = errors.Join(
			ApplyACLFromCondInput(ctx, f.catalog, d.Session, d.Input),
			ApplyMetadataFromCondInput(ctx, f.catalog, d.Session, d.Input),
		)
	}
	return f.finish(ctx, d, err), err
}

// finish runs the post-operation hook and records the outcome.
func (f *Finalizer) finish(ctx context.Context, d *descriptor.Descriptor, err error) *Result {
	hookStatus := ApplyStaticPostPEP(ctx, f.hooks, d, ferrors.Errno(err), HookNameFor(d.Purpose))

	outcome := d.State.String()
	if err != nil && d.State == descriptor.StateCommitted {
		outcome = "error"
	}
	metrics.FinalizeTotal.WithLabelValues(outcome).Inc()
	slog.Info("Replica finalized",
		"fd", d.Index, "data_id", d.Info.DataID, "replica_number", d.Info.ReplicaNumber,
		"status", d.Info.Status.String(), "size", d.Info.Size, "outcome", outcome, "hook_status", hookStatus)

	return &Result{
		Descriptor:    d.Index,
		DataID:        d.Info.DataID,
		ReplicaNumber: d.Info.ReplicaNumber,
		Status:        d.Info.Status,
		Size:          d.Info.Size,
		Checksum:      d.Info.Checksum,
		HookStatus:    hookStatus,
	}
}

// stage resolves size and checksum into d.Info and stages them as the
// proposed target state.
func (f *Finalizer) stage(ctx context.Context, d *descriptor.Descriptor, lease *rst.Lease) error {
	dirs := condinput.InterpretIntegrity(d.Input.CondInput)
	entry, err := lease.Entry()
	if err != nil {
		return err
	}

	info := d.Info
	defer func() { d.SetInfo(info) }()

	verify := f.opts.VerifySize
	if dirs.VerifySize != nil {
		verify = *dirs.VerifySize
	}
	recorded := d.BytesWritten
	if d.Input.DataSize > 0 {
		recorded = d.Input.DataSize
	}
	size, err := GetSizeInVault(ctx, f.resources, d.Session, &info, verify, recorded)
	if err != nil {
		return err
	}
	info.Size = size

	// Verifying without writing checks the bytes against what the catalog
	// already records for them.
	inPlace := d.BytesWritten == 0 && d.Input.OpenType != descriptor.CreateType

	switch {
	case dirs.RegisterChecksum:
		if _, err := f.checksums.RegisterNewChecksum(ctx, d.Session, &info, dirs.OriginalChecksum); err != nil {
			return err
		}
	case dirs.VerifyChecksum:
		original := dirs.OriginalChecksum
		if original == "" && inPlace {
			original = entry.Before.Checksum
		}
		if original == "" {
			if _, err := f.checksums.RegisterNewChecksum(ctx, d.Session, &info, ""); err != nil {
				return err
			}
			break
		}
		digest, err := f.checksums.VerifyChecksum(ctx, d.Session, &info, original)
		if err != nil {
			return err
		}
		if digest == "" {
			return ferrors.ErrChecksumMismatch.Withf("replica %s does not match checksum %s", info.Key(), original)
		}
		info.Checksum = digest
	case !inPlace:
		// The bytes changed; a previously recorded digest no longer applies.
		info.Checksum = ""
	}
	info.ModifiedAt = time.Now().UTC()

	staged := info
	return lease.Stage(func(md *replica.Metadata) {
		md.LogicalPath = staged.LogicalPath
		md.Resource = staged.Resource
		md.PhysicalPath = staged.PhysicalPath
		md.Size = staged.Size
		md.Checksum = staged.Checksum
		md.ModifiedAt = staged.ModifiedAt
	})
}

// ApplyStaticPostPEP runs the hook named hookName with the descriptor's
// session, request and replica. The hook's status is returned for reporting
// and never alters the operation's result.
func ApplyStaticPostPEP(ctx context.Context, reg *hooks.Registry, d *descriptor.Descriptor, operationStatus int, hookName string) int {
	hc := hooks.Context{
		ObjPath:         d.Input.ObjPath,
		Purpose:         d.Purpose,
		Descriptor:      d.Index,
		CondInput:       d.Input.CondInput.Clone(),
		Replica:         d.Info,
		OperationStatus: operationStatus,
	}
	if d.Session != nil {
		hc.User = d.Session.User
		hc.Zone = d.Session.Zone
	}
	return reg.Invoke(ctx, hookName, hc)
}

// ApplyACLFromCondInput grants the permissions listed under aclIncluded.
// The caller must own the object unless the session is an admin session.
func ApplyACLFromCondInput(ctx context.Context, store catalog.AccessStore, sess *session.Session, in descriptor.DataObjInput) error {
	if !in.CondInput.Has(condinput.ACLIncludedKW) {
		return nil
	}
	acl, err := condinput.ParseACL(in.CondInput.Get(condinput.ACLIncludedKW))
	if err != nil {
		return ferrors.ErrInvalidCondInput.Withf("%s on %q", condinput.ACLIncludedKW, in.ObjPath).Wrap(err)
	}
	if err := requireAccess(ctx, store, sess, in.ObjPath, condinput.AccessOwn); err != nil {
		return err
	}
	for _, e := range acl {
		if err := store.SetAccess(ctx, in.ObjPath, e.User, e.Level); err != nil {
			return fmt.Errorf("setting %s access for %q on %q: %w", e.Level, e.User, in.ObjPath, err)
		}
	}
	slog.Debug("ACL applied", "path", in.ObjPath, "entries", len(acl), "user", sess.String())
	return nil
}

// MetadataStore is what metadata application needs from the catalog.
type MetadataStore interface {
	catalog.AccessStore
	catalog.AVUStore
}

// ApplyMetadataFromCondInput attaches the AVUs listed under
// metadataIncluded. The caller needs write access on the object.
func ApplyMetadataFromCondInput(ctx context.Context, store MetadataStore, sess *session.Session, in descriptor.DataObjInput) error {
	if !in.CondInput.Has(condinput.MetadataIncludedKW) {
		return nil
	}
	avus, err := condinput.ParseMetadata(in.CondInput.Get(condinput.MetadataIncludedKW))
	if err != nil {
		return ferrors.ErrInvalidCondInput.Withf("%s on %q", condinput.MetadataIncludedKW, in.ObjPath).Wrap(err)
	}
	if err := requireAccess(ctx, store, sess, in.ObjPath, condinput.AccessWrite); err != nil {
		return err
	}
	for _, avu := range avus {
		if err := store.AddAVU(ctx, in.ObjPath, avu); err != nil {
			return fmt.Errorf("adding metadata %q to %q: %w", avu.Attribute, in.ObjPath, err)
		}
	}
	return nil
}

func requireAccess(ctx context.Context, store catalog.AccessStore, sess *session.Session, objPath string, want condinput.AccessLevel) error {
	if sess.Admin {
		return nil
	}
	level, err := store.GetAccess(ctx, objPath, sess.User)
	if err != nil {
		return fmt.Errorf("reading access for %q: %w", sess.User, err)
	}
	if !level.Satisfies(want) {
		return ferrors.ErrAccessDenied.Withf("user %q needs %s access on %q", sess.User, want, objPath)
	}
	return nil
}
