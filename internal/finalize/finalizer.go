// Package finalize closes replicas: it reconciles size and checksum, stages
// the outcome in the replica state table, publishes it to the catalog, falls
// back to stale-publish recovery when publishing fails, and only then
// releases the logical object lock.
package finalize

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vaultgrid/vaultgrid/internal/catalog"
	"github.com/vaultgrid/vaultgrid/internal/checksum"
	"github.com/vaultgrid/vaultgrid/internal/condinput"
	"github.com/vaultgrid/vaultgrid/internal/descriptor"
	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/hooks"
	"github.com/vaultgrid/vaultgrid/internal/lock"
	"github.com/vaultgrid/vaultgrid/internal/metrics"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/rst"
	"github.com/vaultgrid/vaultgrid/internal/session"
	"github.com/vaultgrid/vaultgrid/internal/storage"
	"github.com/vaultgrid/vaultgrid/internal/uid"
)

// Options tunes finalize behavior.
type Options struct {
	// VerifySize is used when a request carries no verifyBySize keyword.
	VerifySize bool
	// StaleSiblingsOnWrite marks good sibling replicas stale when a write
	// commits the target as good.
	StaleSiblingsOnWrite bool
}

// Deps are the collaborators of a Finalizer. Catalog and Resources are
// required; the rest default to in-process implementations.
type Deps struct {
	Catalog   catalog.Catalog
	Resources *storage.Registry
	Checksums *checksum.Engine
	RST       *rst.Table
	Locks     lock.Locker
	Hooks     *hooks.Registry
	Journal   *Journal
}

// Finalizer owns the descriptor table and drives replicas from open to a
// committed or stale catalog state.
type Finalizer struct {
	catalog   catalog.Catalog
	resources *storage.Registry
	checksums *checksum.Engine
	table     *rst.Table
	locks     lock.Locker
	hooks     *hooks.Registry
	journal   *Journal
	descs     *descriptor.Table
	opts      Options

	// pending holds object locks of descriptors closed with a preserved RST
	// entry. They are released once the entry is published or recovered.
	mu      sync.Mutex
	pending map[replica.Key]*lock.Handle
}

// New creates a Finalizer.
func New(deps Deps, opts Options) *Finalizer {
	if deps.Checksums == nil {
		deps.Checksums = checksum.NewEngine(deps.Resources, checksum.DefaultScheme)
	}
	if deps.RST == nil {
		deps.RST = rst.New()
	}
	if deps.Locks == nil {
		deps.Locks = lock.NewMemoryLocker()
	}
	if deps.Hooks == nil {
		deps.Hooks = hooks.NewRegistry()
	}
	if deps.Journal == nil {
		deps.Journal = &Journal{}
	}
	return &Finalizer{
		catalog:   deps.Catalog,
		resources: deps.Resources,
		checksums: deps.Checksums,
		table:     deps.RST,
		locks:     deps.Locks,
		hooks:     deps.Hooks,
		journal:   deps.Journal,
		descs:     descriptor.NewTable(),
		opts:      opts,
		pending:   make(map[replica.Key]*lock.Handle),
	}
}

// Catalog returns the catalog the finalizer publishes to.
func (f *Finalizer) Catalog() catalog.Catalog { return f.catalog }

// RST returns the replica state table.
func (f *Finalizer) RST() *rst.Table { return f.table }

// Descriptors returns the descriptor table.
func (f *Finalizer) Descriptors() *descriptor.Table { return f.descs }

// Journal returns the recovery journal.
func (f *Finalizer) Journal() *Journal { return f.journal }

// Hooks returns the policy-hook registry.
func (f *Finalizer) Hooks() *hooks.Registry { return f.hooks }

// OpenRequest selects the replica to open.
type OpenRequest struct {
	descriptor.DataObjInput
	// DataID is 0 to create a new data object.
	DataID        int64
	ReplicaNumber int
	// PhysicalPath defaults to a path derived from the logical path.
	PhysicalPath string
	Purpose      string
}

// Open takes the object lock, resolves the target replica and, for writes,
// opens its RST entry and publishes the target as intermediate with its
// siblings write-locked. It returns the new descriptor index.
func (f *Finalizer) Open(ctx context.Context, sess *session.Session, req OpenRequest) (int, error) {
	mode := lock.Write
	if req.OpenType == descriptor.OpenForRead {
		mode = lock.Read
	}
	h, err := f.locks.Lock(ctx, req.ObjPath, mode)
	if err != nil {
		return 0, err
	}

	info, others, err := f.resolveTarget(ctx, sess, req)
	if err != nil {
		h.Unlock()
		return 0, err
	}

	if req.OpenType != descriptor.OpenForRead {
		if err := f.lockReplicas(ctx, sess, info, others); err != nil {
			h.Unlock()
			return 0, err
		}
		info.Status = replica.Intermediate
	}

	d := &descriptor.Descriptor{
		Session: sess,
		Input:   req.DataObjInput.Clone(),
		Info:    info,
		Lock:    h,
		Purpose: req.Purpose,
	}
	fd := f.descs.Allocate(d)
	slog.Info("Replica opened",
		"fd", fd, "data_id", info.DataID, "replica_number", info.ReplicaNumber,
		"path", info.LogicalPath, "open_type", req.OpenType.String(), "user", sess.String())
	return fd, nil
}

func (f *Finalizer) resolveTarget(ctx context.Context, sess *session.Session, req OpenRequest) (replica.Metadata, []replica.Metadata, error) {
	resource := req.ResourceName
	if resource == "" {
		resource = req.CondInput.Get(condinput.ResourceNameKW)
	}

	if req.DataID == 0 {
		if req.OpenType != descriptor.CreateType {
			return replica.Metadata{}, nil, ferrors.ErrReplicaNotFound.Withf("no data object id given for %q", req.ObjPath)
		}
		md, err := f.registerNew(ctx, sess, uid.DataID(), req.ReplicaNumber, req.ObjPath, resource, req.PhysicalPath)
		if err != nil {
			return replica.Metadata{}, nil, err
		}
		if err := f.catalog.SetAccess(ctx, req.ObjPath, sess.User, condinput.AccessOwn); err != nil {
			return replica.Metadata{}, nil, fmt.Errorf("granting owner access on %q: %w", req.ObjPath, err)
		}
		return md, nil, nil
	}

	rows, err := f.catalog.ListReplicas(ctx, req.DataID)
	if err != nil {
		return replica.Metadata{}, nil, fmt.Errorf("listing replicas of %d: %w", req.DataID, err)
	}
	for _, row := range rows {
		if row.ReplicaNumber == req.ReplicaNumber {
			return row, rows, nil
		}
	}
	if req.OpenType != descriptor.CreateType || len(rows) == 0 {
		return replica.Metadata{}, nil, ferrors.ErrReplicaNotFound.Withf("replica %d:%d not found", req.DataID, req.ReplicaNumber)
	}

	// A new replica of an existing object.
	md, err := f.registerNew(ctx, sess, req.DataID, req.ReplicaNumber, rows[0].LogicalPath, resource, req.PhysicalPath)
	if err != nil {
		return replica.Metadata{}, nil, err
	}
	return md, rows, nil
}

func (f *Finalizer) registerNew(ctx context.Context, sess *session.Session, dataID int64, replicaNumber int, logicalPath, resource, physicalPath string) (replica.Metadata, error) {
	if resource == "" {
		return replica.Metadata{}, fmt.Errorf("no resource named for new replica of %q", logicalPath)
	}
	if _, err := f.resources.Get(resource); err != nil {
		return replica.Metadata{}, err
	}
	if physicalPath == "" {
		physicalPath = vaultPath(logicalPath, replicaNumber)
	}
	md := replica.Metadata{
		DataID:        dataID,
		ReplicaNumber: replicaNumber,
		LogicalPath:   logicalPath,
		Resource:      resource,
		PhysicalPath:  physicalPath,
		Status:        replica.Intermediate,
		ModifiedAt:    time.Now().UTC(),
	}
	if err := f.catalog.RegisterReplica(ctx, &md); err != nil {
		return replica.Metadata{}, fmt.Errorf("registering replica %s: %w", md.Key(), err)
	}
	slog.Debug("Replica registered", "data_id", dataID, "replica_number", replicaNumber,
		"resource", resource, "user", sess.String())
	return md, nil
}

// vaultPath mirrors the logical path inside the resource, suffixing replica
// numbers above zero so replicas sharing a resource do not collide.
func vaultPath(logicalPath string, replicaNumber int) string {
	p := strings.TrimPrefix(logicalPath, "/")
	if replicaNumber > 0 {
		p = fmt.Sprintf("%s.%d", p, replicaNumber)
	}
	return p
}

// lockReplicas opens the RST entry for target and publishes the target as
// intermediate and every sibling as write-locked.
func (f *Finalizer) lockReplicas(ctx context.Context, sess *session.Session, target replica.Metadata, others []replica.Metadata) error {
	lease := f.table.Acquire(target.Key())
	defer lease.Release()

	if !lease.Open(target, others) {
		return ferrors.ErrObjectLock.Withf("replica %s has an unresolved replica state table entry; publish or stale it first", target.Key())
	}
	if err := lease.SetTargetStatus(replica.Intermediate); err != nil {
		return err
	}
	entry, err := lease.Entry()
	if err != nil {
		return err
	}
	for rn := range entry.Siblings {
		if err := lease.StageSibling(rn, func(md *replica.Metadata) { md.Status = replica.WriteLocked }); err != nil {
			return err
		}
	}

	pc, err := lease.PublishContext(sess.User, sess.Normal().Level())
	if err != nil {
		return err
	}
	if err := f.publish(ctx, pc); err != nil {
		lease.Erase()
		return err
	}
	return nil
}

// Write stores the replica data for an open write descriptor.
func (f *Finalizer) Write(ctx context.Context, fd int, r io.Reader) (int64, error) {
	d, err := f.descs.Get(fd)
	if err != nil {
		return 0, err
	}
	if d.Input.OpenType == descriptor.OpenForRead || d.State != descriptor.StateOpen {
		return 0, ferrors.ErrBadDescriptor.Withf("descriptor %d is not open for write", fd)
	}
	res, err := f.resources.Get(d.Info.Resource)
	if err != nil {
		return 0, err
	}

	size := int64(-1)
	if d.Input.DataSize > 0 {
		size = d.Input.DataSize
	}
	n, err := res.Put(ctx, d.Info.PhysicalPath, r, size)
	if err != nil {
		return n, fmt.Errorf("writing replica %s: %w", d.Info.Key(), err)
	}
	d.SetBytesWritten(n)
	return n, nil
}

// Read opens the bytes of the replica behind fd.
func (f *Finalizer) Read(ctx context.Context, fd int) (io.ReadCloser, error) {
	d, err := f.descs.Get(fd)
	if err != nil {
		return nil, err
	}
	res, err := f.resources.Get(d.Info.Resource)
	if err != nil {
		return nil, err
	}
	return res.Open(ctx, d.Info.PhysicalPath)
}

// publish performs one catalog write and counts it.
func (f *Finalizer) publish(ctx context.Context, pc catalog.PublishContext) error {
	err := f.catalog.Publish(ctx, pc)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.CatalogPublishTotal.WithLabelValues(pc.Privilege.String(), result).Inc()
	if err != nil {
		return ferrors.ErrCatalogPublish.Withf("publishing replica %d:%d at %s privilege",
			pc.DataID, pc.ReplicaNumber, pc.Privilege).Wrap(err)
	}
	return nil
}

func (f *Finalizer) holdPending(key replica.Key, h *lock.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.pending[key]; ok && prev.Held() {
		prev.Unlock()
	}
	f.pending[key] = h
}

// releasePending unlocks the lock parked for key, if any.
func (f *Finalizer) releasePending(key replica.Key) {
	f.mu.Lock()
	h, ok := f.pending[key]
	delete(f.pending, key)
	f.mu.Unlock()
	if ok && h.Held() {
		h.Unlock()
	}
}
