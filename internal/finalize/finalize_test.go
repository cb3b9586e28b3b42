package finalize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vaultgrid/vaultgrid/internal/catalog"
	"github.com/vaultgrid/vaultgrid/internal/checksum"
	"github.com/vaultgrid/vaultgrid/internal/condinput"
	"github.com/vaultgrid/vaultgrid/internal/descriptor"
	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/hooks"
	"github.com/vaultgrid/vaultgrid/internal/lock"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/session"
	"github.com/vaultgrid/vaultgrid/internal/storage"
)

const helloSHA2 = "sha2:LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ="

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// recordingCatalog logs every publish and can be told to fail them by
// privilege.
type recordingCatalog struct {
	catalog.Catalog
	log          *eventLog
	failNormal   atomic.Bool
	failElevated atomic.Bool
}

func (c *recordingCatalog) Publish(ctx context.Context, pc catalog.PublishContext) error {
	fail := (pc.Privilege == session.PrivilegeNormal && c.failNormal.Load()) ||
		(pc.Privilege == session.PrivilegeElevated && c.failElevated.Load())
	c.log.add(fmt.Sprintf("publish:%s:%s", pc.Privilege, pc.Target().Status))
	if fail {
		return errors.New("catalog unavailable")
	}
	return c.Catalog.Publish(ctx, pc)
}

// recordingLocker logs every release.
type recordingLocker struct {
	lock.Locker
	log *eventLog
}

func (l *recordingLocker) Lock(ctx context.Context, logicalPath string, mode lock.Mode) (*lock.Handle, error) {
	h, err := l.Locker.Lock(ctx, logicalPath, mode)
	if err != nil {
		return nil, err
	}
	h.OnRelease(func() { l.log.add("unlock:" + logicalPath) })
	return h, nil
}

type testEnv struct {
	f       *Finalizer
	cat     *recordingCatalog
	mem     *catalog.MemoryCatalog
	res     *storage.MemoryResource
	archive *storage.MemoryResource
	locks   *lock.MemoryLocker
	log     *eventLog
	alice   *session.Session
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	res, err := storage.NewMemoryResource("demoResc", storage.MemoryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	archive, err := storage.NewMemoryResource("archiveResc", storage.MemoryOptions{UnknownSizes: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		res.Close()
		archive.Close()
	})

	log := &eventLog{}
	mem := catalog.NewMemoryCatalog()
	cat := &recordingCatalog{Catalog: mem, log: log}
	locks := lock.NewMemoryLocker()
	reg := storage.NewRegistry(res, archive)

	f := New(Deps{
		Catalog:   cat,
		Resources: reg,
		Checksums: checksum.NewEngine(reg, checksum.SHA256),
		Locks:     &recordingLocker{Locker: locks, log: log},
	}, opts)

	return &testEnv{
		f:       f,
		cat:     cat,
		mem:     mem,
		res:     res,
		archive: archive,
		locks:   locks,
		log:     log,
		alice:   session.New("alice", "tempZone"),
	}
}

func (e *testEnv) create(t *testing.T, objPath, content string, cond condinput.Map) int {
	t.Helper()
	ctx := context.Background()
	fd, err := e.f.Open(ctx, e.alice, OpenRequest{
		DataObjInput: descriptor.DataObjInput{
			ObjPath:      objPath,
			OpenType:     descriptor.CreateType,
			DataSize:     int64(len(content)),
			ResourceName: "demoResc",
			CondInput:    cond,
		},
		Purpose: "put",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := e.f.Write(ctx, fd, strings.NewReader(content)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return fd
}

func (e *testEnv) row(t *testing.T, dataID int64, rn int) replica.Metadata {
	t.Helper()
	md, err := e.mem.GetReplica(context.Background(), dataID, rn)
	if err != nil {
		t.Fatalf("GetReplica(%d, %d): %v", dataID, rn, err)
	}
	return *md
}

// seedObject registers replicas 0..n-1 of a good object owned by alice.
func (e *testEnv) seedObject(t *testing.T, dataID int64, objPath string, n int) {
	t.Helper()
	ctx := context.Background()
	for rn := 0; rn < n; rn++ {
		md := replica.Metadata{
			DataID:        dataID,
			ReplicaNumber: rn,
			LogicalPath:   objPath,
			Resource:      "demoResc",
			PhysicalPath:  vaultPath(objPath, rn),
			Size:          5,
			Checksum:      helloSHA2,
			Status:        replica.Good,
		}
		if err := e.mem.RegisterReplica(ctx, &md); err != nil {
			t.Fatal(err)
		}
		if _, err := e.res.Put(ctx, md.PhysicalPath, strings.NewReader("hello"), 5); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.mem.SetAccess(ctx, objPath, "alice", condinput.AccessOwn); err != nil {
		t.Fatal(err)
	}
}

func assertUnlocked(t *testing.T, locks lock.Locker, objPath string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h, err := locks.Lock(ctx, objPath, lock.Write)
	if err != nil {
		t.Fatalf("object %q still locked: %v", objPath, err)
	}
	h.Unlock()
}

func assertLocked(t *testing.T, locks lock.Locker, objPath string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	h, err := locks.Lock(ctx, objPath, lock.Write)
	if err == nil {
		h.Unlock()
		t.Fatalf("object %q is not locked", objPath)
	}
}

func TestFinalizeCreateCommitsGood(t *testing.T) {
	env := newTestEnv(t, Options{})
	var hookCtx hooks.Context
	env.f.Hooks().Register(hooks.DataObjPutPost, func(ctx context.Context, hc hooks.Context) int {
		hookCtx = hc
		return hooks.DefaultStatus
	})

	fd := env.create(t, "/tempZone/home/alice/a.dat", "hello", condinput.Map{condinput.RegChksumKW: ""})
	d, err := env.f.Descriptors().Get(fd)
	if err != nil {
		t.Fatal(err)
	}
	key := d.Info.Key()
	if !env.f.RST().Contains(key) {
		t.Fatal("no RST entry after open for write")
	}
	if got := env.row(t, key.DataID, 0).Status; got != replica.Intermediate {
		t.Errorf("catalog status after open = %v, want intermediate", got)
	}

	res, err := env.f.Finalize(context.Background(), fd)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Status != replica.Good || res.Size != 5 || res.Checksum != helloSHA2 {
		t.Errorf("result = %+v", res)
	}

	row := env.row(t, key.DataID, 0)
	if row.Status != replica.Good || row.Size != 5 || row.Checksum != helloSHA2 {
		t.Errorf("catalog row = %+v", row)
	}
	if env.f.RST().Contains(key) {
		t.Error("RST entry survived a successful publish")
	}
	if _, err := env.f.Descriptors().Get(fd); !errors.Is(err, ferrors.ErrBadDescriptor) {
		t.Errorf("descriptor still open: %v", err)
	}
	if d.State != descriptor.StateCommitted {
		t.Errorf("descriptor state = %v, want committed", d.State)
	}
	assertUnlocked(t, env.locks, "/tempZone/home/alice/a.dat")

	if hookCtx.HookName != hooks.DataObjPutPost || hookCtx.User != "alice" || hookCtx.Replica.Status != replica.Good {
		t.Errorf("hook saw %+v", hookCtx)
	}
}

func TestUnlockFollowsPublish(t *testing.T) {
	env := newTestEnv(t, Options{})
	fd := env.create(t, "/tempZone/home/alice/order.dat", "hello", nil)
	env.log.reset()

	if _, err := env.f.Finalize(context.Background(), fd); err != nil {
		t.Fatal(err)
	}
	want := []string{"publish:normal:good", "unlock:/tempZone/home/alice/order.dat"}
	if got := env.log.list(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestNoChecksumDirectiveClearsChecksum(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedObject(t, 500, "/tempZone/home/alice/w.dat", 1)

	ctx := context.Background()
	fd, err := env.f.Open(ctx, env.alice, OpenRequest{
		DataObjInput: descriptor.DataObjInput{ObjPath: "/tempZone/home/alice/w.dat", OpenType: descriptor.OpenForWrite},
		DataID:       500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.f.Write(ctx, fd, strings.NewReader("changed")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.f.Finalize(ctx, fd); err != nil {
		t.Fatal(err)
	}
	row := env.row(t, 500, 0)
	if row.Checksum != "" || row.Size != 7 {
		t.Errorf("row = %+v, want size 7 and no checksum", row)
	}
}

func TestSizeMismatchMarksStale(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	fd, err := env.f.Open(ctx, env.alice, OpenRequest{
		DataObjInput: descriptor.DataObjInput{
			ObjPath:      "/tempZone/home/alice/short.dat",
			OpenType:     descriptor.CreateType,
			DataSize:     10,
			ResourceName: "demoResc",
			CondInput:    condinput.Map{condinput.VerifyBySizeKW: "1"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.f.Write(ctx, fd, strings.NewReader("hello")); err != nil {
		t.Fatal(err)
	}

	res, err := env.f.Finalize(ctx, fd)
	if !errors.Is(err, ferrors.ErrSizeMismatch) {
		t.Fatalf("Finalize error = %v, want ErrSizeMismatch", err)
	}
	if res == nil || res.Status != replica.Stale {
		t.Fatalf("result = %+v, want stale", res)
	}
	if got := env.row(t, res.DataID, 0).Status; got != replica.Stale {
		t.Errorf("catalog status = %v, want stale", got)
	}
	if env.f.RST().Contains(replica.Key{DataID: res.DataID}) {
		t.Error("RST entry left behind")
	}
	assertUnlocked(t, env.locks, "/tempZone/home/alice/short.dat")
}

func TestVerifyChecksumMismatchMarksStale(t *testing.T) {
	env := newTestEnv(t, Options{})
	fd := env.create(t, "/tempZone/home/alice/v.dat", "hello", condinput.Map{
		condinput.VerifyChksumKW: "",
		condinput.ChksumKW:       "sha2:bm90IHRoZSBkaWdlc3Q=",
	})
	res, err := env.f.Finalize(context.Background(), fd)
	if !errors.Is(err, ferrors.ErrChecksumMismatch) {
		t.Fatalf("Finalize error = %v, want ErrChecksumMismatch", err)
	}
	if res.Status != replica.Stale {
		t.Errorf("status = %v, want stale", res.Status)
	}
}

func TestVerifyChecksumMatch(t *testing.T) {
	env := newTestEnv(t, Options{})
	fd := env.create(t, "/tempZone/home/alice/ok.dat", "hello", condinput.Map{
		condinput.VerifyChksumKW: "",
		condinput.ChksumKW:       helloSHA2,
	})
	res, err := env.f.Finalize(context.Background(), fd)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != replica.Good || res.Checksum != helloSHA2 {
		t.Errorf("result = %+v", res)
	}
}

func TestPublishFailureRecoversStale(t *testing.T) {
	env := newTestEnv(t, Options{})
	fd := env.create(t, "/tempZone/home/alice/r.dat", "hello", nil)
	env.log.reset()
	env.cat.failNormal.Store(true)

	res, err := env.f.Finalize(context.Background(), fd)
	if !errors.Is(err, ferrors.ErrCatalogPublish) {
		t.Fatalf("Finalize error = %v, want ErrCatalogPublish", err)
	}
	if errors.Is(err, ferrors.ErrStalePublishFailure) {
		t.Error("recovery reported failure although the elevated publish succeeded")
	}
	if got := env.row(t, res.DataID, 0).Status; got != replica.Stale {
		t.Errorf("catalog status = %v, want stale", got)
	}
	if env.f.RST().Len() != 0 {
		t.Error("RST entry survived recovery")
	}

	want := []string{"publish:normal:good", "publish:elevated:stale", "unlock:/tempZone/home/alice/r.dat"}
	if got := env.log.list(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRecoveryFailureIsJournaled(t *testing.T) {
	env := newTestEnv(t, Options{})
	fd := env.create(t, "/tempZone/home/alice/broken.dat", "hello", nil)
	d, _ := env.f.Descriptors().Get(fd)
	key := d.Info.Key()
	env.cat.failNormal.Store(true)
	env.cat.failElevated.Store(true)

	_, err := env.f.Finalize(context.Background(), fd)
	if !errors.Is(err, ferrors.ErrStalePublishFailure) {
		t.Fatalf("Finalize error = %v, want ErrStalePublishFailure", err)
	}
	if !env.f.RST().Contains(key) {
		t.Error("RST entry should remain for manual repair")
	}
	failures := env.f.Journal().List()
	if len(failures) != 1 || failures[0].DataID != key.DataID || failures[0].LogicalPath != "/tempZone/home/alice/broken.dat" {
		t.Errorf("journal = %+v", failures)
	}
	// Recovery ran, so the lock is released even though it failed.
	assertUnlocked(t, env.locks, "/tempZone/home/alice/broken.dat")
}

func TestStaleTargetWithoutEntry(t *testing.T) {
	env := newTestEnv(t, Options{})
	err := env.f.StaleTargetReplicaAndPublish(context.Background(), env.alice, 4242, 0)
	if !errors.Is(err, ferrors.ErrNoRSTEntry) {
		t.Errorf("error = %v, want ErrNoRSTEntry", err)
	}
}

func TestStaleTargetLeavesSiblingsUntouched(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedObject(t, 700, "/tempZone/home/alice/s.dat", 3)
	ctx := context.Background()

	rows, err := env.mem.ListReplicas(ctx, 700)
	if err != nil {
		t.Fatal(err)
	}
	lease := env.f.RST().Acquire(replica.Key{DataID: 700, ReplicaNumber: 1})
	lease.Open(rows[1], rows)
	lease.Stage(func(md *replica.Metadata) { md.Size = 99 })
	lease.Release()

	// mallory has no access; recovery publishes with elevated privilege.
	mallory := session.New("mallory", "tempZone")
	if err := env.f.StaleTargetReplicaAndPublish(ctx, mallory, 700, 1); err != nil {
		t.Fatalf("StaleTargetReplicaAndPublish: %v", err)
	}

	target := env.row(t, 700, 1)
	if target.Status != replica.Stale || target.Size != 99 {
		t.Errorf("target = %+v, want stale with staged size", target)
	}
	for _, rn := range []int{0, 2} {
		if got := env.row(t, 700, rn); got != rows[rn] {
			t.Errorf("sibling %d changed: %+v, was %+v", rn, got, rows[rn])
		}
	}
	if env.f.RST().Contains(replica.Key{DataID: 700, ReplicaNumber: 1}) {
		t.Error("entry not erased after recovery")
	}
}

func TestSiblingsLockedAndRestored(t *testing.T) {
	tests := []struct {
		name         string
		staleOnWrite bool
		want         replica.Status
	}{
		{"stale on write", true, replica.Stale},
		{"restore", false, replica.Good},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{StaleSiblingsOnWrite: tt.staleOnWrite})
			env.seedObject(t, 800, "/tempZone/home/alice/sib.dat", 2)
			ctx := context.Background()

			fd, err := env.f.Open(ctx, env.alice, OpenRequest{
				DataObjInput: descriptor.DataObjInput{ObjPath: "/tempZone/home/alice/sib.dat", OpenType: descriptor.OpenForWrite},
				DataID:       800,
			})
			if err != nil {
				t.Fatal(err)
			}
			if got := env.row(t, 800, 1).Status; got != replica.WriteLocked {
				t.Errorf("sibling while open = %v, want write-locked", got)
			}
			env.f.Write(ctx, fd, strings.NewReader("world"))
			if _, err := env.f.Finalize(ctx, fd); err != nil {
				t.Fatal(err)
			}
			if got := env.row(t, 800, 0).Status; got != replica.Good {
				t.Errorf("target = %v, want good", got)
			}
			if got := env.row(t, 800, 1).Status; got != tt.want {
				t.Errorf("sibling after commit = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOpenWithoutWriteAccess(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedObject(t, 900, "/tempZone/home/alice/p.dat", 1)
	bob := session.New("bob", "tempZone")

	_, err := env.f.Open(context.Background(), bob, OpenRequest{
		DataObjInput: descriptor.DataObjInput{ObjPath: "/tempZone/home/alice/p.dat", OpenType: descriptor.OpenForWrite},
		DataID:       900,
	})
	if !errors.Is(err, ferrors.ErrAccessDenied) {
		t.Fatalf("Open error = %v, want ErrAccessDenied", err)
	}
	if got := env.row(t, 900, 0).Status; got != replica.Good {
		t.Errorf("catalog status = %v, want good", got)
	}
	if env.f.RST().Len() != 0 {
		t.Error("RST entry left by a failed open")
	}
	assertUnlocked(t, env.locks, "/tempZone/home/alice/p.dat")
}

func TestCloseWithoutCatalogUpdate(t *testing.T) {
	t.Run("preserve", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		fd := env.create(t, "/tempZone/home/alice/keep.dat", "hello", nil)
		d, _ := env.f.Descriptors().Get(fd)
		key := d.Info.Key()
		env.log.reset()

		if err := env.f.CloseReplicaWithoutCatalogUpdate(context.Background(), fd, true); err != nil {
			t.Fatal(err)
		}
		if len(env.log.list()) != 0 {
			t.Errorf("close wrote or unlocked: %v", env.log.list())
		}
		if !env.f.RST().Contains(key) {
			t.Fatal("entry not preserved")
		}
		assertLocked(t, env.locks, "/tempZone/home/alice/keep.dat")

		final, err := env.f.PublishReplicaState(context.Background(), env.alice, key.DataID, key.ReplicaNumber, replica.Good)
		if err != nil || final != replica.Good {
			t.Fatalf("PublishReplicaState = %v, %v", final, err)
		}
		if got := env.row(t, key.DataID, 0).Status; got != replica.Good {
			t.Errorf("status = %v, want good", got)
		}
		assertUnlocked(t, env.locks, "/tempZone/home/alice/keep.dat")
	})

	t.Run("discard", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		fd := env.create(t, "/tempZone/home/alice/drop.dat", "hello", nil)
		d, _ := env.f.Descriptors().Get(fd)

		if err := env.f.CloseReplicaWithoutCatalogUpdate(context.Background(), fd, false); err != nil {
			t.Fatal(err)
		}
		if env.f.RST().Contains(d.Info.Key()) {
			t.Error("entry survived")
		}
		if d.State != descriptor.StateAborted {
			t.Errorf("state = %v, want aborted", d.State)
		}
		assertUnlocked(t, env.locks, "/tempZone/home/alice/drop.dat")
	})
}

func TestCloseReplicaAndUnlockIsQuiet(t *testing.T) {
	env := newTestEnv(t, Options{})
	called := false
	env.f.Hooks().Register(hooks.DataObjPutPost, func(context.Context, hooks.Context) int {
		called = true
		return 0
	})
	fd := env.create(t, "/tempZone/home/alice/q.dat", "hello", nil)
	d, _ := env.f.Descriptors().Get(fd)

	if err := env.f.CloseReplicaAndUnlockDataObject(context.Background(), fd, replica.Stale); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("quiet close ran a hook")
	}
	if got := env.row(t, d.Info.DataID, 0).Status; got != replica.Stale {
		t.Errorf("status = %v, want stale", got)
	}
	if d.State != descriptor.StateStale {
		t.Errorf("descriptor state = %v", d.State)
	}
}

func TestApplyACLAndMetadata(t *testing.T) {
	env := newTestEnv(t, Options{})
	fd := env.create(t, "/tempZone/home/alice/acl.dat", "hello", condinput.Map{
		condinput.ACLIncludedKW:      "bob read;carol modify object",
		condinput.MetadataIncludedKW: "project;alpha;;size;5;bytes",
	})
	if _, err := env.f.Finalize(context.Background(), fd); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if lvl, _ := env.mem.GetAccess(ctx, "/tempZone/home/alice/acl.dat", "bob"); lvl != condinput.AccessRead {
		t.Errorf("bob = %v, want read", lvl)
	}
	if lvl, _ := env.mem.GetAccess(ctx, "/tempZone/home/alice/acl.dat", "carol"); lvl != condinput.AccessWrite {
		t.Errorf("carol = %v, want write", lvl)
	}
	avus, err := env.mem.ListAVUs(ctx, "/tempZone/home/alice/acl.dat")
	if err != nil {
		t.Fatal(err)
	}
	want := []condinput.AVU{{Attribute: "project", Value: "alpha"}, {Attribute: "size", Value: "5", Unit: "bytes"}}
	if fmt.Sprint(avus) != fmt.Sprint(want) {
		t.Errorf("avus = %v, want %v", avus, want)
	}
}

func TestApplyACLRequiresOwner(t *testing.T) {
	mem := catalog.NewMemoryCatalog()
	ctx := context.Background()
	mem.SetAccess(ctx, "/z/f", "alice", condinput.AccessOwn)
	mem.SetAccess(ctx, "/z/f", "bob", condinput.AccessWrite)
	in := descriptor.DataObjInput{ObjPath: "/z/f", CondInput: condinput.Map{condinput.ACLIncludedKW: "carol read"}}

	if err := ApplyACLFromCondInput(ctx, mem, session.New("bob", "z"), in); !errors.Is(err, ferrors.ErrAccessDenied) {
		t.Errorf("writer applying ACL: %v, want ErrAccessDenied", err)
	}
	admin := &session.Session{User: "rods", Zone: "z", Admin: true}
	if err := ApplyACLFromCondInput(ctx, mem, admin, in); err != nil {
		t.Errorf("admin applying ACL: %v", err)
	}
	if err := ApplyMetadataFromCondInput(ctx, mem, session.New("bob", "z"), descriptor.DataObjInput{
		ObjPath: "/z/f", CondInput: condinput.Map{condinput.MetadataIncludedKW: "a;b;c"},
	}); err != nil {
		t.Errorf("writer applying metadata: %v", err)
	}
	// No directive, nothing to check.
	if err := ApplyACLFromCondInput(ctx, mem, session.New("eve", "z"), descriptor.DataObjInput{ObjPath: "/z/f"}); err != nil {
		t.Errorf("empty cond input: %v", err)
	}
}

func TestHookStatusDoesNotChangeResult(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.f.Hooks().Register(hooks.DataObjPutPost, func(context.Context, hooks.Context) int { return -7 })
	fd := env.create(t, "/tempZone/home/alice/h.dat", "hello", nil)

	res, err := env.f.Finalize(context.Background(), fd)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.HookStatus != -7 || res.Status != replica.Good {
		t.Errorf("result = %+v", res)
	}
}

func TestApplyStaticPostPEPAbsentHook(t *testing.T) {
	d := &descriptor.Descriptor{Session: session.New("alice", "z"), Input: descriptor.DataObjInput{ObjPath: "/z/f"}}
	if got := ApplyStaticPostPEP(context.Background(), hooks.NewRegistry(), d, -1, hooks.DataObjClosePost); got != hooks.DefaultStatus {
		t.Errorf("status = %d, want 0", got)
	}
}

func TestReadOpenFinalize(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedObject(t, 950, "/tempZone/home/alice/read.dat", 1)
	ctx := context.Background()
	fd, err := env.f.Open(ctx, env.alice, OpenRequest{
		DataObjInput: descriptor.DataObjInput{ObjPath: "/tempZone/home/alice/read.dat", OpenType: descriptor.OpenForRead},
		DataID:       950,
	})
	if err != nil {
		t.Fatal(err)
	}
	if env.f.RST().Len() != 0 {
		t.Error("read open created an RST entry")
	}
	res, err := env.f.Finalize(ctx, fd)
	if err != nil || res.Status != replica.Good {
		t.Fatalf("Finalize = %+v, %v", res, err)
	}
	assertUnlocked(t, env.locks, "/tempZone/home/alice/read.dat")
}

func TestConcurrentFinalizes(t *testing.T) {
	env := newTestEnv(t, Options{})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		fd := env.create(t, fmt.Sprintf("/tempZone/home/alice/c%d.dat", i), "hello", condinput.Map{condinput.RegChksumKW: ""})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.f.Finalize(context.Background(), fd); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if env.f.RST().Len() != 0 {
		t.Errorf("RST has %d entries left", env.f.RST().Len())
	}
}

func TestVerifyInPlaceKeepsSiblingsGood(t *testing.T) {
	env := newTestEnv(t, Options{StaleSiblingsOnWrite: true})
	env.seedObject(t, 810, "/tempZone/home/alice/check.dat", 2)
	ctx := context.Background()

	fd, err := env.f.Open(ctx, env.alice, OpenRequest{
		DataObjInput: descriptor.DataObjInput{
			ObjPath:   "/tempZone/home/alice/check.dat",
			OpenType:  descriptor.OpenForWrite,
			DataSize:  5,
			CondInput: condinput.Map{condinput.VerifyChksumKW: "", condinput.VerifyBySizeKW: "1"},
		},
		DataID:  810,
		Purpose: "verify",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.f.Finalize(ctx, fd)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Status != replica.Good || res.Checksum != helloSHA2 {
		t.Errorf("result = %+v", res)
	}
	if got := env.row(t, 810, 1).Status; got != replica.Good {
		t.Errorf("sibling = %v, want good when nothing was written", got)
	}
}
