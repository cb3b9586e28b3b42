package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLocalResource(t *testing.T) *LocalResource {
	t.Helper()
	r, err := NewLocalResource("demoResc", t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalResource failed: %v", err)
	}
	return r
}

func TestLocalPutOpenStat(t *testing.T) {
	r := newTestLocalResource(t)
	ctx := context.Background()

	content := "Hello, VaultGrid!"
	n, err := r.Put(ctx, "/home/alice/hello.txt", strings.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("Put wrote %d, want %d", n, len(content))
	}

	rc, err := r.Open(ctx, "/home/alice/hello.txt")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != content {
		t.Errorf("Open = %q, want %q", data, content)
	}

	size, err := StatSize(ctx, r, "/home/alice/hello.txt")
	if err != nil {
		t.Fatalf("StatSize failed: %v", err)
	}
	if v, ok := size.Value(); !ok || v != int64(len(content)) {
		t.Errorf("StatSize = %v, want %d", size, len(content))
	}
}

func TestLocalOverwrite(t *testing.T) {
	r := newTestLocalResource(t)
	ctx := context.Background()

	if _, err := r.Put(ctx, "f", strings.NewReader("first version"), -1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := r.Put(ctx, "f", strings.NewReader("v2"), -1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if size, _ := r.Stat(ctx, "f"); size != 2 {
		t.Errorf("Stat after overwrite = %d, want 2", size)
	}
}

func TestLocalNotFound(t *testing.T) {
	r := newTestLocalResource(t)
	ctx := context.Background()

	if _, err := r.Open(ctx, "nope"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Open error = %v, want ErrObjectNotFound", err)
	}
	if _, err := r.Stat(ctx, "nope"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Stat error = %v, want ErrObjectNotFound", err)
	}
	if err := r.Remove(ctx, "nope"); err != nil {
		t.Errorf("Remove missing = %v, want nil", err)
	}
}

func TestLocalRemoveCleansEmptyParents(t *testing.T) {
	r := newTestLocalResource(t)
	ctx := context.Background()

	if _, err := r.Put(ctx, "a/b/c.dat", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := r.Remove(ctx, "a/b/c.dat"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.RootDir, "a")); !os.IsNotExist(err) {
		t.Errorf("empty parent directory left behind: %v", err)
	}
	if _, err := os.Stat(r.RootDir); err != nil {
		t.Errorf("vault root removed: %v", err)
	}
}

func TestLocalPathEscape(t *testing.T) {
	r := newTestLocalResource(t)
	ctx := context.Background()

	if _, err := r.Put(ctx, ".tmp/evil", strings.NewReader("x"), 1); err == nil {
		t.Error("Put into reserved .tmp succeeded")
	}
	// Cleaning "/../x" stays inside the vault.
	if _, err := r.Put(ctx, "../x", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("Put ../x failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.RootDir, "x")); err != nil {
		t.Errorf("../x not contained in vault: %v", err)
	}
}

func TestLocalCleanTempFiles(t *testing.T) {
	r := newTestLocalResource(t)
	leftover := filepath.Join(r.RootDir, ".tmp", "tmp-crashed")
	if err := os.WriteFile(leftover, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.CleanTempFiles(); err != nil {
		t.Fatalf("CleanTempFiles failed: %v", err)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Errorf("temp file survived cleanup")
	}
}

func TestMemoryUnknownSizes(t *testing.T) {
	ctx := context.Background()
	r, err := NewMemoryResource("archive", MemoryOptions{UnknownSizes: true})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.Put(ctx, "p", strings.NewReader("12345"), 5); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	size, err := StatSize(ctx, r, "p")
	if err != nil {
		t.Fatalf("StatSize failed: %v", err)
	}
	if size.Known() {
		t.Errorf("StatSize = %v, want unknown", size)
	}
}

func TestMemoryLimit(t *testing.T) {
	ctx := context.Background()
	r, err := NewMemoryResource("small", MemoryOptions{MaxSizeBytes: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.Put(ctx, "a", strings.NewReader("1234"), 4); err != nil {
		t.Fatalf("Put at limit failed: %v", err)
	}
	if _, err := r.Put(ctx, "b", strings.NewReader("5"), 1); err == nil {
		t.Error("Put over limit succeeded")
	}
	if err := r.Remove(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Put(ctx, "b", strings.NewReader("5"), 1); err != nil {
		t.Errorf("Put after Remove failed: %v", err)
	}
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snap.db")

	r, err := NewMemoryResource("mem", MemoryOptions{SnapshotPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Put(ctx, "keep", strings.NewReader("persist me"), -1); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r2, err := NewMemoryResource("mem", MemoryOptions{SnapshotPath: path})
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	if size, err := r2.Stat(ctx, "keep"); err != nil || size != 10 {
		t.Errorf("Stat after reload = %d, %v; want 10, nil", size, err)
	}
}

func TestSQLiteResource(t *testing.T) {
	ctx := context.Background()
	r, err := NewSQLiteResource("blobResc", filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.Put(ctx, "x/y", strings.NewReader("sqlite!"), 7); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if size, err := r.Stat(ctx, "x/y"); err != nil || size != 7 {
		t.Errorf("Stat = %d, %v; want 7, nil", size, err)
	}
	if err := r.Remove(ctx, "x/y"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Open(ctx, "x/y"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Open after Remove = %v, want ErrObjectNotFound", err)
	}
}

func TestRegistry(t *testing.T) {
	a := newTestLocalResource(t)
	b, _ := NewMemoryResource("memResc", MemoryOptions{})
	reg := NewRegistry(a, b)

	if got, err := reg.Get("memResc"); err != nil || got != Resource(b) {
		t.Errorf("Get(memResc) = %v, %v", got, err)
	}
	if _, err := reg.Get("nope"); err == nil {
		t.Error("Get(nope) succeeded")
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != "demoResc" || names[1] != "memResc" {
		t.Errorf("Names = %v", names)
	}
	if err := reg.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck = %v", err)
	}
}
