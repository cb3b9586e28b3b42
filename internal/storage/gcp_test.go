package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	gcs "cloud.google.com/go/storage"
)

// mockGCSClient implements GCSAPI for unit testing.
type mockGCSClient struct {
	// objects stores all objects keyed by their GCS object name.
	objects map[string][]byte
	// archived marks object names stored in the archive class.
	archived map[string]bool
	// deleteCalls tracks the number of delete calls.
	deleteCalls int
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{
		objects:  make(map[string][]byte),
		archived: make(map[string]bool),
	}
}

type mockGCSWriter struct {
	buf    *bytes.Buffer
	client *mockGCSClient
	key    string
}

func (w *mockGCSWriter) Write(p []byte) (n int, err error) {
	return w.buf.Write(p)
}

func (w *mockGCSWriter) Close() error {
	w.client.objects[w.key] = w.buf.Bytes()
	return nil
}

func (m *mockGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return &mockGCSWriter{buf: &bytes.Buffer{}, client: m, key: object}
}

func (m *mockGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	data, ok := m.objects[object]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockGCSClient) Delete(ctx context.Context, bucket, object string) error {
	m.deleteCalls++
	if _, ok := m.objects[object]; !ok {
		return gcs.ErrObjectNotExist
	}
	delete(m.objects, object)
	return nil
}

func (m *mockGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	data, ok := m.objects[object]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	return &GCSAttrs{Size: int64(len(data)), Archived: m.archived[object]}, nil
}

func (m *mockGCSClient) BucketAttrs(ctx context.Context, bucket string) error {
	return nil
}

func newTestGCSResource(t *testing.T) (*GCSResource, *mockGCSClient) {
	t.Helper()
	mock := newMockGCSClient()
	return NewGCSResourceWithClient("gcsResc", "upstream", "pfx/", mock), mock
}

func TestGCSPutOpenStat(t *testing.T) {
	r, mock := newTestGCSResource(t)
	ctx := context.Background()

	n, err := r.Put(ctx, "/a/b.dat", strings.NewReader("hello gcs"), 9)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if n != 9 {
		t.Errorf("Put wrote %d, want 9", n)
	}
	if _, ok := mock.objects["pfx/a/b.dat"]; !ok {
		t.Errorf("object not stored under prefixed name")
	}

	rc, err := r.Open(ctx, "/a/b.dat")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello gcs" {
		t.Errorf("Open = %q", data)
	}

	size, err := r.Stat(ctx, "/a/b.dat")
	if err != nil || size != 9 {
		t.Errorf("Stat = %d, %v; want 9, nil", size, err)
	}
}

func TestGCSArchivedStatIsUnknown(t *testing.T) {
	r, mock := newTestGCSResource(t)
	ctx := context.Background()

	if _, err := r.Put(ctx, "cold", strings.NewReader("z"), 1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	mock.archived["pfx/cold"] = true

	size, err := r.Stat(ctx, "cold")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if size != UnknownFileSize {
		t.Errorf("Stat = %d, want UnknownFileSize", size)
	}
}

func TestGCSRemoveIdempotent(t *testing.T) {
	r, mock := newTestGCSResource(t)
	ctx := context.Background()

	if err := r.Remove(ctx, "never-written"); err != nil {
		t.Errorf("Remove missing = %v, want nil", err)
	}
	if mock.deleteCalls != 1 {
		t.Errorf("deleteCalls = %d, want 1", mock.deleteCalls)
	}
	if _, err := r.Stat(ctx, "never-written"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Stat error = %v, want ErrObjectNotFound", err)
	}
}
