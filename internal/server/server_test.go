package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/vaultgrid/vaultgrid/internal/catalog"
	"github.com/vaultgrid/vaultgrid/internal/config"
	"github.com/vaultgrid/vaultgrid/internal/descriptor"
	"github.com/vaultgrid/vaultgrid/internal/finalize"
	"github.com/vaultgrid/vaultgrid/internal/hooks"
	"github.com/vaultgrid/vaultgrid/internal/metrics"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/session"
	"github.com/vaultgrid/vaultgrid/internal/storage"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

type testServer struct {
	srv   *Server
	fin   *finalize.Finalizer
	cat   *catalog.MemoryCatalog
	alice *session.Session
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	res, err := storage.NewMemoryResource("demoResc", storage.MemoryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { res.Close() })

	cat := catalog.NewMemoryCatalog()
	reg := storage.NewRegistry(res)
	fin := finalize.New(finalize.Deps{Catalog: cat, Resources: reg}, finalize.Options{})

	cfg := config.Default()
	srv, err := New(cfg, fin, WithResources(reg))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return &testServer{srv: srv, fin: fin, cat: cat, alice: session.New("alice", "tempZone")}
}

// put creates an object through the finalizer and returns its descriptor,
// still open.
func (ts *testServer) put(t *testing.T, objPath, content string) int {
	t.Helper()
	ctx := context.Background()
	fd, err := ts.fin.Open(ctx, ts.alice, finalize.OpenRequest{
		DataObjInput: descriptor.DataObjInput{
			ObjPath:      objPath,
			OpenType:     descriptor.CreateType,
			DataSize:     int64(len(content)),
			ResourceName: "demoResc",
		},
		Purpose: "put",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := ts.fin.Write(ctx, fd, strings.NewReader(content)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return fd
}

func (ts *testServer) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[HealthBody](t, rec)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}
	if rec.Header().Get("Server") != "VaultGrid" {
		t.Errorf("Server = %q", rec.Header().Get("Server"))
	}
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", map[string]string{"X-Request-Id": "abc123"})
	if got := rec.Header().Get("X-Request-Id"); got != "abc123" {
		t.Errorf("X-Request-Id = %q, want abc123", got)
	}
}

func TestReadyEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[ReadyBody](t, rec)
	if body.Catalog != "ok" || body.Storage != "ok" {
		t.Errorf("body = %+v", body)
	}
}

func TestReplicaEndpoints(t *testing.T) {
	ts := newTestServer(t)
	fd := ts.put(t, "/tempZone/home/alice/a.dat", "hello")
	res, err := ts.fin.Finalize(context.Background(), fd)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	id := strconv.FormatInt(res.DataID, 10)

	rec := ts.do(t, http.MethodGet, "/replicas", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	all := decode[struct {
		Replicas []ReplicaView `json:"replicas"`
	}](t, rec)
	if len(all.Replicas) != 1 || all.Replicas[0].Status != "good" {
		t.Errorf("replicas = %+v", all.Replicas)
	}

	rec = ts.do(t, http.MethodGet, "/replicas/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("object status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/replicas/"+id+"/0", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replica status = %d", rec.Code)
	}
	view := decode[ReplicaView](t, rec)
	if view.Size != 5 || view.LogicalPath != "/tempZone/home/alice/a.dat" {
		t.Errorf("replica = %+v", view)
	}
}

func TestReplicaNotFound(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/replicas/42", "/replicas/42/0"} {
		rec := ts.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}

func TestRSTAndDescriptors(t *testing.T) {
	ts := newTestServer(t)
	fd := ts.put(t, "/tempZone/home/alice/open.dat", "hello")

	rec := ts.do(t, http.MethodGet, "/rst", "", nil)
	entries := decode[struct {
		Entries []RSTEntryView `json:"entries"`
	}](t, rec)
	if len(entries.Entries) != 1 || entries.Entries[0].Target.Status != "intermediate" {
		t.Errorf("rst = %+v", entries.Entries)
	}

	rec = ts.do(t, http.MethodGet, "/descriptors", "", nil)
	descs := decode[struct {
		Descriptors []DescriptorView `json:"descriptors"`
	}](t, rec)
	if len(descs.Descriptors) != 1 {
		t.Fatalf("descriptors = %+v", descs.Descriptors)
	}
	d := descs.Descriptors[0]
	if d.Index != fd || d.User != "alice" || d.OpenType != "create" || d.State != "open" || d.BytesWritten != 5 {
		t.Errorf("descriptor = %+v", d)
	}

	if _, err := ts.fin.Finalize(context.Background(), fd); err != nil {
		t.Fatal(err)
	}
	rec = ts.do(t, http.MethodGet, "/rst", "", nil)
	entries = decode[struct {
		Entries []RSTEntryView `json:"entries"`
	}](t, rec)
	if len(entries.Entries) != 0 {
		t.Errorf("rst after finalize = %+v", entries.Entries)
	}
}

func TestRepairStalesPreservedEntry(t *testing.T) {
	ts := newTestServer(t)
	var hooked hooks.Context
	ts.fin.Hooks().Register(hooks.DataObjRepairPost, func(ctx context.Context, hc hooks.Context) int {
		hooked = hc
		return 7
	})

	fd := ts.put(t, "/tempZone/home/alice/stuck.dat", "hello")
	d, _ := ts.fin.Descriptors().Get(fd)
	key := d.Info.Key()
	if err := ts.fin.CloseReplicaWithoutCatalogUpdate(context.Background(), fd, true); err != nil {
		t.Fatal(err)
	}

	path := "/replicas/" + strconv.FormatInt(key.DataID, 10) + "/0/repair"
	rec := ts.do(t, http.MethodPost, path, "", map[string]string{"X-Vaultgrid-User": "rods"})
	if rec.Code != http.StatusOK {
		t.Fatalf("repair status = %d: %s", rec.Code, rec.Body.String())
	}
	out := decode[struct {
		Replica    ReplicaView `json:"replica"`
		HookStatus int         `json:"hook_status"`
	}](t, rec)
	if out.Replica.Status != "stale" || out.HookStatus != 7 {
		t.Errorf("repair = %+v", out)
	}
	if hooked.User != "rods" || hooked.Replica.Status != replica.Stale {
		t.Errorf("hook saw %+v", hooked)
	}
	if ts.fin.RST().Contains(key) {
		t.Error("entry survived repair")
	}

	rec = ts.do(t, http.MethodPost, path, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second repair = %d, want 404", rec.Code)
	}
}

func TestRepairPublishesGood(t *testing.T) {
	ts := newTestServer(t)
	fd := ts.put(t, "/tempZone/home/alice/keep.dat", "hello")
	d, _ := ts.fin.Descriptors().Get(fd)
	key := d.Info.Key()
	if err := ts.fin.CloseReplicaWithoutCatalogUpdate(context.Background(), fd, true); err != nil {
		t.Fatal(err)
	}

	path := "/replicas/" + strconv.FormatInt(key.DataID, 10) + "/0/repair"
	rec := ts.do(t, http.MethodPost, path, `{"status":"good"}`, map[string]string{"X-Vaultgrid-User": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("repair status = %d: %s", rec.Code, rec.Body.String())
	}
	md, err := ts.cat.GetReplica(context.Background(), key.DataID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if md.Status != replica.Good {
		t.Errorf("status = %v, want good", md.Status)
	}
}

func TestRepairPublishWithoutAccess(t *testing.T) {
	ts := newTestServer(t)
	fd := ts.put(t, "/tempZone/home/alice/theirs.dat", "hello")
	d, _ := ts.fin.Descriptors().Get(fd)
	key := d.Info.Key()
	if err := ts.fin.CloseReplicaWithoutCatalogUpdate(context.Background(), fd, true); err != nil {
		t.Fatal(err)
	}

	// mallory cannot publish good; recovery still marks the replica stale.
	path := "/replicas/" + strconv.FormatInt(key.DataID, 10) + "/0/repair"
	rec := ts.do(t, http.MethodPost, path, `{"status":"good"}`, map[string]string{"X-Vaultgrid-User": "mallory"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("repair status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	md, _ := ts.cat.GetReplica(context.Background(), key.DataID, 0)
	if md.Status != replica.Stale {
		t.Errorf("status = %v, want stale", md.Status)
	}
}

func TestRecoveryFailuresEmpty(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/recovery/failures", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"failures":[]`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/health", "", nil)

	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `vaultgrid_http_requests_total{method="GET",path="/health",status="200"}`) {
		t.Error("health request not counted")
	}
}

func TestMetricsDisabled(t *testing.T) {
	res, _ := storage.NewMemoryResource("demoResc", storage.MemoryOptions{})
	defer res.Close()
	fin := finalize.New(finalize.Deps{Catalog: catalog.NewMemoryCatalog(), Resources: storage.NewRegistry(res)}, finalize.Options{})
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	srv, err := New(cfg, fin)
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("/metrics = %d, want 404 when disabled", rec.Code)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/openapi.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	doc := decode[map[string]any](t, rec)
	paths, _ := doc["paths"].(map[string]any)
	for _, p := range []string{"/health", "/replicas/{data_id}/{replica_number}/repair", "/rst", "/recovery/failures"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("openapi document lacks %s", p)
		}
	}
}
