package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/vaultgrid/vaultgrid/internal/config"
	"github.com/vaultgrid/vaultgrid/internal/descriptor"
	"github.com/vaultgrid/vaultgrid/internal/finalize"
	"github.com/vaultgrid/vaultgrid/internal/hooks"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Catalog.SQLite.Path = filepath.Join(dir, "catalog.db")
	cfg.Finalize.RecoveryJournalDir = filepath.Join(dir, "journal")
	cfg.Storage.Resources = []config.ResourceConfig{
		{Name: "demoResc", Type: "local", Local: config.LocalResource{RootDir: filepath.Join(dir, "vault")}},
		{Name: "archiveResc", Type: "memory", Memory: config.MemoryResource{UnknownSizes: true}},
		{Name: "dbResc", Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "resc.db")}},
	}
	return cfg
}

func TestBuildAndPut(t *testing.T) {
	cfg := testConfig(t)
	a, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer a.Close()

	if got := a.Resources.Names(); len(got) != 3 {
		t.Errorf("resources = %v", got)
	}
	if a.Locks.Backend() != "memory" {
		t.Errorf("lock backend = %q", a.Locks.Backend())
	}

	for _, resc := range []string{"demoResc", "archiveResc", "dbResc"} {
		t.Run(resc, func(t *testing.T) {
			ctx := context.Background()
			sess := session.New("alice", cfg.Server.Zone)
			fd, err := a.Finalizer.Open(ctx, sess, finalize.OpenRequest{
				DataObjInput: descriptor.DataObjInput{
					ObjPath:      "/tempZone/home/alice/" + resc + ".dat",
					OpenType:     descriptor.CreateType,
					DataSize:     5,
					ResourceName: resc,
				},
				Purpose: "put",
			})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if _, err := a.Finalizer.Write(ctx, fd, strings.NewReader("hello")); err != nil {
				t.Fatalf("Write: %v", err)
			}
			res, err := a.Finalizer.Finalize(ctx, fd)
			if err != nil {
				t.Fatalf("Finalize: %v", err)
			}
			if res.Status != replica.Good || res.Size != 5 {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestBuildBadScheme(t *testing.T) {
	cfg := testConfig(t)
	cfg.Finalize.ChecksumScheme = "crc32"
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for an unsupported checksum scheme")
	}
}

func TestNewCatalogEngines(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, cc := range []config.CatalogConfig{
		{Engine: "memory"},
		{Engine: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "nested", "c.db")}},
		{Engine: "local", Local: config.LocalCatalog{RootDir: filepath.Join(dir, "jsonl")}},
	} {
		t.Run(cc.Engine, func(t *testing.T) {
			cat, err := NewCatalog(ctx, cc)
			if err != nil {
				t.Fatalf("NewCatalog: %v", err)
			}
			defer cat.Close()
			if err := cat.Ping(ctx); err != nil {
				t.Errorf("Ping: %v", err)
			}
		})
	}
	if _, err := NewCatalog(ctx, config.CatalogConfig{Engine: "oracle"}); err == nil {
		t.Error("unknown engine accepted")
	}
}

func TestNewResourceUnknownType(t *testing.T) {
	if _, err := NewResource(context.Background(), config.ResourceConfig{Name: "x", Type: "tape"}); err == nil {
		t.Fatal("unknown resource type accepted")
	}
}

func TestNewHooksWebhook(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	reg := NewHooks(config.HooksConfig{AuditLog: true, WebhookURL: ts.URL, WebhookTimeoutSeconds: 5})
	if got := len(reg.Names()); got != 3 {
		t.Errorf("hook names = %v", reg.Names())
	}
	status := reg.Invoke(context.Background(), hooks.DataObjPutPost, hooks.Context{HookName: hooks.DataObjPutPost})
	if status != hooks.DefaultStatus {
		t.Errorf("status = %d", status)
	}
	if calls.Load() != 1 {
		t.Errorf("webhook calls = %d, want 1", calls.Load())
	}
}
