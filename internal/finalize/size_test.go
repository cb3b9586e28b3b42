package finalize

import (
	"context"
	"errors"
	"strings"
	"testing"

	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/session"
	"github.com/vaultgrid/vaultgrid/internal/storage"
)

func TestGetSizeInVault(t *testing.T) {
	ctx := context.Background()
	known, err := storage.NewMemoryResource("disk", storage.MemoryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	unknown, err := storage.NewMemoryResource("tape", storage.MemoryOptions{UnknownSizes: true})
	if err != nil {
		t.Fatal(err)
	}
	defer known.Close()
	defer unknown.Close()
	for _, res := range []storage.Resource{known, unknown} {
		if _, err := res.Put(ctx, "f", strings.NewReader("0123456789"), 10); err != nil {
			t.Fatal(err)
		}
	}
	reg := storage.NewRegistry(known, unknown)
	sess := session.New("alice", "tempZone")

	tests := []struct {
		name     string
		resource string
		verify   bool
		recorded int64
		want     int64
		wantErr  error
	}{
		{"known, no verify, recorded differs", "disk", false, 3, 10, nil},
		{"known, verify, match", "disk", true, 10, 10, nil},
		{"known, verify, mismatch", "disk", true, 11, 0, ferrors.ErrSizeMismatch},
		{"unknown trusts recorded", "tape", false, 42, 42, nil},
		{"unknown skips verification", "tape", true, 42, 42, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &replica.Metadata{DataID: 1, Resource: tt.resource, PhysicalPath: "f"}
			got, err := GetSizeInVault(ctx, reg, sess, info, tt.verify, tt.recorded)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("size = %d, want %d", got, tt.want)
			}
			if got == storage.UnknownFileSize {
				t.Error("unknown-size sentinel escaped")
			}
		})
	}
}

func TestGetSizeInVaultErrors(t *testing.T) {
	ctx := context.Background()
	reg := storage.NewRegistry()
	sess := session.New("alice", "tempZone")
	if _, err := GetSizeInVault(ctx, reg, sess, &replica.Metadata{Resource: "nope"}, false, 0); err == nil {
		t.Error("unknown resource succeeded")
	}

	mem, _ := storage.NewMemoryResource("disk", storage.MemoryOptions{})
	defer mem.Close()
	reg.Add(mem)
	if _, err := GetSizeInVault(ctx, reg, sess, &replica.Metadata{Resource: "disk", PhysicalPath: "missing"}, false, 0); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("missing data error = %v, want ErrObjectNotFound", err)
	}
}
