package finalize

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vaultgrid/vaultgrid/internal/checksum"
	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/replica"
)

func TestSplitSegments(t *testing.T) {
	tests := []struct {
		size    int64
		threads int
		want    []Segment
	}{
		{10, 3, []Segment{{0, 3}, {3, 3}, {6, 4}}},
		{10, 1, []Segment{{0, 10}}},
		{2, 4, []Segment{{0, 1}, {1, 1}}},
		{0, 4, []Segment{{0, 0}}},
		{5, 0, []Segment{{0, 5}}},
	}
	for _, tt := range tests {
		got := SplitSegments(tt.size, tt.threads)
		if len(got) != len(tt.want) {
			t.Errorf("SplitSegments(%d, %d) = %v, want %v", tt.size, tt.threads, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("SplitSegments(%d, %d) = %v, want %v", tt.size, tt.threads, got, tt.want)
				break
			}
		}
	}
}

func TestFinalizeSegments(t *testing.T) {
	env := newTestEnv(t, Options{})
	content := "0123456789"
	fd := env.create(t, "/tempZone/home/alice/seg.dat", content, nil)
	src, _ := env.f.Descriptors().Get(fd)
	before := src.Info

	ctx := context.Background()
	results, err := env.f.FinalizeSegments(ctx, fd, SplitSegments(int64(len(content)), 3))
	if err != nil {
		t.Fatalf("FinalizeSegments: %v", err)
	}
	for _, r := range results {
		want, _ := checksum.Compute(strings.NewReader(content[r.Offset:r.Offset+r.Length]), checksum.SHA256)
		if r.Checksum != want {
			t.Errorf("segment %+v checksum = %q, want %q", r.Segment, r.Checksum, want)
		}
	}
	if src.Info != before {
		t.Errorf("source descriptor changed: %+v", src.Info)
	}

	if _, err := env.f.FinalizeSegments(ctx, fd, []Segment{{Offset: 8, Length: 5}}); !errors.Is(err, ferrors.ErrSizeMismatch) {
		t.Errorf("short segment error = %v, want ErrSizeMismatch", err)
	}

	res, err := env.f.Finalize(ctx, fd)
	if err != nil || res.Status != replica.Good {
		t.Fatalf("Finalize = %+v, %v", res, err)
	}
}
