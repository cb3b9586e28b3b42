package finalize

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/vaultgrid/vaultgrid/internal/checksum"
	"github.com/vaultgrid/vaultgrid/internal/descriptor"
	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/storage"
)

// Segment is a byte range of a replica handled by one transfer thread.
type Segment struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// SegmentResult is the digest of one segment as read back from storage.
type SegmentResult struct {
	Segment
	Checksum string `json:"checksum"`
}

// SplitSegments divides size bytes into at most threads contiguous segments.
func SplitSegments(size int64, threads int) []Segment {
	if threads < 1 {
		threads = 1
	}
	if size <= 0 {
		return []Segment{{Offset: 0, Length: 0}}
	}
	if int64(threads) > size {
		threads = int(size)
	}
	chunk := size / int64(threads)
	segs := make([]Segment, 0, threads)
	var off int64
	for i := 0; i < threads; i++ {
		n := chunk
		if i == threads-1 {
			n = size - off
		}
		segs = append(segs, Segment{Offset: off, Length: n})
		off += n
	}
	return segs
}

// FinalizeSegments reads back every segment of the replica behind fd
// concurrently. Each worker runs on its own duplicate of the descriptor, so
// nothing a worker records leaks into the source descriptor or into another
// worker. A short segment is an ErrSizeMismatch.
func (f *Finalizer) FinalizeSegments(ctx context.Context, fd int, segments []Segment) ([]SegmentResult, error) {
	src, err := f.descs.Get(fd)
	if err != nil {
		return nil, err
	}
	res, err := f.resources.Get(src.Info.Resource)
	if err != nil {
		return nil, err
	}
	scheme := f.checksums.Scheme()

	out := make([]SegmentResult, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segments {
		dup := descriptor.Duplicate(src)
		g.Go(func() error {
			digest, n, err := segmentChecksum(gctx, res, dup.Info.PhysicalPath, seg, scheme)
			if err != nil {
				return err
			}
			dup.Info.Checksum = digest
			dup.BytesWritten = n
			if n != seg.Length {
				return ferrors.ErrSizeMismatch.Withf("segment at %d of %s: read %d bytes, want %d",
					seg.Offset, dup.Info.Key(), n, seg.Length)
			}
			out[i] = SegmentResult{Segment: seg, Checksum: digest}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func segmentChecksum(ctx context.Context, res storage.Resource, physicalPath string, seg Segment, scheme checksum.Scheme) (string, int64, error) {
	rc, err := res.Open(ctx, physicalPath)
	if err != nil {
		return "", 0, ferrors.ErrChecksumComputation.Wrap(err)
	}
	defer rc.Close()

	if _, err := io.CopyN(io.Discard, rc, seg.Offset); err != nil {
		return "", 0, ferrors.ErrChecksumComputation.Wrap(fmt.Errorf("seeking to %d: %w", seg.Offset, err))
	}
	counted := &countingReader{r: io.LimitReader(rc, seg.Length)}
	digest, err := checksum.Compute(counted, scheme)
	if err != nil {
		return "", 0, ferrors.ErrChecksumComputation.Wrap(err)
	}
	return digest, counted.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
