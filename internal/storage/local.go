package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vaultgrid/vaultgrid/internal/uid"
)

// LocalResource implements Resource on the local filesystem. Replica data
// lives in files under RootDir at the replica's physical path.
type LocalResource struct {
	name string
	// RootDir is the vault directory.
	RootDir string
}

// NewLocalResource creates a LocalResource rooted at rootDir. It creates the
// vault and its temp directory if they do not exist.
func NewLocalResource(name, rootDir string) (*LocalResource, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating vault directory %q: %w", rootDir, err)
	}
	// The .tmp directory backs atomic writes.
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalResource{name: name, RootDir: rootDir}, nil
}

// Name returns the resource name.
func (r *LocalResource) Name() string {
	return r.name
}

// CleanTempFiles removes all files in the .tmp directory. Leftover temp files
// are incomplete writes from a previous crash; this runs on every startup.
func (r *LocalResource) CleanTempFiles() error {
	tmpDir := filepath.Join(r.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// fullPath maps a physical path into the vault, refusing paths that escape it.
func (r *LocalResource) fullPath(physicalPath string) (string, error) {
	clean := filepath.Clean("/" + physicalPath)
	full := filepath.Join(r.RootDir, clean)
	root := filepath.Clean(r.RootDir)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("physical path %q escapes vault", physicalPath)
	}
	if strings.HasPrefix(clean, "/.tmp/") || clean == "/.tmp" {
		return "", fmt.Errorf("physical path %q is reserved", physicalPath)
	}
	return full, nil
}

func (r *LocalResource) tempPath() string {
	return filepath.Join(r.RootDir, ".tmp", "tmp-"+uid.New())
}

// Put writes replica data with the crash-only atomic write pattern: write to
// a temp file, fsync, rename.
func (r *LocalResource) Put(ctx context.Context, physicalPath string, reader io.Reader, size int64) (int64, error) {
	full, err := r.fullPath(physicalPath)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, fmt.Errorf("creating parent directories for %q: %w", physicalPath, err)
	}

	tmpPath := r.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	written, err := io.Copy(tmpFile, reader)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("writing replica data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, full); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming temp file to final path: %w", err)
	}

	return written, nil
}

// Open opens the replica file for reading.
func (r *LocalResource) Open(ctx context.Context, physicalPath string) (io.ReadCloser, error) {
	full, err := r.fullPath(physicalPath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, physicalPath)
		}
		return nil, fmt.Errorf("opening replica file %q: %w", physicalPath, err)
	}
	return file, nil
}

// Stat returns the file size.
func (r *LocalResource) Stat(ctx context.Context, physicalPath string) (int64, error) {
	full, err := r.fullPath(physicalPath)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrObjectNotFound, physicalPath)
		}
		return 0, fmt.Errorf("stat replica file %q: %w", physicalPath, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrObjectNotFound, physicalPath)
	}
	return info.Size(), nil
}

// Remove deletes the replica file and any parent directories it leaves empty.
func (r *LocalResource) Remove(ctx context.Context, physicalPath string) error {
	full, err := r.fullPath(physicalPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing replica file %q: %w", physicalPath, err)
	}
	cleanEmptyParents(filepath.Dir(full), r.RootDir)
	return nil
}

// HealthCheck verifies that the vault directory is accessible.
func (r *LocalResource) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(r.RootDir)
	return err
}

// cleanEmptyParents removes empty directories starting from dir up to (but not
// including) stopAt.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

var _ Resource = (*LocalResource)(nil)
