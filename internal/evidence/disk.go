// Package evidence stores still images taken when an exam is terminated or
// uploaded by the candidate's browser.
package evidence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
)

// ErrDiskFull is returned when writing would leave less than the configured
// free space on the evidence volume.
var ErrDiskFull = errors.New("evidence volume below minimum free space")

// DiskStore writes evidence files under one directory, one subdirectory per
// candidate. Files appear atomically.
type DiskStore struct {
	dir     string
	minFree uint64

	// freeBytes reports free space on the volume holding path.
	freeBytes func(path string) (uint64, error)
}

func NewDiskStore(dir string, minFree uint64) *DiskStore {
	return &DiskStore{dir: dir, minFree: minFree, freeBytes: volumeFree}
}

func volumeFree(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// Dir returns the root evidence directory.
func (s *DiskStore) Dir() string { return s.dir }

// Save writes data for candidate and returns the path relative to Dir.
func (s *DiskStore) Save(candidate, ext string, data []byte, at time.Time) (string, error) {
	sub := filepath.Join(s.dir, safeName(candidate))
	if err := os.MkdirAll(sub, 0o750); err != nil {
		return "", fmt.Errorf("creating evidence dir: %w", err)
	}

	if s.minFree > 0 {
		free, err := s.freeBytes(sub)
		if err != nil {
			return "", fmt.Errorf("checking free space: %w", err)
		}
		if free < s.minFree+uint64(len(data)) {
			return "", ErrDiskFull
		}
	}

	name := fmt.Sprintf("%d-%s%s", at.UnixNano(), uuid.NewString()[:8], ext)

	tmp, err := os.CreateTemp(sub, ".evidence-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(sub, name)); err != nil {
		return "", fmt.Errorf("renaming evidence file: %w", err)
	}
	committed = true

	return filepath.ToSlash(filepath.Join(safeName(candidate), name)), nil
}

// safeName maps a candidate identifier onto a single path element.
func safeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '@', r == '.', r == '_', r == '-', r == '+':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), ".")
	if name == "" {
		return "_"
	}
	return name
}
