// Package shm manages the POSIX shared-memory regions a Session hands to
// its application process: one read-direction region (broker writes,
// application reads) and one write-direction region (application writes,
// broker reads), each backed by a file under /dev/shm and mapped into
// this process's address space with mmap.
package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// shmDir is the POSIX shared-memory mount point on Linux.
const shmDir = "/dev/shm"

// Region is a single named, fixed-size shared-memory mapping.
type Region struct {
	name string
	data []byte
}

// CreateRegion creates (or truncates) the backing file for name under
// /dev/shm, sizes it to size bytes, and maps it MAP_SHARED so that both
// this process and the application process attaching by name observe the
// same bytes.
func CreateRegion(name string, size uint64) (*Region, error) {
	if len(name) == 0 || name[0] != '/' {
		return nil, fmt.Errorf("shm: region name %q must start with '/'", name)
	}
	path := filepath.Join(shmDir, name[1:])

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("shm: truncate %s to %d: %w", path, size, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &Region{name: name, data: data}, nil
}

// Name returns the region's 32-byte POSIX shared-memory name.
func (r *Region) Name() string { return r.name }

// Size returns the mapped region size in bytes.
func (r *Region) Size() uint64 { return uint64(len(r.data)) }

// Bytes returns the full mapped region. Callers must confine writes/reads
// to the byte ranges returned by an Allocator to avoid clobbering another
// in-flight operation's slice.
func (r *Region) Bytes() []byte { return r.data }

// Slice returns the region bytes in [offset, offset+length).
func (r *Region) Slice(offset, length uint64) ([]byte, error) {
	if offset+length > uint64(len(r.data)) {
		return nil, fmt.Errorf("shm: slice [%d:%d) out of bounds for region of size %d", offset, offset+length, len(r.data))
	}
	return r.data[offset : offset+length], nil
}

// WriteAt copies data into the region starting at offset, bounds-checked
// the same way Slice is.
func (r *Region) WriteAt(offset uint64, data []byte) error {
	dst, err := r.Slice(offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// Close unmaps the region and removes its backing file. Idempotent: a
// second Close on an already-closed Region is a no-op.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	_ = os.Remove(filepath.Join(shmDir, r.name[1:]))
	if err != nil {
		return fmt.Errorf("shm: munmap %s: %w", r.name, err)
	}
	return nil
}
