//go:build unix

package osmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func granularity() uintptr {
	return uintptr(unix.Getpagesize())
}

// unixProvider reserves memory via an anonymous, no-access mmap and
// promotes ranges to read-write on Commit. This mirrors
// hive/dirty's build-tag split (flush_unix.go / flush_darwin.go) but
// adapts msync/fdatasync's "flush a mapped file" concern into
// "reserve/commit/decommit anonymous pages".
type unixProvider struct{}

// New returns the provider for the current platform.
func New() Provider { return unixProvider{} }

func (unixProvider) Reserve(size uintptr) (uintptr, uintptr, error) {
	actual := alignUp(size, Granularity)
	data, err := unix.Mmap(-1, 0, int(actual), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, 0, fmt.Errorf("osmem: reserve %d bytes: %w", actual, err)
	}
	return addrOf(data), actual, nil
}

func (unixProvider) Commit(base, length uintptr) error {
	data := sliceAt(base, length)
	if err := unix.Mprotect(data, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("osmem: commit %d bytes at %#x: %w", length, base, err)
	}
	return nil
}

func (unixProvider) Decommit(base, length uintptr) error {
	data := sliceAt(base, length)
	// MADV_DONTNEED (Linux) / MADV_FREE (BSD/Darwin) drop the physical
	// backing; the range stays reserved and PROT_NONE is re-applied so
	// an accidental touch faults instead of silently re-committing.
	_ = unix.Madvise(data, madviseFree)
	if err := unix.Mprotect(data, unix.PROT_NONE); err != nil {
		return fmt.Errorf("osmem: decommit %d bytes at %#x: %w", length, base, err)
	}
	return nil
}

func (unixProvider) MapLarge(size uintptr, hugeHint bool) (uintptr, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("osmem: map large %d bytes: %w", size, err)
	}
	if hugeHint {
		// Best-effort; failure here is not surfaced, matching the
		// spec's "falls back silently" contract.
		_ = unix.Madvise(data, madviseHugepage)
	}
	return addrOf(data), nil
}

func (p unixProvider) MapAligned(size, align uintptr) (uintptr, error) {
	if align <= Granularity {
		base, _, err := p.Reserve(size)
		if err != nil {
			return 0, err
		}
		if err := p.Commit(base, size); err != nil {
			return 0, err
		}
		return base, nil
	}

	// Over-reserve, trim the unused head/tail, mirroring the padding
	// trim hive/builder performs when laying out a file region that
	// must start on a boundary larger than the natural grain.
	over := size + align
	base, actual, err := p.Reserve(over)
	if err != nil {
		return 0, err
	}
	aligned := alignUp(base, align)
	headTrim := aligned - base
	if headTrim > 0 {
		_ = p.Release(base, headTrim)
	}
	tailStart := aligned + size
	tailTrim := (base + actual) - tailStart
	if tailTrim > 0 {
		_ = p.Release(tailStart, tailTrim)
	}
	if err := p.Commit(aligned, size); err != nil {
		return 0, err
	}
	return aligned, nil
}

func (unixProvider) Unmap(base, length uintptr) error {
	if err := unix.Munmap(sliceAt(base, length)); err != nil {
		return fmt.Errorf("osmem: unmap %d bytes at %#x: %w", length, base, err)
	}
	return nil
}

func (unixProvider) Release(base, length uintptr) error {
	if err := unix.Munmap(sliceAt(base, length)); err != nil {
		return fmt.Errorf("osmem: release %d bytes at %#x: %w", length, base, err)
	}
	return nil
}

func (unixProvider) ThreadID() int {
	return unix.Gettid()
}
