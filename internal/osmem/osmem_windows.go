//go:build windows

package osmem

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func granularity() uintptr {
	var info windows.SystemInfo
	windows.GetSystemInfo(&info)
	return uintptr(info.AllocationGranularity)
}

// windowsProvider mirrors hive/dirty/flush_windows.go's use of
// windows.FlushViewOfFile/FlushFileBuffers, adapted from flushing a
// mapped file to reserving and committing anonymous memory via
// VirtualAlloc/VirtualFree.
type windowsProvider struct{}

// New returns the provider for the current platform.
func New() Provider { return windowsProvider{} }

func (windowsProvider) Reserve(size uintptr) (uintptr, uintptr, error) {
	actual := alignUp(size, Granularity)
	addr, err := windows.VirtualAlloc(0, actual, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return 0, 0, fmt.Errorf("osmem: reserve %d bytes: %w", actual, err)
	}
	return addr, actual, nil
}

func (windowsProvider) Commit(base, length uintptr) error {
	_, err := windows.VirtualAlloc(base, length, windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return fmt.Errorf("osmem: commit %d bytes at %#x: %w", length, base, err)
	}
	return nil
}

func (windowsProvider) Decommit(base, length uintptr) error {
	if err := windows.VirtualFree(base, length, windows.MEM_DECOMMIT); err != nil {
		return fmt.Errorf("osmem: decommit %d bytes at %#x: %w", length, base, err)
	}
	return nil
}

func (windowsProvider) MapLarge(size uintptr, hugeHint bool) (uintptr, error) {
	flags := uint32(windows.MEM_RESERVE | windows.MEM_COMMIT)
	if hugeHint {
		// MEM_LARGE_PAGES requires SeLockMemoryPrivilege; if the
		// process lacks it VirtualAlloc fails and the caller falls
		// back to a regular mapping, matching the spec's "falls back
		// silently" contract.
		if addr, err := windows.VirtualAlloc(0, size, flags|windows.MEM_LARGE_PAGES, windows.PAGE_READWRITE); err == nil {
			return addr, nil
		}
	}
	addr, err := windows.VirtualAlloc(0, size, flags, windows.PAGE_READWRITE)
	if err != nil {
		return 0, fmt.Errorf("osmem: map large %d bytes: %w", size, err)
	}
	return addr, nil
}

func (p windowsProvider) MapAligned(size, align uintptr) (uintptr, error) {
	if align <= Granularity {
		addr, err := p.MapLarge(size, false)
		return addr, err
	}
	// VirtualAlloc offers no aligned-reservation primitive; over-
	// reserve, free the whole range, then re-reserve at the aligned
	// address within it (a second thread could race the gap, so retry
	// a bounded number of times).
	for attempt := 0; attempt < 8; attempt++ {
		over := size + align
		base, err := windows.VirtualAlloc(0, over, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
		if err != nil {
			return 0, fmt.Errorf("osmem: map aligned probe: %w", err)
		}
		aligned := alignUp(base, align)
		_ = windows.VirtualFree(base, 0, windows.MEM_RELEASE)
		addr, err := windows.VirtualAlloc(aligned, size, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
		if err == nil {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("osmem: map aligned %d bytes align %d: exhausted retries", size, align)
}

func (windowsProvider) Unmap(base, length uintptr) error {
	_ = length
	if err := windows.VirtualFree(base, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("osmem: unmap at %#x: %w", base, err)
	}
	return nil
}

func (windowsProvider) Release(base, length uintptr) error {
	_ = length
	if err := windows.VirtualFree(base, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("osmem: release at %#x: %w", base, err)
	}
	return nil
}

func (windowsProvider) ThreadID() int {
	return int(windows.GetCurrentThreadId())
}
