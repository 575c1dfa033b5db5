//go:build unix && !linux

package osmem

import "golang.org/x/sys/unix"

// Darwin and the BSDs have no MADV_HUGEPAGE hint; MADV_FREE is their
// analogue of Linux's MADV_DONTNEED for dropping physical pages while
// keeping the mapping reserved.
const (
	madviseFree     = unix.MADV_FREE
	madviseHugepage = unix.MADV_NORMAL
)
