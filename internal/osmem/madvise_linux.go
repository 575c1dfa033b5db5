//go:build linux

package osmem

import "golang.org/x/sys/unix"

const (
	madviseFree     = unix.MADV_DONTNEED
	madviseHugepage = unix.MADV_HUGEPAGE
)
