//go:build !linux

package platform

import "os"

// CopyFile copies src into dst with read/write on platforms without an
// in-kernel copy.
func CopyFile(dst, src *os.File, _ int64) (CopyResult, error) {
	return copyReadWrite(dst, src)
}

// AdviseSequential is a no-op outside Linux.
func AdviseSequential(_ *os.File) {}

// AdviseDone is a no-op outside Linux.
func AdviseDone(_ *os.File) {}
