//go:build linux

package platform

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// CopyFile copies size bytes from the start of src into dst using the most
// efficient method available, falling through on unsupported or
// cross-device errors.
func CopyFile(dst, src *os.File, size int64) (CopyResult, error) {
	preallocate(dst, size)

	result, err := copyFileRange(dst, src, size)
	if err == nil || !isFallbackErr(err) {
		return result, err
	}

	result, err = copySendfile(dst, src, size)
	if err == nil || !isFallbackErr(err) {
		return result, err
	}

	if _, err := src.Seek(0, 0); err != nil {
		return CopyResult{}, err
	}
	if _, err := dst.Seek(0, 0); err != nil {
		return CopyResult{}, err
	}
	return copyReadWrite(dst, src)
}

//nolint:gosec // G115: fd values are small non-negative integers
func copyFileRange(dst, src *os.File, size int64) (CopyResult, error) {
	var roff, woff int64
	var total int64
	for remaining := size; remaining > 0; {
		n, err := unix.CopyFileRange(int(src.Fd()), &roff, int(dst.Fd()), &woff, int(remaining), 0)
		if err != nil {
			return CopyResult{BytesWritten: total, Method: CopyFileRange}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		total += int64(n)
	}
	return CopyResult{BytesWritten: total, Method: CopyFileRange}, nil
}

//nolint:gosec // G115: fd values are small non-negative integers
func copySendfile(dst, src *os.File, size int64) (CopyResult, error) {
	var offset int64
	var total int64
	for remaining := size; remaining > 0; {
		n, err := unix.Sendfile(int(dst.Fd()), int(src.Fd()), &offset, int(remaining))
		if err != nil {
			return CopyResult{BytesWritten: total, Method: Sendfile}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		total += int64(n)
	}
	return CopyResult{BytesWritten: total, Method: Sendfile}, nil
}

// preallocate reserves disk space. fallocate is advisory and not supported
// on all filesystems.
//
//nolint:gosec // G115: fd values are small non-negative integers
func preallocate(fd *os.File, size int64) {
	if size <= 0 {
		return
	}
	_ = unix.Fallocate(int(fd.Fd()), 0, 0, size)
}

// AdviseSequential tells the kernel f will be read once, front to back.
//
//nolint:gosec // G115: fd values are small non-negative integers
func AdviseSequential(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}

// AdviseDone drops f's pages from the cache once it has been consumed.
//
//nolint:gosec // G115: fd values are small non-negative integers
func AdviseDone(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_DONTNEED)
}

func isFallbackErr(err error) bool {
	return errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EXDEV) ||
		errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTSUP) ||
		errors.Is(err, unix.EOPNOTSUPP)
}
