package platform

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func copyThrough(t *testing.T, data []byte) (CopyResult, []byte) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, data, 0o644))

	srcFd, err := os.Open(src)
	require.NoError(t, err)
	defer srcFd.Close()
	dstFd, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	result, err := CopyFile(dstFd, srcFd, int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, dstFd.Close())

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	return result, got
}

func TestCopyFileBasic(t *testing.T) {
	data := []byte("hello, archive!")
	result, got := copyThrough(t, data)
	assert.Equal(t, int64(len(data)), result.BytesWritten)
	assert.Equal(t, data, got)
}

func TestCopyFileLarge(t *testing.T) {
	// Larger than the pooled buffer.
	data := make([]byte, 4*bufferSize+17)
	_, err := rand.Read(data)
	require.NoError(t, err)

	result, got := copyThrough(t, data)
	assert.Equal(t, int64(len(data)), result.BytesWritten)
	assert.True(t, bytes.Equal(data, got))
}

func TestCopyFileEmpty(t *testing.T) {
	result, got := copyThrough(t, nil)
	assert.Zero(t, result.BytesWritten)
	assert.Empty(t, got)
}

func TestCopyReader(t *testing.T) {
	var buf bytes.Buffer
	n, err := CopyReader(&buf, bytes.NewReader([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, "abc", buf.String())
}

func TestCopyMethodString(t *testing.T) {
	assert.Equal(t, "read_write", ReadWrite.String())
	assert.Equal(t, "copy_file_range", CopyFileRange.String())
	assert.Equal(t, "sendfile", Sendfile.String())
	assert.Equal(t, "unknown", CopyMethod(99).String())
}

func TestAdviseIsHarmless(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	AdviseSequential(f)
	AdviseDone(f)
}
