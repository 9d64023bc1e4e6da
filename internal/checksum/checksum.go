// Package checksum computes the content digests recorded in the catalog.
package checksum

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/ncar/dsquasar/internal/platform"
)

// File returns the hex BLAKE3 digest and size of the file at path.
func File(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	platform.AdviseSequential(f)
	defer platform.AdviseDone(f)

	sum, n, err := Reader(ctx, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return sum, n, nil
}

// Reader hashes r to EOF. ctx is checked between reads.
func Reader(ctx context.Context, r io.Reader) (string, int64, error) {
	h := blake3.New()
	n, err := platform.CopyReader(h, ctxReader{ctx: ctx, r: r})
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Bytes returns the hex BLAKE3 digest of b.
func Bytes(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
