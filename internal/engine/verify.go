package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/checksum"
	"github.com/ncar/dsquasar/internal/transfer"
)

// VerifyResult is the outcome of an integrity check.
type VerifyResult int

const (
	Match VerifyResult = iota + 1
	Mismatch
	Missing
)

func (r VerifyResult) String() string {
	switch r {
	case Match:
		return "MATCH"
	case Mismatch:
		return "MISMATCH"
	case Missing:
		return "MISSING"
	default:
		return "UNKNOWN"
	}
}

// Verification carries the result together with the confirmed digest.
type Verification struct {
	Result   VerifyResult
	Checksum string // digest of the checked copy
	Size     int64
	Detail   string // what differed, for logs
}

// DefaultChecksumWorkers sizes the checksum pool: one per CPU, at most 8.
func DefaultChecksumWorkers() int {
	return min(runtime.NumCPU(), 8)
}

// Verifier compares transferred copies with their source. Local hashing
// runs on its own bounded pool so checksum work cannot starve polling.
type Verifier struct {
	svc         transfer.Service
	sem         *semaphore.Weighted
	root        string
	callTimeout time.Duration
}

// NewVerifier returns a Verifier hashing archive files under root with at
// most workers concurrent checksums.
func NewVerifier(svc transfer.Service, root string, workers int, callTimeout time.Duration) *Verifier {
	if workers <= 0 {
		workers = DefaultChecksumWorkers()
	}
	return &Verifier{
		svc:         svc,
		sem:         semaphore.NewWeighted(int64(workers)),
		root:        root,
		callTimeout: callTimeout,
	}
}

// LocalChecksum hashes the archive copy of rel.
func (v *Verifier) LocalChecksum(ctx context.Context, rel string) (string, int64, error) {
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return "", 0, err
	}
	defer v.sem.Release(1)
	return checksum.File(ctx, filepath.Join(v.root, filepath.FromSlash(rel)))
}

// Verify checks the copy produced by a transfer in direction dir.
//
// For backups the remote copy is compared with rec.Checksum, or with a fresh
// digest of the local source when rec carries none. For restores the local
// copy is compared with rec.Checksum, or with the remote copy's digest when
// the record has none.
func (v *Verifier) Verify(ctx context.Context, rec catalog.Record, dir transfer.Direction) (Verification, error) {
	switch dir {
	case transfer.Backup:
		return v.verifyBackup(ctx, rec)
	case transfer.Restore:
		return v.verifyRestore(ctx, rec)
	}
	return Verification{}, fmt.Errorf("%w: verify with direction %d", ErrInvariant, int(dir))
}

// backupSource prepares rec for a backup verification. The checksum of a
// record backed up before describes the content being replaced, so it is
// dropped and the source hashed afresh.
func backupSource(rec catalog.Record) catalog.Record {
	if !rec.LastBackup.IsZero() {
		rec.Checksum = ""
	}
	return rec
}

func (v *Verifier) verifyBackup(ctx context.Context, rec catalog.Record) (Verification, error) {
	want, wantSize := rec.Checksum, rec.Size
	if want == "" {
		sum, n, err := v.LocalChecksum(ctx, rec.Path)
		if errors.Is(err, fs.ErrNotExist) {
			return Verification{Result: Missing, Detail: "local source missing"}, nil
		}
		if err != nil {
			return Verification{}, err
		}
		want, wantSize = sum, n
	}

	obj, err := v.stat(ctx, rec.Path)
	if errors.Is(err, transfer.ErrNotFound) {
		return Verification{Result: Missing, Checksum: want, Size: wantSize, Detail: "remote copy missing"}, nil
	}
	if err != nil {
		return Verification{}, err
	}
	return compare(want, wantSize, obj.Checksum, obj.Size), nil
}

func (v *Verifier) verifyRestore(ctx context.Context, rec catalog.Record) (Verification, error) {
	want, wantSize := rec.Checksum, rec.Size
	if want == "" {
		obj, err := v.stat(ctx, rec.Path)
		if errors.Is(err, transfer.ErrNotFound) {
			return Verification{Result: Missing, Detail: "remote copy missing"}, nil
		}
		if err != nil {
			return Verification{}, err
		}
		want, wantSize = obj.Checksum, obj.Size
	}

	sum, n, err := v.LocalChecksum(ctx, rec.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Verification{Result: Missing, Detail: "restored copy missing"}, nil
	}
	if err != nil {
		return Verification{}, err
	}
	return compare(want, wantSize, sum, n), nil
}

func (v *Verifier) stat(ctx context.Context, path string) (transfer.ObjectInfo, error) {
	if v.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.callTimeout)
		defer cancel()
	}
	return v.svc.Stat(ctx, path)
}

func compare(want string, wantSize int64, got string, gotSize int64) Verification {
	switch {
	case gotSize != wantSize:
		return Verification{Result: Mismatch, Checksum: got, Size: gotSize,
			Detail: fmt.Sprintf("size %d, want %d", gotSize, wantSize)}
	case got != want:
		return Verification{Result: Mismatch, Checksum: got, Size: gotSize,
			Detail: fmt.Sprintf("checksum %.12s, want %.12s", got, want)}
	}
	return Verification{Result: Match, Checksum: got, Size: gotSize}
}
