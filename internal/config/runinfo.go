package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"
)

// RunInfo describes a running `dsquasar run` process. It is written when the
// process starts and removed when it exits, so `status` and `cancel` can
// find it.
type RunInfo struct {
	Started     time.Time `toml:"started"`
	Journal     string    `toml:"journal"`
	MetricsAddr string    `toml:"metrics_addr,omitempty"`
	PID         int       `toml:"pid"`
	Continuous  bool      `toml:"continuous"`
}

// RunInfoPath returns the run file for a job: $XDG_RUNTIME_DIR/dsquasar,
// falling back to the system temp dir.
func RunInfoPath(jobID string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "dsquasar", jobID+".run.toml")
	}
	return filepath.Join(os.TempDir(), "dsquasar-"+jobID+".run.toml")
}

// WriteRunInfo writes the run file for jobID, readable only by its owner.
func WriteRunInfo(jobID string, info RunInfo) error {
	path := RunInfoPath(jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(info); err != nil {
		return fmt.Errorf("encode run info: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ReadRunInfo reads the run file for jobID. Returns os.ErrNotExist if there
// is none, or if the process that wrote it is gone.
func ReadRunInfo(jobID string) (RunInfo, error) {
	var info RunInfo
	_, err := toml.DecodeFile(RunInfoPath(jobID), &info)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RunInfo{}, os.ErrNotExist
		}
		return RunInfo{}, err
	}
	if !info.Alive() {
		return RunInfo{}, os.ErrNotExist
	}
	return info, nil
}

// RemoveRunInfo removes the run file (best-effort).
func RemoveRunInfo(jobID string) {
	os.Remove(RunInfoPath(jobID)) //nolint:errcheck // best-effort cleanup on exit
}

// Alive reports whether the recorded process still exists.
func (r RunInfo) Alive() bool {
	if r.PID <= 0 {
		return false
	}
	err := unix.Kill(r.PID, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Signal sends sig to the recorded process.
func (r RunInfo) Signal(sig unix.Signal) error {
	if !r.Alive() {
		return os.ErrProcessDone
	}
	return unix.Kill(r.PID, sig)
}
