// Package ui renders reconciliation progress and archive status for the
// terminal.
package ui

import (
	"io"
	"time"

	"github.com/ncar/dsquasar/internal/event"
	"github.com/ncar/dsquasar/internal/stats"
)

// Presenter consumes events and displays progress.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan event.Event) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer    io.Writer // per-record lines
	ErrWriter io.Writer // periodic progress
	Stats     *stats.Collector

	// ProgressEvery is the interval between progress lines; 0 means 10s.
	ProgressEvery time.Duration

	IsTTY bool
	Quiet bool
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // factory picks the implementation
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return quietPresenter{}
	}
	every := cfg.ProgressEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	return &feedPresenter{
		w:      cfg.Writer,
		errW:   cfg.ErrWriter,
		stats:  cfg.Stats,
		styled: cfg.IsTTY,
		every:  every,
	}
}

// quietPresenter consumes events but produces no output.
type quietPresenter struct{}

func (quietPresenter) Run(events <-chan event.Event) error {
	for range events {
	}
	return nil
}

func (quietPresenter) Summary() string {
	return ""
}
