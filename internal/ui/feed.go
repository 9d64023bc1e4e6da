package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/ncar/dsquasar/internal/event"
	"github.com/ncar/dsquasar/internal/stats"
	"github.com/ncar/dsquasar/internal/transfer"
)

// feedPresenter prints one line per record outcome and a progress line at
// a fixed interval.
type feedPresenter struct {
	w      io.Writer
	errW   io.Writer
	stats  *stats.Collector
	every  time.Duration
	styled bool
}

func (p *feedPresenter) Run(events <-chan event.Event) error {
	// The collector's ring buffer is sampled once a second.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastProgress := time.Now()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case now := <-ticker.C:
			p.stats.Tick()
			if now.Sub(lastProgress) >= p.every {
				p.printProgress()
				lastProgress = now
			}
		}
	}
}

func (p *feedPresenter) handleEvent(ev event.Event) {
	switch ev.Type {
	case event.VerifyOK:
		icon := "✓"
		if ev.Direction == transfer.Restore.String() {
			icon = "↓"
		}
		fmt.Fprintf(p.w, "%s %s  %s\n",
			paint(p.styled, styleIconDone, icon),
			paint(p.styled, styleValue, ev.Path),
			paint(p.styled, styleLabel, FormatBytes(ev.Size)))
	case event.VerifyFailed:
		fmt.Fprintf(p.w, "%s %s  %s\n",
			paint(p.styled, styleError, "MISMATCH"),
			paint(p.styled, styleErrorPath, ev.Path),
			ev.Reason)
	case event.RecordFailed:
		fmt.Fprintf(p.w, "%s %s  %s\n",
			paint(p.styled, styleIconFail, "✗"),
			paint(p.styled, styleErrorPath, ev.Path),
			paint(p.styled, styleError, ev.Reason))
	case event.TaskCancelled:
		fmt.Fprintf(p.w, "cancelled task %s (%d files)\n", ev.TaskID, ev.Files)
	case event.RestoreDone:
		line := "restore " + ev.Path + " done"
		if ev.Reason != "" {
			line += ": " + ev.Reason
		}
		fmt.Fprintln(p.w, line)
	case event.PassComplete:
		p.printProgress()
	default:
		// Task-level events go to the log only.
	}
}

func (p *feedPresenter) printProgress() {
	snap := p.stats.Snapshot()
	fmt.Fprintf(p.errW, "progress: verified %s (%s) %s  submitted %s  polls %s  failed %s\n",
		FormatCount(snap.FilesVerified),
		FormatBytes(snap.BytesVerified),
		paint(p.styled, styleSpeed, FormatRate(p.stats.RollingSpeed(10))),
		FormatCount(snap.TasksSubmitted),
		FormatCount(snap.Polls),
		FormatCount(snap.RecordsFailed),
	)
}

func (p *feedPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}

// CompletionSummary builds a final summary line from a snapshot.
// Format: done ✓  verified 48,917  size 2.1 TiB  tasks 512  retries 3/1  failed 0  time 3h 17m 02s
func CompletionSummary(snap stats.Snapshot) string {
	icon := "✓"
	if snap.RecordsFailed > 0 {
		icon = "✗"
	}
	return fmt.Sprintf("done %s  verified %s  size %s  tasks %s  retries %d/%d  failed %s  time %s",
		icon,
		FormatCount(snap.FilesVerified),
		FormatBytes(snap.BytesVerified),
		FormatCount(snap.TasksSubmitted),
		snap.TransportRetries, snap.IntegrityRetries,
		FormatCount(snap.RecordsFailed),
		FormatDuration(snap.Elapsed),
	)
}
