package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/journal"
)

// StateTotal is the number and summed size of records in one state.
type StateTotal struct {
	Files int64
	Bytes int64
}

// Status is everything the status command shows.
type Status struct {
	Now         time.Time
	RunningFrom time.Time // zero when no run is active
	ArchiveRoot string
	BackupRoot  string
	Journal     string
	States      map[catalog.State]StateTotal
	Tasks       map[string]int // journaled tasks by status
	Failed      []catalog.Record
	Restores    []journal.RestoreRequest
	RunningPID  int
	Continuous  bool
}

// maxFailedShown caps the failed records listed; the count is always shown.
const maxFailedShown = 20

// RenderStatus writes s to w. styled enables lipgloss colors; width bounds
// the path column.
func RenderStatus(w io.Writer, s Status, styled bool, width int) error {
	var b strings.Builder
	label := func(k, v string) {
		fmt.Fprintf(&b, "%s %s\n", paint(styled, styleLabel, fmt.Sprintf("%-8s", k)), paint(styled, styleValue, v))
	}
	header := func(h string) {
		fmt.Fprintf(&b, "\n%s\n", paint(styled, styleHeader, h))
	}

	label("archive", s.ArchiveRoot)
	label("backup", s.BackupRoot)
	if s.Journal != "" {
		label("journal", s.Journal)
	}
	if s.RunningPID > 0 {
		mode := "single pass"
		if s.Continuous {
			mode = "continuous"
		}
		label("running", fmt.Sprintf("pid %d, %s, started %s", s.RunningPID, mode, FormatAge(s.RunningFrom, s.Now)))
	} else {
		label("running", "no")
	}

	header("RECORDS")
	var total StateTotal
	for _, st := range catalog.AllStates() {
		t := s.States[st]
		total.Files += t.Files
		total.Bytes += t.Bytes
		name := fmt.Sprintf("%-12s", st)
		fmt.Fprintf(&b, "  %s %12s %12s\n", paint(styled, stateStyles[st], name), FormatCount(t.Files), FormatBytes(t.Bytes))
	}
	fmt.Fprintf(&b, "  %-12s %12s %12s\n", "total", FormatCount(total.Files), FormatBytes(total.Bytes))

	header("TASKS")
	if len(s.Tasks) == 0 {
		b.WriteString("  none in flight\n")
	} else {
		names := make([]string, 0, len(s.Tasks))
		for name := range s.Tasks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "  %-12s %12s\n", name, FormatCount(int64(s.Tasks[name])))
		}
	}

	if len(s.Failed) > 0 {
		header(fmt.Sprintf("FAILED (%s)", FormatCount(int64(len(s.Failed)))))
		pathWidth := max(width-40, 20)
		for i, rec := range s.Failed {
			if i == maxFailedShown {
				fmt.Fprintf(&b, "  ... %d more\n", len(s.Failed)-maxFailedShown)
				break
			}
			fmt.Fprintf(&b, "  %s  %s  %s\n",
				paint(styled, styleErrorPath, Truncate(rec.Path, pathWidth)),
				paint(styled, styleError, rec.Reason),
				paint(styled, styleLabel, FormatAge(rec.StateChanged, s.Now)))
		}
	}

	if len(s.Restores) > 0 {
		header("RESTORES")
		for _, r := range s.Restores {
			root := r.Root
			if root == "" {
				root = "(all)"
			}
			line := fmt.Sprintf("  #%d %s  %s  %s", r.ID, root, r.Status, FormatAge(r.CreatedAt, s.Now))
			if len(r.Rules) > 0 {
				line += "  [" + strings.Join(r.Rules, ", ") + "]"
			}
			if r.Reason != "" {
				line += "  " + r.Reason
			}
			b.WriteString(line + "\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Outstanding is the number of FAILED records.
func (s Status) Outstanding() int {
	return int(s.States[catalog.Failed].Files)
}
