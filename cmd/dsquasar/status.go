package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/config"
	"github.com/ncar/dsquasar/internal/engine"
	"github.com/ncar/dsquasar/internal/journal"
	"github.com/ncar/dsquasar/internal/ui"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backup state counts, in-flight tasks and failures",
		Long: `Show the number and size of records in each backup state, the journaled
transfer tasks, the FAILED records and the restore requests.

The exit status follows run: 0 when no record is FAILED, 1-3 by the number of
FAILED records.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Without a backup root only the catalog can be shown.
			archive, backup, err := a.roots(a.backupRoot != "")
			if err != nil {
				return err
			}
			cat, err := a.openCatalog(archive)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s := ui.Status{
				Now:         time.Now(),
				ArchiveRoot: archive,
				BackupRoot:  backup,
				States:      make(map[catalog.State]ui.StateTotal),
			}
			recs, err := cat.Records(ctx, catalog.Filter{})
			if err != nil {
				return err
			}
			for _, rec := range recs {
				t := s.States[rec.State]
				t.Files++
				t.Bytes += rec.Size
				s.States[rec.State] = t
				if rec.State == catalog.Failed {
					s.Failed = append(s.Failed, rec)
				}
			}

			if backup != "" {
				jnl, err := a.openJournal(archive, backup, false)
				if err != nil {
					return err
				}
				if jnl != nil {
					s.Journal = jnl.Path()
					if s.Tasks, err = taskCounts(ctx, jnl); err != nil {
						return err
					}
					if s.Restores, err = jnl.Restores(ctx); err != nil {
						return err
					}
				}
				if info, err := config.ReadRunInfo(journal.JobID(archive, backup)); err == nil {
					s.RunningPID = info.PID
					s.RunningFrom = info.Started
					s.Continuous = info.Continuous
				}
			}

			if err := ui.RenderStatus(a.stdout, s, isTTY(a.stdout), termWidth(a.stdout)); err != nil {
				return err
			}
			return exitWith(engine.Report{Outstanding: s.Outstanding()}.ExitCode())
		},
	}
}

// taskCounts counts journaled tasks by status.
func taskCounts(ctx context.Context, jnl *journal.DB) (map[string]int, error) {
	entries, err := jnl.Entries(ctx)
	if err != nil {
		return nil, err
	}
	status := make(map[string]string)
	for _, e := range entries {
		status[e.TaskID] = e.Status
	}
	counts := make(map[string]int)
	for _, st := range status {
		counts[st]++
	}
	return counts, nil
}
