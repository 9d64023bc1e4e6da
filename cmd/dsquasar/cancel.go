package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ncar/dsquasar/internal/config"
	"github.com/ncar/dsquasar/internal/engine"
	"github.com/ncar/dsquasar/internal/journal"
)

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel in-flight transfer tasks",
		Long: `Cancel in-flight transfer tasks.

When a run is active it is sent SIGINT and cancels its own tasks. Otherwise
every task left in the journal by an earlier run is cancelled at the transfer
service and marked ERROR, so the next pass resolves its records by path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			archive, backup, err := a.roots(true)
			if err != nil {
				return err
			}
			if info, err := config.ReadRunInfo(journal.JobID(archive, backup)); err == nil {
				if err := info.Signal(unix.SIGINT); err != nil {
					return fmt.Errorf("signal pid %d: %w", info.PID, err)
				}
				fmt.Fprintf(a.stdout, "sent cancel to running pid %d\n", info.PID)
				return nil
			}

			jnl, err := a.openJournal(archive, backup, false)
			if err != nil {
				return err
			}
			if jnl == nil {
				fmt.Fprintln(a.stdout, "no journal: nothing to cancel")
				return nil
			}
			svc, err := a.openService(archive, backup, -1)
			if err != nil {
				return err
			}
			n, err := cancelJournaled(cmd.Context(), jnl, svc)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "cancelled %d tasks\n", n)
			return nil
		},
	}
}

// remoteCanceller is the part of the transfer service cancel needs.
type remoteCanceller interface {
	Cancel(ctx context.Context, taskID string) error
}

// cancelJournaled cancels every non-terminal journaled task and marks its
// entries ERROR. It returns the number of tasks touched.
func cancelJournaled(ctx context.Context, jnl *journal.DB, svc remoteCanceller) (int, error) {
	entries, err := jnl.Entries(ctx)
	if err != nil {
		return 0, err
	}
	byTask := make(map[string][]journal.Entry)
	var order []string
	for _, e := range entries {
		if e.Status == engine.Done.String() || e.Status == engine.Error.String() {
			continue
		}
		if _, ok := byTask[e.TaskID]; !ok {
			order = append(order, e.TaskID)
		}
		byTask[e.TaskID] = append(byTask[e.TaskID], e)
	}

	now := time.Now()
	for _, id := range order {
		task := byTask[id]
		if remote := task[0].RemoteID; remote != "" {
			if err := svc.Cancel(ctx, remote); err != nil {
				slog.Warn("remote cancel failed", "task", id, "remote", remote, "error", err)
			}
		}
		for i := range task {
			task[i].Status = engine.Error.String()
			task[i].UpdatedAt = now
		}
		if err := jnl.Save(ctx, task...); err != nil {
			return 0, err
		}
		slog.Info("task cancelled", "task", id, "files", len(task))
	}
	return len(order), nil
}
