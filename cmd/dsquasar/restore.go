package main

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ncar/dsquasar/internal/config"
	"github.com/ncar/dsquasar/internal/engine"
	"github.com/ncar/dsquasar/internal/journal"
)

func newRestoreCmd(a *app) *cobra.Command {
	var rules []string

	cmd := &cobra.Command{
		Use:   "restore PATH|PREFIX...",
		Short: "Queue restore requests for the next pass",
		Long: `Queue a request to restore each PATH from the backup. A PATH naming a
directory selects every record beneath it; --include and --exclude narrow the
selection. Paths are relative to the archive root, or absolute paths inside it.

Records whose local copy is missing or differs from the catalog are restored
by the next "dsquasar run".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.noJournal {
				return errors.New("restore requests are kept in the journal; use run --restore without one")
			}
			archive, backup, err := a.roots(true)
			if err != nil {
				return err
			}
			roots := make([]string, len(args))
			for i, p := range args {
				if roots[i], err = archiveRel(archive, p); err != nil {
					return err
				}
				if _, err := engine.RestoreChain(roots[i], rules); err != nil {
					return err
				}
			}

			jnl, err := a.openJournal(archive, backup, true)
			if err != nil {
				return err
			}
			for _, root := range roots {
				id, err := jnl.AddRestore(cmd.Context(), root, rules)
				if err != nil {
					return err
				}
				display := root
				if display == "" {
					display = "(entire archive)"
				}
				fmt.Fprintf(a.stdout, "restore request #%d: %s\n", id, display)
			}
			if info, err := config.ReadRunInfo(journal.JobID(archive, backup)); err == nil && info.Continuous {
				fmt.Fprintf(a.stdout, "pid %d will pick it up on its next pass\n", info.PID)
			}
			return nil
		},
	}
	addFilterFlags(cmd.Flags(), &ruleFlag{rules: &rules, include: true}, &ruleFlag{rules: &rules})
	return cmd
}

// archiveRel turns p into a clean slash-separated path relative to the
// archive root. "" selects the whole archive.
func archiveRel(archive, p string) (string, error) {
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(archive, p)
		if err != nil {
			return "", err
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%s is outside the archive root %s", p, archive)
		}
		p = rel
	}
	p = path.Clean(filepath.ToSlash(p))
	if p == "." {
		return "", nil
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("%s is outside the archive root", p)
	}
	return p, nil
}
