package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/filter"
	"github.com/ncar/dsquasar/internal/ui"
)

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Populate and inspect the archive catalog",
	}
	cmd.AddCommand(newCatalogImportCmd(a), newCatalogListCmd(a), newCatalogRetryCmd(a))
	return cmd
}

func newCatalogImportCmd(a *app) *cobra.Command {
	chain := filter.NewChain()
	var filterFile string

	cmd := &cobra.Command{
		Use:   "import [ROOT]",
		Short: "Add new archive files to the catalog and refresh changed ones",
		Long: `Walk ROOT (default: the archive root) and add every file not yet in the
catalog as UNBACKED. Files whose size or modification time changed get their
metadata refreshed; if they were VERIFIED the next pass marks them STALE and
backs them up again.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && !cmd.Flags().Changed("archive") {
				a.archiveRoot = args[0]
			}
			archive, _, err := a.roots(false)
			if err != nil {
				return err
			}
			cat, err := a.openCatalog(archive)
			if err != nil {
				return err
			}

			if filterFile != "" {
				if err := chain.LoadFile(filterFile); err != nil {
					return fmt.Errorf("load filter file: %w", err)
				}
			}
			active := chain
			if chain.Empty() {
				if active, err = a.cfg.Archive.FilterChain(); err != nil {
					return err
				}
			}
			var keep func(string, int64) bool
			if active != nil {
				keep = active.Match
			}

			res, err := cat.Import(cmd.Context(), archive, keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "added %s  changed %s  unchanged %s  skipped %s\n",
				ui.FormatCount(int64(res.Added)), ui.FormatCount(int64(res.Changed)),
				ui.FormatCount(int64(res.Unchanged)), ui.FormatCount(int64(res.Skipped)))
			return nil
		},
	}
	cmd.Flags().StringVar(&filterFile, "filter", "", "read filter rules from FILE")
	addFilterFlags(cmd.Flags(), &filterFlag{chain: chain, include: true}, &filterFlag{chain: chain})
	return cmd
}

func newCatalogListCmd(a *app) *cobra.Command {
	var states []string

	cmd := &cobra.Command{
		Use:   "list [PREFIX]",
		Short: "List catalog records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, _, err := a.roots(false)
			if err != nil {
				return err
			}
			f := catalog.Filter{}
			if len(args) == 1 {
				if f.Prefix, err = archiveRel(archive, args[0]); err != nil {
					return err
				}
			}
			for _, s := range states {
				st, err := catalog.ParseState(s)
				if err != nil {
					return err
				}
				f.States = append(f.States, st)
			}
			cat, err := a.openCatalog(archive)
			if err != nil {
				return err
			}
			recs, err := cat.Records(cmd.Context(), f)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				line := fmt.Sprintf("%-11s %10s  %s", rec.State, ui.FormatBytes(rec.Size), rec.Path)
				if rec.Reason != "" {
					line += "  (" + rec.Reason + ")"
				}
				fmt.Fprintln(a.stdout, line)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "only records in STATE (repeatable)")
	return cmd
}

func newCatalogRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [PREFIX...]",
		Short: "Return FAILED records to UNBACKED so the next pass tries again",
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, _, err := a.roots(false)
			if err != nil {
				return err
			}
			prefixes := make([]string, len(args))
			for i, p := range args {
				if prefixes[i], err = archiveRel(archive, p); err != nil {
					return err
				}
			}
			cat, err := a.openCatalog(archive)
			if err != nil {
				return err
			}
			n, err := retryFailed(cmd.Context(), cat, prefixes)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s records returned to UNBACKED\n", ui.FormatCount(int64(n)))
			return nil
		},
	}
}

// retryFailed moves FAILED records under any of prefixes (all of them when
// none are given) back to UNBACKED.
func retryFailed(ctx context.Context, cat catalog.Catalog, prefixes []string) (int, error) {
	recs, err := cat.Records(ctx, catalog.Filter{States: []catalog.State{catalog.Failed}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if len(prefixes) > 0 && !underAny(rec.Path, prefixes) {
			continue
		}
		if err := cat.UpdateState(ctx, rec.Path, catalog.Failed, catalog.Unbacked, ""); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func underAny(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if catalog.HasPathPrefix(p, prefix) {
			return true
		}
	}
	return false
}
