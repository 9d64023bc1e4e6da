package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ncar/dsquasar/internal/manifest"
	"github.com/ncar/dsquasar/internal/ui"
)

func newManifestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Work with bundle member lists",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "summarize FILE",
		Short: `Summarize a "tar -tvf" style member list ("-" reads stdin)`,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			sum, err := manifest.Parse(r)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(a.stdout, "dataset   %s\n", sum.Dataset)
			fmt.Fprintf(a.stdout, "datasets  %s\n", strings.Join(sum.Datasets, " "))
			fmt.Fprintf(a.stdout, "members   %s\n", ui.FormatCount(int64(sum.Count())))
			fmt.Fprintf(a.stdout, "size      %s (%d bytes)\n", ui.FormatBytes(sum.DataSize), sum.DataSize)
			return nil
		},
	})
	return cmd
}
