package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ncar/dsquasar/internal/filter"
)

var version = "dev"

// Exit codes. 0-3 bucket the FAILED records left outstanding; 4 means the
// pass did not complete or broke an engine invariant.
const (
	exitOK      = 0
	exitAborted = 4
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// filterFlag is a custom pflag.Value that preserves CLI ordering of
// --exclude and --include rules by appending to a shared filter.Chain.
type filterFlag struct {
	chain   *filter.Chain
	include bool
}

func (*filterFlag) String() string { return "" }
func (*filterFlag) Type() string   { return "glob" }

func (f *filterFlag) Set(val string) error {
	if f.include {
		return f.chain.AddInclude(val)
	}
	return f.chain.AddExclude(val)
}

// ruleFlag is like filterFlag but collects rule lines ("+ glob", "- glob")
// for storage in the journal.
type ruleFlag struct {
	rules   *[]string
	include bool
}

func (*ruleFlag) String() string { return "" }
func (*ruleFlag) Type() string   { return "glob" }

func (f *ruleFlag) Set(val string) error {
	rule := "- " + val
	if f.include {
		rule = "+ " + val
	}
	// Reject bad globs now rather than at the next pass.
	if err := filter.NewChain().AddRule(rule); err != nil {
		return err
	}
	*f.rules = append(*f.rules, rule)
	return nil
}

// addFilterFlags registers --include/--exclude on fs.
func addFilterFlags(fs *pflag.FlagSet, include, exclude pflag.Value) {
	fs.Var(exclude, "exclude", "exclude files matching PATTERN (repeatable)")
	fs.Var(include, "include", "include files matching PATTERN (repeatable)")
}

func run(args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	defer a.close()

	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitAborted
	}
	return exitOK
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dsquasar",
		Short: "Back up a data archive and restore it on demand",
		Long: `dsquasar reconciles a local data archive with its backup copy.

Each pass reads the archive catalog, submits transfers for records that are
missing or stale on the backup side, polls them to completion and verifies
every copy by checksum before marking the record VERIFIED. Restore requests
queued with "dsquasar restore" are served by the next pass.

Exit status of run and status: 0 when no record is FAILED, 1 for 1-9 FAILED
records, 2 for 10-99, 3 for 100 or more, 4 when the pass was aborted.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/dsquasar/config.toml)")
	pf.StringVar(&a.archiveRoot, "archive", "", "local archive root")
	pf.StringVar(&a.backupRoot, "backup", "", "backup root served by the transfer service")
	pf.StringVar(&a.catalogPath, "catalog", "", "catalog database (default: <archive>/.dsquasar/catalog.db)")
	pf.StringVar(&a.journalPath, "journal", "", "task journal database (default: under $XDG_RUNTIME_DIR)")
	pf.BoolVar(&a.noJournal, "no-journal", false, "run without a task journal")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "suppress all output except errors")
	pf.StringVar(&a.logFile, "log", "", "write structured JSON log to FILE")

	rootCmd.AddCommand(
		newRunCmd(a),
		newStatusCmd(a),
		newRestoreCmd(a),
		newCancelCmd(a),
		newCatalogCmd(a),
		newManifestCmd(a),
		newDocsCmd(),
	)
	return rootCmd
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// exitWith converts a result code into the error RunE returns.
func exitWith(code int) error {
	if code == exitOK {
		return nil
	}
	return &exitError{code: code}
}
