package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ncar/dsquasar/internal/catalog"
	"github.com/ncar/dsquasar/internal/config"
	"github.com/ncar/dsquasar/internal/journal"
	"github.com/ncar/dsquasar/internal/transfer/localfs"
	"github.com/ncar/dsquasar/internal/ui"
)

// app carries the global flags and the resources shared by subcommands.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath  string
	archiveRoot string
	backupRoot  string
	catalogPath string
	journalPath string
	logFile     string
	noJournal   bool
	verbose     bool
	quiet       bool

	cfg     config.Config
	closers []io.Closer
}

// setup loads the config file, fills in flags the command line left unset
// and configures logging.
func (a *app) setup(cmd *cobra.Command) error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFile(a.configPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyConfigDefaults(cmd, a)
	return a.setupLogging()
}

// applyConfigDefaults applies config file values for flags not explicitly
// set on the CLI.
func applyConfigDefaults(cmd *cobra.Command, a *app) {
	flags := cmd.Flags()
	set := func(name string, dst *string, src *string) {
		if !flags.Changed(name) && src != nil {
			*dst = *src
		}
	}
	set("archive", &a.archiveRoot, a.cfg.Archive.Root)
	set("backup", &a.backupRoot, a.cfg.Service.BackupRoot)
	set("catalog", &a.catalogPath, a.cfg.Catalog.Path)
	set("journal", &a.journalPath, a.cfg.Journal.Path)
	if !flags.Changed("no-journal") && a.cfg.Journal.Disabled != nil {
		a.noJournal = *a.cfg.Journal.Disabled
	}
}

func (a *app) setupLogging() error {
	logLevel := slog.LevelWarn
	if a.verbose {
		logLevel = slog.LevelDebug
	} else if !a.quiet {
		logLevel = slog.LevelInfo
	}
	textHandler := slog.NewTextHandler(a.stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	var logHandler slog.Handler = textHandler
	if a.logFile != "" {
		lf, err := os.OpenFile(a.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.closers = append(a.closers, lf)
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	slog.SetDefault(slog.New(logHandler))
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close() //nolint:errcheck // best-effort cleanup on exit
	}
	a.closers = nil
}

// roots returns the absolute archive root and, when needBackup is set, the
// backup root.
func (a *app) roots(needBackup bool) (string, string, error) {
	if a.archiveRoot == "" {
		return "", "", errors.New("no archive root: use --archive or set [archive] root")
	}
	archive, err := filepath.Abs(a.archiveRoot)
	if err != nil {
		return "", "", err
	}
	if !needBackup {
		return archive, "", nil
	}
	if a.backupRoot == "" {
		return "", "", errors.New("no backup root: use --backup or set [service] backup_root")
	}
	backup, err := filepath.Abs(a.backupRoot)
	if err != nil {
		return "", "", err
	}
	return archive, backup, nil
}

func (a *app) openCatalog(archive string) (*catalog.SQLite, error) {
	path := a.catalogPath
	if path == "" {
		path = filepath.Join(archive, localfs.MetaDir, "catalog.db")
	}
	cat, err := catalog.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cat)
	return cat, nil
}

func (a *app) resolvedJournalPath(archive, backup string) string {
	if a.journalPath != "" {
		return a.journalPath
	}
	return journal.DefaultPath(archive, backup)
}

// openJournal opens the task journal. It returns nil without error when
// the journal is disabled, or when create is false and none exists yet.
func (a *app) openJournal(archive, backup string, create bool) (*journal.DB, error) {
	if a.noJournal {
		return nil, nil
	}
	path := a.resolvedJournalPath(archive, backup)
	if !create {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
	}
	jnl, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, jnl)
	return jnl, nil
}

// openService opens the transfer service. bytesPerSecond < 0 takes the
// limit from the config file.
func (a *app) openService(archive, backup string, bytesPerSecond int64) (*localfs.Service, error) {
	if k := a.cfg.Service.Kind; k != nil && *k != "localfs" {
		return nil, fmt.Errorf("service.kind %q is not supported (want localfs)", *k)
	}
	if bytesPerSecond < 0 {
		var err error
		if bytesPerSecond, err = a.cfg.Service.BytesPerSecond(); err != nil {
			return nil, err
		}
	}
	cfg := localfs.Config{ArchiveRoot: archive, BackupRoot: backup, BytesPerSecond: bytesPerSecond}
	if a.cfg.Service.Owner != nil {
		cfg.Owner = *a.cfg.Service.Owner
	}
	svc, err := localfs.New(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, svc)
	return svc, nil
}

// isTTY reports whether w is a terminal.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && ui.IsTTY(f.Fd())
}

// termWidth returns the width of w, or 80.
func termWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		return ui.TermWidth(f.Fd())
	}
	return 80
}
