package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ncar/dsquasar/internal/config"
	"github.com/ncar/dsquasar/internal/engine"
	"github.com/ncar/dsquasar/internal/event"
	"github.com/ncar/dsquasar/internal/filter"
	"github.com/ncar/dsquasar/internal/journal"
	"github.com/ncar/dsquasar/internal/stats"
	"github.com/ncar/dsquasar/internal/ui"
)

type runOptions struct {
	chain          *filter.Chain
	filterFile     string
	bwLimit        string
	metricsListen  string
	restores       []string
	interval       time.Duration
	maxConcurrency int
	continuous     bool
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{chain: filter.NewChain()}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a reconciliation pass",
		Long: `Run one reconciliation pass, or with --continuous one pass every --interval
until interrupted.

The first SIGINT or SIGTERM cancels the in-flight transfer tasks; their records
stay IN_TRANSFER and are resolved by the next pass. A second signal exits
immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPass(cmd, a, opts)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.continuous, "continuous", false, "keep running passes until interrupted")
	f.DurationVar(&opts.interval, "interval", time.Hour, "time between passes with --continuous")
	f.StringVar(&opts.metricsListen, "metrics-listen", "", "serve Prometheus metrics on ADDR (e.g. :9105)")
	f.StringVar(&opts.bwLimit, "bwlimit", "", "bandwidth limit for the transfer service (e.g. 100M, 1G)")
	f.IntVar(&opts.maxConcurrency, "max-concurrency", 0, "in-flight transfer tasks (default 8)")
	f.StringArrayVar(&opts.restores, "restore", nil, "also restore PATH in this pass (repeatable)")
	f.StringVar(&opts.filterFile, "filter", "", "read filter rules from FILE")
	addFilterFlags(f, &filterFlag{chain: opts.chain, include: true}, &filterFlag{chain: opts.chain})
	return cmd
}

//nolint:gocyclo,revive // cyclomatic: wiring of every component a pass needs
func runPass(cmd *cobra.Command, a *app, opts *runOptions) error {
	archive, backup, err := a.roots(true)
	if err != nil {
		return err
	}
	jobID := journal.JobID(archive, backup)
	if info, err := config.ReadRunInfo(jobID); err == nil && info.PID != os.Getpid() {
		return fmt.Errorf("another run is active for this archive (pid %d)", info.PID)
	}

	cat, err := a.openCatalog(archive)
	if err != nil {
		return err
	}
	jnl, err := a.openJournal(archive, backup, true)
	if err != nil {
		return err
	}
	bps := int64(-1)
	if cmd.Flags().Changed("bwlimit") {
		if bps, err = filter.ParseSize(opts.bwLimit); err != nil {
			return fmt.Errorf("invalid --bwlimit: %w", err)
		}
	}
	svc, err := a.openService(archive, backup, bps)
	if err != nil {
		return err
	}

	collector := stats.NewCollector()
	events := make(chan event.Event, 256)
	ecfg := engine.Config{
		Catalog:     cat,
		Service:     svc,
		Stats:       collector,
		Events:      events,
		ArchiveRoot: archive,
	}
	if jnl != nil {
		ecfg.Journal = jnl
	}
	if err := a.cfg.Engine.Apply(&ecfg); err != nil {
		return err
	}
	if err := a.cfg.Service.Apply(&ecfg); err != nil {
		return err
	}
	if cmd.Flags().Changed("max-concurrency") {
		ecfg.MaxConcurrency = opts.maxConcurrency
	}
	if ecfg.Filter, err = runFilter(a, opts); err != nil {
		return err
	}
	for _, p := range opts.restores {
		rel, err := archiveRel(archive, p)
		if err != nil {
			return err
		}
		chain, err := engine.RestoreChain(rel, nil)
		if err != nil {
			return err
		}
		ecfg.Restores = append(ecfg.Restores, engine.RestoreRequest{Chain: chain})
	}

	interval := opts.interval
	if !cmd.Flags().Changed("interval") {
		if interval, err = a.cfg.Engine.PassInterval(interval); err != nil {
			return err
		}
	}
	if opts.continuous && interval <= 0 {
		return errors.New("--interval must be positive")
	}

	eng, err := engine.New(ecfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	info := config.RunInfo{
		PID:        os.Getpid(),
		Started:    time.Now(),
		Continuous: opts.continuous,
	}
	if jnl != nil {
		info.Journal = jnl.Path()
	}
	listen := opts.metricsListen
	if !cmd.Flags().Changed("metrics-listen") && a.cfg.Metrics.Listen != nil {
		listen = *a.cfg.Metrics.Listen
	}
	if listen != "" {
		addr, shutdown, err := serveMetrics(listen, collector)
		if err != nil {
			return err
		}
		defer shutdown()
		info.MetricsAddr = addr.String()
		slog.Info("serving metrics", "addr", info.MetricsAddr)
	}
	if err := config.WriteRunInfo(jobID, info); err != nil {
		slog.Warn("failed to write run info", "error", err)
	}
	defer config.RemoveRunInfo(jobID)

	// The first signal cancels in-flight tasks, the second aborts.
	var stopping atomic.Bool
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				if stopping.Swap(true) {
					slog.Warn("aborting", "signal", sig.String())
					cancel()
					return
				}
				slog.Warn("cancelling in-flight tasks; signal again to abort", "signal", sig.String())
				eng.Cancel()
				if !eng.Running() {
					cancel()
				}
			}
		}
	}()

	presenter := ui.NewPresenter(ui.Config{
		Writer:    a.stdout,
		ErrWriter: a.stderr,
		Stats:     collector,
		IsTTY:     isTTY(a.stderr),
		Quiet:     a.quiet,
	})
	var presenterWg sync.WaitGroup
	presenterWg.Add(1)
	go func() {
		defer presenterWg.Done()
		if err := presenter.Run(teeEvents(events)); err != nil {
			fmt.Fprintf(a.stderr, "presenter: %v\n", err)
		}
	}()

	var (
		rep     engine.Report
		passErr error
	)
	if opts.continuous {
		err = eng.RunContinuous(ctx, interval, func(r engine.Report, err error) {
			rep, passErr = r, err
			if stopping.Load() {
				cancel()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			passErr = err
		}
	} else {
		rep, passErr = eng.RunPass(ctx)
	}

	close(events)
	presenterWg.Wait()
	if !a.quiet {
		fmt.Fprintln(a.stderr, presenter.Summary())
	}

	if passErr != nil {
		slog.Error("pass aborted", "error", passErr)
		return &exitError{code: exitAborted}
	}
	return passResult(rep)
}

// passResult logs what a finished pass left behind and maps its report to
// the exit status.
func passResult(rep engine.Report) error {
	for _, f := range rep.Failed {
		slog.Warn("record failed", "path", f.Path, "direction", f.Direction.String(), "reason", f.Reason)
	}
	if len(rep.Invariants) > 0 {
		for _, err := range rep.Invariants {
			slog.Error("engine invariant violated", "error", err)
		}
		return &exitError{code: exitAborted}
	}
	return exitWith(rep.ExitCode())
}

// runFilter picks the record filter: command-line rules replace the
// configured ones.
func runFilter(a *app, opts *runOptions) (*filter.Chain, error) {
	if opts.filterFile != "" {
		if err := opts.chain.LoadFile(opts.filterFile); err != nil {
			return nil, fmt.Errorf("load filter file: %w", err)
		}
	}
	if !opts.chain.Empty() {
		return opts.chain, nil
	}
	return a.cfg.Archive.FilterChain()
}

// teeEvents writes every event to the structured log before forwarding it
// to the presenter.
func teeEvents(events <-chan event.Event) <-chan event.Event {
	teed := make(chan event.Event, 256)
	go func() {
		for ev := range events {
			slog.LogAttrs(context.Background(), ev.Level(), "dsquasar.event", ev.Attrs()...)
			teed <- ev
		}
		close(teed)
	}()
	return teed
}
