package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"KlineVault/internal/model"
	"KlineVault/internal/scheduler"
)

// runFlags are shared by init and update.
type runFlags struct {
	config  *string
	symbols string
	dryRun  bool
}

func (r *runFlags) set(f *flag.FlagSet) {
	f.StringVar(&r.symbols, "symbols", "", "comma-separated symbols, overrides the configured universe")
	f.BoolVar(&r.dryRun, "dry-run", false, "fetch and compute without writing to the database")
}

func (r *runFlags) open() (*app, error) {
	return newApp(*r.config, appOptions{dryRun: r.dryRun, symbols: r.symbols})
}

// exitFor maps a run error to an exit status.
func exitFor(a *app, report *model.RunReport, err error) subcommands.ExitStatus {
	a.summarize(report)
	if scheduler.IsStorageError(err) {
		a.logger.Errorf("storage failure, run aborted: %v", err)
		return subcommands.ExitFailure
	}
	if err != nil {
		a.logger.Errorf("run aborted: %v", err)
		return subcommands.ExitFailure
	}
	if report.Count(model.StateFailed) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func parseDateFlag(name, v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	d, err := model.ParseDate(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("-%s: %w", name, err)
	}
	return d, nil
}

type initCmd struct {
	runFlags
	start, end string
}

func newInitCmd(config *string) *initCmd { return &initCmd{runFlags: runFlags{config: config}} }

func (*initCmd) Name() string     { return "init" }
func (*initCmd) Synopsis() string { return "load the full daily history of the universe" }
func (*initCmd) Usage() string {
	return `klinevault init [-start <date>] [-end <date>] [-symbols <list>] [-dry-run]

  Fetches every trading day in [start, end] for each symbol and stores
  canonical bars, adjustment factors and price variants. Without a
  configured universe the listing is refreshed first and every tracked
  security is loaded.
`
}

func (c *initCmd) SetFlags(f *flag.FlagSet) {
	c.runFlags.set(f)
	f.StringVar(&c.start, "start", "", "first date (defaults to history.start)")
	f.StringVar(&c.end, "end", "", "last date (defaults to today)")
}

func (c *initCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := c.open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	defer a.Close()

	start, err := parseDateFlag("start", c.start, a.sched.Config.HistoryStart)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	end, err := parseDateFlag("end", c.end, a.sched.Today())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	if len(a.cfg.Universe) == 0 {
		// A full bootstrap starts from the current listing.
		if _, err := a.refreshListing(ctx); err != nil {
			a.logger.Errorf("%v", err)
			return subcommands.ExitFailure
		}
	}
	universe, err := a.universe(ctx)
	if err != nil {
		a.logger.Errorf("load universe: %v", err)
		return subcommands.ExitFailure
	}

	report, err := a.sched.InitialLoad(ctx, universe, start, end)
	return exitFor(a, report, err)
}

type updateCmd struct {
	runFlags
	today string
}

func newUpdateCmd(config *string) *updateCmd { return &updateCmd{runFlags: runFlags{config: config}} }

func (*updateCmd) Name() string     { return "update" }
func (*updateCmd) Synopsis() string { return "fetch the trading days missing since the last run" }
func (*updateCmd) Usage() string {
	return `klinevault update [-today <date>] [-symbols <list>] [-dry-run]

  For each symbol, fetches the trading days after its last stored date up
  to today, plus any gaps reported by earlier runs.
`
}

func (c *updateCmd) SetFlags(f *flag.FlagSet) {
	c.runFlags.set(f)
	f.StringVar(&c.today, "today", "", "treat this date as today")
}

func (c *updateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := c.open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	defer a.Close()

	today, err := parseDateFlag("today", c.today, a.sched.Today())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	universe, err := a.universe(ctx)
	if err != nil {
		a.logger.Errorf("load universe: %v", err)
		return subcommands.ExitFailure
	}

	report, err := a.sched.Update(ctx, universe, today)
	return exitFor(a, report, err)
}

type serveCmd struct {
	config     *string
	runOnStart bool
	noCommands bool
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run the daily update on its cron schedule" }
func (*serveCmd) Usage() string {
	return `klinevault serve [-run-on-start] [-no-commands]

  Runs the incremental update on schedule.daily_cron until interrupted.
  With Telegram configured, run summaries are sent to the chat and the
  /status and /update commands are answered.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.runOnStart, "run-on-start", os.Getenv("RUN_ON_START") == "true", "run an update immediately")
	f.BoolVar(&c.noCommands, "no-commands", false, "do not poll Telegram for commands")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := newApp(*c.config, appOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	defer a.Close()

	if err := a.sched.Register(a.cfg.Schedule.DailyCron); err != nil {
		a.logger.Errorf("register cron tasks: %v", err)
		return subcommands.ExitFailure
	}
	a.sched.Start()
	defer a.sched.Stop()

	if a.telegram != nil && !c.noCommands {
		go a.telegram.StartPolling(ctx, a.sched.HandleCommand)
		a.logger.Info("telegram polling started")
	}

	if c.runOnStart {
		a.logger.Info("run-on-start enabled, executing update now")
		go func() {
			report, err := a.sched.RunUpdateNow(ctx)
			a.summarize(report)
			if err != nil {
				a.logger.Errorf("update: %v", err)
			}
		}()
	}

	a.logger.WithField("cron", a.cfg.Schedule.DailyCron).Info("KlineVault is running. Press Ctrl+C to stop.")
	<-ctx.Done()
	a.logger.Info("shutdown signal received, stopping...")
	return subcommands.ExitSuccess
}

type universeCmd struct {
	config  *string
	refresh bool
}

func (*universeCmd) Name() string     { return "universe" }
func (*universeCmd) Synopsis() string { return "print the symbols a run covers" }
func (*universeCmd) Usage() string {
	return `klinevault universe [-refresh]

  Prints the configured universe, or else the tracked securities with
  their names, one per line. -refresh stores the current listing first.
`
}

func (c *universeCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.refresh, "refresh", false, "refresh the stored listing before printing")
}

func (c *universeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := newApp(*c.config, appOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	defer a.Close()

	if err := a.printUniverse(ctx, os.Stdout, c.refresh); err != nil {
		a.logger.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
