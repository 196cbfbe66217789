package main

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/medsync/worketl/internal/model"
	"github.com/medsync/worketl/internal/orchestrator"
	"github.com/schollz/progressbar/v3"
)

const dateLayout = "2006-01-02"

// runBackfillCmd implements `worketl backfill`, per spec.md §6.
func runBackfillCmd(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	table := fs.String("table", "notification_text", "Table to backfill")
	startDate := fs.String("start-date", "", "Backfill range start (YYYY-MM-DD)")
	endDate := fs.String("end-date", "", "Backfill range end (YYYY-MM-DD)")
	resume := fs.Bool("resume", false, "Resume from the last committed checkpoint instead of start-date")
	maxWorkers := fs.Int("max-workers", 0, "Override the configured worker count")
	dryRun := fs.Bool("dry-run", false, "Resolve configuration and log the plan without writing")
	verbose := fs.Bool("verbose", false, "Show a progress bar")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: worketl backfill --start-date YYYY-MM-DD --end-date YYYY-MM-DD [options]

Runs a historical backfill over [start-date, end-date], partitioned
into batches and processed by a bounded worker pool.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *startDate == "" || *endDate == "" {
		fmt.Fprintln(os.Stderr, "error: --start-date and --end-date are required")
		return 2
	}
	start, err := time.Parse(dateLayout, *startDate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid --start-date: %v\n", err)
		return 2
	}
	end, err := time.Parse(dateLayout, *endDate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid --end-date: %v\n", err)
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	d, err := wireDeps(ctx, globals)
	if err != nil {
		printErr(err, globals.JSON)
		return exitCodeFor(err)
	}
	defer d.close()
	d.serveMetrics(ctx, *metricsAddr)

	workers := d.cfg.Backfill.MaxWorkers
	if *maxWorkers > 0 {
		workers = *maxWorkers
	}

	resumeFrom := model.Cursor{Time: start}
	if *resume {
		md, err := d.watermark.Read(ctx, *table)
		if err != nil {
			printErr(err, globals.JSON)
			return exitCodeFor(err)
		}
		if !md.LastSyncWatermark.IsZero() {
			resumeFrom = model.Cursor{Time: md.LastSyncWatermark, Identity: md.LastSyncIdentity}
		}
	}

	if *dryRun {
		fmt.Printf("dry-run: would backfill table=%s from=%s to=%s workers=%d\n", *table, resumeFrom.Time, end, workers)
		return 0
	}

	var bar *progressbar.ProgressBar
	if *verbose {
		bar = progressbar.Default(-1, "backfilling "+*table)
	}

	bf := &orchestrator.Backfill{
		Incremental: d.incremental(),
		Table:       *table,
		Log:         d.log,
		MaxWorkers:  workers,
		BatchSize:   d.cfg.ETL.BatchSize,
		MaxMemoryMB: d.cfg.Backfill.MaxMemoryMB,
	}

	result, err := bf.Run(ctx, resumeFrom, end)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		printErr(err, globals.JSON)
		return exitCodeFor(err)
	}

	fmt.Printf("table=%s status=completed rows=%d quarantined=%d failed_ranges=%d duration=%s\n",
		*table, result.RowsProcessed, result.RowsQuarantined, len(result.FailedRanges), result.Duration.Round(time.Millisecond))

	if len(result.FailedRanges) > 0 {
		return 1
	}
	return 0
}
