package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/medsync/worketl/internal/orchestrator"
)

var defaultTables = []string{"notification_text"}

// runETL implements `worketl run-etl`: one incremental pass over the
// requested tables, exit codes per spec.md §6 (0 success, 1 partial,
// 2 config error, 3 persistent infra error).
func runETL(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("run-etl", flag.ContinueOnError)
	tables := fs.String("tables", "", "Comma-separated list of tables to sync (default: all)")
	batchSize := fs.Int("batch-size", 0, "Override the configured batch size")
	dryRun := fs.Bool("dry-run", false, "Resolve configuration and log the plan without writing")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: worketl run-etl [options]

Runs one incremental sync pass: for each table, reads rows newer than
the stored watermark, scrubs and enriches them, and upserts them into
the sink.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
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

	tableList := defaultTables
	if *tables != "" {
		tableList = strings.Split(*tables, ",")
	}
	if *batchSize > 0 {
		d.cfg.ETL.BatchSize = *batchSize
	}

	if *dryRun {
		fmt.Printf("dry-run: would sync tables=%v batch_size=%d\n", tableList, d.cfg.ETL.BatchSize)
		return 0
	}

	inc := d.incremental()
	inc.BatchSize = d.cfg.ETL.BatchSize

	worstExit := 0
	for _, table := range tableList {
		result := inc.RunTable(ctx, table)
		fmt.Println(summaryLine(result))
		if result.Err != nil {
			if code := exitCodeFor(result.Err); code > worstExit {
				worstExit = code
			}
		}
	}
	return worstExit
}

// summaryLine renders the one-line-per-table summary spec.md §7
// requires: "table=T status=completed rows=N quarantined=N duration=Xs" or
// "status=failed error=...".
func summaryLine(r orchestrator.IncrementalResult) string {
	if r.Err != nil {
		return fmt.Sprintf("table=%s status=failed error=%v", r.Table, r.Err)
	}
	return fmt.Sprintf("table=%s status=%s rows=%d quarantined=%d duration=%s",
		r.Table, r.Status, r.RowsProcessed, r.RowsQuarantined, r.Duration.Round(1e6))
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return werrors.Classify(err).ExitCode()
}

func printErr(err error, jsonOutput bool) {
	if e, ok := err.(*werrors.Error); ok {
		fmt.Fprintln(os.Stderr, e.Render(jsonOutput))
		return
	}
	fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
}
