package main

import (
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/medsync/worketl/internal/migrations"
)

// runStatusCmd implements `worketl status [--table T]`: prints the
// etl_metadata row(s) and, unless --json is set, the migration status
// (spec.md §6's "etl_metadata is the single source of recovery truth").
func runStatusCmd(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	table := fs.String("table", "", "Show status for one table only (default: all known tables)")
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

	tableList := defaultTables
	if *table != "" {
		tableList = []string{*table}
	}

	type row struct {
		Table         string `json:"table"`
		Status        string `json:"status"`
		LastWatermark string `json:"last_watermark"`
		RowsProcessed int64  `json:"rows_processed"`
	}
	var rows []row
	for _, t := range tableList {
		md, err := d.watermark.Read(ctx, t)
		if err != nil {
			printErr(err, globals.JSON)
			return exitCodeFor(err)
		}
		rows = append(rows, row{
			Table:         t,
			Status:        string(md.SyncStatus),
			LastWatermark: md.LastSyncWatermark.Format("2006-01-02T15:04:05Z07:00"),
			RowsProcessed: md.RowsProcessed,
		})
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rows)
	} else {
		for _, r := range rows {
			fmt.Printf("table=%s status=%s last_watermark=%s rows_processed=%d\n", r.Table, r.Status, r.LastWatermark, r.RowsProcessed)
		}
	}

	migStatus, err := migrations.Status(ctx, d.sqlDB)
	if err == nil && !globals.JSON {
		fmt.Printf("schema: %d migrations tracked\n", len(migStatus))
	}
	return 0
}
