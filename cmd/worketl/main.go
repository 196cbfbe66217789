// Package main implements the worketl CLI: incremental sync and
// historical backfill for the medical work-order ETL pipeline.
//
// Usage:
//
//	worketl run-etl [--tables T1,T2] [--batch-size N] [--dry-run]
//	worketl backfill --start-date YYYY-MM-DD --end-date YYYY-MM-DD [--resume] [--max-workers N]
//	worketl status [--table T]
//	worketl dead-letter list|replay
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds flags that apply regardless of subcommand.
type GlobalFlags struct {
	JSON       bool
	NoColor    bool
	Verbose    int
	ConfigPath string
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to an optional YAML config overlay")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
	)

	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `worketl - medical work-order ETL pipeline

Usage:
  worketl <command> [options]

Commands:
  run-etl       Run an incremental sync pass over one or more tables
  backfill      Run a historical backfill over a date range
  status        Show per-table sync status
  dead-letter   List or replay quarantined rows

Global Options:
  --json            Output in JSON format
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -c, --config      Path to an optional YAML config overlay
  -V, --version     Show version and exit

Environment Variables:
  WORKETL_SOURCE_*  Source warehouse connection settings
  WORKETL_SINK_*    Sink database connection settings
  WORKETL_ETL_*     Pipeline tuning
  WORKETL_AI_*      AI enrichment client settings

For detailed command help: worketl <command> --help
`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("worketl version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}
	color.NoColor = *noColor

	globals := GlobalFlags{JSON: *jsonOutput, NoColor: *noColor, Verbose: *verbose, ConfigPath: *configPath}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	command := args[0]
	cmdArgs := args[1:]

	var code int
	switch command {
	case "run-etl":
		code = runETL(cmdArgs, globals)
	case "backfill":
		code = runBackfillCmd(cmdArgs, globals)
	case "status":
		code = runStatusCmd(cmdArgs, globals)
	case "dead-letter":
		code = runDeadLetterCmd(cmdArgs, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		code = 2
	}
	os.Exit(code)
}
