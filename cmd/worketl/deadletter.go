package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/medsync/worketl/internal/model"
)

// runDeadLetterCmd implements `worketl dead-letter list|replay`, one of
// operator visibility into rows
// quarantined by the sink's bisection logic (internal/sink/postgres.go).
func runDeadLetterCmd(args []string, globals GlobalFlags) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: worketl dead-letter list|replay [options]")
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

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("dead-letter list", flag.ContinueOnError)
		table := fs.String("table", "", "Filter by table name")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return listDeadLetters(ctx, d, *table, globals)
	case "replay":
		fs := flag.NewFlagSet("dead-letter replay", flag.ContinueOnError)
		table := fs.String("table", "", "Replay quarantined rows for this table")
		ids := fs.StringArray("id", nil, "Replay only these identities (default: all for --table)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *table == "" {
			fmt.Fprintln(os.Stderr, "error: --table is required")
			return 2
		}
		return replayDeadLetters(ctx, d, *table, *ids, globals)
	default:
		fmt.Fprintf(os.Stderr, "unknown dead-letter subcommand: %s\n", args[0])
		return 2
	}
}

type deadLetterRow struct {
	Table         string    `json:"table" db:"table_name"`
	Identity      string    `json:"identity" db:"identity"`
	SinkErrorCode string    `json:"sink_error_code" db:"sink_error_code"`
	SinkErrorText string    `json:"sink_error_text" db:"sink_error_text"`
	Payload       []byte    `json:"-" db:"payload"`
	QuarantinedAt time.Time `json:"quarantined_at" db:"quarantined_at"`
}

func listDeadLetters(ctx context.Context, d *deps, table string, globals GlobalFlags) int {
	rows, err := d.pool.Query(ctx, queryDeadLetters(table), table)
	if err != nil {
		printErr(werrors.NewTransientError("Cannot list dead letters", "", "", err), globals.JSON)
		return 1
	}
	defer rows.Close()

	var out []deadLetterRow
	for rows.Next() {
		var r deadLetterRow
		if err := rows.Scan(&r.Table, &r.Identity, &r.SinkErrorCode, &r.SinkErrorText, &r.Payload, &r.QuarantinedAt); err != nil {
			printErr(werrors.NewDataError("Cannot scan dead letter row", "", "", err), globals.JSON)
			return 1
		}
		out = append(out, r)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	} else {
		for _, r := range out {
			fmt.Printf("table=%s id=%s code=%s quarantined_at=%s\n", r.Table, r.Identity, r.SinkErrorCode, r.QuarantinedAt.Format(time.RFC3339))
		}
	}
	return 0
}

func queryDeadLetters(table string) string {
	if table == "" {
		return `SELECT table_name, identity, sink_error_code, sink_error_text, payload, quarantined_at FROM dead_letters ORDER BY quarantined_at DESC`
	}
	return `SELECT table_name, identity, sink_error_code, sink_error_text, payload, quarantined_at FROM dead_letters WHERE table_name = $1 ORDER BY quarantined_at DESC`
}

func replayDeadLetters(ctx context.Context, d *deps, table string, ids []string, globals GlobalFlags) int {
	query := `SELECT payload, identity FROM dead_letters WHERE table_name = $1`
	args := []any{table}
	if len(ids) > 0 {
		query += ` AND identity = ANY($2)`
		args = append(args, ids)
	}

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		printErr(werrors.NewTransientError("Cannot read dead letters for replay", "", "", err), globals.JSON)
		return 1
	}

	var payload []byte
	var identity string
	var batch []model.WorkOrder
	var replayedIDs []string
	for rows.Next() {
		if err := rows.Scan(&payload, &identity); err != nil {
			rows.Close()
			printErr(werrors.NewDataError("Cannot scan dead letter payload", "", "", err), globals.JSON)
			return 1
		}
		var wo model.WorkOrder
		if err := json.Unmarshal(payload, &wo); err != nil {
			continue // corrupt payload: skip rather than abort the whole replay
		}
		batch = append(batch, wo)
		replayedIDs = append(replayedIDs, identity)
	}
	rows.Close()

	if len(batch) == 0 {
		fmt.Println("no dead letters matched")
		return 0
	}

	result, err := d.sink.UpsertBatch(ctx, table, batch)
	if err != nil {
		printErr(err, globals.JSON)
		return exitCodeFor(err)
	}

	if _, err := d.pool.Exec(ctx, `DELETE FROM dead_letters WHERE table_name = $1 AND identity = ANY($2)`, table, replayedIDs); err != nil {
		d.log.Error("worketl.dead_letter.cleanup_failed", "err", err)
	}

	fmt.Printf("replayed %d rows (inserted=%d updated=%d conflicts=%d)\n", len(batch), result.Inserted, result.Updated, result.Conflicts)
	return 0
}
