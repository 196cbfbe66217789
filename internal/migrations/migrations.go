// Package migrations embeds worketl's schema and applies it with
// pressly/goose/v3. The "-- +goose Up"/"-- +goose Down" file
// convention follows goose's documented format, which
// parses and replays goose-formatted files directly).
package migrations

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var files embed.FS

// Up applies every pending migration in sql/ against db, in filename
// order, using goose's tracked-version table.
func Up(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, files)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// Status reports the applied/pending state of each migration, used by
// the `worketl status` command.
func Status(ctx context.Context, db *sql.DB) ([]*goose.MigrationStatus, error) {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, files)
	if err != nil {
		return nil, err
	}
	return provider.Status(ctx)
}
