package state

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/flashfusion/collab-relay/state/migrations"
)

// Migrate runs goose with the given command ("up", "down", "status", ...) against the
// embedded migrations.
func Migrate(db *sqlx.DB, command string, args ...string) error {
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Run(command, db.DB, ".", args...); err != nil {
		return fmt.Errorf("Migrate %s: %w", command, err)
	}
	return nil
}
