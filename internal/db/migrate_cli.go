package db

import (
	"fmt"
	"io"
	"log"
)

// MigrateActions lists the actions accepted by RunMigrate.
var MigrateActions = []string{"up", "down", "status"}

// RunMigrate opens the store at path without migrating it and applies
// action: "up" runs pending migrations, "down" rolls back the most recent
// one and "status" prints the schema version. The resulting version is
// written to w.
func RunMigrate(path, action string, w io.Writer) error {
	database, err := OpenDB(path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	switch action {
	case "up":
		log.Printf("Running migrations on %s...", path)
		if err := database.MigrateUp(); err != nil {
			return err
		}
	case "down":
		log.Printf("Rolling back the latest migration on %s...", path)
		if err := database.MigrateDown(); err != nil {
			return err
		}
	case "status":
	default:
		return fmt.Errorf("unknown migrate action %q (want one of %v)", action, MigrateActions)
	}

	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	_, err = fmt.Fprintf(w, "schema version %d (dirty=%v, latest=%d)\n", version, dirty, LatestMigration)
	return err
}
