package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/Strob0t/toolgate/internal/adapter/postgres"
)

// runMigrate handles migrate [up|down N|version].
func runMigrate(args []string) error {
	fs, flags := commandFlags("migrate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, flush, err := loadConfig(*flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer flush()

	ctx := context.Background()
	rest := fs.Args()
	cmd := "up"
	if len(rest) > 0 {
		cmd = rest[0]
	}

	switch cmd {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
	case "down":
		steps := 1
		if len(rest) > 1 {
			steps, err = strconv.Atoi(rest[1])
			if err != nil || steps < 1 {
				return fmt.Errorf("invalid step count: %q", rest[1])
			}
		}
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate command: %s", cmd)
	}

	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "schema version %d\n", v)
	return nil
}
