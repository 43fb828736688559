// Command migrate applies the SQL schema in migrations/ to the configured
// MySQL database.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/ManuelReschke/ChatCredits/internal/pkg/config"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/env"
)

const usage = `usage: migrate <command>

commands:
  up         apply all pending migrations
  down       roll back the last migration
  goto N     migrate up or down to version N
  force N    mark version N as applied without running it (clears dirty state)
  status     print the current version`

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		log.Fatalf("migrate %s: %v", os.Args[1], err)
	}
}

func run(command string, args []string) error {
	db := config.LoadDatabase()
	log.Printf("Using database %s@%s:%s/%s", db.User, db.Host, db.Port, db.Name)

	m, err := migrate.New("file://"+env.GetEnv("MIGRATIONS_DIR", "migrations"), db.MigrateURL())
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			log.Printf("closing migrate: source=%v db=%v", sourceErr, dbErr)
		}
	}()

	switch command {
	case "up":
		return report(m.Up(), "all migrations applied")
	case "down":
		return report(m.Steps(-1), "rolled back one migration")
	case "goto", "force":
		if len(args) < 1 {
			return errors.New("version required")
		}
		version, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		if command == "force" {
			return report(m.Force(int(version)), fmt.Sprintf("forced version %d", version))
		}
		return report(m.Migrate(uint(version)), fmt.Sprintf("at version %d", version))
	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("No migration applied yet")
			return nil
		}
		if err != nil {
			return err
		}
		if dirty {
			log.Printf("Version %d (dirty)", version)
		} else {
			log.Printf("Version %d", version)
		}
		return nil
	default:
		fmt.Println(usage)
		return fmt.Errorf("unknown command")
	}
}

func report(err error, done string) error {
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("No change, database is up to date")
		return nil
	case err != nil:
		return err
	default:
		log.Println(done)
		return nil
	}
}
