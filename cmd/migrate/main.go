// migrate applies or rolls back the credential store schema used by the sql backend.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"mkr.su/console/internal/credstore"
	"mkr.su/console/internal/migrate"
	"mkr.su/console/internal/obs"
)

func main() {
	log := obs.Logger()

	_ = godotenv.Load()
	var (
		dsn     = pflag.String("dsn", os.Getenv("CONSOLE_CREDSTORE_DSN"), "PostgreSQL DSN")
		table   = pflag.String("table", "console_schema_migrations", "bookkeeping table name")
		timeout = pflag.Duration("timeout", 30*time.Second, "overall deadline")
	)
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or CONSOLE_CREDSTORE_DSN")
	}
	if pflag.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := credstore.OpenPostgres(*dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer db.Close()

	mgr := migrate.NewManager(db, credstore.Migrations(), credstore.MigrationsDir, migrate.WithMigrationsTable(*table))

	cmd := pflag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.WithError(err).Fatalf("migrate %s", cmd)
	}
	log.WithField("command", cmd).Info("migrate done")
}
