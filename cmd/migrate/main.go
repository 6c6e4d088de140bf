// Command migrate waits for the configured database and applies the
// embedded schema migrations. With -status it only reports them;
// -mark-applied records a migration as applied without running it, for
// databases whose schema was created by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"raceup/authsvc/internal/database"
	"raceup/authsvc/internal/migrations"
)

type options struct {
	DatabaseURL string        `env:"DATABASE_URL"`
	SQLitePath  string        `env:"SQLITE_PATH" envDefault:"./data/auth.db"`
	WaitFor     time.Duration `env:"DATABASE_WAIT_TIMEOUT" envDefault:"60s"`
}

func main() {
	statusOnly := flag.Bool("status", false, "print migration status without applying")
	markApplied := flag.String("mark-applied", "", "record the named migration as applied and exit")
	flag.Parse()

	var opts options
	if err := env.Parse(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "parse env: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, *statusOnly, *markApplied); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, statusOnly bool, markApplied string) error {
	db, err := database.Open(opts.DatabaseURL, opts.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.WaitReady(ctx, db, opts.WaitFor, 2*time.Second); err != nil {
		return err
	}
	fmt.Printf("%s ready\n", db.DriverName())

	svc, err := migrations.NewService(db)
	if err != nil {
		return err
	}

	if markApplied != "" {
		if err := svc.MarkApplied(ctx, markApplied); err != nil {
			return fmt.Errorf("mark %s applied: %w", markApplied, err)
		}
		fmt.Printf("marked %s applied\n", markApplied)
		return nil
	}

	if !statusOnly {
		applied, err := svc.Apply(ctx)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		for _, name := range applied {
			fmt.Printf("applied %s\n", name)
		}
	}

	status, err := svc.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	for _, s := range status {
		state := "pending"
		if s.Applied {
			state = "applied " + s.AppliedAt
		}
		if s.Drifted {
			state += " (checksum drift)"
		}
		fmt.Printf("%-40s %s\n", s.Name, state)
	}
	return nil
}
