package main

import (
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"telemirror/migrations"
)

func main() {
	dialect := flag.String("dialect", envOrDefault("STORAGE_BACKEND", string(migrations.SQLite)), "database dialect: sqlite or postgres")
	dsn := flag.String("dsn", "", "database path (sqlite) or URL (postgres); defaults to DATABASE_PATH or DATABASE_URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-dialect sqlite|postgres] [-dsn dsn] <command>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  up          Migrate to the latest version")
		fmt.Fprintln(os.Stderr, "  up-one      Migrate one version up")
		fmt.Fprintln(os.Stderr, "  down        Roll back one version")
		fmt.Fprintln(os.Stderr, "  status      Show migration status")
		fmt.Fprintln(os.Stderr, "  version     Show current version")
		fmt.Fprintln(os.Stderr, "  reset       Roll back all migrations")
		os.Exit(1)
	}

	d := migrations.Dialect(*dialect)
	gd, err := d.Goose()
	if err != nil {
		log.Fatalf("dialect: %v", err)
	}

	driver, dsnEnv, dsnDefault := "sqlite", "DATABASE_PATH", "./data/mirror.db"
	if d == migrations.Postgres {
		driver, dsnEnv, dsnDefault = "pgx", "DATABASE_URL", ""
	}
	if *dsn == "" {
		*dsn = envOrDefault(dsnEnv, dsnDefault)
	}
	if *dsn == "" {
		log.Fatalf("no dsn: set -dsn or %s", dsnEnv)
	}

	db, err := sql.Open(driver, *dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	sub, err := fs.Sub(migrations.FS, d.Dir())
	if err != nil {
		log.Fatalf("open migrations: %v", err)
	}
	goose.SetBaseFS(sub)
	if err := goose.SetDialect(string(gd)); err != nil {
		log.Fatalf("set dialect: %v", err)
	}

	cmd := args[0]
	switch cmd {
	case "up":
		err = goose.Up(db, ".")
	case "up-one":
		err = goose.UpByOne(db, ".")
	case "down":
		err = goose.Down(db, ".")
	case "status":
		err = goose.Status(db, ".")
	case "version":
		err = goose.Version(db, ".")
	case "reset":
		err = goose.Reset(db, ".")
	default:
		log.Fatalf("unknown command: %s", cmd)
	}

	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
