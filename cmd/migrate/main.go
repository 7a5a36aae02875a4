// Command migrate manages the nestbid payments schema with goose.
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate down
//	go run ./cmd/migrate status
//
// Any goose command works, including up-to and down-to with a version
// argument. The server bootstraps missing tables on startup for
// development convenience; production schema changes go through this
// command so goose records the version history.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: migrate <up|down|status|version|redo|up-to N|down-to N>")
	}

	// Same .env convention as the server, for local development.
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if err := goose.RunContext(context.Background(), args[0], db, "migrations", args[1:]...); err != nil {
		return fmt.Errorf("goose %s: %w", args[0], err)
	}
	return nil
}
