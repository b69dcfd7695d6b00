// Package migrations embeds the schema for pools, risk assessments and
// claims, and applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// goose keeps its base FS and dialect in package state.
var setup sync.Once

func prepare() error {
	var err error
	setup.Do(func() {
		goose.SetBaseFS(FS)
		err = goose.SetDialect("postgres")
	})
	return err
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}

// Run executes a goose command (up, down, status, version, redo, up-to,
// down-to) against db.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if err := prepare(); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
