package repository

import (
	"context"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hse-approvals/internal/platform/database"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
)

// Migrate applies every *.sql file in files that has not been applied yet,
// in lexical order, recording each in schema_migrations.
func Migrate(ctx context.Context, db *database.DB, files fs.FS) ([]string, error) {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
		    name       TEXT PRIMARY KEY,
		    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create schema_migrations")
	}

	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list migrations")
	}
	sort.Strings(names)

	var applied []string
	for _, name := range names {
		var done bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&done); err != nil {
			return applied, errors.Wrap(err, errors.ErrCodeInternal, "failed to check migration "+name)
		}
		if done {
			continue
		}

		body, err := fs.ReadFile(files, name)
		if err != nil {
			return applied, errors.Wrap(err, errors.ErrCodeInternal, "failed to read migration "+name)
		}
		if strings.TrimSpace(string(body)) == "" {
			continue
		}

		err = db.InTransaction(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return applied, errors.Wrap(err, errors.ErrCodeInternal, "failed to apply migration "+name)
		}
		applied = append(applied, name)
	}
	return applied, nil
}
