/*
 * relic: deduplicating content-addressed backup recovery
 * Copyright © 2026 Michael Grenfell
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package catalog implements the snapshot/inode/name/checksum
// relational store over sqlite, plus an HTTP proxy for remote
// catalogs. One DB handle owns one transaction scope; open as many
// reader handles as needed and serialize writers through a single
// handle.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/mgrenfell/relic/internal/log"
	"github.com/mgrenfell/relic/internal/repoerr"
)

const dbPragmas = "?_foreign_keys=ON&_journal_mode=WAL&_synchronous=NORMAL"

// SchemaVersion is the catalog schema generation this build speaks.
const SchemaVersion = 1

//go:embed migrations/*.sql
var migrations embed.FS

// Options control how a catalog is opened.
type Options struct {
	// Backup copies the database file aside before opening it for
	// writes.
	Backup bool

	// Migrate runs any pending schema migrations on open. Read-only
	// consumers leave this unset and fail on version mismatch instead.
	Migrate bool
}

// DB is a local catalog handle. It is not safe for concurrent use;
// see the package comment.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (and optionally migrates) the catalog at path.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	if opts.Backup {
		if err := backupFile(path); err != nil {
			logger := log.WithComponent("catalog")
			logger.Warn().Err(err).Msg("could not back up catalog before open")
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s%s", path, dbPragmas))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	if opts.Migrate {
		if err := migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	c := &DB{db: db, path: path}
	if err := c.checkSchemaVersion(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("error preparing migrations fs: %w", err)
	}

	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("error setting up goose provider: %w", err)
	}

	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("error migrating catalog: %w", err)
	}
	return nil
}

func (c *DB) checkSchemaVersion(ctx context.Context) error {
	var version int
	err := c.db.QueryRowContext(ctx,
		"SELECT Value FROM Config WHERE Key = 'SchemaVersion'").Scan(&version)
	if err != nil {
		return fmt.Errorf("%w: cannot read schema version: %v", repoerr.ErrSchema, err)
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: catalog is version %d, this build requires %d",
			repoerr.ErrSchema, version, SchemaVersion)
	}
	return nil
}

// Close closes the underlying connection.
func (c *DB) Close() error {
	return c.db.Close()
}

// backupFile copies the database aside as <path>.bak. A missing source
// just means a fresh repository.
func backupFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".bak")
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}
