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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/mgrenfell/relic/internal/cache"
	"github.com/mgrenfell/relic/internal/catalog"
	"github.com/mgrenfell/relic/internal/crypto"
)

// signalContext returns a context cancelled by SIGINT/SIGTERM, giving
// the engines their cooperative interruption point.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// setupKeys derives the repository keys from the configured password.
// An empty password means a plaintext repository and nil keys.
func setupKeys(password string) *crypto.Keys {
	if password == "" {
		password = viper.GetString("password")
	}
	if password == "" {
		return nil
	}
	return crypto.NewKeys(password, viper.GetString("client"),
		viper.GetInt("pbkdf2_iterations"))
}

// openCatalog opens the local catalog read-write.
func openCatalog(ctx context.Context, migrate bool) (*catalog.DB, error) {
	db, err := catalog.Open(ctx, databasePath(), catalog.Options{Migrate: migrate})
	if err != nil {
		return nil, fmt.Errorf("error opening catalog: %w", err)
	}
	return db, nil
}

// openCache opens the repository blob cache.
func openCache() (*cache.Cache, error) {
	c, err := cache.New(blobPath())
	if err != nil {
		return nil, fmt.Errorf("error opening blob cache: %w", err)
	}
	return c, nil
}

// ensureRepoExists gives a friendly error when the catalog is absent.
func ensureRepoExists() error {
	path := databasePath()
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf(
				"catalog not found at %s\n\nRun `relic init` to initialize the repository",
				path,
			)
		}
		return fmt.Errorf("cannot access catalog %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("catalog path %s exists but is not a regular file", path)
	}
	return nil
}
