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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "initializes the repository and catalog",
	Long: `Initialize relic's repository layout.

Creates the repository directory with its blob cache and initializes or
upgrades the catalog schema. This command is safe to run multiple times
and will not overwrite existing data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := os.MkdirAll(viper.GetString("repository"), 0o755); err != nil {
			return fmt.Errorf("error creating repository directory: %w", err)
		}
		if _, err := openCache(); err != nil {
			return err
		}

		db, err := openCatalog(ctx, true)
		if err != nil {
			return err
		}
		defer db.Close()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
