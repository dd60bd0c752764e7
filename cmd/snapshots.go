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
	"time"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var snapshotsIncomplete bool

// snapshotsCmd represents the snapshots command
var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "lists the snapshots in the repository",
	Long: `Display the completed backup sets in the catalog with their start
and completion times and priority. Incomplete sets are listed only
with --incomplete.`,
	Args: cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := ensureRepoExists(); err != nil {
			return err
		}
		db, err := openCatalog(ctx, false)
		if err != nil {
			return err
		}
		defer db.Close()

		snapshots, err := db.ListSnapshots(ctx)
		if err != nil {
			return fmt.Errorf("error fetching snapshots: %w", err)
		}

		rows := [][]string{}
		for _, s := range snapshots {
			if !s.Completed && !snapshotsIncomplete {
				continue
			}

			completed := "✗"
			if s.Completed {
				completed = "✓"
			}
			started := ""
			if s.StartTime != 0 {
				started = time.Unix(s.StartTime, 0).Format(time.RFC3339)
			}

			rows = append(rows, []string{
				fmt.Sprintf(" %d ", s.ID),
				fmt.Sprintf(" %s ", s.Name),
				fmt.Sprintf(" %s ", started),
				fmt.Sprintf(" %s ", completed),
				fmt.Sprintf(" %d ", s.Priority),
			})
		}

		t := table.New().
			Headers(" Set ", " Name ", " Started ", " Completed ", " Priority ").
			Rows(rows...)

		fmt.Println(t)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)

	snapshotsCmd.Flags().BoolVar(&snapshotsIncomplete, "incomplete", false,
		"also show snapshots that never completed")
}
