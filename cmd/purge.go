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

	"github.com/spf13/cobra"

	"github.com/mgrenfell/relic/internal/cache"
	"github.com/mgrenfell/relic/internal/log"
)

var (
	purgePriority int
	purgeBefore   string
	purgeDryRun   bool
)

// purgeCmd represents the purge command
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "deletes old snapshots and sweeps orphaned blobs",
	Long: `Delete snapshots at or below a priority whose end time falls at or
before the cutoff, together with their file records, then sweep checksum
entries and cache blobs nothing references any more.

The most recent snapshot is never purged.`,
	Args: cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := log.WithComponent("purge")

		before := time.Now()
		if purgeBefore != "" {
			parsed, err := time.ParseInLocation("2006-01-02", purgeBefore, time.Local)
			if err != nil {
				return fmt.Errorf("could not parse cutoff date %q: %w", purgeBefore, err)
			}
			before = parsed
		}

		if err := ensureRepoExists(); err != nil {
			return err
		}
		db, err := openCatalog(ctx, false)
		if err != nil {
			return err
		}
		defer db.Close()

		blobs, err := openCache()
		if err != nil {
			return err
		}

		current, err := db.LastSnapshot(ctx, false)
		if err != nil {
			return err
		}
		if current == nil {
			logger.Info().Msg("repository has no snapshots, nothing to purge")
			return nil
		}

		if purgeDryRun {
			logger.Info().Int("priority", purgePriority).Time("before", before).
				Msg("dry run, no changes will be made")
			orphans, err := db.OrphanChecksums(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("would sweep %d orphaned checksums\n", len(orphans))
			return nil
		}

		files, sets, err := db.Purge(ctx, purgePriority, before, current.ID)
		if err != nil {
			return fmt.Errorf("error purging snapshots: %w", err)
		}
		logger.Info().Int64("files", files).Int64("snapshots", sets).Msg("purged")

		// Orphans cascade: deleting a checksum can orphan its basis,
		// so sweep until a pass finds nothing.
		swept := 0
		for {
			orphans, err := db.OrphanChecksums(ctx)
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				break
			}
			for _, digest := range orphans {
				if err := db.DeleteChecksum(ctx, digest); err != nil {
					return err
				}
				if err := blobs.RemoveSuffixes(digest, []string{
					cache.SuffixSig, cache.SuffixMeta, cache.SuffixBasis, "",
				}); err != nil {
					logger.Warn().Err(err).Str("checksum", digest).
						Msg("could not remove blob entries")
				}
				swept++
			}
		}
		logger.Info().Int("checksums", swept).Msg("swept orphans")

		fmt.Printf("purged %d snapshots (%d file records), swept %d blobs\n",
			sets, files, swept)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(purgeCmd)

	purgeCmd.Flags().IntVar(&purgePriority, "priority", 0,
		"purge snapshots at or below this priority")
	purgeCmd.Flags().StringVar(&purgeBefore, "before", "",
		"purge snapshots that ended at or before this date (YYYY-MM-DD, default now)")
	purgeCmd.Flags().BoolVar(&purgeDryRun, "dry-run", false,
		"report what would be purged without changing anything")
}
