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

	"github.com/mgrenfell/relic/internal/catalog"
	"github.com/mgrenfell/relic/internal/regen"
	"github.com/mgrenfell/relic/internal/restore"
)

var (
	recoverOutput     string
	recoverChecksum   bool
	recoverBackup     string
	recoverDate       string
	recoverLast       bool
	recoverRecurse    bool
	recoverName       bool
	recoverAuth       bool
	recoverAuthFail   string
	recoverReducePath int
	recoverSetTimes   bool
	recoverSetPerms   bool
	recoverSetAttrs   bool
	recoverSetACL     bool
	recoverOverwrite  string
	recoverHardlinks  bool
	recoverPassword   string
)

// recoverCmd represents the recover command
var recoverCmd = &cobra.Command{
	Use:   "recover [flags] targets...",
	Short: "recovers files from a snapshot",
	Long: `Recover files, directories, and links from a snapshot.

Targets are paths inside the backed-up tree, or content digests with
--checksum. The snapshot is chosen with --backup, --date, or --last;
without any of those the most recent completed snapshot is used.

The exit code is the number of targets that failed to recover.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		overwrite, err := restore.ParseOverwriteMode(recoverOverwrite)
		if err != nil {
			return err
		}
		authFail, err := restore.ParseAuthFailAction(recoverAuthFail)
		if err != nil {
			return err
		}
		reduce := recoverReducePath
		if cmd.Flags().Changed("reduce-path") && reduce == 0 {
			reduce = restore.SmartReduce
		}

		keys := setupKeys(recoverPassword)

		blobs, err := openCache()
		if err != nil {
			return err
		}

		var cat catalog.Catalog
		var source regen.BlobSource
		if remoteURL := viper.GetString("remote"); remoteURL != "" {
			remote, err := catalog.Dial(ctx, remoteURL,
				viper.GetString("client"), viper.GetString("token"))
			if err != nil {
				return fmt.Errorf("error connecting to remote catalog: %w", err)
			}
			cat = remote
			source = regen.RemoteSource{Remote: remote}
		} else {
			if err := ensureRepoExists(); err != nil {
				return err
			}
			db, err := openCatalog(ctx, false)
			if err != nil {
				return err
			}
			cat = db
			source = regen.CacheSource{Cache: blobs}
		}
		defer cat.Close()

		engine := restore.New(cat, regen.New(source, cat, keys, blobs), keys, restore.Options{
			Output:       recoverOutput,
			ByChecksum:   recoverChecksum,
			Backup:       recoverBackup,
			Date:         recoverDate,
			Last:         recoverLast,
			Recurse:      recoverRecurse,
			RecoverName:  recoverName,
			Authenticate: recoverAuth,
			AuthFail:     authFail,
			ReducePath:   reduce,
			SetTimes:     recoverSetTimes,
			SetPerms:     recoverSetPerms,
			SetAttrs:     recoverSetAttrs,
			SetACL:       recoverSetACL,
			Overwrite:    overwrite,
			Hardlinks:    recoverHardlinks,
		})

		if failed := engine.Recover(ctx, args); failed > 0 {
			os.Exit(failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)

	recoverCmd.Flags().StringVarP(&recoverOutput, "output", "o", "",
		"output file or directory")
	recoverCmd.Flags().BoolVarP(&recoverChecksum, "checksum", "c", false,
		"treat targets as content digests instead of paths")

	recoverCmd.Flags().StringVarP(&recoverBackup, "backup", "b", "",
		"snapshot to recover from, by name")
	recoverCmd.Flags().StringVarP(&recoverDate, "date", "d", "",
		"recover as of a date")
	recoverCmd.Flags().BoolVarP(&recoverLast, "last", "l", false,
		"recover the most recent version of each target")
	recoverCmd.MarkFlagsMutuallyExclusive("backup", "date", "last")

	recoverCmd.Flags().BoolVar(&recoverRecurse, "recurse", true,
		"recurse into directory trees")
	recoverCmd.Flags().BoolVar(&recoverName, "recovername", false,
		"recover the recorded name when recovering a checksum")

	recoverCmd.Flags().BoolVar(&recoverAuth, "authenticate", true,
		"authenticate files while recovering them")
	recoverCmd.Flags().StringVar(&recoverAuthFail, "authfail-action", "rename",
		"action for files that do not authenticate: keep, rename, or delete")

	recoverCmd.Flags().IntVarP(&recoverReducePath, "reduce-path", "R", 0,
		"trim N leading path components; 0 with the flag set means smart reduction")
	recoverCmd.Flags().Lookup("reduce-path").NoOptDefVal = "0"

	recoverCmd.Flags().BoolVar(&recoverSetTimes, "set-times", true,
		"set file times to match the original")
	recoverCmd.Flags().BoolVar(&recoverSetPerms, "set-perms", true,
		"set file owner and permissions to match the original")
	recoverCmd.Flags().BoolVar(&recoverSetAttrs, "set-attrs", true,
		"set file extended attributes to match the original")
	recoverCmd.Flags().BoolVar(&recoverSetACL, "set-acl", true,
		"set file access control lists to match the original")

	recoverCmd.Flags().StringVarP(&recoverOverwrite, "overwrite", "O", "never",
		"mode for handling existing files: always, newer, older, or never")
	recoverCmd.Flags().BoolVar(&recoverHardlinks, "hardlinks", true,
		"recreate hardlinks between copies of the same inode")

	recoverCmd.Flags().StringVar(&recoverPassword, "password", "",
		"repository passphrase (or set RELIC_PASSWORD)")
}
