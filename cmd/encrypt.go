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
	"errors"

	"github.com/spf13/cobra"

	"github.com/mgrenfell/relic/internal/catalog"
	"github.com/mgrenfell/relic/internal/reencrypt"
)

var (
	encryptNames    bool
	encryptDirs     bool
	encryptSigs     bool
	encryptFiles    bool
	encryptMeta     bool
	encryptAll      bool
	encryptPassword string
)

// encryptCmd represents the encrypt command
var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "converts a plaintext repository to an encrypted one",
	Long: `Migrate a plaintext repository to an encrypted one in place.

The migration runs in five phases: filenames, directory hashes,
signatures, file blobs, and metadata sidecars. Each phase commits per
item, so an interrupted migration can simply be re-run; work already
done is skipped.`,
	Args: cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		if !(encryptNames || encryptDirs || encryptSigs || encryptFiles || encryptMeta || encryptAll) {
			return errors.New("must specify at least one of --names, --dirs, --sigs, --files, --meta, or --all")
		}

		keys := setupKeys(encryptPassword)
		if keys == nil {
			return errors.New("a passphrase is required (--password or RELIC_PASSWORD)")
		}

		if err := ensureRepoExists(); err != nil {
			return err
		}
		db, err := catalog.Open(ctx, databasePath(), catalog.Options{Backup: true})
		if err != nil {
			return err
		}
		defer db.Close()

		blobs, err := openCache()
		if err != nil {
			return err
		}

		phases := reencrypt.Phases{
			Names: encryptNames || encryptAll,
			Dirs:  encryptDirs || encryptAll,
			Sigs:  encryptSigs || encryptAll,
			Files: encryptFiles || encryptAll,
			Meta:  encryptMeta || encryptAll,
		}
		return reencrypt.New(db, blobs, keys).Run(ctx, phases)
	},
}

func init() {
	rootCmd.AddCommand(encryptCmd)

	encryptCmd.Flags().BoolVar(&encryptNames, "names", false, "encrypt filenames")
	encryptCmd.Flags().BoolVar(&encryptDirs, "dirs", false, "regenerate directory hashes")
	encryptCmd.Flags().BoolVar(&encryptSigs, "sigs", false, "generate signature files")
	encryptCmd.Flags().BoolVar(&encryptFiles, "files", false, "encrypt file blobs")
	encryptCmd.Flags().BoolVar(&encryptMeta, "meta", false, "generate metadata sidecars")
	encryptCmd.Flags().BoolVar(&encryptAll, "all", false, "perform every migration phase")

	encryptCmd.Flags().StringVar(&encryptPassword, "password", "",
		"repository passphrase (or set RELIC_PASSWORD)")
}
