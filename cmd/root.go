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
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mgrenfell/relic/internal/log"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relic",
	Short: "relic: deduplicating backup recovery",
	Long: `relic is a deduplicating, content-addressed backup repository with
optional end-to-end encryption. It reconstructs archived file trees from
snapshots, verifies their cryptographic integrity, and maintains the
deduplicated blob store behind them.

relic  Copyright © 2026  Michael Grenfell
This program comes with ABSOLUTELY NO WARRANTY; This program is free
software, and you are welcome to redistribute it under certain conditions;
You should have received a copy of the GNU General Public License (version
3) along with this program. If not, see https://www.gnu.org/licenses/.`,
	Version: "1.0.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"",
		"config file (default is $XDG_CONFIG_HOME/relic/config.toml)",
	)

	rootCmd.PersistentFlags().BoolVarP(
		&verbose,
		"verbose",
		"v",
		false,
		"enable verbose output",
	)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	repoPath, err := xdg.DataFile("relic")
	cobra.CheckErr(err)
	viper.SetDefault("repository", repoPath)
	viper.SetDefault("database", "")
	viper.SetDefault("client", hostnameDefault())
	viper.SetDefault("pbkdf2_iterations", 200000)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)
	viper.SetDefault("remote", "")

	viper.SetEnvPrefix("RELIC")
	viper.AutomaticEnv()

	// The logger is set up after any config file is read so its
	// settings apply.
	defer func() {
		level := viper.GetString("log_level")
		if verbose {
			level = "debug"
		}
		log.Init(log.Config{Level: level, JSONOutput: viper.GetBool("log_json")})
	}()

	if cfgFile != "" {
		// User explicitly provided a config file: it must work.
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("toml")

		if err := viper.ReadInConfig(); err != nil {
			cobra.CheckErr(err)
		}

		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file: ",
				viper.ConfigFileUsed())
		}

		return
	}

	defaultPath, err := xdg.ConfigFile("relic/config.toml")
	cobra.CheckErr(err)

	if _, err := os.Stat(defaultPath); errors.Is(err, os.ErrNotExist) {
		return // default config file doesn't exist -- use defaults
	}

	viper.SetConfigFile(defaultPath)
	viper.SetConfigType("toml")

	if err := viper.ReadInConfig(); err != nil {
		// missing config file is fine -- use the built-in defaults
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return
		}

		// parse/permission errors should fail loudly
		cobra.CheckErr(err)
		return
	}

	if verbose {
		fmt.Fprintln(os.Stderr, "Using config file: ",
			viper.ConfigFileUsed())
	}
}

func hostnameDefault() string {
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return host
}

// databasePath resolves the catalog location: an explicit setting
// wins, otherwise the catalog lives inside the repository directory.
func databasePath() string {
	if db := viper.GetString("database"); db != "" {
		return db
	}
	return filepath.Join(viper.GetString("repository"), "relic.db")
}

// blobPath is the blob cache root inside the repository.
func blobPath() string {
	return filepath.Join(viper.GetString("repository"), "blobs")
}
