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

package restore

import "fmt"

// OverwriteMode decides what happens when a recovery target already
// exists on the output filesystem.
type OverwriteMode int

const (
	// OverwriteNever skips existing files.
	OverwriteNever OverwriteMode = iota
	// OverwriteAlways replaces existing files.
	OverwriteAlways
	// OverwriteNewer replaces only files older than the stored copy.
	OverwriteNewer
	// OverwriteOlder replaces only files newer than the stored copy.
	OverwriteOlder
)

// ParseOverwriteMode maps the CLI spelling to its mode.
func ParseOverwriteMode(s string) (OverwriteMode, error) {
	switch s {
	case "never":
		return OverwriteNever, nil
	case "always":
		return OverwriteAlways, nil
	case "newer":
		return OverwriteNewer, nil
	case "older":
		return OverwriteOlder, nil
	}
	return 0, fmt.Errorf("invalid overwrite mode %q", s)
}

// AuthFailAction decides what happens to a recovered file whose digest
// does not match the catalog.
type AuthFailAction int

const (
	// AuthFailKeep leaves the file in place and logs.
	AuthFailKeep AuthFailAction = iota
	// AuthFailRename renames the file to <name>-CORRUPT-<digest>.
	AuthFailRename
	// AuthFailDelete unlinks the file.
	AuthFailDelete
)

// ParseAuthFailAction maps the CLI spelling to its action.
func ParseAuthFailAction(s string) (AuthFailAction, error) {
	switch s {
	case "keep":
		return AuthFailKeep, nil
	case "rename":
		return AuthFailRename, nil
	case "delete":
		return AuthFailDelete, nil
	}
	return 0, fmt.Errorf("invalid authfail action %q", s)
}

// SmartReduce asks reducePath to find the longest path suffix known to
// the snapshot instead of trimming a fixed component count.
const SmartReduce = -1

// Options configure one recovery invocation.
type Options struct {
	// Output is the output file (single target) or directory.
	Output string

	// ByChecksum treats targets as digests rather than paths.
	ByChecksum bool

	// Snapshot selection: an explicit name, a date string, or the
	// newest snapshot containing each target. All empty/false selects
	// the last completed snapshot.
	Backup string
	Date   string
	Last   bool

	// Recurse descends into subdirectories.
	Recurse bool

	// RecoverName recovers a digest target under its recorded name.
	RecoverName bool

	// Authenticate verifies recovered bytes against their digest.
	Authenticate bool
	AuthFail     AuthFailAction

	// ReducePath trims this many leading path components from each
	// target, or searches for a known suffix when set to SmartReduce.
	// Zero leaves paths alone.
	ReducePath int

	SetTimes bool
	SetPerms bool
	SetAttrs bool
	SetACL   bool

	Overwrite OverwriteMode

	// Hardlinks recreates hardlinks for files sharing an inode.
	Hardlinks bool
}
