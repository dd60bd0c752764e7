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

import (
	"path/filepath"
	"strings"
)

// isUnderDir reports whether the given path resides within the
// directory dir. Recovered names come out of the catalog (and, under
// encryption, out of a decryption step), so they are not trusted to
// stay inside the output tree on their own.
//
// Both path and dir are first converted to absolute paths, then the
// relative path from dir to path is computed; a result starting with
// ".." means the path escapes dir. This avoids unsafe string-prefix
// checks such as strings.HasPrefix(path, dir), which produce false
// positives (e.g. "/foo/bar-baz" vs "/foo/bar") and do not handle ".."
// traversal.
//
// Symlinks are not resolved.
func isUnderDir(path, dir string) (bool, error) {
	ap, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}

	ad, err := filepath.Abs(dir)
	if err != nil {
		return false, err
	}

	rel, err := filepath.Rel(ad, ap)
	if err != nil {
		return false, err
	}

	if rel == "." {
		// path and dir are the same directory.
		return true, nil
	}

	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return false, nil
	}

	// Defensive: if Rel somehow returned an absolute path (shouldn't
	// happen), treat it as outside.
	if filepath.IsAbs(rel) {
		return false, nil
	}

	return true, nil
}
