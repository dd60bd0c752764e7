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
	"context"
	"os"
	"time"

	"github.com/mgrenfell/relic/internal/catalog"
)

// Permission bits tested by the pre-check.
const (
	permRUsr = 0o400
	permWUsr = 0o200
	permXUsr = 0o100
	permRGrp = 0o040
	permXGrp = 0o010
	permROth = 0o004
	permXOth = 0o001
)

// PermChecker reports whether the invoking user would have been able
// to read an original file, given its owner, group, and mode bits. A
// nil checker means the super-user: no checking happens.
type PermChecker func(uid, gid int, mode uint32, dir bool) bool

// SetupPermissionChecks captures the caller's uid and group set at
// startup and returns a pure checker over them. Returns nil for root.
func SetupPermissionChecks() PermChecker {
	uid := os.Getuid()
	if uid == 0 {
		return nil
	}
	groups, err := os.Getgroups()
	if err != nil {
		groups = []int{os.Getgid()}
	}
	return NewPermChecker(uid, groups)
}

// NewPermChecker builds a checker for an explicit uid and group set.
// Directories require read+execute; files require read.
func NewPermChecker(uid int, groups []int) PermChecker {
	inGroup := make(map[int]bool, len(groups))
	for _, g := range groups {
		inGroup[g] = true
	}

	return func(fuid, fgid int, mode uint32, dir bool) bool {
		if dir {
			switch {
			case uid == fuid:
				return mode&permRUsr != 0 && mode&permXUsr != 0
			case inGroup[fgid]:
				return mode&permRGrp != 0 && mode&permXGrp != 0
			default:
				return mode&permROth != 0 && mode&permXOth != 0
			}
		}
		switch {
		case uid == fuid:
			return mode&permRUsr != 0
		case inGroup[fgid]:
			return mode&permRGrp != 0
		default:
			return mode&permROth != 0
		}
	}
}

// applyMetadata restores the toggleable attributes of a recovered
// object: times, mode and ownership, extended attributes, and ACLs.
// Failures are logged, never fatal.
func (e *Engine) applyMetadata(ctx context.Context, info *catalog.File, outname string) {
	if info.Link {
		// Symlink attributes are not restored; the link target carries
		// its own.
		return
	}

	if e.opts.SetTimes {
		mtime := time.Unix(info.MTime, 0)
		atime := time.Unix(info.ATime, 0)
		if err := os.Chtimes(outname, atime, mtime); err != nil {
			e.log.Warn().Err(err).Str("path", outname).Msg("unable to set file times")
		}
	}

	if e.opts.SetPerms {
		if err := os.Chmod(outname, os.FileMode(info.Mode&0o7777)); err != nil {
			e.log.Warn().Err(err).Str("path", outname).Msg("unable to set permissions")
		}
		// Group first: only privileged processes can change the owner,
		// and that attempt may fail without affecting the group.
		if err := os.Chown(outname, -1, info.GID); err != nil {
			e.log.Warn().Err(err).Str("path", outname).Msg("unable to set group")
		}
		if err := os.Chown(outname, info.UID, -1); err != nil {
			e.log.Warn().Err(err).Str("path", outname).Msg("unable to set owner")
		}
	}

	if e.opts.SetAttrs && info.XattrChecksum != "" {
		if err := e.applyXattrs(ctx, info.XattrChecksum, outname); err != nil {
			e.log.Warn().Err(err).Str("path", outname).Msg("unable to restore extended attributes")
		}
	}

	if e.opts.SetACL && info.ACLChecksum != "" {
		if err := e.applyACL(ctx, info.ACLChecksum, outname); err != nil {
			e.log.Warn().Err(err).Str("path", outname).Msg("unable to restore acl")
		}
	}
}
