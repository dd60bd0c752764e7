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

// Package restore implements the recovery engine: given paths or
// digests and a snapshot selector, it reconstructs files, directories,
// and links with their metadata on the target filesystem.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/mgrenfell/relic/internal/catalog"
	"github.com/mgrenfell/relic/internal/crypto"
	"github.com/mgrenfell/relic/internal/log"
	"github.com/mgrenfell/relic/internal/regen"
	"github.com/mgrenfell/relic/internal/repoerr"
)

// chunkSize is the unit recovered file contents are streamed in.
const chunkSize = 16 * 1024

// linkReadLimit bounds how much of a blob is read as a symlink target.
const linkReadLimit = 16 * 1024

// Engine performs one recovery invocation. It is single-use: the
// hardlink map is scoped to one call of Recover.
type Engine struct {
	cat   catalog.Catalog
	regen *regen.Regenerator
	keys  *crypto.Keys
	opts  Options
	log   zerolog.Logger

	links     map[catalog.InodeKey]string
	permCheck PermChecker
}

// New builds a recovery engine over one catalog handle and
// regenerator. keys may be nil for a plaintext repository.
func New(cat catalog.Catalog, rg *regen.Regenerator, keys *crypto.Keys, opts Options) *Engine {
	e := &Engine{
		cat:       cat,
		regen:     rg,
		keys:      keys,
		opts:      opts,
		log:       log.WithComponent("restore"),
		permCheck: SetupPermissionChecks(),
	}
	if opts.Hardlinks {
		e.links = make(map[catalog.InodeKey]string)
	}
	return e
}

// Recover processes every target and returns the number of failures,
// which doubles as the process exit code.
func (e *Engine) Recover(ctx context.Context, targets []string) int {
	failures := 0

	outputDir, outName, err := e.resolveOutput(targets)
	if err != nil {
		e.log.Error().Err(err).Msg("cannot prepare output location")
		return len(targets)
	}

	// Digest targets bypass path resolution, and --last resolves a
	// snapshot per target; everything else shares one snapshot.
	var bset int64 = -1
	if !e.opts.ByChecksum && !e.opts.Last {
		snap, err := e.resolveSnapshot(ctx)
		if err != nil || snap == nil {
			e.log.Error().Err(err).Msg("cannot resolve snapshot")
			return len(targets)
		}
		bset = snap.ID
	}

	for _, target := range targets {
		if ctx.Err() != nil {
			e.log.Error().Msg("recovery interrupted")
			return failures + 1
		}

		var n int
		if e.opts.ByChecksum {
			n = e.recoverDigest(ctx, target, outputDir, outName)
		} else {
			n = e.recoverPath(ctx, target, bset, outputDir, outName)
		}
		failures += n
	}
	return failures
}

// resolveOutput decides between directory output and a single explicit
// output name.
func (e *Engine) resolveOutput(targets []string) (outputDir, outName string, err error) {
	if e.opts.Output == "" {
		return "", "", errors.New("no output location specified")
	}

	st, statErr := os.Stat(e.opts.Output)
	switch {
	case len(targets) > 1:
		if statErr == nil && !st.IsDir() {
			return "", "", fmt.Errorf("%s is not a directory", e.opts.Output)
		}
		if statErr != nil {
			if mkErr := os.MkdirAll(e.opts.Output, 0o755); mkErr != nil {
				return "", "", mkErr
			}
		}
		return e.opts.Output, "", nil
	case statErr == nil && st.IsDir():
		return e.opts.Output, "", nil
	default:
		return "", e.opts.Output, nil
	}
}

// resolveSnapshot picks the backup set for this invocation from the
// explicit name, date, or last-completed selectors.
func (e *Engine) resolveSnapshot(ctx context.Context) (*catalog.Snapshot, error) {
	switch {
	case e.opts.Backup != "":
		snap, err := e.cat.SnapshotByName(ctx, e.opts.Backup)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return nil, fmt.Errorf("%w: no snapshot named %q", repoerr.ErrNotFound, e.opts.Backup)
		}
		return snap, nil
	case e.opts.Date != "":
		when, err := parseDate(e.opts.Date)
		if err != nil {
			return nil, err
		}
		snap, err := e.cat.SnapshotForTime(ctx, when)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return nil, fmt.Errorf("%w: no snapshot at %s", repoerr.ErrNotFound, when)
		}
		return snap, nil
	default:
		snap, err := e.cat.LastSnapshot(ctx, true)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return nil, fmt.Errorf("%w: repository has no completed snapshot", repoerr.ErrNotFound)
		}
		return snap, nil
	}
}

// dateLayouts are accepted by --date, most specific first.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse date string %q", s)
}

// recoverPath resolves one path target and recovers the object behind
// it. Returns the number of failures.
func (e *Engine) recoverPath(ctx context.Context, target string, bset int64, outputDir, outName string) int {
	path, err := filepath.Abs(target)
	if err != nil {
		e.log.Error().Err(err).Str("target", target).Msg("could not recover")
		return 1
	}

	if e.opts.Last {
		foundSet, foundPath, name, err := e.findLastPath(ctx, path)
		if err != nil || foundSet < 0 {
			e.log.Error().Err(err).Str("target", target).Msg("no snapshot contains this path")
			return 1
		}
		e.log.Info().Str("target", target).Str("snapshot", name).Msg("found latest version")
		bset, path = foundSet, foundPath
	} else if e.opts.ReducePath != 0 {
		path, err = e.reducePath(ctx, bset, path, e.opts.ReducePath)
		if err != nil || path == "" {
			e.log.Error().Err(err).Str("target", target).Msg("could not compute a path inside the snapshot")
			return 1
		}
	}

	stored, err := e.keys.EncryptPath(path)
	if err != nil {
		e.log.Error().Err(err).Str("target", target).Msg("could not recover")
		return 1
	}
	info, err := e.cat.FileByPath(ctx, stored, bset)
	if err != nil {
		e.log.Error().Err(err).Str("target", target).Msg("could not recover")
		return 1
	}
	if info == nil {
		e.log.Error().Str("target", target).Int64("snapshot", bset).Msg("path not found in snapshot")
		return 1
	}
	return e.recoverObject(ctx, info, bset, outputDir, path, outName)
}

// recoverDigest recovers one digest target directly from the blob
// store, bypassing path resolution.
func (e *Engine) recoverDigest(ctx context.Context, digest string, outputDir, outName string) int {
	name := digest
	if e.opts.RecoverName {
		name = e.recoverName(ctx, digest)
	}

	outname := outName
	if outname == "" && outputDir != "" {
		outname = filepath.Join(outputDir, name)
	}

	stream, err := e.regen.RecoverChecksum(ctx, digest, false)
	if err != nil {
		e.log.Error().Err(err).Str("checksum", digest).Msg("could not recover")
		return 1
	}
	defer stream.Close()

	if err := e.writeFile(ctx, stream, outname, digest); err != nil {
		e.log.Error().Err(err).Str("checksum", digest).Msg("could not recover")
		return 1
	}
	return 0
}

// recoverName picks a recorded name for a digest, warning when several
// exist.
func (e *Engine) recoverName(ctx context.Context, digest string) string {
	names, err := e.cat.NamesForChecksum(ctx, digest)
	if err != nil || len(names) == 0 {
		e.log.Error().Str("checksum", digest).Msg("no name recorded for checksum")
		return digest
	}

	decrypted := make([]string, 0, len(names))
	for _, n := range names {
		plain, err := e.keys.DecryptName(n)
		if err != nil {
			continue
		}
		decrypted = append(decrypted, plain)
	}
	if len(decrypted) == 0 {
		return digest
	}
	if len(decrypted) > 1 {
		e.log.Warn().Str("checksum", digest).Strs("names", decrypted).
			Msgf("multiple names for checksum, choosing %q", decrypted[0])
	}
	return decrypted[0]
}

// findLastPath scans snapshots newest-first for one containing the
// path. Returns (-1, "", "", nil) when none does.
func (e *Engine) findLastPath(ctx context.Context, path string) (int64, string, string, error) {
	sets, err := e.cat.ListSnapshots(ctx)
	if err != nil {
		return -1, "", "", err
	}
	for i := len(sets) - 1; i >= 0; i-- {
		candidate := path
		if e.opts.ReducePath != 0 {
			candidate, err = e.reducePath(ctx, sets[i].ID, path, e.opts.ReducePath)
			if err != nil {
				return -1, "", "", err
			}
			if candidate == "" {
				continue
			}
		}
		stored, err := e.keys.EncryptPath(candidate)
		if err != nil {
			return -1, "", "", err
		}
		info, err := e.cat.FileByPath(ctx, stored, sets[i].ID)
		if err != nil {
			return -1, "", "", err
		}
		if info != nil {
			return sets[i].ID, candidate, sets[i].Name, nil
		}
	}
	return -1, "", "", nil
}

// reducePath trims n leading components from an absolute path, or,
// with SmartReduce, finds the longest suffix the snapshot knows.
func (e *Engine) reducePath(ctx context.Context, bset int64, path string, n int) (string, error) {
	comps := catalog.SplitPath(path)
	if len(comps) > 0 && comps[0] == catalog.RootName {
		comps = comps[1:]
	}

	if n > 0 {
		if n >= len(comps) {
			return "", nil
		}
		return "/" + filepath.Join(comps[n:]...), nil
	}

	for i := range comps {
		candidate := "/" + filepath.Join(comps[i:]...)
		stored, err := e.keys.EncryptPath(candidate)
		if err != nil {
			return "", err
		}
		info, err := e.cat.FileByPath(ctx, stored, bset)
		if err != nil {
			return "", err
		}
		if info != nil {
			return candidate, nil
		}
	}
	return "", nil
}

// checkOverwrite reports whether outname may be written given the
// overwrite policy and the stored mtime.
func (e *Engine) checkOverwrite(outname string, info *catalog.File) bool {
	st, err := os.Lstat(outname)
	if err != nil {
		return true
	}
	switch e.opts.Overwrite {
	case OverwriteAlways:
		return true
	case OverwriteNever:
		return false
	case OverwriteNewer:
		return st.ModTime().Unix() < info.MTime
	case OverwriteOlder:
		return st.ModTime().Unix() > info.MTime
	}
	return false
}

// recoverObject is the main recovery routine: recover one catalog
// object into outputDir (or the explicit name), recursing through
// directories. Returns the number of failures underneath it.
func (e *Engine) recoverObject(ctx context.Context, info *catalog.File, bset int64, outputDir, path, name string) int {
	if ctx.Err() != nil {
		return 1
	}

	// The root row's interned name is the separator itself, stored
	// unencrypted; nothing useful to decrypt or join.
	realname := ""
	if info.ParentKey() != catalog.RootParent {
		var err error
		realname, err = e.keys.DecryptName(info.Name)
		if err != nil {
			e.log.Error().Err(err).Str("path", path).Msg("cannot decrypt name")
			return 1
		}
	}

	outname := name
	if outname == "" && outputDir != "" {
		outname = filepath.Join(outputDir, realname)
		// A recovered name is not trusted to stay inside the output
		// tree.
		if ok, err := isUnderDir(outname, outputDir); err != nil || !ok {
			e.log.Error().Str("path", path).Str("name", realname).
				Msg("recovered name escapes the output directory")
			return 1
		}
	}
	if outname == "" {
		e.log.Error().Str("path", path).Msg("no output name computed")
		return 1
	}

	skip := false
	if !info.Dir && !e.checkOverwrite(outname, info) {
		e.log.Warn().Str("path", path).Msg("skipping existing file")
		skip = true
	}

	// Hardlink bookkeeping: second and later sightings of a
	// multiply-linked inode become links to the first.
	if e.links != nil && info.NLinks > 1 && !info.Dir {
		if prior, ok := e.links[info.Key()]; ok {
			e.log.Info().Str("link", outname).Str("target", prior).Msg("linking")
			if err := os.Link(prior, outname); err != nil {
				e.log.Error().Err(err).Str("path", outname).Msg("could not hardlink")
				return 1
			}
			skip = true
		} else {
			e.links[info.Key()] = outname
		}
	}

	failures := 0
	switch {
	case info.Dir:
		failures += e.recoverDirectory(ctx, info, bset, path, outname)
	case skip:
		// nothing to write
	default:
		if err := e.recoverLeaf(ctx, info, path, outname); err != nil {
			if errors.Is(err, repoerr.ErrCancelled) || errors.Is(err, context.Canceled) {
				return failures + 1
			}
			e.log.Error().Err(err).Str("path", path).Msg("recovery failed")
			failures++
		}
	}

	if failures == 0 && !skip {
		e.applyMetadata(ctx, info, outname)
	}
	return failures
}

func (e *Engine) recoverDirectory(ctx context.Context, info *catalog.File, bset int64, path, outname string) int {
	e.log.Info().Str("path", path).Msg("processing directory")

	if e.permCheck != nil && !e.permCheck(info.UID, info.GID, info.Mode, true) {
		// Not fatal: the target filesystem enforces real permissions
		// on each write.
		e.log.Warn().Str("path", path).Msg("original directory was not readable by this user")
	}

	if err := os.MkdirAll(outname, 0o755); err != nil {
		e.log.Error().Err(err).Str("path", outname).Msg("cannot create directory")
		return 1
	}

	children, err := e.cat.ReadDirectory(ctx, info.Key(), bset)
	if err != nil {
		e.log.Error().Err(err).Str("path", path).Msg("cannot read directory")
		return 1
	}

	failures := 0
	for i := range children {
		if ctx.Err() != nil {
			e.log.Error().Str("path", path).Msg("recovery interrupted")
			return failures + 1
		}
		child := &children[i]
		childName, err := e.keys.DecryptName(child.Name)
		if err != nil {
			e.log.Error().Err(err).Str("path", path).Msg("cannot decrypt child name")
			failures++
			continue
		}
		if child.Dir && !e.opts.Recurse {
			continue
		}
		failures += e.recoverObject(ctx, child, bset, outname, filepath.Join(path, childName), "")
	}
	return failures
}

// recoverLeaf recovers a symlink or regular file's content.
func (e *Engine) recoverLeaf(ctx context.Context, info *catalog.File, path, outname string) error {
	if info.Checksum == "" {
		return fmt.Errorf("%w: no content recorded for %s", repoerr.ErrNotFound, path)
	}

	e.log.Info().Str("path", path).Str("out", outname).Msg("recovering file")

	stream, err := e.regen.RecoverChecksum(ctx, info.Checksum, false)
	if err != nil {
		return err
	}
	defer stream.Close()

	if info.Link {
		target, err := io.ReadAll(io.LimitReader(stream, linkReadLimit))
		if err != nil {
			return err
		}
		if e.opts.Overwrite != OverwriteNever {
			_ = os.Remove(outname)
		}
		if err := os.Symlink(string(target), outname); err != nil {
			return err
		}
		if e.opts.Authenticate {
			h := e.keys.ContentHasher()
			h.Write(target)
			actual := fmt.Sprintf("%x", h.Sum(nil))
			if actual != info.Checksum {
				e.handleAuthFailure(outname, info.Checksum, actual)
				return &regen.AuthError{Expected: info.Checksum, Actual: actual}
			}
		}
		return nil
	}

	return e.writeFile(ctx, stream, outname, info.Checksum)
}

// writeFile streams recovered bytes to outname, authenticating against
// expected when the options ask for it.
func (e *Engine) writeFile(ctx context.Context, stream io.Reader, outname, expected string) error {
	out, err := os.OpenFile(outname, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %v", repoerr.ErrPermission, err)
		}
		return err
	}

	hasher := e.keys.ContentHasher()
	buf := make([]byte, chunkSize)
	for {
		if ctx.Err() != nil {
			out.Close()
			return fmt.Errorf("%w: while writing %s", repoerr.ErrCancelled, outname)
		}
		n, rerr := stream.Read(buf)
		if n > 0 {
			if e.opts.Authenticate {
				hasher.Write(buf[:n])
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			out.Close()
			return rerr
		}
	}
	if err := out.Close(); err != nil {
		return err
	}

	if e.opts.Authenticate {
		actual := fmt.Sprintf("%x", hasher.Sum(nil))
		if actual != expected {
			e.handleAuthFailure(outname, expected, actual)
			return &regen.AuthError{Expected: expected, Actual: actual}
		}
	}
	return nil
}

// handleAuthFailure applies the configured action to a file that did
// not authenticate.
func (e *Engine) handleAuthFailure(outname, expected, actual string) {
	action := ""
	switch e.opts.AuthFail {
	case AuthFailKeep:
		// leave the file in place
	case AuthFailRename:
		target := fmt.Sprintf("%s-CORRUPT-%s", outname, actual)
		if err := os.Rename(outname, target); err != nil {
			action = fmt.Sprintf("unable to rename to %s, file saved as %s", target, outname)
		} else {
			action = "renamed to " + target
		}
	case AuthFailDelete:
		if err := os.Remove(outname); err == nil {
			action = "deleted"
		}
	}
	e.log.Error().
		Str("file", outname).
		Str("expected", expected).
		Str("actual", actual).
		Str("action", action).
		Msg("file did not authenticate")
}
