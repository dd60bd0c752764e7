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

// Package reencrypt converts a plaintext repository into an encrypted
// one in place, in five phases: filenames, directory hashes,
// signatures, file blobs, and metadata sidecars. Each phase commits
// per item and skips work already done, so an interrupted run can be
// resumed.
package reencrypt

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/mgrenfell/relic/internal/cache"
	"github.com/mgrenfell/relic/internal/catalog"
	"github.com/mgrenfell/relic/internal/crypto"
	"github.com/mgrenfell/relic/internal/delta"
	"github.com/mgrenfell/relic/internal/log"
	"github.com/mgrenfell/relic/internal/regen"
)

// Phases selects which migration phases to run. The zero value runs
// nothing; All runs everything in order.
type Phases struct {
	Names bool
	Dirs  bool
	Sigs  bool
	Files bool
	Meta  bool
}

// All selects every phase.
var All = Phases{Names: true, Dirs: true, Sigs: true, Files: true, Meta: true}

// Pipeline is one in-place migration over a repository.
type Pipeline struct {
	db    *catalog.DB
	cache *cache.Cache
	keys  *crypto.Keys
	regen *regen.Regenerator
	log   zerolog.Logger
}

// New builds a pipeline over one catalog handle and blob cache.
func New(db *catalog.DB, c *cache.Cache, keys *crypto.Keys) *Pipeline {
	return &Pipeline{
		db:    db,
		cache: c,
		keys:  keys,
		regen: regen.New(regen.CacheSource{Cache: c}, db, keys, c),
		log:   log.WithComponent("reencrypt"),
	}
}

// Run executes the selected phases in their fixed order. Per-item
// failures are logged and skipped; only structural failures (a phase
// that cannot enumerate its work) abort.
func (p *Pipeline) Run(ctx context.Context, phases Phases) error {
	if phases.Names {
		if err := p.encryptNames(ctx); err != nil {
			return err
		}
	}
	if phases.Dirs {
		if err := p.rehashDirectories(ctx); err != nil {
			return err
		}
	}
	if phases.Sigs {
		if err := p.generateSignatures(ctx); err != nil {
			return err
		}
	}
	if phases.Files {
		if err := p.encryptFiles(ctx); err != nil {
			return err
		}
	}
	if phases.Meta {
		if err := p.generateMetadata(ctx); err != nil {
			return err
		}
	}
	return nil
}

// encryptNames re-encrypts every interned name in one transaction.
// The root sentinel stays plaintext so path resolution can anchor.
func (p *Pipeline) encryptNames(ctx context.Context) error {
	n, err := p.db.RewriteNames(ctx, func(name string) (string, error) {
		if name == catalog.RootName {
			return name, nil
		}
		return p.keys.EncryptName(name)
	})
	if err != nil {
		return fmt.Errorf("encrypt names: %w", err)
	}
	p.log.Info().Int("names", n).Msg("encrypted filenames")
	return nil
}

// rehashDirectories recomputes every directory's content digest from
// its now-encrypted child names, shortest chains first.
func (p *Pipeline) rehashDirectories(ctx context.Context) error {
	dirs, err := p.db.DirectoryChecksums(ctx)
	if err != nil {
		return fmt.Errorf("rehash directories: %w", err)
	}

	rehashed := 0
	for _, d := range dirs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		children, err := p.db.ReadDirectory(ctx, d.Dir, d.LastSet)
		if err != nil {
			p.log.Error().Err(err).Str("checksum", d.Digest).Msg("cannot read directory for rehash")
			continue
		}
		newDigest := HashDirectory(p.keys, children)
		if newDigest == d.Digest {
			continue
		}
		if err := p.db.UpdateChecksumDigest(ctx, d.ChecksumID, newDigest); err != nil {
			p.log.Error().Err(err).Str("checksum", d.Digest).Msg("cannot update directory hash")
			continue
		}
		rehashed++
	}
	p.log.Info().Int("directories", len(dirs)).Int("rehashed", rehashed).Msg("rehashed directories")
	return nil
}

// HashDirectory computes the canonical digest of a directory from its
// children in NameId-ascending order, the order ReadDirectory yields.
func HashDirectory(keys *crypto.Keys, children []catalog.File) string {
	h := keys.ContentHasher()
	for i := range children {
		h.Write([]byte(children[i].Name))
		h.Write([]byte{0})
		h.Write([]byte(children[i].Checksum))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// generateSignatures writes a .sig sidecar for every file checksum
// lacking one.
func (p *Pipeline) generateSignatures(ctx context.Context) error {
	checksums, err := p.db.FileChecksums(ctx)
	if err != nil {
		return fmt.Errorf("generate signatures: %w", err)
	}

	generated := 0
	for i := range checksums {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		digest := checksums[i].Digest
		if p.cache.Exists(digest + cache.SuffixSig) {
			continue
		}
		if err := p.makeSignature(ctx, digest); err != nil {
			p.log.Error().Err(err).Str("checksum", digest).Msg("cannot generate signature")
			continue
		}
		generated++
	}
	p.log.Info().Int("files", len(checksums)).Int("generated", generated).Msg("generated signatures")
	return nil
}

func (p *Pipeline) makeSignature(ctx context.Context, digest string) error {
	content, err := p.regen.RecoverChecksum(ctx, digest, false)
	if err != nil {
		return err
	}
	defer content.Close()

	w, err := p.cache.Writer(digest + cache.SuffixSig)
	if err != nil {
		return err
	}
	if err := delta.GenerateSignature(content, w); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

// encryptFiles converts every plaintext file blob, walking chain
// lengths from deepest to shallowest; within each chain, the root is
// converted before its dependents, so regeneration of a dependent
// always sees a consistent catalog.
func (p *Pipeline) encryptFiles(ctx context.Context) error {
	maxLevel, err := p.db.MaxChainLength(ctx)
	if err != nil {
		return fmt.Errorf("encrypt files: %w", err)
	}

	converted := 0
	for level := maxLevel; level >= 0; level-- {
		targets, err := p.db.UnencryptedAtChainLength(ctx, level)
		if err != nil {
			return fmt.Errorf("encrypt files at chain length %d: %w", level, err)
		}
		p.log.Info().Int("level", level).Int("files", len(targets)).Msg("encrypting chain level")

		for i := range targets {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			chain, err := p.db.Chain(ctx, targets[i].Digest)
			if err != nil {
				p.log.Error().Err(err).Str("checksum", targets[i].Digest).Msg("cannot load chain")
				continue
			}
			// Root first, then each dependent.
			for j := len(chain) - 1; j >= 0; j-- {
				if chain[j].Encrypted {
					continue
				}
				if err := p.encryptOne(ctx, &chain[j]); err != nil {
					p.log.Error().Err(err).Str("checksum", chain[j].Digest).Msg("unable to convert checksum")
					break
				}
				converted++
			}
		}
	}
	p.log.Info().Int("converted", converted).Msg("encrypted file blobs")
	return nil
}

// encryptOne converts one blob: the new digest is the HMAC of the
// regenerated plaintext content, while the encrypted payload wraps the
// stored representation (a delta stays a delta). The catalog row and
// every basis pointer move to the new digest in one transaction, after
// which the old cache entries are dropped.
func (p *Pipeline) encryptOne(ctx context.Context, ck *catalog.Checksum) error {
	oldDigest := ck.Digest

	newDigest, err := p.contentDigest(ctx, oldDigest)
	if err != nil {
		return err
	}

	raw, err := p.cache.Reader(oldDigest)
	if err != nil {
		return err
	}
	defer raw.Close()

	out, err := p.cache.Writer(newDigest)
	if err != nil {
		return err
	}
	iv, err := p.keys.NewIV()
	if err != nil {
		out.Abort()
		return err
	}
	ew, err := crypto.NewEncryptWriter(out, p.keys, iv)
	if err != nil {
		out.Abort()
		return err
	}
	if _, err := io.Copy(ew, raw); err != nil {
		out.Abort()
		return err
	}
	if err := ew.Close(); err != nil {
		out.Abort()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if err := p.db.EncryptChecksum(ctx, oldDigest, newDigest, ew.Size()); err != nil {
		// Roll the blob back out of the cache so a retry starts clean.
		_ = p.cache.Remove(newDigest)
		return err
	}

	if p.cache.Exists(oldDigest + cache.SuffixSig) {
		if err := p.cache.Move(oldDigest+cache.SuffixSig, newDigest+cache.SuffixSig); err != nil {
			p.log.Warn().Err(err).Str("checksum", oldDigest).Msg("could not move signature sidecar")
		}
	}
	if err := p.cache.RemoveSuffixes(oldDigest,
		[]string{cache.SuffixMeta, cache.SuffixBasis, ""}); err != nil {
		p.log.Warn().Err(err).Str("checksum", oldDigest).Msg("could not remove obsolete entries")
	}
	return nil
}

// contentDigest regenerates a blob's full content and hashes it under
// the content key.
func (p *Pipeline) contentDigest(ctx context.Context, digest string) (string, error) {
	content, err := p.regen.RecoverChecksum(ctx, digest, false)
	if err != nil {
		return "", err
	}
	defer content.Close()

	h := p.keys.ContentHasher()
	if _, err := io.Copy(h, content); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// generateMetadata emits a .meta sidecar for every file checksum that
// lacks one.
func (p *Pipeline) generateMetadata(ctx context.Context) error {
	checksums, err := p.db.FileChecksums(ctx)
	if err != nil {
		return fmt.Errorf("generate metadata: %w", err)
	}

	written := 0
	for i := range checksums {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ck := &checksums[i]
		if p.cache.Exists(ck.Digest + cache.SuffixMeta) {
			continue
		}
		err := p.cache.WriteMeta(ck.Digest, cache.Metadata{
			Size:       ck.Size,
			Compressed: ck.Compressed,
			Encrypted:  ck.Encrypted,
			DiskSize:   ck.DiskSize,
			Basis:      ck.Basis,
		})
		if err != nil {
			p.log.Error().Err(err).Str("checksum", ck.Digest).Msg("cannot write metadata sidecar")
			continue
		}
		written++
	}
	p.log.Info().Int("files", len(checksums)).Int("written", written).Msg("wrote metadata sidecars")
	return nil
}
