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

// Package regen resolves a content digest to a byte stream by walking
// its delta chain: the chain root is opened from the blob store,
// decrypted and decompressed as its checksum entry dictates, and each
// successor patch is applied in turn. Streams are lazy; an
// intermediate stage is only spooled when patch application needs a
// seekable base.
package regen

import (
	"compress/zlib"
	"context"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/mgrenfell/relic/internal/cache"
	"github.com/mgrenfell/relic/internal/catalog"
	"github.com/mgrenfell/relic/internal/crypto"
	"github.com/mgrenfell/relic/internal/delta"
	"github.com/mgrenfell/relic/internal/repoerr"
)

// ReadSize is the buffer size for chain reads.
const ReadSize = 64 * 1024

// BlobSource supplies raw blob bytes for a digest. The local blob
// cache and the remote catalog proxy both satisfy it through the
// adapters below.
type BlobSource interface {
	OpenBlob(ctx context.Context, digest string) (io.ReadCloser, error)
}

// CacheSource adapts the local blob cache.
type CacheSource struct {
	Cache *cache.Cache
}

func (s CacheSource) OpenBlob(_ context.Context, digest string) (io.ReadCloser, error) {
	return s.Cache.Reader(digest)
}

// RemoteSource adapts a remote catalog's blob fetch.
type RemoteSource struct {
	Remote *catalog.Remote
}

func (s RemoteSource) OpenBlob(ctx context.Context, digest string) (io.ReadCloser, error) {
	return s.Remote.FileData(ctx, digest)
}

// AuthError reports an authentication mismatch between the digest the
// catalog records and the digest of the regenerated bytes. It unwraps
// to repoerr.ErrAuthFailure.
type AuthError struct {
	Expected string
	Actual   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("content did not authenticate: expected %s, got %s", e.Expected, e.Actual)
}

func (e *AuthError) Unwrap() error { return repoerr.ErrAuthFailure }

// Regenerator reconstructs blob contents from the chain records of one
// catalog handle.
type Regenerator struct {
	source BlobSource
	cat    catalog.Catalog
	keys   *crypto.Keys
	spool  *cache.Cache
}

// New builds a regenerator. The spool cache provides temp files for
// patch stages whose base stream is not seekable; keys may be nil for
// a plaintext repository.
func New(source BlobSource, cat catalog.Catalog, keys *crypto.Keys, spool *cache.Cache) *Regenerator {
	return &Regenerator{source: source, cat: cat, keys: keys, spool: spool}
}

// RecoverChecksum returns a lazy stream of the plaintext bytes behind
// a digest. With authenticate set, the stream's digest is verified
// against the requested digest at EOF and a mismatch surfaces as an
// AuthError from the final Read.
func (r *Regenerator) RecoverChecksum(ctx context.Context, digest string, authenticate bool) (io.ReadCloser, error) {
	chain, err := r.cat.Chain(ctx, digest)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: checksum %s", repoerr.ErrNotFound, digest)
	}

	// The chain is target-first; reconstruction starts at the root.
	var current io.ReadCloser
	for i := len(chain) - 1; i >= 0; i-- {
		blob, err := r.openBlob(ctx, &chain[i])
		if err != nil {
			if current != nil {
				current.Close()
			}
			return nil, err
		}

		if current == nil {
			// Root of the chain: standalone bytes.
			current = blob
			continue
		}

		base, err := r.seekableBase(current)
		if err != nil {
			blob.Close()
			return nil, err
		}
		current = &patchedStream{
			Reader:  delta.Patch(base, blob),
			closers: []io.Closer{base, blob},
		}
	}

	if authenticate {
		current = &authReader{
			ReadCloser: current,
			hash:       r.keys.ContentHasher(),
			expected:   digest,
		}
	}
	return current, nil
}

// openBlob opens one chain entry's raw blob and unwraps its stored
// representation: decryption first, then decompression.
func (r *Regenerator) openBlob(ctx context.Context, ck *catalog.Checksum) (io.ReadCloser, error) {
	blob, err := r.source.OpenBlob(ctx, ck.Digest)
	if err != nil {
		return nil, fmt.Errorf("%w: blob %s: %v", repoerr.ErrIO, ck.Digest, err)
	}

	stream := blob
	if ck.Encrypted {
		if !r.keys.Enabled() {
			blob.Close()
			return nil, fmt.Errorf("%w: blob %s is encrypted and no key is available",
				repoerr.ErrDecrypt, ck.Digest)
		}
		stream, err = newDecryptReader(blob, r.keys)
		if err != nil {
			blob.Close()
			return nil, fmt.Errorf("blob %s: %w", ck.Digest, err)
		}
	}

	if ck.Compressed {
		zr, err := zlib.NewReader(stream)
		if err != nil {
			stream.Close()
			return nil, fmt.Errorf("%w: blob %s: %v", repoerr.ErrIO, ck.Digest, err)
		}
		stream = &zlibStream{Reader: zr, under: stream}
	}
	return stream, nil
}

// seekableBase turns the current stream into a random-access base for
// patch application. A plain cache file already is one; everything
// else is spooled to an anonymous temp file.
func (r *Regenerator) seekableBase(current io.ReadCloser) (baseFile, error) {
	if f, ok := current.(*os.File); ok {
		return f, nil
	}

	tmp, err := r.spool.TempFile()
	if err != nil {
		current.Close()
		return nil, err
	}
	// Unlink immediately; the fd keeps the spool alive until Close.
	_ = os.Remove(tmp.Name())

	buf := make([]byte, ReadSize)
	if _, err := io.CopyBuffer(tmp, current, buf); err != nil {
		tmp.Close()
		current.Close()
		return nil, fmt.Errorf("%w: spool chain stage: %v", repoerr.ErrIO, err)
	}
	if err := current.Close(); err != nil {
		tmp.Close()
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, err
	}
	return tmp, nil
}

type baseFile interface {
	io.ReaderAt
	io.Closer
}

// patchedStream closes the base and patch streams with the patched
// output.
type patchedStream struct {
	io.Reader
	closers []io.Closer
}

func (p *patchedStream) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type zlibStream struct {
	io.Reader
	under io.Closer
}

func (z *zlibStream) Close() error {
	if c, ok := z.Reader.(io.Closer); ok {
		c.Close()
	}
	return z.under.Close()
}

// authReader hashes everything read and verifies the digest once the
// stream is exhausted.
type authReader struct {
	io.ReadCloser
	hash     hash.Hash
	expected string
	checked  bool
}

func (a *authReader) Read(p []byte) (int, error) {
	n, err := a.ReadCloser.Read(p)
	if n > 0 {
		a.hash.Write(p[:n])
	}
	if err == io.EOF && !a.checked {
		a.checked = true
		actual := fmt.Sprintf("%x", a.hash.Sum(nil))
		if actual != a.expected {
			return n, &AuthError{Expected: a.expected, Actual: actual}
		}
	}
	return n, err
}
