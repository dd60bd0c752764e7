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

package regen

import (
	"crypto/cipher"
	"crypto/hmac"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/mgrenfell/relic/internal/crypto"
	"github.com/mgrenfell/relic/internal/repoerr"
)

// decryptReader streams the plaintext of an encrypted blob laid out as
// [IV][ciphertext][HMAC tag]. The tag covers IV || ciphertext and is
// verified when the underlying stream ends; the final ciphertext block
// is held back until then so PKCS padding can be stripped. Verification
// happens before the last plaintext bytes are released, so a tampered
// blob never yields its full (corrupted) content.
type decryptReader struct {
	src  io.ReadCloser
	mode cipher.BlockMode
	mac  hash.Hash

	pending []byte // ciphertext (and, at the end, the tag) not yet consumed
	plain   []byte // decrypted bytes ready to hand out
	eof     bool
	err     error
}

func newDecryptReader(src io.ReadCloser, keys *crypto.Keys) (io.ReadCloser, error) {
	iv := make([]byte, crypto.IVSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		return nil, fmt.Errorf("%w: missing iv: %v", repoerr.ErrDecrypt, err)
	}

	mode, err := keys.ContentDecrypter(iv)
	if err != nil {
		return nil, err
	}
	mac := keys.ContentHasher()
	mac.Write(iv)

	return &decryptReader{src: src, mode: mode, mac: mac}, nil
}

func (d *decryptReader) Read(p []byte) (int, error) {
	for {
		if len(d.plain) > 0 {
			n := copy(p, d.plain)
			d.plain = d.plain[n:]
			return n, nil
		}
		if d.err != nil {
			return 0, d.err
		}
		if d.eof {
			return 0, io.EOF
		}
		if err := d.fill(); err != nil {
			d.err = err
			return 0, err
		}
	}
}

// fill reads one chunk of ciphertext and decrypts as much as can be
// released: everything except the trailing tag plus one block, which
// must wait for EOF.
func (d *decryptReader) fill() error {
	buf := make([]byte, ReadSize)
	n, err := d.src.Read(buf)
	if n > 0 {
		d.pending = append(d.pending, buf[:n]...)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: read ciphertext: %v", repoerr.ErrIO, err)
	}

	if errors.Is(err, io.EOF) {
		return d.finish()
	}

	holdback := crypto.TagSize + crypto.BlockSize
	release := len(d.pending) - holdback
	release -= release % crypto.BlockSize
	if release > 0 {
		chunk := d.pending[:release]
		d.mac.Write(chunk)
		d.mode.CryptBlocks(chunk, chunk)
		d.plain = append(d.plain, chunk...)
		d.pending = d.pending[release:]
	}
	return nil
}

// finish verifies the trailing tag, decrypts what was held back, and
// strips the padding.
func (d *decryptReader) finish() error {
	d.eof = true

	if len(d.pending) < crypto.TagSize+crypto.BlockSize {
		return fmt.Errorf("%w: truncated blob", repoerr.ErrDecrypt)
	}
	split := len(d.pending) - crypto.TagSize
	ciphertext, tag := d.pending[:split], d.pending[split:]
	if len(ciphertext)%crypto.BlockSize != 0 {
		return fmt.Errorf("%w: ciphertext is not block aligned", repoerr.ErrDecrypt)
	}

	d.mac.Write(ciphertext)
	if !hmac.Equal(d.mac.Sum(nil), tag) {
		return fmt.Errorf("%w: authentication tag mismatch", repoerr.ErrDecrypt)
	}

	d.mode.CryptBlocks(ciphertext, ciphertext)
	unpadded, err := crypto.Unpad(ciphertext)
	if err != nil {
		return err
	}
	d.plain = append(d.plain, unpadded...)
	d.pending = nil
	return nil
}

func (d *decryptReader) Close() error {
	return d.src.Close()
}
