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

package crypto

import (
	"crypto/cipher"
	"hash"
	"io"
)

// EncryptWriter produces the encrypted blob representation
// [IV][ciphertext][HMAC tag] on its destination. The IV is emitted up
// front, plaintext is CBC-encrypted as it arrives with PKCS padding
// applied to the final block on Close, and the trailing tag covers
// IV || ciphertext under the content key.
type EncryptWriter struct {
	dst    io.Writer
	mode   cipher.BlockMode
	mac    hash.Hash
	buf    []byte // plaintext not yet a full block
	n      int64
	closed bool
}

// NewEncryptWriter starts an encrypted blob on dst using the
// caller-provided IV; it does not generate one.
func NewEncryptWriter(dst io.Writer, keys *Keys, iv []byte) (*EncryptWriter, error) {
	mode, err := keys.ContentEncrypter(iv)
	if err != nil {
		return nil, err
	}
	mac := keys.ContentHasher()

	w := &EncryptWriter{dst: dst, mode: mode, mac: mac}
	if err := w.emit(iv); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *EncryptWriter) emit(b []byte) error {
	w.mac.Write(b)
	n, err := w.dst.Write(b)
	w.n += int64(n)
	return err
}

func (w *EncryptWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.buf = append(w.buf, p...)

	// Encrypt whole blocks, always keeping at least one byte back so
	// Close knows whether the final block needs a fresh pad block.
	release := len(w.buf) - 1
	release -= release % BlockSize
	if release > 0 {
		chunk := w.buf[:release]
		w.mode.CryptBlocks(chunk, chunk)
		if err := w.emit(chunk); err != nil {
			return 0, err
		}
		w.buf = w.buf[release:]
	}
	return total, nil
}

// Close pads and flushes the final block and appends the tag. The
// total number of bytes written is available from Size afterwards.
func (w *EncryptWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	final := Pad(w.buf)
	w.mode.CryptBlocks(final, final)
	if err := w.emit(final); err != nil {
		return err
	}

	// The tag itself is excluded from the MAC; write it directly.
	tag := w.mac.Sum(nil)
	n, err := w.dst.Write(tag)
	w.n += int64(n)
	return err
}

// Size returns the number of bytes emitted so far, including IV and,
// after Close, the tag.
func (w *EncryptWriter) Size() int64 {
	return w.n
}
