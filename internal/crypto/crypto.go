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

// Package crypto implements the repository encryption layer: key
// derivation from a passphrase, deterministic filename encryption, the
// content cipher used for blob payloads, and the HMAC factories that
// produce content digests in encrypted mode.
//
// Two independent 256-bit keys are derived from the passphrase: a
// filename key and a content key. Filename encryption is deterministic
// (the IV is derived from an HMAC of the plaintext) so that catalog
// lookups by encrypted name remain possible. The service is stateless
// after key setup and safe for concurrent readers.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"

	"github.com/mgrenfell/relic/internal/repoerr"
)

// BlockSize is the cipher block size for content encryption. The final
// block of every encrypted payload is PKCS#7 padded to this size.
const BlockSize = aes.BlockSize

// IVSize is the length of the initialization vector prepended to every
// encrypted blob.
const IVSize = aes.BlockSize

// TagSize is the length of the HMAC-SHA512 authentication tag appended
// to every encrypted blob.
const TagSize = sha512.Size

// DefaultIterations is the PBKDF2 iteration count used when the
// configuration does not specify one.
const DefaultIterations = 200000

// Keys holds the derived key material for one repository. A nil or
// zero-value Keys operates in plaintext mode: names pass through
// unchanged and content digests are plain SHA-512.
type Keys struct {
	filenameKey []byte
	contentKey  []byte
}

// NewKeys derives the filename and content keys from a passphrase. The
// client identifier salts the KDF so that two repositories sharing a
// passphrase still derive distinct keys.
func NewKeys(passphrase, client string, iterations int) *Keys {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	material := pbkdf2.Key([]byte(passphrase), []byte(client), iterations, 64, sha512.New)
	return &Keys{
		filenameKey: material[:32],
		contentKey:  material[32:],
	}
}

// Enabled reports whether encryption is active.
func (k *Keys) Enabled() bool {
	return k != nil && k.contentKey != nil
}

// NewIV returns a fresh random initialization vector.
func (k *Keys) NewIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, nil
}

// ContentEncrypter returns a block mode that encrypts content under the
// content key with the given IV.
func (k *Keys) ContentEncrypter(iv []byte) (cipher.BlockMode, error) {
	block, err := aes.NewCipher(k.contentKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCEncrypter(block, iv), nil
}

// ContentDecrypter returns a block mode that decrypts content under the
// content key with the given IV.
func (k *Keys) ContentDecrypter(iv []byte) (cipher.BlockMode, error) {
	block, err := aes.NewCipher(k.contentKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCDecrypter(block, iv), nil
}

// ContentHasher returns the incremental hash whose hex digest is a
// blob's content digest: HMAC-SHA512 under the content key in encrypted
// mode, plain SHA-512 in plaintext mode. Digest length is identical in
// both modes, so digests from the two modes can key the same cache.
func (k *Keys) ContentHasher() hash.Hash {
	if !k.Enabled() {
		return sha512.New()
	}
	return hmac.New(sha512.New, k.contentKey)
}

// FilenameHasher returns an incremental HMAC-SHA512 keyed by the
// filename key.
func (k *Keys) FilenameHasher() hash.Hash {
	return hmac.New(sha512.New, k.filenameKey)
}

// EncryptName deterministically encrypts a single path component. The
// IV is the truncated HMAC of the plaintext under the filename key, so
// equal plaintexts always produce equal ciphertexts and catalog lookups
// by name keep working. Returns base64url(IV || AES-CBC(pad(name))).
func (k *Keys) EncryptName(name string) (string, error) {
	if !k.Enabled() {
		return name, nil
	}

	mac := hmac.New(sha512.New, k.filenameKey)
	mac.Write([]byte(name))
	iv := mac.Sum(nil)[:IVSize]

	block, err := aes.NewCipher(k.filenameKey)
	if err != nil {
		return "", err
	}
	padded := Pad([]byte(name))
	out := make([]byte, IVSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[IVSize:], padded)

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// DecryptName inverts EncryptName. Tampered input, bad padding, or an
// IV that does not match the recomputed HMAC of the recovered plaintext
// fail with ErrDecrypt.
func (k *Keys) DecryptName(name string) (string, error) {
	if !k.Enabled() {
		return name, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", fmt.Errorf("%w: name is not valid base64", repoerr.ErrDecrypt)
	}
	if len(raw) < IVSize+BlockSize || (len(raw)-IVSize)%BlockSize != 0 {
		return "", fmt.Errorf("%w: truncated name ciphertext", repoerr.ErrDecrypt)
	}

	iv := raw[:IVSize]
	block, err := aes.NewCipher(k.filenameKey)
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(raw)-IVSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, raw[IVSize:])

	plain, err = Unpad(plain)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha512.New, k.filenameKey)
	mac.Write(plain)
	if !hmac.Equal(iv, mac.Sum(nil)[:IVSize]) {
		return "", fmt.Errorf("%w: name integrity check failed", repoerr.ErrDecrypt)
	}

	return string(plain), nil
}

// EncryptPath encrypts a slash-separated path component-wise, leaving
// separators and empty components (leading slash) intact.
func (k *Keys) EncryptPath(path string) (string, error) {
	if !k.Enabled() {
		return path, nil
	}
	return mapPath(path, k.EncryptName)
}

// DecryptPath inverts EncryptPath.
func (k *Keys) DecryptPath(path string) (string, error) {
	if !k.Enabled() {
		return path, nil
	}
	return mapPath(path, k.DecryptName)
}

func mapPath(path string, f func(string) (string, error)) (string, error) {
	parts := bytes.Split([]byte(path), []byte{'/'})
	out := make([][]byte, len(parts))
	for i, p := range parts {
		if len(p) == 0 {
			out[i] = p
			continue
		}
		mapped, err := f(string(p))
		if err != nil {
			return "", err
		}
		out[i] = []byte(mapped)
	}
	return string(bytes.Join(out, []byte{'/'})), nil
}

// Pad applies PKCS#7 padding, always appending between 1 and BlockSize
// bytes.
func Pad(data []byte) []byte {
	n := BlockSize - len(data)%BlockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// Unpad strips PKCS#7 padding, failing with ErrDecrypt on malformed
// input.
func Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: invalid padded length %d", repoerr.ErrDecrypt, len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", repoerr.ErrDecrypt)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", repoerr.ErrDecrypt)
		}
	}
	return data[:len(data)-n], nil
}
