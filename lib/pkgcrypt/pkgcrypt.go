// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pkgcrypt implements the encrypted package artifact format
// shared by the control plane and the remote agent.
//
// Layout of a "<uuid>.tar.gz.enc" file:
//
//	offset 0   8 bytes   original plaintext length, little-endian uint64
//	offset 8   16 bytes  random CBC initialization vector
//	offset 24  ...       AES-256-CBC ciphertext
//
// The plaintext is encrypted in 64 KiB chunks through one CBC chain.
// The final chunk is padded with ASCII spaces (not PKCS#7) to a 16-byte
// boundary; the decrypter truncates its output to the recorded length.
//
// The artifact checksum is the BLAKE3-256 digest of the encrypted file,
// hex encoded. The remote agent computes the same digest before asking
// the control plane for the key.
package pkgcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// ChunkSize is the plaintext chunk processed per CBC pass.
	ChunkSize = 64 * 1024

	headerLength = 8 + aes.BlockSize
)

// ErrCorrupt is returned when an artifact is truncated or its
// ciphertext is not a whole number of blocks.
var ErrCorrupt = errors.New("corrupt encrypted artifact")

// NewKey returns a fresh random AES-256 key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating package key: %w", err)
	}
	return key, nil
}

// EncodeKey renders a key for transport on a command line.
func EncodeKey(key []byte) string { return hex.EncodeToString(key) }

// DecodeKey parses a key produced by EncodeKey.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding package key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("package key is %d bytes, want %d", len(key), KeySize)
	}
	return key, nil
}

// Encrypt reads exactly size bytes of plaintext from src and writes the
// encrypted artifact to dst.
func Encrypt(dst io.Writer, src io.Reader, size int64, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("package key is %d bytes, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}

	header := make([]byte, headerLength)
	binary.LittleEndian.PutUint64(header[:8], uint64(size))
	iv := header[8:]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("generating iv: %w", err)
	}
	if _, err := dst.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	encrypter := cipher.NewCBCEncrypter(block, iv)
	chunk := make([]byte, ChunkSize)
	var total int64
	for {
		count, readErr := io.ReadFull(src, chunk)
		if count > 0 {
			total += int64(count)
			data := chunk[:count]
			if remainder := count % aes.BlockSize; remainder != 0 {
				data = append(data, bytes.Repeat([]byte{' '}, aes.BlockSize-remainder)...)
			}
			encrypter.CryptBlocks(data, data)
			if _, err := dst.Write(data); err != nil {
				return fmt.Errorf("writing ciphertext: %w", err)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading plaintext: %w", readErr)
		}
	}
	if total != size {
		return fmt.Errorf("plaintext is %d bytes, header records %d", total, size)
	}
	return nil
}

// Decrypt reads an encrypted artifact from src and writes exactly the
// recorded number of plaintext bytes to dst.
func Decrypt(dst io.Writer, src io.Reader, key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}

	header := make([]byte, headerLength)
	if _, err := io.ReadFull(src, header); err != nil {
		return fmt.Errorf("%w: reading header: %v", ErrCorrupt, err)
	}
	remaining := int64(binary.LittleEndian.Uint64(header[:8]))
	decrypter := cipher.NewCBCDecrypter(block, header[8:])

	chunk := make([]byte, ChunkSize)
	for {
		count, readErr := io.ReadFull(src, chunk)
		if count > 0 {
			if count%aes.BlockSize != 0 {
				return fmt.Errorf("%w: ciphertext is not block aligned", ErrCorrupt)
			}
			data := chunk[:count]
			decrypter.CryptBlocks(data, data)
			if int64(len(data)) > remaining {
				data = data[:remaining]
			}
			if _, err := dst.Write(data); err != nil {
				return fmt.Errorf("writing plaintext: %w", err)
			}
			remaining -= int64(len(data))
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading ciphertext: %w", readErr)
		}
	}
	if remaining != 0 {
		return fmt.Errorf("%w: %d plaintext bytes missing", ErrCorrupt, remaining)
	}
	return nil
}

// EncryptFile encrypts plaintextPath into encryptedPath.
func EncryptFile(plaintextPath, encryptedPath string, key []byte) error {
	source, err := os.Open(plaintextPath)
	if err != nil {
		return err
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return err
	}

	destination, err := os.OpenFile(encryptedPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := Encrypt(destination, source, info.Size(), key); err != nil {
		destination.Close()
		os.Remove(encryptedPath)
		return fmt.Errorf("encrypting %s: %w", plaintextPath, err)
	}
	return destination.Close()
}

// DecryptFile decrypts encryptedPath into plaintextPath.
func DecryptFile(encryptedPath, plaintextPath string, key []byte) error {
	source, err := os.Open(encryptedPath)
	if err != nil {
		return err
	}
	defer source.Close()

	destination, err := os.OpenFile(plaintextPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := Decrypt(destination, source, key); err != nil {
		destination.Close()
		os.Remove(plaintextPath)
		return fmt.Errorf("decrypting %s: %w", encryptedPath, err)
	}
	return destination.Close()
}

// Checksum returns the hex BLAKE3-256 digest of the file at path.
func Checksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
