// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed protects package keys at rest. The package registry
// never stores a raw AES key: each key is age-encrypted to the control
// plane's X25519 identity (plus any escrow recipients) before it is
// written, and unsealed only when verify releases it.
//
// Sealed values are standard base64 strings so they fit in a TEXT
// column.
package sealed

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/bureau-foundation/rollout/lib/secret"
)

// Sealer seals and unseals values with one age identity.
type Sealer struct {
	identity   *age.X25519Identity
	recipients []age.Recipient
}

// New builds a Sealer from an identity string (AGE-SECRET-KEY-1...)
// and optional extra recipient public keys (age1...).
func New(identity string, escrowRecipients ...string) (*Sealer, error) {
	parsed, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("parsing sealing identity: %w", err)
	}
	recipients := []age.Recipient{parsed.Recipient()}
	for _, key := range escrowRecipients {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing escrow recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return &Sealer{identity: parsed, recipients: recipients}, nil
}

// Generate returns a Sealer with a fresh identity.
func Generate() (*Sealer, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating sealing identity: %w", err)
	}
	return &Sealer{identity: identity, recipients: []age.Recipient{identity.Recipient()}}, nil
}

// LoadOrCreate reads the identity at path, generating and writing a
// new one with mode 0600 when the file does not exist.
func LoadOrCreate(path string) (*Sealer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return New(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading sealing identity: %w", err)
	}

	sealer, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating sealing identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sealer.identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing sealing identity: %w", err)
	}
	return sealer, nil
}

// PublicKey returns the age1... recipient of the sealing identity.
func (s *Sealer) PublicKey() string {
	return s.identity.Recipient().String()
}

// Seal encrypts plaintext to every recipient and returns base64.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, s.recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("sealing: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing seal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Unseal decrypts a value produced by Seal into a locked buffer. The
// caller must Close the buffer.
func (s *Sealer) Unseal(sealed string) (*secret.Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed value: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("unsealing: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading unsealed value: %w", err)
	}
	return secret.NewFromBytes(plaintext)
}
