// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// ErrNoEncryptionKey is returned when a password has to be stored or read
// but no encryption key was configured.
var ErrNoEncryptionKey = errors.New("no password encryption key configured")

// LoadIdentityFile reads an age X25519 identity, as written by age-keygen.
func LoadIdentityFile(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open encryption key: %w", err)
	}
	defer f.Close()
	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse encryption key: %w", err)
	}
	for _, identity := range identities {
		if x, ok := identity.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity found in %s", path)
}

func (s *Store) encryptPassword(password string) (string, error) {
	if s.identity == nil {
		return "", ErrNoEncryptionKey
	}
	var buf bytes.Buffer
	armored := armor.NewWriter(&buf)
	w, err := age.Encrypt(armored, s.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("failed to encrypt password: %w", err)
	}
	if _, err = io.WriteString(w, password); err != nil {
		return "", fmt.Errorf("failed to encrypt password: %w", err)
	}
	if err = w.Close(); err != nil {
		return "", fmt.Errorf("failed to encrypt password: %w", err)
	}
	if err = armored.Close(); err != nil {
		return "", fmt.Errorf("failed to encrypt password: %w", err)
	}
	return buf.String(), nil
}

func (s *Store) decryptPassword(encrypted string) (string, error) {
	if s.identity == nil {
		return "", ErrNoEncryptionKey
	}
	r, err := age.Decrypt(armor.NewReader(strings.NewReader(encrypted)), s.identity)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt password: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt password: %w", err)
	}
	return string(plain), nil
}
