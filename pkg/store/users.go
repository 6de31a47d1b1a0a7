// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// ClientConfig is a real Matrix user's IRC identity on one network.
// Password is held in plaintext in memory and encrypted at rest.
type ClientConfig struct {
	UserID   id.UserID
	Domain   string
	Nick     string
	Username string
	Password string
	IPv6     string
}

type clientConfigRow struct {
	UserID      id.UserID      `db:"user_id"`
	Domain      string         `db:"domain"`
	Nick        string         `db:"nick"`
	Username    string         `db:"username"`
	PasswordEnc sql.NullString `db:"password_enc"`
	IPv6        string         `db:"ipv6"`
}

// GetIRCClientConfig returns the stored config, or nil if the user has none
// for domain. A stored password without a configured key is an error.
func (s *Store) GetIRCClientConfig(ctx context.Context, userID id.UserID, domain string) (*ClientConfig, error) {
	var row clientConfigRow
	query := s.db.Rebind(`SELECT user_id, domain, nick, username, password_enc, ipv6
		FROM client_configs WHERE user_id = ? AND domain = ?`)
	err := s.db.GetContext(ctx, &row, query, userID, domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get client config: %w", err)
	}
	cfg := &ClientConfig{
		UserID:   row.UserID,
		Domain:   row.Domain,
		Nick:     row.Nick,
		Username: row.Username,
		IPv6:     row.IPv6,
	}
	if row.PasswordEnc.Valid && row.PasswordEnc.String != "" {
		cfg.Password, err = s.decryptPassword(row.PasswordEnc.String)
		if err != nil {
			return nil, fmt.Errorf("cannot read password of %s: %w", userID, err)
		}
	}
	return cfg, nil
}

// StoreIRCClientConfig upserts the config, encrypting its password.
func (s *Store) StoreIRCClientConfig(ctx context.Context, cfg *ClientConfig) error {
	var passwordEnc sql.NullString
	if cfg.Password != "" {
		enc, err := s.encryptPassword(cfg.Password)
		if err != nil {
			return fmt.Errorf("cannot store password of %s: %w", cfg.UserID, err)
		}
		passwordEnc = sql.NullString{String: enc, Valid: true}
	}
	query := s.db.Rebind(`INSERT INTO client_configs (user_id, domain, nick, username, password_enc, ipv6)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, domain) DO UPDATE SET
			nick = excluded.nick,
			username = excluded.username,
			password_enc = excluded.password_enc,
			ipv6 = excluded.ipv6`)
	_, err := s.db.ExecContext(ctx, query, cfg.UserID, cfg.Domain, cfg.Nick, cfg.Username, passwordEnc, cfg.IPv6)
	if err != nil {
		return fmt.Errorf("failed to store client config: %w", err)
	}
	return nil
}

func (s *Store) StorePass(ctx context.Context, userID id.UserID, domain, password string) error {
	cfg, err := s.GetIRCClientConfig(ctx, userID, domain)
	if err != nil {
		return err
	} else if cfg == nil {
		return fmt.Errorf("%s does not have an IRC client configured for %s", userID, domain)
	}
	cfg.Password = password
	return s.StoreIRCClientConfig(ctx, cfg)
}

func (s *Store) RemovePass(ctx context.Context, userID id.UserID, domain string) error {
	query := s.db.Rebind(`UPDATE client_configs SET password_enc = NULL WHERE user_id = ? AND domain = ?`)
	if _, err := s.db.ExecContext(ctx, query, userID, domain); err != nil {
		return fmt.Errorf("failed to remove password: %w", err)
	}
	return nil
}

// GetMatrixUserByUsername finds the Matrix user owning an IRC username on
// domain. It returns an empty ID if there is none.
func (s *Store) GetMatrixUserByUsername(ctx context.Context, domain, username string) (id.UserID, error) {
	var userID id.UserID
	query := s.db.Rebind(`SELECT user_id FROM client_configs WHERE domain = ? AND username = ?`)
	err := s.db.GetContext(ctx, &userID, query, domain, username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to get user by username: %w", err)
	}
	return userID, nil
}

// UserFeatures are per-user toggles set from the admin room.
type UserFeatures map[string]bool

func (s *Store) GetUserFeatures(ctx context.Context, userID id.UserID) (UserFeatures, error) {
	var raw string
	query := s.db.Rebind(`SELECT features FROM user_features WHERE user_id = ?`)
	err := s.db.GetContext(ctx, &raw, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return UserFeatures{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get user features: %w", err)
	}
	features := UserFeatures{}
	if err = json.Unmarshal([]byte(raw), &features); err != nil {
		return nil, fmt.Errorf("failed to parse user features: %w", err)
	}
	return features, nil
}

func (s *Store) StoreUserFeatures(ctx context.Context, userID id.UserID, features UserFeatures) error {
	raw, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("failed to encode user features: %w", err)
	}
	query := s.db.Rebind(`INSERT INTO user_features (user_id, features) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET features = excluded.features`)
	if _, err = s.db.ExecContext(ctx, query, userID, string(raw)); err != nil {
		return fmt.Errorf("failed to store user features: %w", err)
	}
	return nil
}
