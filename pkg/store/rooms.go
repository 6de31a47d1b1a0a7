// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

func adminID(userID id.UserID) string {
	return "ADMIN_" + string(userID)
}

// Neither ID may contain a space, so it is safe as a delimiter.
func pmID(realUserID, virtualUserID id.UserID) string {
	return "PM_" + string(realUserID) + " " + string(virtualUserID)
}

// StoreAdminRoom records roomID as the admin room of userID, replacing any
// previous one.
func (s *Store) StoreAdminRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	s.log.Info().Str("room_id", roomID.String()).Str("user_id", userID.String()).Msg("Storing admin room")
	query := s.db.Rebind(`INSERT INTO admin_rooms (admin_id, user_id, room_id) VALUES (?, ?, ?)
		ON CONFLICT (admin_id) DO UPDATE SET room_id = excluded.room_id`)
	if _, err := s.db.ExecContext(ctx, query, adminID(userID), userID, roomID); err != nil {
		return fmt.Errorf("failed to store admin room: %w", err)
	}
	return nil
}

func (s *Store) GetAdminRoomByUserID(ctx context.Context, userID id.UserID) (id.RoomID, error) {
	var roomID id.RoomID
	query := s.db.Rebind(`SELECT room_id FROM admin_rooms WHERE admin_id = ?`)
	err := s.db.GetContext(ctx, &roomID, query, adminID(userID))
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to get admin room: %w", err)
	}
	return roomID, nil
}

// GetAdminRoomByID returns the owner of an admin room, or an empty ID if
// roomID is not an admin room.
func (s *Store) GetAdminRoomByID(ctx context.Context, roomID id.RoomID) (id.UserID, error) {
	var owners []id.UserID
	query := s.db.Rebind(`SELECT user_id FROM admin_rooms WHERE room_id = ?`)
	if err := s.db.SelectContext(ctx, &owners, query, roomID); err != nil {
		return "", fmt.Errorf("failed to get admin room owner: %w", err)
	}
	if len(owners) == 0 {
		return "", nil
	}
	if len(owners) > 1 {
		s.log.Error().Str("room_id", roomID.String()).Int("count", len(owners)).Msg("Admin room has multiple owners")
	}
	return owners[0], nil
}

// PMRoom is a Matrix room bridging private messages between a real user and
// one IRC nick.
type PMRoom struct {
	RoomID        id.RoomID `db:"room_id"`
	Domain        string    `db:"domain"`
	Nick          string    `db:"nick"`
	RealUserID    id.UserID `db:"real_user_id"`
	VirtualUserID id.UserID `db:"virtual_user_id"`
}

func (s *Store) SetPMRoom(ctx context.Context, pm PMRoom) error {
	s.log.Info().
		Str("room_id", pm.RoomID.String()).
		Str("domain", pm.Domain).
		Str("nick", pm.Nick).
		Str("real_user_id", pm.RealUserID.String()).
		Str("virtual_user_id", pm.VirtualUserID.String()).
		Msg("Storing PM room")
	query := s.db.Rebind(`INSERT INTO pm_rooms (pm_id, room_id, domain, nick, real_user_id, virtual_user_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (pm_id) DO UPDATE SET room_id = excluded.room_id, domain = excluded.domain, nick = excluded.nick`)
	_, err := s.db.ExecContext(ctx, query, pmID(pm.RealUserID, pm.VirtualUserID), pm.RoomID, pm.Domain, pm.Nick, pm.RealUserID, pm.VirtualUserID)
	if err != nil {
		return fmt.Errorf("failed to store PM room: %w", err)
	}
	return nil
}

func (s *Store) GetMatrixPMRoom(ctx context.Context, realUserID, virtualUserID id.UserID) (*PMRoom, error) {
	var pm PMRoom
	query := s.db.Rebind(`SELECT room_id, domain, nick, real_user_id, virtual_user_id FROM pm_rooms WHERE pm_id = ?`)
	err := s.db.GetContext(ctx, &pm, query, pmID(realUserID, virtualUserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get PM room: %w", err)
	}
	return &pm, nil
}

// GetIPv6Counter returns the persisted counter for key, zero if unset.
func (s *Store) GetIPv6Counter(ctx context.Context, key string) (uint64, error) {
	var value int64
	query := s.db.Rebind(`SELECT value FROM ipv6_counters WHERE counter_key = ?`)
	err := s.db.GetContext(ctx, &value, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to get IPv6 counter: %w", err)
	}
	return uint64(value), nil
}

func (s *Store) SetIPv6Counter(ctx context.Context, key string, value uint64) error {
	query := s.db.Rebind(`INSERT INTO ipv6_counters (counter_key, value) VALUES (?, ?)
		ON CONFLICT (counter_key) DO UPDATE SET value = excluded.value`)
	if _, err := s.db.ExecContext(ctx, query, key, int64(value)); err != nil {
		return fmt.Errorf("failed to set IPv6 counter: %w", err)
	}
	return nil
}
