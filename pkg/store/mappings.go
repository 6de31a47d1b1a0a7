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

	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"
	"maunium.net/go/mautrix/id"
)

// Origin records how a room mapping came to exist.
type Origin string

const (
	OriginConfig    Origin = "config"
	OriginProvision Origin = "provision"
	OriginAlias     Origin = "alias"
	OriginJoin      Origin = "join"
)

var ErrInvalidOrigin = errors.New("origin must be one of config, provision, alias or join")

func (o Origin) Valid() bool {
	switch o {
	case OriginConfig, OriginProvision, OriginAlias, OriginJoin:
		return true
	default:
		return false
	}
}

func ParseOrigin(s string) (Origin, error) {
	o := Origin(s)
	if !o.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, s)
	}
	return o, nil
}

// RoomMapping links a Matrix room to an IRC channel. The same room, domain
// and channel may be linked once per origin.
type RoomMapping struct {
	RoomID  id.RoomID `db:"room_id"`
	Domain  string    `db:"domain"`
	Channel string    `db:"channel"`
	Origin  Origin    `db:"origin"`
}

// IRCChannel is a channel on a specific network.
type IRCChannel struct {
	Domain  string `db:"domain"`
	Channel string `db:"channel"`
}

func (s *Store) StoreRoom(ctx context.Context, m RoomMapping) error {
	if !m.Origin.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOrigin, string(m.Origin))
	}
	s.log.Info().
		Str("room_id", m.RoomID.String()).
		Str("domain", m.Domain).
		Str("channel", m.Channel).
		Str("origin", string(m.Origin)).
		Msg("Storing room mapping")
	query := s.db.Rebind(`INSERT INTO room_mappings (room_id, domain, channel, origin)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, query, m.RoomID, m.Domain, m.Channel, m.Origin); err != nil {
		return fmt.Errorf("failed to store room mapping: %w", err)
	}
	s.invalidateRoom(m.RoomID)
	return nil
}

// GetRoom returns the mapping for the triple, or nil if there is none. An
// empty origin matches any origin.
func (s *Store) GetRoom(ctx context.Context, roomID id.RoomID, domain, channel string, origin Origin) (*RoomMapping, error) {
	query := `SELECT room_id, domain, channel, origin FROM room_mappings
		WHERE room_id = ? AND domain = ? AND channel = ?`
	args := []any{roomID, domain, channel}
	if origin != "" {
		if !origin.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidOrigin, string(origin))
		}
		query += " AND origin = ?"
		args = append(args, origin)
	}
	query += " ORDER BY origin LIMIT 1"
	var m RoomMapping
	err := s.db.GetContext(ctx, &m, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get room mapping: %w", err)
	}
	return &m, nil
}

// RemoveRoom deletes only the mapping with the given origin.
func (s *Store) RemoveRoom(ctx context.Context, roomID id.RoomID, domain, channel string, origin Origin) error {
	if !origin.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOrigin, string(origin))
	}
	query := s.db.Rebind(`DELETE FROM room_mappings
		WHERE room_id = ? AND domain = ? AND channel = ? AND origin = ?`)
	if _, err := s.db.ExecContext(ctx, query, roomID, domain, channel, origin); err != nil {
		return fmt.Errorf("failed to remove room mapping: %w", err)
	}
	s.invalidateRoom(roomID)
	return nil
}

func (s *Store) GetProvisionedMappings(ctx context.Context, roomID id.RoomID) ([]RoomMapping, error) {
	var mappings []RoomMapping
	query := s.db.Rebind(`SELECT room_id, domain, channel, origin FROM room_mappings
		WHERE room_id = ? AND origin = ? ORDER BY domain, channel`)
	if err := s.db.SelectContext(ctx, &mappings, query, roomID, OriginProvision); err != nil {
		return nil, fmt.Errorf("failed to get provisioned mappings: %w", err)
	}
	return mappings, nil
}

// GetAllChannelMappings returns every room with the channels it is linked
// to on known networks.
func (s *Store) GetAllChannelMappings(ctx context.Context) (map[id.RoomID][]IRCChannel, error) {
	var rows []struct {
		RoomID id.RoomID `db:"room_id"`
		IRCChannel
	}
	err := s.db.SelectContext(ctx, &rows, `SELECT DISTINCT room_id, domain, channel FROM room_mappings
		ORDER BY room_id, domain, channel`)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel mappings: %w", err)
	}
	mappings := make(map[id.RoomID][]IRCChannel)
	for _, row := range rows {
		if !s.isKnownNetwork(row.Domain) {
			continue
		}
		mappings[row.RoomID] = append(mappings[row.RoomID], row.IRCChannel)
	}
	return mappings, nil
}

// GetIRCChannelsForRoomID returns the channels on known networks linked to
// roomID.
func (s *Store) GetIRCChannelsForRoomID(ctx context.Context, roomID id.RoomID) ([]IRCChannel, error) {
	if item := s.roomChannels.Get(roomID, ttlcache.WithDisableTouchOnHit[id.RoomID, []IRCChannel]()); item != nil {
		return s.filterKnown(item.Value()), nil
	}
	gen := s.cacheGeneration()
	var channels []IRCChannel
	query := s.db.Rebind(`SELECT DISTINCT domain, channel FROM room_mappings
		WHERE room_id = ? ORDER BY domain, channel`)
	if err := s.db.SelectContext(ctx, &channels, query, roomID); err != nil {
		return nil, fmt.Errorf("failed to get channels for room: %w", err)
	}
	s.cacheRoomChannels(roomID, channels, gen)
	return s.filterKnown(channels), nil
}

func (s *Store) cacheGeneration() uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cacheGen
}

// cacheRoomChannels caches channels read at generation gen, unless a write
// invalidated the cache since.
func (s *Store) cacheRoomChannels(roomID id.RoomID, channels []IRCChannel, gen uint64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheGen != gen {
		return
	}
	s.roomChannels.Set(roomID, channels, ttlcache.DefaultTTL)
}

func (s *Store) invalidateRoom(roomID id.RoomID) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cacheGen++
	s.roomChannels.Delete(roomID)
}

// GetIRCChannelsForRoomIDs is the batched form of GetIRCChannelsForRoomID.
// Rooms without channels on known networks are absent from the result.
func (s *Store) GetIRCChannelsForRoomIDs(ctx context.Context, roomIDs []id.RoomID) (map[id.RoomID][]IRCChannel, error) {
	result := make(map[id.RoomID][]IRCChannel, len(roomIDs))
	if len(roomIDs) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT DISTINCT room_id, domain, channel FROM room_mappings
		WHERE room_id IN (?) ORDER BY room_id, domain, channel`, roomIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build batch query: %w", err)
	}
	var rows []struct {
		RoomID id.RoomID `db:"room_id"`
		IRCChannel
	}
	if err = s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get channels for rooms: %w", err)
	}
	for _, row := range rows {
		if !s.isKnownNetwork(row.Domain) {
			continue
		}
		result[row.RoomID] = append(result[row.RoomID], row.IRCChannel)
	}
	return result, nil
}

func (s *Store) GetMatrixRoomsForChannel(ctx context.Context, domain, channel string) ([]id.RoomID, error) {
	var rooms []id.RoomID
	query := s.db.Rebind(`SELECT DISTINCT room_id FROM room_mappings
		WHERE domain = ? AND channel = ? ORDER BY room_id`)
	if err := s.db.SelectContext(ctx, &rooms, query, domain, channel); err != nil {
		return nil, fmt.Errorf("failed to get rooms for channel: %w", err)
	}
	return rooms, nil
}

func (s *Store) GetMappingsForChannelByOrigin(ctx context.Context, domain, channel string, origins ...Origin) ([]RoomMapping, error) {
	if len(origins) == 0 {
		return nil, errors.New("at least one origin is required")
	}
	for _, o := range origins {
		if !o.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidOrigin, string(o))
		}
	}
	query, args, err := sqlx.In(`SELECT room_id, domain, channel, origin FROM room_mappings
		WHERE domain = ? AND channel = ? AND origin IN (?) ORDER BY room_id, origin`, domain, channel, origins)
	if err != nil {
		return nil, fmt.Errorf("failed to build origin query: %w", err)
	}
	var mappings []RoomMapping
	if err = s.db.SelectContext(ctx, &mappings, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get mappings by origin: %w", err)
	}
	return mappings, nil
}

// GetTrackedChannelsForServer lists every channel with at least one mapping
// on the network.
func (s *Store) GetTrackedChannelsForServer(ctx context.Context, domain string) ([]string, error) {
	if !s.isKnownNetwork(domain) {
		return nil, nil
	}
	var channels []string
	query := s.db.Rebind(`SELECT DISTINCT channel FROM room_mappings WHERE domain = ? ORDER BY channel`)
	if err := s.db.SelectContext(ctx, &channels, query, domain); err != nil {
		return nil, fmt.Errorf("failed to get tracked channels: %w", err)
	}
	return channels, nil
}

func (s *Store) GetRoomIDsFromConfig(ctx context.Context) ([]id.RoomID, error) {
	var rooms []id.RoomID
	query := s.db.Rebind(`SELECT DISTINCT room_id FROM room_mappings WHERE origin = ? ORDER BY room_id`)
	if err := s.db.SelectContext(ctx, &rooms, query, OriginConfig); err != nil {
		return nil, fmt.Errorf("failed to get config room IDs: %w", err)
	}
	return rooms, nil
}

// RemoveConfigMappings purges every mapping with origin config, leaving
// mappings of all other origins in place.
func (s *Store) RemoveConfigMappings(ctx context.Context) error {
	query := s.db.Rebind(`DELETE FROM room_mappings WHERE origin = ?`)
	if _, err := s.db.ExecContext(ctx, query, OriginConfig); err != nil {
		return fmt.Errorf("failed to remove config mappings: %w", err)
	}
	s.cacheMu.Lock()
	s.cacheGen++
	s.roomChannels.DeleteAll()
	s.cacheMu.Unlock()
	return nil
}
