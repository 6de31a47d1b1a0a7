// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bansync follows Matrix policy lists and decides which Matrix
// users may use the bridge.
package bansync

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/glob"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Policy rule event types. The m.room.* and org.matrix.mjolnir.* variants
// predate the stable names and are still published by some moderation bots.
var (
	EventPolicyRuleUser          = event.Type{Type: "m.policy.rule.user", Class: event.StateEventType}
	EventPolicyRuleServer        = event.Type{Type: "m.policy.rule.server", Class: event.StateEventType}
	EventLegacyRoomRuleUser      = event.Type{Type: "m.room.rule.user", Class: event.StateEventType}
	EventLegacyRoomRuleServer    = event.Type{Type: "m.room.rule.server", Class: event.StateEventType}
	EventLegacyMjolnirRuleUser   = event.Type{Type: "org.matrix.mjolnir.rule.user", Class: event.StateEventType}
	EventLegacyMjolnirRuleServer = event.Type{Type: "org.matrix.mjolnir.rule.server", Class: event.StateEventType}
)

// PolicyEventTypes lists every state event type HandleIncomingState reacts to.
var PolicyEventTypes = []event.Type{
	EventPolicyRuleUser, EventPolicyRuleServer,
	EventLegacyRoomRuleUser, EventLegacyRoomRuleServer,
	EventLegacyMjolnirRuleUser, EventLegacyMjolnirRuleServer,
}

const (
	RecommendationBan        = "m.ban"
	RecommendationMjolnirBan = "org.matrix.mjolnir.ban"

	defaultReason      = "No reason given"
	defaultKLineReason = "k-lined"
)

// ErrInvalidEntity is returned for a ban rule whose entity is not a
// non-empty string.
var ErrInvalidEntity = errors.New("`entity` key is not valid, must be a non-empty string")

type entityType int

const (
	entityUser entityType = iota
	entityServer
)

func entityTypeOf(evtType event.Type) (entityType, bool) {
	switch evtType.Type {
	case EventPolicyRuleUser.Type, EventLegacyRoomRuleUser.Type, EventLegacyMjolnirRuleUser.Type:
		return entityUser, true
	case EventPolicyRuleServer.Type, EventLegacyRoomRuleServer.Type, EventLegacyMjolnirRuleServer.Type:
		return entityServer, true
	default:
		return 0, false
	}
}

type banEntity struct {
	matcher    glob.Glob
	entityType entityType
	entity     string
	reason     string
}

// Config lists the policy rooms to follow.
type Config struct {
	// Rooms are room IDs or aliases of general ban lists.
	Rooms []string `json:"rooms" yaml:"rooms"`
	// ServerBanLists maps an IRC network domain to the room bans decided by
	// the bridge on that network are published to.
	ServerBanLists map[string]string `json:"server_ban_lists" yaml:"server_ban_lists"`
}

// MatrixClient is the bridge bot's view of Matrix.
type MatrixClient interface {
	JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error)
	RoomState(ctx context.Context, roomID id.RoomID) ([]*event.Event, error)
	SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error
}

// BanSync holds the ban rules read from the configured policy rooms.
type BanSync struct {
	client MatrixClient
	log    zerolog.Logger

	syncMu sync.Mutex

	mu            sync.RWMutex
	cfg           Config
	entities      map[string]*banEntity
	order         []string
	trackedRooms  map[id.RoomID]struct{}
	serverBanRoom map[string]id.RoomID
}

func New(client MatrixClient, cfg Config, log zerolog.Logger) *BanSync {
	return &BanSync{
		client:        client,
		cfg:           cfg,
		log:           log.With().Str("component", "ban_sync").Logger(),
		entities:      make(map[string]*banEntity),
		trackedRooms:  make(map[id.RoomID]struct{}),
		serverBanRoom: make(map[string]id.RoomID),
	}
}

// SyncRules drops all known rules and reads them again from every configured
// room. A room that cannot be read is logged and skipped.
func (b *BanSync) SyncRules(ctx context.Context) {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()

	b.mu.Lock()
	cfg := b.cfg
	b.entities = make(map[string]*banEntity)
	b.order = nil
	b.trackedRooms = make(map[id.RoomID]struct{})
	b.serverBanRoom = make(map[string]id.RoomID)
	b.mu.Unlock()

	for _, roomIDOrAlias := range cfg.Rooms {
		if _, err := b.followRoom(ctx, roomIDOrAlias); err != nil {
			b.log.Error().Err(err).Str("room", roomIDOrAlias).Msg("Failed to read ban list")
		}
	}
	for network, roomIDOrAlias := range cfg.ServerBanLists {
		roomID, err := b.followRoom(ctx, roomIDOrAlias)
		if err != nil {
			b.log.Error().Err(err).Str("network", network).Str("room", roomIDOrAlias).Msg("Failed to sync network ban list")
			continue
		}
		b.mu.Lock()
		b.serverBanRoom[network] = roomID
		b.mu.Unlock()
	}
	b.log.Info().Int("rules", b.RuleCount()).Int("rooms", len(b.TrackedRooms())).Msg("Synced ban rules")
}

func (b *BanSync) followRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	roomID, err := b.client.JoinRoom(ctx, roomIDOrAlias)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.trackedRooms[roomID] = struct{}{}
	b.mu.Unlock()
	state, err := b.client.RoomState(ctx, roomID)
	if err != nil {
		return roomID, err
	}
	for _, evt := range state {
		if _, err = b.HandleIncomingState(evt, roomID); err != nil {
			b.log.Warn().Err(err).
				Str("room_id", roomID.String()).
				Str("state_key", evt.GetStateKey()).
				Msg("Ignoring invalid ban rule")
		}
	}
	return roomID, nil
}

// IsTrackingRoomState reports whether roomID is one of the followed policy
// rooms.
func (b *BanSync) IsTrackingRoomState(roomID id.RoomID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.trackedRooms[roomID]
	return ok
}

func (b *BanSync) TrackedRooms() []id.RoomID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rooms := make([]id.RoomID, 0, len(b.trackedRooms))
	for roomID := range b.trackedRooms {
		rooms = append(rooms, roomID)
	}
	slices.Sort(rooms)
	return rooms
}

func (b *BanSync) RuleCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

// HandleIncomingState applies a policy state event from roomID. It returns
// true if a ban was installed, in which case callers should re-check
// already bridged users. Unrelated events are ignored.
func (b *BanSync) HandleIncomingState(evt *event.Event, roomID id.RoomID) (bool, error) {
	kind, ok := entityTypeOf(evt.Type)
	if !ok {
		return false, nil
	}
	key := roomID.String() + ":" + evt.GetStateKey()
	raw := evt.Content.Raw
	entity, hasEntity := raw["entity"]
	if !hasEntity {
		b.mu.Lock()
		b.remove(key)
		b.mu.Unlock()
		b.log.Info().Str("type", evt.Type.Type).Str("key", key).Msg("Deleted ban rule")
		return false, nil
	}
	recommendation, _ := raw["recommendation"].(string)
	if recommendation != RecommendationBan && recommendation != RecommendationMjolnirBan {
		return false, nil
	}
	entityStr, ok := entity.(string)
	if !ok || entityStr == "" {
		return false, ErrInvalidEntity
	}
	reason, _ := raw["reason"].(string)
	if reason == "" {
		reason = defaultReason
	}
	b.mu.Lock()
	b.set(key, &banEntity{
		matcher:    glob.Compile(entityStr),
		entityType: kind,
		entity:     entityStr,
		reason:     reason,
	})
	b.mu.Unlock()
	b.log.Info().Str("type", evt.Type.Type).Str("entity", entityStr).Msg("New ban rule")
	return true, nil
}

func (b *BanSync) set(key string, entity *banEntity) {
	if _, exists := b.entities[key]; !exists {
		b.order = append(b.order, key)
	}
	b.entities[key] = entity
}

func (b *BanSync) remove(key string) {
	if _, exists := b.entities[key]; !exists {
		return
	}
	delete(b.entities, key)
	b.order = slices.DeleteFunc(b.order, func(k string) bool { return k == key })
}

// IsUserBanned returns the reason of the first rule matching userID, by
// server glob against its homeserver or user glob against the full ID.
func (b *BanSync) IsUserBanned(userID id.UserID) (string, bool) {
	_, homeserver, _ := userID.Parse()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, key := range b.order {
		entity := b.entities[key]
		switch entity.entityType {
		case entityServer:
			if homeserver != "" && entity.matcher.Match(homeserver) {
				return entity.reason, true
			}
		case entityUser:
			if entity.matcher.Match(string(userID)) {
				return entity.reason, true
			}
		}
	}
	return "", false
}

// MarkUserAsBanned bans userID locally and, if the network has a ban list
// room, publishes the ban there.
func (b *BanSync) MarkUserAsBanned(ctx context.Context, network string, userID id.UserID, reason string) error {
	if reason == "" {
		reason = defaultKLineReason
	}
	b.mu.Lock()
	b.set(string(userID), &banEntity{
		matcher:    glob.Compile(string(userID)),
		entityType: entityUser,
		entity:     string(userID),
		reason:     reason,
	})
	roomID, ok := b.serverBanRoom[network]
	b.mu.Unlock()

	if !ok {
		b.log.Warn().Str("network", network).Str("user_id", userID.String()).
			Msg("No server ban list configured, Matrix policy will not be created")
		return nil
	}
	content := map[string]any{
		"entity":         string(userID),
		"reason":         reason,
		"recommendation": RecommendationBan,
	}
	return b.client.SendStateEvent(ctx, roomID, EventPolicyRuleUser, "rule:"+string(userID), content)
}

// UpdateConfig replaces the followed rooms and re-reads all rules.
func (b *BanSync) UpdateConfig(ctx context.Context, cfg Config) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
	b.SyncRules(ctx)
}
