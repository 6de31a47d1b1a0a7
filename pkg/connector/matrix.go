// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-appservice-irc/pkg/bansync"
	"github.com/aiku/mautrix-appservice-irc/pkg/membership"
)

// MatrixAPI is everything the bridge does on the homeserver.
type MatrixAPI interface {
	membership.MatrixState
	membership.GhostLeaver
	bansync.MatrixClient
	BotUserID() id.UserID
	// EnsureGhostJoined joins the virtual user userID to roomID.
	EnsureGhostJoined(ctx context.Context, userID id.UserID, roomID id.RoomID) error
}

// appserviceMatrix implements MatrixAPI with appservice intents.
type appserviceMatrix struct {
	as *appservice.AppService
}

var _ MatrixAPI = (*appserviceMatrix)(nil)

func newAppserviceMatrix(as *appservice.AppService) *appserviceMatrix {
	return &appserviceMatrix{as: as}
}

func (m *appserviceMatrix) BotUserID() id.UserID {
	return m.as.BotMXID()
}

// MemberSnapshot returns the member events of every room the bot is in.
func (m *appserviceMatrix) MemberSnapshot(ctx context.Context) (map[id.RoomID][]*event.Event, error) {
	bot := m.as.BotIntent()
	joined, err := bot.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get joined rooms: %w", err)
	}
	snapshot := make(map[id.RoomID][]*event.Event, len(joined.JoinedRooms))
	for _, roomID := range joined.JoinedRooms {
		members, err := bot.Members(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("failed to get members of %s: %w", roomID, err)
		}
		snapshot[roomID] = members.Chunk
	}
	return snapshot, nil
}

func (m *appserviceMatrix) RoomState(ctx context.Context, roomID id.RoomID) ([]*event.Event, error) {
	state, err := m.as.BotIntent().State(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get state of %s: %w", roomID, err)
	}
	var events []*event.Event
	for _, byKey := range state {
		for _, evt := range byKey {
			events = append(events, evt)
		}
	}
	return events, nil
}

func (m *appserviceMatrix) LeaveRoom(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	_, err := m.as.Intent(userID).LeaveRoom(ctx, roomID)
	return err
}

// JoinRoom joins the bot to a room given by ID or alias.
func (m *appserviceMatrix) JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	bot := m.as.BotIntent()
	roomID := id.RoomID(roomIDOrAlias)
	if strings.HasPrefix(roomIDOrAlias, "#") {
		resp, err := bot.ResolveAlias(ctx, id.RoomAlias(roomIDOrAlias))
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", roomIDOrAlias, err)
		}
		roomID = resp.RoomID
	}
	if err := bot.EnsureJoined(ctx, roomID); err != nil {
		return "", fmt.Errorf("failed to join %s: %w", roomID, err)
	}
	return roomID, nil
}

func (m *appserviceMatrix) SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	_, err := m.as.BotIntent().SendStateEvent(ctx, roomID, evtType, stateKey, content)
	return err
}

func (m *appserviceMatrix) EnsureGhostJoined(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	return m.as.Intent(userID).EnsureJoined(ctx, roomID)
}
