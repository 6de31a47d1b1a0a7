// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"slices"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-appservice-irc/pkg/bansync"
	"github.com/aiku/mautrix-appservice-irc/pkg/ircserver"
	"github.com/aiku/mautrix-appservice-irc/pkg/membership"
)

// HandleMatrixEvent routes an event received from the homeserver.
func (ic *IRCConnector) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	switch {
	case evt.Type.Type == event.StateMember.Type:
		ic.handleMember(ctx, evt)
	case isPolicyEvent(evt.Type) && ic.BanSync.IsTrackingRoomState(evt.RoomID):
		ic.handlePolicy(ctx, evt)
	}
}

func isPolicyEvent(evtType event.Type) bool {
	return slices.ContainsFunc(bansync.PolicyEventTypes, func(t event.Type) bool {
		return t.Type == evtType.Type
	})
}

func memberContent(evt *event.Event) event.Membership {
	if content, ok := evt.Content.Parsed.(*event.MemberEventContent); ok {
		return content.Membership
	}
	if raw, ok := evt.Content.Raw["membership"].(string); ok {
		return event.Membership(raw)
	}
	return ""
}

func (ic *IRCConnector) handleMember(ctx context.Context, evt *event.Event) {
	if evt.StateKey == nil {
		return
	}
	target := id.UserID(*evt.StateKey)
	mem := memberContent(evt)
	switch {
	case target == ic.Matrix.BotUserID():
		if mem == event.MembershipInvite {
			ic.handleBotInvite(ctx, evt.RoomID, evt.Sender)
		}
	case ic.isGhost(target), membership.IsGuest(target):
		// Ghost membership is driven from IRC.
	case mem == event.MembershipJoin:
		ic.handleRealJoin(ctx, evt.RoomID, target)
	case mem == event.MembershipLeave, mem == event.MembershipBan:
		ic.handleRealLeave(ctx, evt.RoomID, target)
	}
}

// handleBotInvite accepts an invite. An invite to a room without a mapped
// channel makes it the inviter's admin room.
func (ic *IRCConnector) handleBotInvite(ctx context.Context, roomID id.RoomID, inviter id.UserID) {
	log := ic.Log.With().Str("room_id", roomID.String()).Str("inviter", inviter.String()).Logger()
	if _, err := ic.Matrix.JoinRoom(ctx, roomID.String()); err != nil {
		log.Error().Err(err).Msg("Failed to accept invite")
		return
	}
	channels, err := ic.Store.GetIRCChannelsForRoomID(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get channels for room")
		return
	}
	if len(channels) > 0 {
		return
	}
	previous, err := ic.Store.GetAdminRoomByUserID(ctx, inviter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up admin room")
		return
	}
	if err = ic.Store.StoreAdminRoom(ctx, roomID, inviter); err != nil {
		log.Error().Err(err).Msg("Failed to store admin room")
		return
	}
	log.Info().Str("previous_room_id", previous.String()).Msg("Stored admin room")
}

// handleRealJoin joins the user to the IRC side of the room on every
// network with incremental Matrix to IRC sync enabled.
func (ic *IRCConnector) handleRealJoin(ctx context.Context, roomID id.RoomID, userID id.UserID) {
	for _, net := range ic.networkList() {
		shouldSync, err := net.server.ShouldSyncMembershipToIRC(ircserver.SyncIncremental, roomID)
		if err != nil || !shouldSync {
			continue
		}
		if err = ic.joinUserToRoomChannels(ctx, net, roomID, userID); err != nil {
			ic.Log.Warn().Err(err).
				Str("network", net.server.Domain()).
				Str("room_id", roomID.String()).
				Str("user_id", userID.String()).
				Msg("Failed to join user to IRC")
		}
	}
}

// handleRealLeave parts the user from the room's channels and parts the
// bot from channels left without real Matrix users.
func (ic *IRCConnector) handleRealLeave(ctx context.Context, roomID id.RoomID, userID id.UserID) {
	channels, err := ic.Store.GetIRCChannelsForRoomID(ctx, roomID)
	if err != nil {
		ic.Log.Error().Err(err).Str("room_id", roomID.String()).Msg("Failed to get channels for room")
		return
	}
	for _, ch := range channels {
		net, ok := ic.networks[ch.Domain]
		if !ok {
			continue
		}
		log := ic.Log.With().Str("network", ch.Domain).Str("channel", ch.Channel).Logger()
		shouldSync, err := net.server.ShouldSyncMembershipToIRC(ircserver.SyncIncremental, roomID)
		if err == nil && shouldSync {
			if conn := ic.client(clientKey(userID, ch.Domain)); conn != nil && conn.inChannel(ch.Channel) {
				conn.part(ch.Channel)
			}
		}
		if err = net.syncer.CheckBotPartRoom(ctx, ch.Channel); err != nil {
			log.Error().Err(err).Msg("Failed to check whether the bot should part")
		}
	}
}

// handlePolicy applies a policy rule change and disconnects sessions of
// users it newly bans.
func (ic *IRCConnector) handlePolicy(_ context.Context, evt *event.Event) {
	changed, err := ic.BanSync.HandleIncomingState(evt, evt.RoomID)
	if err != nil {
		ic.Log.Warn().Err(err).Str("event_id", evt.ID.String()).Msg("Ignoring invalid policy rule")
		return
	}
	if changed {
		ic.disconnectBannedUsers()
	}
}
