// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"strings"

	"github.com/lrstanley/girc"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-appservice-irc/pkg/ircserver"
)

// registerBotHandlers wires the events the bot sees in its channels.
// Handlers that touch Matrix run in their own goroutine so the IRC read
// loop never waits on the homeserver.
func (ic *IRCConnector) registerBotHandlers(net *network, conn *ircConn) {
	conn.client.Handle(girc.RPL_NAMREPLY, func(e IRCEvent) {
		// <me> <type> <channel> :<names>
		net.names.add(e.Param(2), e.Last())
	})
	conn.client.Handle(girc.RPL_ENDOFNAMES, func(e IRCEvent) {
		channel := e.Param(1)
		nicks := net.names.finish(channel)
		go ic.handleNames(ic.ctx, net, channel, nicks)
	})
	conn.client.Handle(girc.JOIN, func(e IRCEvent) {
		go ic.handleIRCJoin(ic.ctx, net, e)
	})
	conn.client.Handle(girc.PART, func(e IRCEvent) {
		go ic.handleIRCPart(ic.ctx, net, e)
	})
	conn.client.Handle(girc.KICK, func(e IRCEvent) {
		go ic.handleIRCKick(ic.ctx, net, e)
	})
}

// registerUserHandlers wires the events specific to a bridged user's
// connection.
func (ic *IRCConnector) registerUserHandlers(net *network, conn *ircConn) {
	conn.client.Handle(girc.ERR_YOUREBANNEDCREEP, func(IRCEvent) {
		go ic.handleKLine(ic.ctx, net, conn.userID)
	})
}

// handleNames reconciles a complete NAMES list: ghosts missing from it
// leave the mapped rooms, and when initial IRC to Matrix sync is on every
// listed nick is joined to them.
func (ic *IRCConnector) handleNames(ctx context.Context, net *network, channel string, nicks []string) {
	log := ic.Log.With().Str("network", net.server.Domain()).Str("channel", channel).Logger()
	report, err := net.syncer.UpdateIRCMemberList(ctx, channel, nicks)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update IRC member list")
		return
	}
	if report.Err != nil {
		log.Debug().Err(report.Err).Msg("Ghost leave failures")
	}

	shouldSync, err := net.server.ShouldSyncMembershipToMatrix(ircserver.SyncInitial, channel)
	if err != nil || !shouldSync {
		return
	}
	roomIDs, err := ic.Store.GetMatrixRoomsForChannel(ctx, net.server.Domain(), channel)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get rooms for channel")
		return
	}
	joined := 0
	for _, nick := range nicks {
		if ic.isBridgedNick(net, nick) {
			continue
		}
		ghost := net.server.UserIDFromNick(nick)
		for _, roomID := range roomIDs {
			if err = ic.Matrix.EnsureGhostJoined(ctx, ghost, roomID); err != nil {
				log.Debug().Err(err).
					Str("user_id", ghost.String()).
					Str("room_id", roomID.String()).
					Msg("Failed to join ghost to room")
				continue
			}
			joined++
		}
	}
	log.Debug().Int("joins", joined).Msg("Joined ghosts from NAMES list")
}

func (ic *IRCConnector) handleIRCJoin(ctx context.Context, net *network, e IRCEvent) {
	channel, nick := e.Param(0), e.Source
	if channel == "" || ic.isBridgedNick(net, nick) {
		return
	}
	ghost := net.server.UserIDFromNick(nick)
	ic.forEachMappedRoom(ctx, net, channel, func(roomID id.RoomID) error {
		return ic.Matrix.EnsureGhostJoined(ctx, ghost, roomID)
	})
}

func (ic *IRCConnector) handleIRCPart(ctx context.Context, net *network, e IRCEvent) {
	channel, nick := e.Param(0), e.Source
	if channel == "" || ic.isBridgedNick(net, nick) {
		return
	}
	ic.leaveGhost(ctx, net, channel, nick)
}

// handleIRCKick treats a kicked remote user like a part. A kicked bridge
// connection only forgets the channel.
func (ic *IRCConnector) handleIRCKick(ctx context.Context, net *network, e IRCEvent) {
	channel, target := e.Param(0), e.Param(1)
	if channel == "" || target == "" {
		return
	}
	if bot := net.getBot(); bot != nil && strings.EqualFold(bot.nick(), target) {
		bot.log.Warn().Str("channel", channel).Str("by", e.Source).Msg("Bridge bot was kicked")
		bot.forget(channel)
		return
	}
	if conn := ic.userConnByNick(net, target); conn != nil {
		conn.log.Info().Str("channel", channel).Str("by", e.Source).Msg("User was kicked")
		conn.forget(channel)
		return
	}
	ic.leaveGhost(ctx, net, channel, target)
}

func (ic *IRCConnector) leaveGhost(ctx context.Context, net *network, channel, nick string) {
	ghost := net.server.UserIDFromNick(nick)
	ic.forEachMappedRoom(ctx, net, channel, func(roomID id.RoomID) error {
		return ic.Matrix.LeaveRoom(ctx, ghost, roomID)
	})
}

// forEachMappedRoom runs fn for every room mapped to channel when
// incremental IRC to Matrix sync is enabled for it.
func (ic *IRCConnector) forEachMappedRoom(ctx context.Context, net *network, channel string, fn func(id.RoomID) error) {
	shouldSync, err := net.server.ShouldSyncMembershipToMatrix(ircserver.SyncIncremental, channel)
	if err != nil || !shouldSync {
		return
	}
	log := ic.Log.With().Str("network", net.server.Domain()).Str("channel", channel).Logger()
	roomIDs, err := ic.Store.GetMatrixRoomsForChannel(ctx, net.server.Domain(), channel)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get rooms for channel")
		return
	}
	for _, roomID := range roomIDs {
		if err = fn(roomID); err != nil {
			log.Debug().Err(err).Str("room_id", roomID.String()).Msg("Failed to update ghost membership")
		}
	}
}

// handleKLine records a server ban of userID and drops their session.
func (ic *IRCConnector) handleKLine(ctx context.Context, net *network, userID id.UserID) {
	domain := net.server.Domain()
	ic.Log.Warn().Str("network", domain).Str("user_id", userID.String()).Msg("User is banned from the network")
	if err := ic.BanSync.MarkUserAsBanned(ctx, domain, userID, ""); err != nil {
		ic.Log.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to publish ban")
	}
	ic.disconnectUser(userID, domain, "k-lined")
}
