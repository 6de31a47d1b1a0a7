// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package membership

import (
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// guestPrefix marks synthetic guest identities, which are never bridged.
const guestPrefix = "@-"

// IsGuest reports whether userID is a homeserver guest account.
func IsGuest(userID id.UserID) bool {
	return strings.HasPrefix(string(userID), guestPrefix)
}

// RoomInfo is a membership snapshot of one Matrix room.
type RoomInfo struct {
	ID    id.RoomID
	State []*event.Event
	// RealJoinedUsers are joined Matrix users, excluding the bridge bot,
	// IRC ghosts and guests.
	RealJoinedUsers []id.UserID
	// RemoteJoinedUsers are joined IRC ghosts.
	RemoteJoinedUsers []id.UserID
}

// withRealUsers returns a copy of r whose real users are replaced.
func (r *RoomInfo) withRealUsers(users []id.UserID) *RoomInfo {
	cp := *r
	cp.RealJoinedUsers = users
	return &cp
}

// UserClaimer tells IRC ghosts apart from real Matrix users.
type UserClaimer interface {
	ClaimsUserID(userID id.UserID) bool
}

func membershipOf(evt *event.Event) event.Membership {
	if member, ok := evt.Content.Parsed.(*event.MemberEventContent); ok {
		return member.Membership
	}
	if m, ok := evt.Content.Raw["membership"].(string); ok {
		return event.Membership(m)
	}
	return ""
}

// NewRoomInfo sorts the joined members found in state into real and remote
// users.
func NewRoomInfo(roomID id.RoomID, state []*event.Event, network UserClaimer, botUserID id.UserID) *RoomInfo {
	info := &RoomInfo{ID: roomID, State: state}
	for _, evt := range state {
		if evt.Type.Type != event.StateMember.Type || evt.StateKey == nil {
			continue
		}
		if membershipOf(evt) != event.MembershipJoin {
			continue
		}
		userID := id.UserID(*evt.StateKey)
		switch {
		case userID == botUserID:
		case network.ClaimsUserID(userID):
			info.RemoteJoinedUsers = append(info.RemoteJoinedUsers, userID)
		case IsGuest(userID):
		default:
			info.RealJoinedUsers = append(info.RealJoinedUsers, userID)
		}
	}
	return info
}
