// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ircserver models a single IRC network from the bridge config and
// derives Matrix identifiers (user IDs, aliases) from IRC ones and back.
package ircserver

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"
)

// SyncKind selects which membership rule applies: the one-off pass at
// startup or the per-event updates afterwards.
type SyncKind string

const (
	SyncInitial     SyncKind = "initial"
	SyncIncremental SyncKind = "incremental"
)

// ErrBadSyncKind is returned when a membership rule is queried with a kind
// other than SyncInitial or SyncIncremental.
var ErrBadSyncKind = errors.New("bad membership sync kind")

func (k SyncKind) pick(rule SyncRule) (bool, error) {
	switch k {
	case SyncInitial:
		return rule.Initial, nil
	case SyncIncremental:
		return rule.Incremental, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrBadSyncKind, string(k))
	}
}

const defaultFloodDelay = 10 * time.Second

// Server is one configured IRC network.
type Server struct {
	domain           string
	homeserverDomain string
	cfg              Config

	userRegex  *regexp.Regexp
	nickRegex  *regexp.Regexp
	aliasRegex *regexp.Regexp
	chanRegex  *regexp.Regexp
}

// New compiles the identifier templates for the network at domain. Virtual
// users are created on homeserverDomain.
func New(domain, homeserverDomain string, cfg Config) (*Server, error) {
	if domain == "" {
		return nil, errors.New("network domain must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config for network %s: %w", domain, err)
	}
	s := &Server{
		domain:           domain,
		homeserverDomain: homeserverDomain,
		cfg:              cfg,
	}
	var err error
	literal := map[string]string{"$SERVER": domain}
	if s.userRegex, err = templateToRegex(cfg.MatrixClients.UserTemplate, literal, map[string]string{"$NICK": ".*"}, ":.*"); err != nil {
		return nil, fmt.Errorf("failed to compile user template: %w", err)
	}
	if s.nickRegex, err = templateToRegex(cfg.MatrixClients.UserTemplate, literal, map[string]string{"$NICK": "(.*)"}, ":.*"); err != nil {
		return nil, fmt.Errorf("failed to compile user template: %w", err)
	}
	if cfg.DynamicChannels.AliasTemplate != "" {
		if s.aliasRegex, err = templateToRegex(cfg.DynamicChannels.AliasTemplate, literal, map[string]string{"$CHANNEL": ".*"}, ":.*"); err != nil {
			return nil, fmt.Errorf("failed to compile alias template: %w", err)
		}
		if s.chanRegex, err = templateToRegex(cfg.DynamicChannels.AliasTemplate, literal, map[string]string{"$CHANNEL": "([^:]*)"}, ":.*"); err != nil {
			return nil, fmt.Errorf("failed to compile alias template: %w", err)
		}
	}
	return s, nil
}

// templateToRegex turns a template such as "@$SERVER_$NICK" into an
// anchored pattern. Literal vars are substituted before escaping, regex vars
// after.
func templateToRegex(template string, literalVars, regexVars map[string]string, suffix string) (*regexp.Regexp, error) {
	expr := template
	for placeholder, value := range literalVars {
		expr = strings.ReplaceAll(expr, placeholder, value)
	}
	expr = regexp.QuoteMeta(expr)
	for placeholder, value := range regexVars {
		expr = strings.ReplaceAll(expr, regexp.QuoteMeta(placeholder), value)
	}
	return regexp.Compile("^" + expr + suffix + "$")
}

func (s *Server) Domain() string           { return s.domain }
func (s *Server) HomeserverDomain() string { return s.homeserverDomain }
func (s *Server) Config() Config           { return s.cfg }
func (s *Server) Port() int                { return s.cfg.Port }
func (s *Server) UseSSL() bool             { return s.cfg.SSL }
func (s *Server) IsBotEnabled() bool       { return s.cfg.Bot.Enabled }
func (s *Server) BotNick() string          { return s.cfg.Bot.Nick }
func (s *Server) MaxClients() int          { return s.cfg.IRCClients.MaxClients }

// NetworkID is the label used for this network in logs and metrics.
func (s *Server) NetworkID() string {
	if s.cfg.Name != "" {
		return strings.ToLower(s.cfg.Name)
	}
	return s.domain
}

// BotUsername is the IRC username of the bridge bot. It also keys the bot's
// IPv6 allocation.
func (s *Server) BotUsername() string {
	if s.cfg.Bot.Username != "" {
		return s.cfg.Bot.Username
	}
	return s.cfg.Bot.Nick
}

// ShouldJoinChannelsIfNoUsers reports whether the bot stays in every mapped
// channel, even when no real Matrix user is in the mapped rooms.
func (s *Server) ShouldJoinChannelsIfNoUsers() bool {
	return s.cfg.Bot.JoinChannelsIfNoUsers
}

func (s *Server) IsExcludedChannel(channel string) bool {
	return slices.Contains(s.cfg.DynamicChannels.Exclude, channel)
}

// ConfigMappings returns the statically configured channel to room mappings.
func (s *Server) ConfigMappings() map[string][]id.RoomID {
	return s.cfg.Mappings
}

func (s *Server) IsMembershipListsEnabled() bool {
	return s.cfg.MembershipLists.Enabled
}

// MemberListFloodDelay bounds how long a single join injection may take
// before the syncer moves on.
func (s *Server) MemberListFloodDelay() time.Duration {
	if s.cfg.MembershipLists.FloodDelayMs <= 0 {
		return defaultFloodDelay
	}
	return time.Duration(s.cfg.MembershipLists.FloodDelayMs) * time.Millisecond
}

// ShouldSyncMembershipToIRC reports whether Matrix membership of roomID
// should be mirrored into IRC. An empty roomID consults only the global rule.
func (s *Server) ShouldSyncMembershipToIRC(kind SyncKind, roomID id.RoomID) (bool, error) {
	shouldSync, err := kind.pick(s.cfg.MembershipLists.Global.MatrixToIRC)
	if err != nil {
		return false, err
	}
	if !s.cfg.MembershipLists.Enabled {
		return false, nil
	}
	if roomID == "" {
		return shouldSync, nil
	}
	for _, rule := range s.cfg.MembershipLists.Rooms {
		if rule.Room == roomID && rule.MatrixToIRC != nil {
			shouldSync, _ = kind.pick(*rule.MatrixToIRC)
		}
	}
	return shouldSync, nil
}

// ShouldSyncMembershipToMatrix reports whether IRC membership of channel
// should be mirrored into Matrix. An empty channel consults only the global
// rule.
func (s *Server) ShouldSyncMembershipToMatrix(kind SyncKind, channel string) (bool, error) {
	shouldSync, err := kind.pick(s.cfg.MembershipLists.Global.IRCToMatrix)
	if err != nil {
		return false, err
	}
	if !s.cfg.MembershipLists.Enabled {
		return false, nil
	}
	if channel == "" {
		return shouldSync, nil
	}
	for _, rule := range s.cfg.MembershipLists.Channels {
		if rule.Channel == channel && rule.IRCToMatrix != nil {
			shouldSync, _ = kind.pick(*rule.IRCToMatrix)
		}
	}
	return shouldSync, nil
}

// UserLocalpart returns the localpart of the virtual user for nick.
func (s *Server) UserLocalpart(nick string) string {
	uid := strings.ReplaceAll(s.cfg.MatrixClients.UserTemplate, "$SERVER", s.domain)
	return strings.TrimPrefix(strings.ReplaceAll(uid, "$NICK", nick), "@")
}

// UserIDFromNick returns the virtual Matrix user representing nick.
func (s *Server) UserIDFromNick(nick string) id.UserID {
	return id.NewUserID(s.UserLocalpart(nick), s.homeserverDomain)
}

// ClaimsUserID reports whether userID is a virtual user of this network.
func (s *Server) ClaimsUserID(userID id.UserID) bool {
	return s.userRegex.MatchString(string(userID))
}

// NickFromUserID extracts the IRC nick from a virtual user ID.
func (s *Server) NickFromUserID(userID id.UserID) (string, bool) {
	match := s.nickRegex.FindStringSubmatch(string(userID))
	if match == nil {
		return "", false
	}
	return match[1], true
}

func (s *Server) ClaimsAlias(alias id.RoomAlias) bool {
	return s.aliasRegex != nil && s.aliasRegex.MatchString(string(alias))
}

// ChannelFromAlias extracts the IRC channel from an alias in this network's
// namespace.
func (s *Server) ChannelFromAlias(alias id.RoomAlias) (string, bool) {
	if s.chanRegex == nil {
		return "", false
	}
	match := s.chanRegex.FindStringSubmatch(string(alias))
	if match == nil {
		return "", false
	}
	return match[1], true
}

func (s *Server) AliasFromChannel(channel string) id.RoomAlias {
	localpart := strings.ReplaceAll(s.cfg.DynamicChannels.AliasTemplate, "$SERVER", s.domain)
	localpart = strings.ReplaceAll(localpart, "$CHANNEL", channel)
	return id.RoomAlias(fmt.Sprintf("%s:%s", localpart, s.homeserverDomain))
}

// Nick renders the IRC nick template for a real Matrix user.
func (s *Server) Nick(userID id.UserID, displayName string) string {
	localpart, _, _ := strings.Cut(strings.TrimPrefix(string(userID), "@"), ":")
	display := displayName
	if display == "" {
		display = localpart
	}
	nick := strings.ReplaceAll(s.cfg.IRCClients.NickTemplate, "$USERID", string(userID))
	nick = strings.ReplaceAll(nick, "$LOCALPART", localpart)
	return strings.ReplaceAll(nick, "$DISPLAY", display)
}

// UserRegex matches every virtual user of this network on any homeserver.
func (s *Server) UserRegex() string {
	return s.userRegex.String()
}

// AliasRegex matches every alias in this network's namespace.
func (s *Server) AliasRegex() string {
	if s.aliasRegex == nil {
		return ""
	}
	return s.aliasRegex.String()
}

func (s *Server) IPv6Prefix() string {
	return s.cfg.IRCClients.IPv6.Prefix
}

// IPv6BlockForHomeserver returns the reserved address block for users of
// homeserver, if one is configured.
func (s *Server) IPv6BlockForHomeserver(homeserver string) (string, bool) {
	block, ok := s.cfg.IRCClients.IPv6.Blocks[homeserver]
	return block, ok && block != ""
}
