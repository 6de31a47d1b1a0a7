// Copyright 2024-2026 Aiku AI

package ircserver

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// Config holds the per-network configuration block found under
// `networks.<domain>` in the bridge config.
type Config struct {
	// Name is a human readable network name used in logs and metrics.
	Name     string `yaml:"name"`
	Port     int    `yaml:"port"`
	SSL      bool   `yaml:"ssl"`
	Password string `yaml:"password"`

	Bot             BotConfig             `yaml:"bot"`
	DynamicChannels DynamicChannelsConfig `yaml:"dynamic_channels"`
	MatrixClients   MatrixClientsConfig   `yaml:"matrix_clients"`
	IRCClients      IRCClientsConfig      `yaml:"irc_clients"`
	MembershipLists MembershipListsConfig `yaml:"membership_lists"`

	// Mappings statically maps IRC channels to Matrix rooms.
	Mappings map[string][]id.RoomID `yaml:"mappings"`
}

type BotConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Nick                  string `yaml:"nick"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	JoinChannelsIfNoUsers bool   `yaml:"join_channels_if_no_users"`
}

// DynamicChannelsConfig names the room aliases of channels. Exclude lists
// channels that can never be linked.
type DynamicChannelsConfig struct {
	AliasTemplate string   `yaml:"alias_template"`
	Exclude       []string `yaml:"exclude"`
}

type MatrixClientsConfig struct {
	UserTemplate string `yaml:"user_template"`
}

type IRCClientsConfig struct {
	NickTemplate string     `yaml:"nick_template"`
	MaxClients   int        `yaml:"max_clients"`
	IPv6         IPv6Config `yaml:"ipv6"`
}

// IPv6Config assigns each bridged identity its own address below Prefix.
// Blocks reserves an offset range per Matrix homeserver, written as
// colon-delimited hex (e.g. "0:1:0").
type IPv6Config struct {
	Prefix string            `yaml:"prefix"`
	Blocks map[string]string `yaml:"blocks"`
}

type SyncRule struct {
	Initial     bool `yaml:"initial"`
	Incremental bool `yaml:"incremental"`
}

type GlobalSyncRules struct {
	IRCToMatrix SyncRule `yaml:"irc_to_matrix"`
	MatrixToIRC SyncRule `yaml:"matrix_to_irc"`
}

// RoomSyncRule overrides the global matrix->irc rule for one room. A nil
// MatrixToIRC leaves the global rule in effect.
type RoomSyncRule struct {
	Room        id.RoomID `yaml:"room"`
	MatrixToIRC *SyncRule `yaml:"matrix_to_irc"`
}

// ChannelSyncRule overrides the global irc->matrix rule for one channel.
type ChannelSyncRule struct {
	Channel     string    `yaml:"channel"`
	IRCToMatrix *SyncRule `yaml:"irc_to_matrix"`
}

type MembershipListsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	FloodDelayMs int               `yaml:"flood_delay_ms"`
	Global       GlobalSyncRules   `yaml:"global"`
	Rooms        []RoomSyncRule    `yaml:"rooms"`
	Channels     []ChannelSyncRule `yaml:"channels"`
}

// DefaultConfig returns the values applied to every network before the
// user's own block is decoded on top.
func DefaultConfig() Config {
	return Config{
		Port: 6667,
		Bot: BotConfig{
			Enabled:               true,
			Nick:                  "appservicebot",
			Username:              "matrixbot",
			JoinChannelsIfNoUsers: true,
		},
		DynamicChannels: DynamicChannelsConfig{
			AliasTemplate: "#irc_$SERVER_$CHANNEL",
		},
		MatrixClients: MatrixClientsConfig{
			UserTemplate: "@$SERVER_$NICK",
		},
		IRCClients: IRCClientsConfig{
			NickTemplate: "M-$DISPLAY",
			MaxClients:   30,
		},
		MembershipLists: MembershipListsConfig{
			FloodDelayMs: 10000,
		},
		Mappings: map[string][]id.RoomID{},
	}
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	*c = DefaultConfig()
	return node.Decode((*rawConfig)(c))
}

// Validate checks the templates contain the tokens needed to derive
// identifiers in both directions.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.MatrixClients.UserTemplate, "@") {
		return fmt.Errorf("user_template must start with '@': %q", c.MatrixClients.UserTemplate)
	}
	if !strings.Contains(c.MatrixClients.UserTemplate, "$NICK") {
		return fmt.Errorf("user_template must contain $NICK: %q", c.MatrixClients.UserTemplate)
	}
	if c.DynamicChannels.AliasTemplate != "" {
		if !strings.HasPrefix(c.DynamicChannels.AliasTemplate, "#") {
			return fmt.Errorf("alias_template must start with '#': %q", c.DynamicChannels.AliasTemplate)
		}
		if !strings.Contains(c.DynamicChannels.AliasTemplate, "$CHANNEL") {
			return fmt.Errorf("alias_template must contain $CHANNEL: %q", c.DynamicChannels.AliasTemplate)
		}
	}
	if c.MembershipLists.FloodDelayMs < 0 {
		return fmt.Errorf("membership_lists.flood_delay_ms must not be negative")
	}
	return nil
}
