// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"slices"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mautrix-appservice-irc/pkg/bansync"
	"github.com/aiku/mautrix-appservice-irc/pkg/ircserver"
	"github.com/aiku/mautrix-appservice-irc/pkg/store"
)

//go:embed example-config.yaml
var ExampleConfig string

const defaultAdminAPIAddr = ":29320"

// Config holds the bridge configuration.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Database   store.Config     `yaml:"database"`
	// PasswordEncryptionKeyPath points at an age identity file. Without it
	// the bridge refuses to store IRC passwords.
	PasswordEncryptionKeyPath string `yaml:"password_encryption_key_path"`

	AdminAPI AdminAPIConfig `yaml:"admin_api"`
	BanLists bansync.Config `yaml:"ban_lists"`

	// Networks is keyed by the IRC server hostname.
	Networks map[string]ircserver.Config `yaml:"networks"`

	Logging zeroconfig.Config `yaml:"logging"`

	servers map[string]*ircserver.Server `yaml:"-"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type AppServiceConfig struct {
	// Registration is the path of the appservice registration file.
	Registration string `yaml:"registration"`
	Hostname     string `yaml:"hostname"`
	Port         uint16 `yaml:"port"`
}

// AdminAPIConfig configures the HTTP admin API. RateLimit is in requests
// per second per remote address; zero disables limiting.
type AdminAPIConfig struct {
	Address   string  `yaml:"address"`
	Token     string  `yaml:"token"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and builds the network models.
func (c *Config) PostProcess() error {
	if c.Homeserver.Domain == "" {
		return errors.New("homeserver.domain is required")
	}
	if c.AdminAPI.Address == "" {
		c.AdminAPI.Address = defaultAdminAPIAddr
	}
	if c.AdminAPI.RateLimit < 0 || c.AdminAPI.Burst < 0 {
		return errors.New("admin_api.rate_limit and admin_api.burst must not be negative")
	}
	if c.AdminAPI.RateLimit > 0 && c.AdminAPI.Burst == 0 {
		c.AdminAPI.Burst = 1
	}
	servers := make(map[string]*ircserver.Server, len(c.Networks))
	for domain, netCfg := range c.Networks {
		if err := netCfg.Validate(); err != nil {
			return fmt.Errorf("invalid config for network %s: %w", domain, err)
		}
		server, err := ircserver.New(domain, c.Homeserver.Domain, netCfg)
		if err != nil {
			return fmt.Errorf("failed to load network %s: %w", domain, err)
		}
		servers[domain] = server
	}
	c.servers = servers
	return nil
}

// Servers returns the configured networks sorted by domain. PostProcess
// must have been called.
func (c *Config) Servers() []*ircserver.Server {
	domains := slices.Sorted(maps.Keys(c.servers))
	servers := make([]*ircserver.Server, 0, len(domains))
	for _, domain := range domains {
		servers = append(servers, c.servers[domain])
	}
	return servers
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "appservice", "registration")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "password_encryption_key_path")
	helper.Copy(up.Str, "admin_api", "address")
	helper.Copy(up.Str|up.Null, "admin_api", "token")
	helper.Copy(up.Float|up.Int, "admin_api", "rate_limit")
	helper.Copy(up.Int, "admin_api", "burst")
	helper.Copy(up.List, "ban_lists", "rooms")
	helper.Copy(up.Map, "ban_lists", "server_ban_lists")
	helper.Copy(up.Map, "networks")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config into the example config, keeping the
// user's values and adding any new keys.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"appservice"},
			{"database"},
			{"admin_api"},
			{"ban_lists"},
			{"networks"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}
