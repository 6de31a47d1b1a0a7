// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-appservice-irc/pkg/ircserver"
	"github.com/aiku/mautrix-appservice-irc/pkg/store"
)

// clientConfig loads userID's identity on server, creating and storing a
// default one on first use. When the network has an IPv6 prefix an
// address is allocated (and persisted by the allocator).
func (ic *IRCConnector) clientConfig(ctx context.Context, server *ircserver.Server, userID id.UserID) (*store.ClientConfig, error) {
	cfg, err := ic.Store.GetIRCClientConfig(ctx, userID, server.Domain())
	if err != nil {
		return nil, fmt.Errorf("failed to load IRC config of %s: %w", userID, err)
	}
	created := cfg == nil
	if created {
		cfg = &store.ClientConfig{
			UserID:   userID,
			Domain:   server.Domain(),
			Nick:     server.Nick(userID, ""),
			Username: UsernameForUser(userID),
		}
	}
	if prefix := server.IPv6Prefix(); prefix != "" && cfg.IPv6 == "" {
		if _, err = ic.IPv6.Generate(ctx, prefix, cfg, server); err != nil {
			return nil, fmt.Errorf("failed to allocate IPv6 address for %s: %w", userID, err)
		}
		return cfg, nil
	}
	if created {
		if err = ic.Store.StoreIRCClientConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to store IRC config of %s: %w", userID, err)
		}
		ic.Log.Info().
			Str("user_id", userID.String()).
			Str("network", server.Domain()).
			Str("nick", cfg.Nick).
			Msg("Created IRC identity")
	}
	return cfg, nil
}

// botDialConfig builds the bridge bot's connection settings. The bot's
// IPv6 address comes from the shared counter on its first connection and
// is kept for the lifetime of the connector.
func (ic *IRCConnector) botDialConfig(ctx context.Context, net *network) (dialConfig, error) {
	server := net.server
	cfg := server.Config()
	dc := dialConfig{
		Server:   server.Domain(),
		Port:     server.Port(),
		SSL:      server.UseSSL(),
		Nick:     server.BotNick(),
		User:     server.BotUsername(),
		Name:     "Matrix bridge bot",
		Password: cfg.Bot.Password,
	}
	if dc.Password == "" {
		dc.Password = cfg.Password
	}
	prefix := server.IPv6Prefix()
	if prefix == "" {
		return dc, nil
	}
	net.mu.Lock()
	defer net.mu.Unlock()
	if net.botIPv6 == "" {
		addr, err := ic.IPv6.Generate(ctx, prefix, &store.ClientConfig{Username: dc.User, Domain: server.Domain()}, server)
		if err != nil {
			return dc, fmt.Errorf("failed to allocate IPv6 address for the bot: %w", err)
		}
		net.botIPv6 = addr
	}
	dc.Bind = net.botIPv6
	return dc, nil
}

func userDialConfig(server *ircserver.Server, cfg *store.ClientConfig) dialConfig {
	password := cfg.Password
	if password == "" {
		password = server.Config().Password
	}
	return dialConfig{
		Server:   server.Domain(),
		Port:     server.Port(),
		SSL:      server.UseSSL(),
		Nick:     cfg.Nick,
		User:     cfg.Username,
		Name:     string(cfg.UserID),
		Password: password,
		Bind:     cfg.IPv6,
	}
}
