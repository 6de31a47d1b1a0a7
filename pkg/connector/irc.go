// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/lrstanley/girc"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-appservice-irc/pkg/ircserver"
)

// ircClient is the part of an IRC connection the bridge drives. It exists
// so tests can replace the network connection.
type ircClient interface {
	// Connect blocks until the connection ends.
	Connect() error
	Close()
	Quit(reason string)
	IsConnected() bool
	GetNick() string
	Join(channel, key string)
	Part(channel string)
	Handle(command string, handler func(IRCEvent))
}

// IRCEvent is a message received from the IRC server.
type IRCEvent struct {
	Command string
	// Source is the nick (or server name) the message came from.
	Source string
	Params []string
}

// Param returns the i-th parameter, or "" if there are fewer.
func (e IRCEvent) Param(i int) string {
	if i < 0 || i >= len(e.Params) {
		return ""
	}
	return e.Params[i]
}

// Last returns the trailing parameter.
func (e IRCEvent) Last() string {
	return e.Param(len(e.Params) - 1)
}

type dialConfig struct {
	Server   string
	Port     int
	SSL      bool
	Nick     string
	User     string
	Name     string
	Password string
	// Bind is the local address to connect from, if any.
	Bind string
}

type dialFunc func(cfg dialConfig) ircClient

type gircClient struct {
	*girc.Client
}

func dialGirc(cfg dialConfig) ircClient {
	return &gircClient{Client: girc.New(girc.Config{
		Server:     cfg.Server,
		Port:       cfg.Port,
		SSL:        cfg.SSL,
		Nick:       cfg.Nick,
		User:       cfg.User,
		Name:       cfg.Name,
		ServerPass: cfg.Password,
		Bind:       cfg.Bind,
	})}
}

func (g *gircClient) Join(channel, key string) {
	if key == "" {
		g.Cmd.Join(channel)
	} else {
		g.Cmd.JoinKey(channel, key)
	}
}

func (g *gircClient) Part(channel string) {
	g.Cmd.Part(channel)
}

func (g *gircClient) Handle(command string, handler func(IRCEvent)) {
	g.Handlers.Add(command, func(_ *girc.Client, e girc.Event) {
		evt := IRCEvent{Command: e.Command, Params: e.Params}
		if e.Source != nil {
			evt.Source = e.Source.Name
		}
		handler(evt)
	})
}

var errNotRegistered = errors.New("connection closed before registration completed")

// ircConn is one connection to a network, either the bridge bot's or a
// bridged Matrix user's.
type ircConn struct {
	client  ircClient
	network *ircserver.Server
	// userID is empty for the bot.
	userID id.UserID
	log    zerolog.Logger

	mu        sync.Mutex
	connected chan struct{}
	channels  map[string]string

	stopOnce sync.Once
	stopChan chan struct{}

	// onDisconnect runs when the connection drops without close being
	// called.
	onDisconnect func(err error)
}

func newIRCConn(client ircClient, network *ircserver.Server, userID id.UserID, log zerolog.Logger) *ircConn {
	c := &ircConn{
		client:    client,
		network:   network,
		userID:    userID,
		log:       log,
		connected: make(chan struct{}),
		channels:  make(map[string]string),
		stopChan:  make(chan struct{}),
	}
	client.Handle(girc.CONNECTED, func(IRCEvent) {
		c.mu.Lock()
		defer c.mu.Unlock()
		select {
		case <-c.connected:
		default:
			close(c.connected)
		}
	})
	return c
}

// connect dials and waits for registration to complete.
func (c *ircConn) connect(ctx context.Context) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.client.Connect()
	}()
	select {
	case <-connected:
		c.log.Info().Str("nick", c.client.GetNick()).Msg("Connected to IRC")
		go c.watch(errCh)
		return nil
	case err := <-errCh:
		if err == nil {
			err = errNotRegistered
		}
		return fmt.Errorf("failed to connect to %s: %w", c.network.Domain(), err)
	case <-ctx.Done():
		c.client.Close()
		return ctx.Err()
	}
}

func (c *ircConn) watch(errCh <-chan error) {
	err := <-errCh
	c.mu.Lock()
	c.connected = make(chan struct{})
	c.channels = make(map[string]string)
	c.mu.Unlock()

	select {
	case <-c.stopChan:
		return
	default:
	}
	c.log.Warn().Err(err).Msg("Disconnected from IRC")
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

func (c *ircConn) join(channel, key string) {
	c.mu.Lock()
	c.channels[foldChannel(channel)] = channel
	c.mu.Unlock()
	c.log.Debug().Str("channel", channel).Msg("Joining channel")
	c.client.Join(channel, key)
}

func (c *ircConn) part(channel string) {
	c.mu.Lock()
	delete(c.channels, foldChannel(channel))
	c.mu.Unlock()
	c.log.Debug().Str("channel", channel).Msg("Parting channel")
	c.client.Part(channel)
}

// forget drops channel without sending a PART, e.g. after a kick.
func (c *ircConn) forget(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, foldChannel(channel))
}

func (c *ircConn) inChannel(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[foldChannel(channel)]
	return ok
}

// Channels returns the joined channels sorted by name.
func (c *ircConn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Values(c.channels))
}

func (c *ircConn) nick() string {
	return c.client.GetNick()
}

func (c *ircConn) close(reason string) {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		if c.client.IsConnected() {
			c.client.Quit(reason)
		}
		c.client.Close()
	})
}
