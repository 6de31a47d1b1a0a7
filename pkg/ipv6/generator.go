// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ipv6 hands out a unique IPv6 address to every bridged IRC
// connection so networks can tell users apart.
package ipv6

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-appservice-irc/pkg/queue"
	"github.com/aiku/mautrix-appservice-irc/pkg/store"
)

// GlobalCounterKey is shared by the bridge bot and by homeservers without a
// reserved block.
const GlobalCounterKey = "*"

// Store is the persistence the generator needs.
type Store interface {
	GetIPv6Counter(ctx context.Context, key string) (uint64, error)
	SetIPv6Counter(ctx context.Context, key string, value uint64) error
	GetIRCClientConfig(ctx context.Context, userID id.UserID, domain string) (*store.ClientConfig, error)
	StoreIRCClientConfig(ctx context.Context, cfg *store.ClientConfig) error
}

// Network is the part of an IRC network config the generator needs.
type Network interface {
	Domain() string
	IPv6BlockForHomeserver(homeserver string) (string, bool)
}

type request struct {
	prefix  string
	cfg     *store.ClientConfig
	network Network
}

// Generator allocates addresses below a network's prefix from a persisted
// counter. Allocations are serialized so two identities can never receive
// the same address.
type Generator struct {
	store Store
	log   zerolog.Logger
	queue *queue.Queue[request, string]

	loadMu    sync.Mutex
	counterMu sync.Mutex
	counters  map[string]uint64
}

func NewGenerator(s Store, log zerolog.Logger) *Generator {
	g := &Generator{
		store:    s,
		log:      log.With().Str("component", "ipv6").Logger(),
		counters: make(map[string]uint64),
	}
	g.queue = queue.New(g.process, 64)
	return g
}

func (g *Generator) Close() {
	g.queue.Close()
}

func homeserverOf(userID id.UserID) string {
	if userID == "" {
		return ""
	}
	_, homeserver, err := userID.Parse()
	if err != nil {
		return ""
	}
	return homeserver
}

// CounterKey picks the counter partition for userID on network. The bot has
// no user ID and always uses the global counter.
func (g *Generator) CounterKey(userID id.UserID, network Network) string {
	homeserver := homeserverOf(userID)
	if homeserver == "" {
		return GlobalCounterKey
	}
	if _, ok := network.IPv6BlockForHomeserver(homeserver); ok {
		return network.Domain() + "/" + homeserver
	}
	return GlobalCounterKey
}

// Generate returns cfg's address, allocating one if it has none. The
// address is set on cfg once it has been persisted.
func (g *Generator) Generate(ctx context.Context, prefix string, cfg *store.ClientConfig, network Network) (string, error) {
	if cfg.IPv6 != "" {
		g.log.Info().Str("address", cfg.IPv6).Str("user_id", cfg.UserID.String()).Msg("Using existing IPv6 address")
		return cfg.IPv6, nil
	}
	key := g.CounterKey(cfg.UserID, network)
	if err := g.loadCounter(ctx, key); err != nil {
		return "", err
	}
	queueID := cfg.UserID.String()
	if queueID == "" {
		queueID = cfg.Username
	}
	if queueID == "" {
		return "", errors.New("neither a user ID nor a username was provided")
	}
	g.log.Info().Str("id", queueID).Str("counter_key", key).Msg("Enqueueing IPv6 generation request")
	return g.queue.Enqueue(ctx, queueID, request{prefix: prefix, cfg: cfg, network: network})
}

func (g *Generator) loadCounter(ctx context.Context, key string) error {
	g.loadMu.Lock()
	defer g.loadMu.Unlock()
	g.counterMu.Lock()
	_, ok := g.counters[key]
	g.counterMu.Unlock()
	if ok {
		return nil
	}
	g.log.Info().Str("counter_key", key).Msg("Retrieving IPv6 counter")
	value, err := g.store.GetIPv6Counter(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load IPv6 counter %s: %w", key, err)
	}
	g.counterMu.Lock()
	g.counters[key] = value
	g.counterMu.Unlock()
	return nil
}

func (g *Generator) process(ctx context.Context, req request) (string, error) {
	userID := req.cfg.UserID
	key := g.CounterKey(userID, req.network)

	g.counterMu.Lock()
	counter, ok := g.counters[key]
	if !ok {
		g.counterMu.Unlock()
		return "", fmt.Errorf("no IPv6 counter loaded for %s", key)
	}
	counter++
	g.counters[key] = counter
	g.counterMu.Unlock()

	value := counter
	if block, ok := req.network.IPv6BlockForHomeserver(homeserverOf(userID)); ok && userID != "" {
		offset, err := ParseBlock(block)
		if err != nil {
			return "", err
		}
		value += offset
	}
	address := req.prefix + FormatSuffix(value)

	// Only real users get their address persisted.
	if userID != "" {
		existing, err := g.store.GetIRCClientConfig(ctx, userID, req.network.Domain())
		if err != nil {
			return "", err
		}
		cfg := *req.cfg
		if existing != nil {
			cfg = *existing
		}
		cfg.IPv6 = address
		g.log.Info().Str("address", address).Str("user_id", userID.String()).Msg("Generated new IPv6 address")
		if err = g.store.StoreIRCClientConfig(ctx, &cfg); err != nil {
			return "", err
		}
	}
	if err := g.store.SetIPv6Counter(ctx, key, counter); err != nil {
		return "", err
	}
	req.cfg.IPv6 = address
	return address, nil
}

// ParseBlock parses a colon-delimited hex block such as "0:1:0".
func ParseBlock(block string) (uint64, error) {
	offset, err := strconv.ParseUint(strings.ReplaceAll(block, ":", ""), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid IPv6 block %q: %w", block, err)
	}
	return offset, nil
}

// FormatSuffix renders n in hex with a colon every four digits counting
// from the right, e.g. 0x1a2b3c4d5e6 becomes "1a2:b3c4:d5e6".
func FormatSuffix(n uint64) string {
	digits := strconv.FormatUint(n, 16)
	var sb strings.Builder
	lead := len(digits) % 4
	if lead == 0 {
		lead = 4
	}
	sb.WriteString(digits[:lead])
	for i := lead; i < len(digits); i += 4 {
		sb.WriteByte(':')
		sb.WriteString(digits[i : i+4])
	}
	return sb.String()
}
