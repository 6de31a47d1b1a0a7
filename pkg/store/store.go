// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists room mappings, per-user IRC client configs, admin
// and PM rooms, and the IPv6 allocation counters.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "irc_schema_migrations"

// Config selects the database backend.
type Config struct {
	// Type is "sqlite" or "postgres".
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// Network is the part of a configured IRC network the store needs.
type Network interface {
	Domain() string
	ConfigMappings() map[string][]id.RoomID
}

// Store is the bridge database.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger

	identity *age.X25519Identity

	networksMu sync.RWMutex
	networks   map[string]struct{}

	// cacheGen counts invalidations so that a read which raced with a
	// write does not repopulate roomChannels with what it read before.
	cacheMu      sync.Mutex
	cacheGen     uint64
	roomChannels *ttlcache.Cache[id.RoomID, []IRCChannel]
}

// Option customizes a Store.
type Option func(*Store)

// WithEncryptionKey enables storing IRC passwords, encrypted to identity.
func WithEncryptionKey(identity *age.X25519Identity) Option {
	return func(s *Store) {
		s.identity = identity
	}
}

// WithCacheTTL overrides how long room to channel lookups are cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.roomChannels = newRoomCache(ttl)
	}
}

func newRoomCache(ttl time.Duration) *ttlcache.Cache[id.RoomID, []IRCChannel] {
	return ttlcache.New[id.RoomID, []IRCChannel](
		ttlcache.WithTTL[id.RoomID, []IRCChannel](ttl),
	)
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg Config, log zerolog.Logger, opts ...Option) (*Store, error) {
	driverName, err := driverFor(cfg.Type)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driverName, cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driverName == "sqlite" && strings.Contains(cfg.URI, ":memory:") {
		// Every connection to an in-memory database is a separate database.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = runMigrations(db, driverName); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := New(db, log, opts...)
	s.log.Info().Str("driver", driverName).Msg("Database ready")
	return s, nil
}

func driverFor(dbType string) (string, error) {
	switch strings.ToLower(dbType) {
	case "", "sqlite", "sqlite3":
		return "sqlite", nil
	case "postgres", "postgresql", "pgx":
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported database type %q", dbType)
	}
}

func runMigrations(db *sqlx.DB, driverName string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	var m *migrate.Migrate
	switch driverName {
	case "pgx":
		drv, err := migratepgx.WithInstance(db.DB, &migratepgx.Config{MigrationsTable: migrationsTable})
		if err != nil {
			return fmt.Errorf("failed to prepare migrations: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx", drv)
		if err != nil {
			return fmt.Errorf("failed to prepare migrations: %w", err)
		}
	default:
		drv, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{MigrationsTable: migrationsTable})
		if err != nil {
			return fmt.Errorf("failed to prepare migrations: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("failed to prepare migrations: %w", err)
		}
	}
	// m.Close would close the shared *sql.DB, so only the source is released.
	defer src.Close()
	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// New wraps an already migrated database.
func New(db *sqlx.DB, log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		db:       db,
		log:      log.With().Str("component", "store").Logger(),
		networks: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.roomChannels == nil {
		s.roomChannels = newRoomCache(5 * time.Minute)
	}
	go s.roomChannels.Start()
	return s
}

func (s *Store) Close() error {
	s.roomChannels.Stop()
	return s.db.Close()
}

// SetServerFromConfig marks the network as known and stores its statically
// configured mappings with origin config.
func (s *Store) SetServerFromConfig(ctx context.Context, network Network) error {
	s.networksMu.Lock()
	s.networks[network.Domain()] = struct{}{}
	s.networksMu.Unlock()

	for channel, rooms := range network.ConfigMappings() {
		for _, roomID := range rooms {
			err := s.StoreRoom(ctx, RoomMapping{
				RoomID:  roomID,
				Domain:  network.Domain(),
				Channel: channel,
				Origin:  OriginConfig,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) isKnownNetwork(domain string) bool {
	s.networksMu.RLock()
	defer s.networksMu.RUnlock()
	_, ok := s.networks[domain]
	return ok
}

func (s *Store) filterKnown(channels []IRCChannel) []IRCChannel {
	known := channels[:0:0]
	for _, ch := range channels {
		if s.isKnownNetwork(ch.Domain) {
			known = append(known, ch)
		}
	}
	return known
}
