// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-appservice-irc is a Matrix-IRC appservice bridge. It keeps
// Matrix room membership and IRC channel membership in sync, connecting one
// IRC client per bridged Matrix user.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mautrix-appservice-irc/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath   = flag.StringP("config", "c", "config.yaml", "Path to the config file")
	registration = flag.StringP("registration", "r", "", "Override the appservice registration path from the config")
	noUpdate     = flag.Bool("no-update", false, "Don't write the upgraded config back to disk")
	version      = flag.BoolP("version", "v", false, "Print the version and exit")
)

func loadConfig() (*connector.Config, error) {
	data, _, err := up.Do(*configPath, !*noUpdate, connector.Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg connector.Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if *registration != "" {
		cfg.AppService.Registration = *registration
	}
	return &cfg, nil
}

func main() {
	flag.Parse()
	if *version {
		fmt.Printf("mautrix-appservice-irc %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	log.Info().Str("version", Tag).Str("commit", Commit).Str("built_at", BuildTime).Msg("Initializing bridge")

	ic := &connector.IRCConnector{Config: *cfg}
	ic.Init(*log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = ic.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start bridge")
		os.Exit(12)
	}
	<-ctx.Done()
	log.Info().Msg("Interrupt received, stopping")
	ic.Stop()
}
