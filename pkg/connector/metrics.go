// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aiku/mautrix-appservice-irc/pkg/membership"
)

const (
	connKindBot  = "bot"
	connKindUser = "user"
)

var (
	ircConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "irc_bridge",
			Name:      "irc_connections",
			Help:      "Open IRC connections.",
		},
		[]string{"network", "kind"},
	)

	connectionsRefused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "irc_bridge",
			Name:      "irc_connections_refused_total",
			Help:      "IRC connections refused before dialing.",
		},
		[]string{"network", "reason"},
	)

	adminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "irc_bridge",
			Name:      "admin_api_requests_total",
			Help:      "Admin API requests by route and status code.",
		},
		[]string{"route", "code"},
	)
)

// newRegistry returns a registry holding every bridge metric plus the Go
// runtime and process collectors.
func newRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ircConnections,
		connectionsRefused,
		adminRequests,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	if err := membership.RegisterMetrics(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
