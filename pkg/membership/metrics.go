// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package membership

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Join injection outcomes.
const (
	resultOK      = "ok"
	resultError   = "error"
	resultTimeout = "timeout"
	resultSkipped = "skipped"
)

var (
	joinInjections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "irc_bridge",
			Name:      "member_list_join_injections_total",
			Help:      "Join injections performed by the initial member list sync.",
		},
		[]string{"network", "result"},
	)

	syncableRoomsFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "irc_bridge",
			Name:      "syncable_rooms_fetch_failures_total",
			Help:      "Failed attempts to fetch the Matrix membership snapshot.",
		},
		[]string{"network"},
	)

	namesLeaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "irc_bridge",
			Name:      "names_leaves_total",
			Help:      "Ghost leaves issued after reconciling an IRC NAMES list.",
		},
		[]string{"network", "result"},
	)

	syncableRooms = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "irc_bridge",
			Name:      "syncable_rooms",
			Help:      "Rooms with at least one real Matrix user in the last snapshot.",
		},
		[]string{"network"},
	)
)

// RegisterMetrics registers the member list metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{joinInjections, syncableRoomsFailures, namesLeaves, syncableRooms} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
