// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector runs the Matrix-IRC bridge: a Matrix appservice on one
// side and a pool of IRC connections on the other.
//
// # Core Types
//
// [IRCConnector] owns the bridge lifecycle. Start opens the database,
// connects the bridge bot to every configured network and runs the initial
// membership sync; Stop quits every IRC connection and releases the rest.
//
// [MatrixAPI] is everything the bridge does on the homeserver. In production
// it is backed by appservice intents; tests substitute an in-memory fake.
//
// Each network has one bot connection, which joins the mapped channels and
// reports their NAMES, JOIN, PART and KICK traffic, and one connection per
// bridged Matrix user, dialed on demand when the user joins a mapped room.
// Banned users are never connected, and a network's max_clients limit is
// enforced before dialing.
//
// # Admin API
//
// The admin HTTP API serves ban list reloads, resyncs, channel listings,
// Prometheus metrics and the provisioning link routes. Requests may be
// protected by a bearer token and are rate limited per client address.
package connector
