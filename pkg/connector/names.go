// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"strings"
	"sync"
)

// namesPrefixes are the channel status prefixes a NAMES entry may carry.
const namesPrefixes = "~&@%+"

// StripNamesPrefix returns the bare nick of a NAMES entry, dropping status
// prefixes and the user@host suffix sent with userhost-in-names.
func StripNamesPrefix(entry string) string {
	nick := strings.TrimLeft(entry, namesPrefixes)
	nick, _, _ = strings.Cut(nick, "!")
	return nick
}

// namesBuffer collects RPL_NAMREPLY lines until RPL_ENDOFNAMES.
type namesBuffer struct {
	mu      sync.Mutex
	pending map[string][]string
}

func newNamesBuffer() *namesBuffer {
	return &namesBuffer{pending: make(map[string][]string)}
}

func (b *namesBuffer) add(channel, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := foldChannel(channel)
	for _, entry := range strings.Fields(line) {
		if nick := StripNamesPrefix(entry); nick != "" {
			b.pending[key] = append(b.pending[key], nick)
		}
	}
}

// finish returns the collected nicks for channel and resets it.
func (b *namesBuffer) finish(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := foldChannel(channel)
	nicks := b.pending[key]
	delete(b.pending, key)
	return nicks
}
