// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

const (
	maxUsernameLength = 10
	fallbackUsername  = "matrixirc"
)

// clientKey identifies a user's connection to one network.
func clientKey(userID id.UserID, domain string) string {
	return domain + "\x00" + string(userID)
}

// IsChannel reports whether target is a channel name rather than a nick.
func IsChannel(target string) bool {
	return target != "" && strings.ContainsRune("#&+!", rune(target[0]))
}

// foldChannel normalizes a channel name for map keys.
func foldChannel(channel string) string {
	return strings.ToLower(channel)
}

// UsernameForUser derives the IRC username (ident) for a Matrix user from
// their localpart.
func UsernameForUser(userID id.UserID) string {
	localpart, _, err := userID.Parse()
	if err != nil {
		localpart, _, _ = strings.Cut(strings.TrimPrefix(string(userID), "@"), ":")
	}
	var b strings.Builder
	for _, r := range strings.ToLower(localpart) {
		if b.Len() == maxUsernameLength {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return fallbackUsername
	}
	return b.String()
}
