// Copyright 2024-2026 Aiku AI

package connector

import (
	"testing"

	"maunium.net/go/mautrix/id"
)

func TestIsChannel(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"#matrix":    true,
		"&local":     true,
		"+modeless":  true,
		"!ABCDEchan": true,
		"alice":      false,
		"":           false,
	}
	for target, want := range tests {
		if got := IsChannel(target); got != want {
			t.Errorf("IsChannel(%q): got %v, want %v", target, got, want)
		}
	}
}

func TestUsernameForUser(t *testing.T) {
	t.Parallel()
	tests := []struct {
		userID id.UserID
		want   string
	}{
		{"@alice:example.com", "alice"},
		{"@Alice.Smith:example.com", "alicesmith"},
		{"@averyveryverylongname:example.com", "averyveryv"},
		{"@...:example.com", fallbackUsername},
		{"@bob_1-2:example.com", "bob_1-2"},
	}
	for _, tt := range tests {
		if got := UsernameForUser(tt.userID); got != tt.want {
			t.Errorf("UsernameForUser(%q): got %q, want %q", tt.userID, got, tt.want)
		}
	}
}

func TestClientKeyAndFold(t *testing.T) {
	t.Parallel()
	a := clientKey("@alice:example.com", "irc.a.net")
	b := clientKey("@alice:example.com", "irc.b.net")
	if a == b {
		t.Error("clientKey should differ per network")
	}
	if foldChannel("#Matrix") != foldChannel("#matrix") {
		t.Error("foldChannel should be case insensitive")
	}
}
