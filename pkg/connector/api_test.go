// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-appservice-irc/pkg/store"
)

func serve(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Unmarshal %q: %v", w.Body.String(), err)
	}
}

func errcode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	decodeBody(t, w, &body)
	code, _ := body["errcode"].(string)
	return code
}

func TestReloadBansWithBody(t *testing.T) {
	t.Parallel()
	env := newTestConnector(t, quietNetworkYAML, func(fm *fakeMatrix) {
		fm.rooms["!bans:example.com"] = []*event.Event{policyRule("!bans:example.com", "@mallory:example.com")}
	})
	h := env.ic.adminRouter()

	w := serve(t, h, http.MethodPost, "/api/reload-bans", `{"rooms":["!bans:example.com"]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	decodeBody(t, w, &resp)
	if resp["rooms"] != 1 || resp["rules"] != 1 {
		t.Errorf("response: got %v, want 1 room and 1 rule", resp)
	}
	if _, banned := env.ic.BanSync.IsUserBanned("@mallory:example.com"); !banned {
		t.Error("rule from the reloaded list is not applied")
	}
}

func TestReloadBansEmptyBody(t *testing.T) {
	t.Parallel()
	env := newTestConnector(t, quietNetworkYAML, nil)

	w := serve(t, env.ic.adminRouter(), http.MethodPost, "/api/reload-bans", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("response has no X-Request-ID")
	}
}

func TestReloadBansRejectedRequests(t *testing.T) {
	t.Parallel()
	env := newTestConnector(t, quietNetworkYAML, nil)
	h := env.ic.adminRouter()

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"method not allowed", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"invalid JSON", http.MethodPost, "not json", http.StatusBadRequest},
		{"wrong shape", http.MethodPost, `{"rooms":"!bans:example.com"}`, http.StatusBadRequest},
		{"oversized", http.MethodPost, strings.Repeat("A", maxBodySize+1), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, h, tt.method, "/api/reload-bans", tt.body, nil)
			if w.Code != tt.want {
				t.Errorf("status: got %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAdminAPIToken(t *testing.T) {
	t.Parallel()
	env := newTestConnector(t, quietNetworkYAML, nil)
	env.ic.Config.AdminAPI.Token = "s3cret"
	h := env.ic.adminRouter()

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"not bearer", map[string]string{"Authorization": "s3cret"}, http.StatusUnauthorized},
		{"valid", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, h, http.MethodGet, "/api/channels/"+testDomain, "", tt.header)
			if w.Code != tt.want {
				t.Errorf("status: got %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAdminAPIRateLimit(t *testing.T) {
	t.Parallel()
	env := newTestConnector(t, quietNetworkYAML, nil)
	env.ic.Config.AdminAPI.RateLimit = 0.001
	env.ic.Config.AdminAPI.Burst = 1
	h := env.ic.adminRouter()

	target := "/api/channels/" + testDomain
	if w := serve(t, h, http.MethodGet, target, "", nil); w.Code != http.StatusOK {
		t.Fatalf("first request: got %d, want 200", w.Code)
	}
	if w := serve(t, h, http.MethodGet, target, "", nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: got %d, want 429", w.Code)
	}
	other := map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.1"}
	if w := serve(t, h, http.MethodGet, target, "", other); w.Code != http.StatusOK {
		t.Errorf("other client: got %d, want 200", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		remote string
		xff    string
		want   string
	}{
		{"192.0.2.1:1234", "", "192.0.2.1"},
		{"[2001:db8::1]:443", "", "2001:db8::1"},
		{"192.0.2.1:1234", "203.0.113.9", "203.0.113.9"},
		{"192.0.2.1:1234", " 203.0.113.9 , 10.0.0.1", "203.0.113.9"},
		{"garbage", "", "garbage"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.xff != "" {
			req.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q, %q): got %q, want %q", tt.remote, tt.xff, got, tt.want)
		}
	}
}

func TestListChannels(t *testing.T) {
	t.Parallel()
	env := startedEnv(t, "")
	h := env.ic.adminRouter()

	w := serve(t, h, http.MethodGet, "/api/channels/"+testDomain, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Joined []string `json:"joined"`
		Wanted []string `json:"wanted"`
	}
	decodeBody(t, w, &resp)
	if !slices.Equal(resp.Joined, []string{"#chan"}) || !slices.Equal(resp.Wanted, []string{"#chan"}) {
		t.Errorf("channels: got %+v, want #chan joined and wanted", resp)
	}

	w = serve(t, h, http.MethodGet, "/api/channels/irc.unknown.org", "", nil)
	if w.Code != http.StatusNotFound || errcode(t, w) != "IRC_UNKNOWN_NETWORK" {
		t.Errorf("unknown network: got %d %s", w.Code, w.Body.String())
	}
}

func TestResync(t *testing.T) {
	t.Parallel()
	env := startedEnv(t, "")
	h := env.ic.adminRouter()
	before := len(env.matrix.callsTo("MemberSnapshot"))

	w := serve(t, h, http.MethodPost, "/api/resync/"+testDomain, "", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	decodeBody(t, w, &resp)
	if resp["rooms"] != float64(1) {
		t.Errorf("rooms: got %v, want 1", resp["rooms"])
	}
	if after := len(env.matrix.callsTo("MemberSnapshot")); after <= before {
		t.Error("resync did not refetch membership")
	}

	if w = serve(t, h, http.MethodPost, "/api/resync/irc.unknown.org", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown network: got %d, want 404", w.Code)
	}
}

func TestProvisionLinkLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestConnector(t, quietNetworkYAML, nil)
	h := env.ic.adminRouter()
	waitFor(t, "bot to connect", func() bool { return env.net(t).getBot() != nil })

	link := `{"remote_room_channel":"#new","remote_room_server":"irc.example.net","matrix_room_id":"!new:example.com","op_nick":"op","key":"hunter2"}`
	w := serve(t, h, http.MethodPost, "/_matrix/provision/link", link, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("link: got %d, want 200: %s", w.Code, w.Body.String())
	}
	if joins := env.bot().joined(); !slices.Contains(joins, "#new hunter2") {
		t.Errorf("bot joins: got %q, want #new with key", joins)
	}

	w = serve(t, h, http.MethodPost, "/_matrix/provision/link", link, nil)
	if w.Code != http.StatusConflict || errcode(t, w) != "IRC_EXISTING_MAPPING" {
		t.Errorf("duplicate link: got %d %s", w.Code, w.Body.String())
	}

	w = serve(t, h, http.MethodGet, "/_matrix/provision/listlinks/!new:example.com", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("listlinks: got %d, want 200: %s", w.Code, w.Body.String())
	}
	var listings []linkListing
	decodeBody(t, w, &listings)
	want := []linkListing{{MatrixRoomID: "!new:example.com", RemoteRoomChannel: "#new", RemoteRoomServer: testDomain}}
	if !slices.Equal(listings, want) {
		t.Errorf("listings: got %+v, want %+v", listings, want)
	}

	unlink := `{"remote_room_channel":"#new","remote_room_server":"irc.example.net","matrix_room_id":"!new:example.com"}`
	if w = serve(t, h, http.MethodPost, "/_matrix/provision/unlink", unlink, nil); w.Code != http.StatusOK {
		t.Fatalf("unlink: got %d, want 200: %s", w.Code, w.Body.String())
	}
	if parts := env.bot().parted(); !slices.Equal(parts, []string{"#new"}) {
		t.Errorf("bot parts: got %q, want [#new]", parts)
	}
	w = serve(t, h, http.MethodPost, "/_matrix/provision/unlink", unlink, nil)
	if w.Code != http.StatusNotFound || errcode(t, w) != "IRC_UNKNOWN_ROOM" {
		t.Errorf("second unlink: got %d %s", w.Code, w.Body.String())
	}
}

func TestProvisionUnlinkKeepsConfigMappings(t *testing.T) {
	t.Parallel()
	env := newTestConnector(t, quietNetworkYAML, nil)
	h := env.ic.adminRouter()

	unlink := `{"remote_room_channel":"#chan","remote_room_server":"irc.example.net","matrix_room_id":"!room:example.com"}`
	w := serve(t, h, http.MethodPost, "/_matrix/provision/unlink", unlink, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unlink of a config mapping: got %d, want 404", w.Code)
	}
	m, err := env.ic.Store.GetRoom(context.Background(), testRoom, testDomain, "#chan", store.OriginConfig)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if m == nil {
		t.Error("config mapping was removed")
	}
}

func TestProvisionRejectedRequests(t *testing.T) {
	t.Parallel()
	env := newTestConnector(t, quietNetworkYAML, nil)
	h := env.ic.adminRouter()

	tests := []struct {
		name    string
		path    string
		body    string
		status  int
		errcode string
	}{
		{"bad JSON", "/_matrix/provision/link", "{", http.StatusBadRequest, "M_BAD_JSON"},
		{"missing fields", "/_matrix/provision/link", `{"remote_room_channel":"#a"}`, http.StatusBadRequest, "M_BAD_JSON"},
		{"unknown network", "/_matrix/provision/link",
			`{"remote_room_channel":"#a","remote_room_server":"irc.unknown.org","matrix_room_id":"!a:example.com","op_nick":"op"}`,
			http.StatusNotFound, "IRC_UNKNOWN_NETWORK"},
		{"excluded channel", "/_matrix/provision/link",
			`{"remote_room_channel":"#secret","remote_room_server":"irc.example.net","matrix_room_id":"!a:example.com","op_nick":"op"}`,
			http.StatusNotFound, "IRC_UNKNOWN_CHANNEL"},
		{"key with leading colon", "/_matrix/provision/link",
			`{"remote_room_channel":"#a","remote_room_server":"irc.example.net","matrix_room_id":"!a:example.com","op_nick":"op","key":":x"}`,
			http.StatusBadRequest, "M_BAD_JSON"},
		{"channel with space", "/_matrix/provision/unlink",
			`{"remote_room_channel":"#a b","remote_room_server":"irc.example.net","matrix_room_id":"!a:example.com"}`,
			http.StatusBadRequest, "M_BAD_JSON"},
		{"script in room ID", "/_matrix/provision/unlink",
			`{"remote_room_channel":"#a","remote_room_server":"irc.example.net","matrix_room_id":"<script>alert(1)</script>"}`,
			http.StatusBadRequest, "M_BAD_JSON"},
		{"null bytes", "/_matrix/provision/link",
			"{\"remote_room_channel\":\"#a\\u0000\",\"remote_room_server\":\"irc.example.net\",\"matrix_room_id\":\"!a:example.com\",\"op_nick\":\"op\"}",
			http.StatusBadRequest, "M_BAD_JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, h, http.MethodPost, tt.path, tt.body, nil)
			if w.Code != tt.status {
				t.Errorf("status: got %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			if got := errcode(t, w); got != tt.errcode {
				t.Errorf("errcode: got %q, want %q", got, tt.errcode)
			}
		})
	}

	w := serve(t, h, http.MethodGet, "/_matrix/provision/listlinks/not-a-room", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("listlinks with bad room ID: got %d, want 400", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestConnector(t, quietNetworkYAML, nil)
	h := env.ic.adminRouter()

	serve(t, h, http.MethodGet, "/api/channels/"+testDomain, "", nil)
	w := serve(t, h, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`irc_bridge_admin_api_requests_total{code="200",route="/api/channels/{network}"}`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output lacks %s", want)
		}
	}
}
