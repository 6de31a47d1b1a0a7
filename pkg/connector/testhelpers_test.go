// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lrstanley/girc"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-appservice-irc/pkg/membership"
	"github.com/aiku/mautrix-appservice-irc/pkg/store"
)

const (
	testDomain = "irc.example.net"
	testBot    = id.UserID("@appservice:example.com")
	testRoom   = id.RoomID("!room:example.com")
)

// ghostOf returns the virtual user of nick on the test network.
func ghostOf(nick string) id.UserID {
	return id.UserID("@" + testDomain + "_" + nick + ":example.com")
}

func memberEvent(roomID id.RoomID, sender, target id.UserID, membership string) *event.Event {
	stateKey := string(target)
	return &event.Event{
		Type:     event.StateMember,
		RoomID:   roomID,
		Sender:   sender,
		StateKey: &stateKey,
		Content:  event.Content{Raw: map[string]any{"membership": membership}},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// matrixCall records one call made on fakeMatrix.
type matrixCall struct {
	Method string
	UserID id.UserID
	RoomID id.RoomID
	Target string
}

// fakeMatrix is an in-memory homeserver. Rooms are described by their
// member events.
type fakeMatrix struct {
	mu      sync.Mutex
	rooms   map[id.RoomID][]*event.Event
	aliases map[string]id.RoomID
	// failGhostJoins makes EnsureGhostJoined fail.
	failGhostJoins bool
	calls          []matrixCall
	sent           []*event.Event
}

var _ MatrixAPI = (*fakeMatrix)(nil)

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		rooms:   make(map[id.RoomID][]*event.Event),
		aliases: make(map[string]id.RoomID),
	}
}

// setMembers replaces the joined members of roomID. The bot is always
// joined.
func (f *fakeMatrix) setMembers(roomID id.RoomID, userIDs ...id.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evts := []*event.Event{memberEvent(roomID, testBot, testBot, "join")}
	for _, userID := range userIDs {
		evts = append(evts, memberEvent(roomID, userID, userID, "join"))
	}
	f.rooms[roomID] = evts
}

func (f *fakeMatrix) record(call matrixCall) {
	f.calls = append(f.calls, call)
}

func (f *fakeMatrix) BotUserID() id.UserID {
	return testBot
}

func (f *fakeMatrix) MemberSnapshot(context.Context) (map[id.RoomID][]*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(matrixCall{Method: "MemberSnapshot"})
	out := make(map[id.RoomID][]*event.Event, len(f.rooms))
	for roomID, evts := range f.rooms {
		out[roomID] = slices.Clone(evts)
	}
	return out, nil
}

func (f *fakeMatrix) RoomState(_ context.Context, roomID id.RoomID) ([]*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(matrixCall{Method: "RoomState", RoomID: roomID})
	state := slices.Clone(f.rooms[roomID])
	for _, evt := range f.sent {
		if evt.RoomID == roomID {
			state = append(state, evt)
		}
	}
	return state, nil
}

func (f *fakeMatrix) LeaveRoom(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(matrixCall{Method: "LeaveRoom", UserID: userID, RoomID: roomID})
	return nil
}

func (f *fakeMatrix) JoinRoom(_ context.Context, roomIDOrAlias string) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(matrixCall{Method: "JoinRoom", Target: roomIDOrAlias})
	if strings.HasPrefix(roomIDOrAlias, "#") {
		roomID, ok := f.aliases[roomIDOrAlias]
		if !ok {
			return "", errors.New("M_NOT_FOUND: unknown alias")
		}
		return roomID, nil
	}
	return id.RoomID(roomIDOrAlias), nil
}

func (f *fakeMatrix) SendStateEvent(_ context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(matrixCall{Method: "SendStateEvent", RoomID: roomID, Target: stateKey})
	raw, _ := content.(map[string]any)
	f.sent = append(f.sent, &event.Event{
		Type:     evtType,
		RoomID:   roomID,
		StateKey: &stateKey,
		Content:  event.Content{Raw: raw},
	})
	return nil
}

func (f *fakeMatrix) EnsureGhostJoined(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(matrixCall{Method: "EnsureGhostJoined", UserID: userID, RoomID: roomID})
	if f.failGhostJoins {
		return errors.New("M_FORBIDDEN: ghost cannot join")
	}
	return nil
}

// callsTo returns the recorded calls of one method.
func (f *fakeMatrix) callsTo(method string) []matrixCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []matrixCall
	for _, call := range f.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// fakeIRCClient stands in for a girc client. Connect completes
// registration immediately and then blocks until Close or drop.
type fakeIRCClient struct {
	cfg dialConfig

	mu         sync.Mutex
	handlers   map[string][]func(IRCEvent)
	connected  bool
	connectErr error
	joins      []string
	parts      []string
	quits      []string
	done       chan struct{}
	doneOnce   sync.Once
	dropErr    error
}

var _ ircClient = (*fakeIRCClient)(nil)

func newFakeIRCClient(cfg dialConfig) *fakeIRCClient {
	return &fakeIRCClient{
		cfg:      cfg,
		handlers: make(map[string][]func(IRCEvent)),
		done:     make(chan struct{}),
	}
}

func (c *fakeIRCClient) Connect() error {
	c.mu.Lock()
	if c.connectErr != nil {
		err := c.connectErr
		c.mu.Unlock()
		return err
	}
	c.connected = true
	c.mu.Unlock()
	c.emit(girc.CONNECTED, IRCEvent{Command: girc.CONNECTED})
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return c.dropErr
}

func (c *fakeIRCClient) Close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// drop ends the connection as if the server went away.
func (c *fakeIRCClient) drop(err error) {
	c.mu.Lock()
	c.dropErr = err
	c.mu.Unlock()
	c.Close()
}

func (c *fakeIRCClient) Quit(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quits = append(c.quits, reason)
}

func (c *fakeIRCClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeIRCClient) GetNick() string {
	return c.cfg.Nick
}

func (c *fakeIRCClient) Join(channel, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key != "" {
		channel += " " + key
	}
	c.joins = append(c.joins, channel)
}

func (c *fakeIRCClient) Part(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts = append(c.parts, channel)
}

func (c *fakeIRCClient) Handle(command string, handler func(IRCEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[command] = append(c.handlers[command], handler)
}

// emit delivers a message to the registered handlers.
func (c *fakeIRCClient) emit(command string, evt IRCEvent) {
	c.mu.Lock()
	handlers := slices.Clone(c.handlers[command])
	c.mu.Unlock()
	evt.Command = command
	for _, h := range handlers {
		h(evt)
	}
}

func (c *fakeIRCClient) joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.joins)
}

func (c *fakeIRCClient) parted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.parts)
}

func (c *fakeIRCClient) quitReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.quits)
}

// fakeDialer hands out fakeIRCClients and remembers them by nick.
type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeIRCClient
	// failNicks makes connections with these nicks fail.
	failNicks map[string]bool
}

func (d *fakeDialer) dial(cfg dialConfig) ircClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeIRCClient(cfg)
	if d.failNicks[cfg.Nick] {
		c.connectErr = errors.New("connection refused")
	}
	d.clients = append(d.clients, c)
	return c
}

// byNick returns the latest client dialed with nick.
func (d *fakeDialer) byNick(nick string) *fakeIRCClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.clients) - 1; i >= 0; i-- {
		if d.clients[i].cfg.Nick == nick {
			return d.clients[i]
		}
	}
	return nil
}

func (d *fakeDialer) dialCount(nick string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, c := range d.clients {
		if c.cfg.Nick == nick {
			count++
		}
	}
	return count
}

// testNetworkYAML is the network block used unless a test provides its
// own. Every membership sync direction is enabled.
const testNetworkYAML = `
networks:
    irc.example.net:
        port: 6697
        ssl: true
        bot:
            join_channels_if_no_users: false
        irc_clients:
            max_clients: 10
        membership_lists:
            enabled: true
            global:
                irc_to_matrix:
                    initial: true
                    incremental: true
                matrix_to_irc:
                    initial: true
                    incremental: true
        mappings:
            "#chan":
                - "!room:example.com"
`

type testEnv struct {
	ic     *IRCConnector
	matrix *fakeMatrix
	dialer *fakeDialer
}

// bot returns the fake client behind the network's bot connection.
func (env *testEnv) bot() *fakeIRCClient {
	return env.dialer.byNick("appservicebot")
}

func (env *testEnv) net(t *testing.T) *network {
	t.Helper()
	net, err := env.ic.network(testDomain)
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	return net
}

// newTestConnector starts a connector backed by an in-memory database, a
// fake homeserver and fake IRC connections. Rooms are set up through
// prepare before Start runs.
func newTestConnector(t *testing.T, extraYAML string, prepare func(*fakeMatrix)) *testEnv {
	t.Helper()
	if extraYAML == "" {
		extraYAML = testNetworkYAML
	}
	var cfg Config
	raw := "homeserver:\n    domain: example.com\nadmin_api:\n    address: 127.0.0.1:0\n" + extraYAML
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}

	db, err := store.Open(context.Background(), store.Config{Type: "sqlite", URI: ":memory:"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	fm := newFakeMatrix()
	if prepare != nil {
		prepare(fm)
	}
	dialer := &fakeDialer{failNicks: make(map[string]bool)}

	ic := &IRCConnector{Config: cfg}
	ic.Init(zerolog.Nop())
	ic.Store = db
	ic.Matrix = fm
	ic.dial = dialer.dial
	ic.reconnectDelay = 10 * time.Millisecond
	ic.syncerOpts = []membership.Option{membership.WithAfter(func(d time.Duration) <-chan time.Time {
		if d == membership.SyncableRoomsRetryDelay {
			d = time.Millisecond
		}
		return time.After(d)
	})}
	if err = ic.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(ic.Stop)
	return &testEnv{ic: ic, matrix: fm, dialer: dialer}
}
