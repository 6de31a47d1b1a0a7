// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package membership keeps Matrix room membership and IRC channel NAMES
// lists in step for one IRC network.
package membership

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-appservice-irc/pkg/ircserver"
	"github.com/aiku/mautrix-appservice-irc/pkg/store"
)

// SyncableRoomsRetryDelay is the fixed wait between failed snapshot fetches.
const SyncableRoomsRetryDelay = 5 * time.Second

// PersistentFailureThreshold is the number of consecutive failed join
// injections after which a user is reported at warn level.
const PersistentFailureThreshold = 3

// MatrixState reads room state as the bridge bot.
type MatrixState interface {
	// MemberSnapshot returns the member state of every room the bot is in.
	MemberSnapshot(ctx context.Context) (map[id.RoomID][]*event.Event, error)
	// RoomState returns the current state of a single room.
	RoomState(ctx context.Context, roomID id.RoomID) ([]*event.Event, error)
}

// GhostLeaver makes an IRC ghost leave a Matrix room.
type GhostLeaver interface {
	LeaveRoom(ctx context.Context, userID id.UserID, roomID id.RoomID) error
}

// MappingStore resolves rooms to channels and back.
type MappingStore interface {
	GetIRCChannelsForRoomIDs(ctx context.Context, roomIDs []id.RoomID) (map[id.RoomID][]store.IRCChannel, error)
	GetMatrixRoomsForChannel(ctx context.Context, domain, channel string) ([]id.RoomID, error)
}

// Network is the per-network configuration the syncer follows.
type Network interface {
	UserClaimer
	RoomPolicy
	Domain() string
	IsMembershipListsEnabled() bool
	ShouldSyncMembershipToMatrix(kind ircserver.SyncKind, channel string) (bool, error)
	UserIDFromNick(nick string) id.UserID
	MemberListFloodDelay() time.Duration
}

// RoomPolicy decides whether a room's Matrix members are mirrored to IRC.
type RoomPolicy interface {
	ShouldSyncMembershipToIRC(kind ircserver.SyncKind, roomID id.RoomID) (bool, error)
}

// PartBotFunc parts the bridge bot from channel.
type PartBotFunc func(ctx context.Context, channel string) error

// InjectJoinFunc joins userID to the IRC side of roomID as if they had just
// joined the room.
type InjectJoinFunc func(ctx context.Context, roomID id.RoomID, userID id.UserID, frontier bool) error

// InjectionEntry is one pending join injection.
type InjectionEntry struct {
	RoomID id.RoomID
	UserID id.UserID
	// Frontier marks the first real user of a room.
	Frontier bool
}

// LeaveReport summarizes the leaves issued for one NAMES list.
type LeaveReport struct {
	Channel   string
	Attempted int
	Failed    int
	// Err holds every individual leave failure.
	Err error
}

type syncableFetch struct {
	done  chan struct{}
	rooms []*RoomInfo
	err   error
}

// Syncer reconciles membership for a single network.
type Syncer struct {
	network    Network
	matrix     MatrixState
	leaver     GhostLeaver
	store      MappingStore
	botUserID  id.UserID
	partBot    PartBotFunc
	injectJoin InjectJoinFunc
	log        zerolog.Logger
	after      func(time.Duration) <-chan time.Time

	mu          sync.Mutex
	matrixLists map[id.RoomID]*RoomInfo
	ircLists    map[string][]string
	syncable    *syncableFetch
	failures    map[id.UserID]int
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithAfter replaces time.After for retry backoff and join timeouts.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Syncer) {
		s.after = after
	}
}

func NewSyncer(
	network Network,
	matrix MatrixState,
	leaver GhostLeaver,
	mappings MappingStore,
	botUserID id.UserID,
	partBot PartBotFunc,
	injectJoin InjectJoinFunc,
	log zerolog.Logger,
	opts ...Option,
) *Syncer {
	s := &Syncer{
		network:     network,
		matrix:      matrix,
		leaver:      leaver,
		store:       mappings,
		botUserID:   botUserID,
		partBot:     partBot,
		injectJoin:  injectJoin,
		log:         log.With().Str("component", "member_list_syncer").Str("network", network.Domain()).Logger(),
		after:       time.After,
		matrixLists: make(map[id.RoomID]*RoomInfo),
		ircLists:    make(map[string][]string),
		failures:    make(map[id.UserID]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync mirrors the current Matrix membership into IRC. IRC users reach
// Matrix on their own through the NAMES and JOIN events received after
// connecting.
func (s *Syncer) Sync(ctx context.Context) error {
	if !s.network.IsMembershipListsEnabled() {
		s.log.Info().Msg("Membership list syncing is disabled")
		return nil
	}
	shouldSync, err := s.network.ShouldSyncMembershipToIRC(ircserver.SyncInitial, "")
	if err != nil {
		return err
	}
	if !shouldSync {
		s.log.Info().Msg("Initial Matrix to IRC membership sync is disabled")
		return nil
	}
	s.log.Info().Msg("Checking membership lists for syncing")
	start := time.Now()
	rooms, err := s.SyncableRooms(ctx, false)
	if err != nil {
		return err
	}
	s.log.Info().Int("rooms", len(rooms)).Dur("took", time.Since(start)).Msg("Found syncable rooms")
	s.LeaveIRCUsersFromRooms(rooms)

	start = time.Now()
	s.log.Info().Msg("Joining Matrix users to IRC channels")
	if err = s.JoinMatrixUsersToChannels(ctx, rooms); err != nil {
		return err
	}
	s.log.Info().Dur("took", time.Since(start)).Msg("Joined Matrix users to IRC channels")
	return nil
}

// SyncableRooms returns every room the bot is in that has at least one real
// user. Concurrent callers share a single fetch, and later callers get the
// cached result unless ignoreCache is set. Fetch failures are retried until
// ctx is done. A caller whose shared fetch was cancelled by its owner starts
// a new one.
func (s *Syncer) SyncableRooms(ctx context.Context, ignoreCache bool) ([]*RoomInfo, error) {
	for {
		s.mu.Lock()
		fetch := s.syncable
		owner := false
		if ignoreCache || fetch == nil {
			fetch = &syncableFetch{done: make(chan struct{})}
			s.syncable = fetch
			owner = true
		} else {
			s.log.Debug().Msg("Returning existing syncable rooms fetch")
		}
		s.mu.Unlock()

		if owner {
			fetch.rooms, fetch.err = s.fetchSyncableRooms(ctx)
			if fetch.err != nil {
				// don't keep a cancelled fetch around for the next caller
				s.mu.Lock()
				if s.syncable == fetch {
					s.syncable = nil
				}
				s.mu.Unlock()
			}
			close(fetch.done)
			return fetch.rooms, fetch.err
		}
		select {
		case <-fetch.done:
			if fetch.err != nil && ctx.Err() == nil {
				s.log.Debug().Err(fetch.err).Msg("Shared syncable rooms fetch was cancelled, fetching again")
				continue
			}
			return fetch.rooms, fetch.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Syncer) fetchSyncableRooms(ctx context.Context) ([]*RoomInfo, error) {
	for attempts := 0; ; attempts++ {
		snapshot, err := s.matrix.MemberSnapshot(ctx)
		if err == nil {
			rooms := make([]*RoomInfo, 0, len(snapshot))
			for roomID, state := range snapshot {
				info := NewRoomInfo(roomID, state, s.network, s.botUserID)
				if len(info.RealJoinedUsers) > 0 {
					rooms = append(rooms, info)
				}
			}
			slices.SortFunc(rooms, func(a, b *RoomInfo) int {
				return strings.Compare(string(a.ID), string(b.ID))
			})
			syncableRooms.WithLabelValues(s.network.Domain()).Set(float64(len(rooms)))
			return rooms, nil
		}
		syncableRoomsFailures.WithLabelValues(s.network.Domain()).Inc()
		s.log.Error().Err(err).Int("attempts", attempts).Msg("Failed to fetch syncable rooms, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.after(SyncableRoomsRetryDelay):
		}
	}
}

// ChannelsToJoin lists the channels of this network mapped to a syncable
// room.
func (s *Syncer) ChannelsToJoin(ctx context.Context) ([]string, error) {
	rooms, err := s.SyncableRooms(ctx, false)
	if err != nil {
		return nil, err
	}
	roomIDs := make([]id.RoomID, len(rooms))
	realUsers := make(map[id.RoomID]int, len(rooms))
	for i, room := range rooms {
		roomIDs[i] = room.ID
		realUsers[room.ID] = len(room.RealJoinedUsers)
	}
	mapped, err := s.store.GetIRCChannelsForRoomIDs(ctx, roomIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve channels for syncable rooms: %w", err)
	}
	seen := make(map[string]struct{})
	var channels []string
	for roomID, ircChannels := range mapped {
		for _, ch := range ircChannels {
			if ch.Domain != s.network.Domain() {
				continue
			}
			s.log.Debug().
				Str("channel", ch.Channel).
				Str("room_id", roomID.String()).
				Int("real_users", realUsers[roomID]).
				Msg("Channel should be joined")
			if _, ok := seen[ch.Channel]; !ok {
				seen[ch.Channel] = struct{}{}
				channels = append(channels, ch.Channel)
			}
		}
	}
	slices.Sort(channels)
	return channels, nil
}

// CheckBotPartRoom parts the bot from channel when no mapped room has a
// real user left, or when the channel is no longer mapped at all. Private
// conversations are never parted, and a bot configured to join channels
// without users stays in every mapped channel.
func (s *Syncer) CheckBotPartRoom(ctx context.Context, channel string) error {
	if !strings.HasPrefix(channel, "#") {
		return nil
	}
	roomIDs, err := s.store.GetMatrixRoomsForChannel(ctx, s.network.Domain(), channel)
	if err != nil {
		return fmt.Errorf("failed to get rooms for %s: %w", channel, err)
	}
	if len(roomIDs) == 0 {
		return s.partBot(ctx, channel)
	}
	if s.network.ShouldJoinChannelsIfNoUsers() {
		return nil
	}
	// Per-room state is far cheaper than a full snapshot.
	for _, roomID := range roomIDs {
		s.log.Debug().Str("room_id", roomID.String()).Msg("Querying room state for bot part check")
		state, err := s.matrix.RoomState(ctx, roomID)
		if err != nil {
			return fmt.Errorf("failed to get state of %s: %w", roomID, err)
		}
		reals := NewRoomInfo(roomID, state, s.network, s.botUserID).RealJoinedUsers
		s.log.Debug().Str("room_id", roomID.String()).Int("real_users", len(reals)).Msg("Checked room for real users")
		if len(reals) > 0 {
			return nil
		}
	}
	return s.partBot(ctx, channel)
}

// LeaveIRCUsersFromRooms remembers rooms so that ghosts missing from a later
// NAMES list can be removed from them.
func (s *Syncer) LeaveIRCUsersFromRooms(rooms []*RoomInfo) {
	s.log.Info().Int("rooms", len(rooms)).Msg("Storing member lists")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range rooms {
		s.matrixLists[room.ID] = room
	}
}

// UpdateIRCMemberList handles the first NAMES list received for channel.
// Every remembered ghost that is not on the list leaves the mapped rooms.
// Later lists for the same channel are ignored until ResetIRCMemberLists.
func (s *Syncer) UpdateIRCMemberList(ctx context.Context, channel string, nicks []string) (LeaveReport, error) {
	report := LeaveReport{Channel: channel}
	shouldSync, err := s.network.ShouldSyncMembershipToMatrix(ircserver.SyncIncremental, channel)
	if err != nil || !shouldSync {
		return report, err
	}
	if s.seenIRCMemberList(channel) {
		return report, nil
	}
	roomIDs, err := s.store.GetMatrixRoomsForChannel(ctx, s.network.Domain(), channel)
	if err != nil {
		return report, fmt.Errorf("failed to get rooms for %s: %w", channel, err)
	}
	s.mu.Lock()
	if _, seen := s.ircLists[channel]; seen {
		s.mu.Unlock()
		return report, nil
	}
	s.ircLists[channel] = slices.Clone(nicks)
	s.mu.Unlock()

	log := s.log.With().Str("channel", channel).Logger()
	log.Info().Int("nicks", len(nicks)).Msg("Updating IRC member list")

	present := make(map[id.UserID]struct{}, len(nicks))
	for _, nick := range nicks {
		present[s.network.UserIDFromNick(nick)] = struct{}{}
	}
	if len(roomIDs) == 0 {
		log.Info().Msg("No bridged rooms for channel")
		return report, nil
	}

	type leave struct {
		roomID id.RoomID
		userID id.UserID
	}
	var leaves []leave
	s.mu.Lock()
	for _, roomID := range roomIDs {
		info, ok := s.matrixLists[roomID]
		if !ok {
			continue
		}
		for _, userID := range info.RemoteJoinedUsers {
			if _, ok := present[userID]; !ok {
				leaves = append(leaves, leave{roomID: roomID, userID: userID})
			}
		}
	}
	s.mu.Unlock()

	log.Info().Int("leaves", len(leaves)).Msg("Leaving ghosts that are not in the channel")
	report.Attempted = len(leaves)
	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		merr   *multierror.Error
		failed int
	)
	for _, l := range leaves {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.leaver.LeaveRoom(ctx, l.userID, l.roomID)
			if err != nil {
				namesLeaves.WithLabelValues(s.network.Domain(), resultError).Inc()
				log.Warn().Err(err).
					Str("user_id", l.userID.String()).
					Str("room_id", l.roomID.String()).
					Msg("Failed to leave ghost from room")
				errMu.Lock()
				failed++
				merr = multierror.Append(merr, fmt.Errorf("%s in %s: %w", l.userID, l.roomID, err))
				errMu.Unlock()
				return
			}
			namesLeaves.WithLabelValues(s.network.Domain(), resultOK).Inc()
		}()
	}
	wg.Wait()
	report.Failed = failed
	report.Err = merr.ErrorOrNil()
	if report.Failed > 0 {
		log.Warn().Int("failed", report.Failed).Int("attempted", report.Attempted).Msg("Some ghost leaves failed")
	}
	return report, nil
}

func (s *Syncer) seenIRCMemberList(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.ircLists[channel]
	return seen
}

// ResetIRCMemberLists forgets the NAMES lists handled so far, typically
// after reconnecting to the network.
func (s *Syncer) ResetIRCMemberLists() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ircLists = make(map[string][]string)
}

// BuildInjectionEntries orders the join injections for rooms. Rooms whose
// initial Matrix to IRC sync is disabled keep only their first real user so
// the channel is never left without any Matrix presence. Frontier entries
// come first.
func BuildInjectionEntries(policy RoomPolicy, rooms []*RoomInfo) ([]InjectionEntry, error) {
	var entries []InjectionEntry
	for _, room := range rooms {
		shouldSync, err := policy.ShouldSyncMembershipToIRC(ircserver.SyncInitial, room.ID)
		if err != nil {
			return nil, err
		}
		if !shouldSync {
			if len(room.RealJoinedUsers) == 0 {
				continue
			}
			room = room.withRealUsers(room.RealJoinedUsers[:1:1])
		}
		for i, userID := range room.RealJoinedUsers {
			entries = append(entries, InjectionEntry{RoomID: room.ID, UserID: userID, Frontier: i == 0})
		}
	}
	slices.SortStableFunc(entries, func(a, b InjectionEntry) int {
		switch {
		case a.Frontier == b.Frontier:
			return 0
		case a.Frontier:
			return -1
		default:
			return 1
		}
	})
	return entries, nil
}

// JoinMatrixUsersToChannels injects joins for the real users of rooms, one
// at a time. Each injection may take at most the network flood delay;
// failures and timeouts are recorded and skipped.
func (s *Syncer) JoinMatrixUsersToChannels(ctx context.Context, rooms []*RoomInfo) error {
	entries, err := BuildInjectionEntries(s.network, rooms)
	if err != nil {
		return err
	}
	s.log.Debug().Int("entries", len(entries)).Msg("Got join events to inject")
	timeout := s.network.MemberListFloodDelay()
	for i, entry := range entries {
		if err = ctx.Err(); err != nil {
			return err
		}
		if IsGuest(entry.UserID) {
			joinInjections.WithLabelValues(s.network.Domain(), resultSkipped).Inc()
			continue
		}
		s.log.Debug().
			Str("user_id", entry.UserID.String()).
			Str("room_id", entry.RoomID.String()).
			Int("left", len(entries)-i-1).
			Bool("frontier", entry.Frontier).
			Msg("Injecting join event")
		s.recordInjection(entry, s.inject(ctx, entry, timeout))
	}
	return nil
}

var errInjectionTimeout = errors.New("join injection timed out")

// inject waits for one join for up to timeout. The join itself keeps
// running after a timeout, its result is then ignored.
func (s *Syncer) inject(ctx context.Context, entry InjectionEntry, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- s.injectJoin(ctx, entry.RoomID, entry.UserID, entry.Frontier)
	}()
	select {
	case err := <-done:
		return err
	case <-s.after(timeout):
		return errInjectionTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Syncer) recordInjection(entry InjectionEntry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		joinInjections.WithLabelValues(s.network.Domain(), resultOK).Inc()
		delete(s.failures, entry.UserID)
		return
	}
	result := resultError
	if errors.Is(err, errInjectionTimeout) {
		result = resultTimeout
	}
	joinInjections.WithLabelValues(s.network.Domain(), result).Inc()
	s.failures[entry.UserID]++
	count := s.failures[entry.UserID]
	s.log.Debug().Err(err).
		Str("user_id", entry.UserID.String()).
		Str("room_id", entry.RoomID.String()).
		Int("consecutive_failures", count).
		Msg("Join injection failed")
	if count == PersistentFailureThreshold {
		s.log.Warn().Err(err).
			Str("user_id", entry.UserID.String()).
			Int("consecutive_failures", count).
			Msg("Join injection keeps failing for user")
	}
}

// ConsecutiveFailures returns how many join injections in a row failed for
// userID.
func (s *Syncer) ConsecutiveFailures(userID id.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[userID]
}

// Network returns the domain the syncer serves.
func (s *Syncer) Network() string {
	return s.network.Domain()
}
