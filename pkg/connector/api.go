// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-appservice-irc/pkg/bansync"
	"github.com/aiku/mautrix-appservice-irc/pkg/provisioning"
	"github.com/aiku/mautrix-appservice-irc/pkg/store"
)

// maxBodySize is the maximum allowed request body for admin and
// provisioning requests (1 MB).
const maxBodySize = 1 << 20

const (
	limiterTTL        = 5 * time.Minute
	limiterPruneAfter = 1024
)

var errBodyTooLarge = errors.New("request body too large")

func (ic *IRCConnector) startAdminAPI() {
	addr := ic.Config.AdminAPI.Address
	ic.apiServer = &http.Server{
		Addr:         addr,
		Handler:      ic.adminRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	server := ic.apiServer
	go func() {
		ic.Log.Info().Str("addr", addr).Msg("Starting bridge admin API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ic.Log.Error().Err(err).Msg("Bridge admin API error")
		}
	}()
}

// adminRouter builds the admin and provisioning routes. Every route shares
// request IDs, optional bearer token auth, per-address rate limiting and
// request metrics.
func (ic *IRCConnector) adminRouter() http.Handler {
	r := mux.NewRouter()
	r.Use(requestID, ic.instrument, ic.authenticate)
	if limit := ic.Config.AdminAPI.RateLimit; limit > 0 {
		r.Use(newIPRateLimiter(rate.Limit(limit), ic.Config.AdminAPI.Burst).middleware)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/reload-bans", ic.HandleReloadBans).Methods(http.MethodPost)
	api.HandleFunc("/resync/{network}", ic.HandleResync).Methods(http.MethodPost)
	api.HandleFunc("/channels/{network}", ic.HandleListChannels).Methods(http.MethodGet)

	prov := r.PathPrefix("/_matrix/provision").Subrouter()
	prov.HandleFunc("/link", ic.HandleLink).Methods(http.MethodPost)
	prov.HandleFunc("/unlink", ic.HandleUnlink).Methods(http.MethodPost)
	prov.HandleFunc("/listlinks/{roomId}", ic.HandleListLinks).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(ic.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
			r.Header.Set("X-Request-ID", reqID)
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument counts requests by route template and logs them.
func (ic *IRCConnector) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		adminRequests.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
		ic.Log.Debug().
			Str("request_id", r.Header.Get("X-Request-ID")).
			Str("method", r.Method).
			Str("route", route).
			Int("status", sw.code).
			Dur("duration", time.Since(start)).
			Msg("Admin API request")
	})
}

func (ic *IRCConnector) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ic.Config.AdminAPI.Token
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		given, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			ic.Log.Warn().
				Str("remote_addr", r.RemoteAddr).
				Str("path", r.URL.Path).
				Msg("Rejected admin API request with bad token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipRateLimiter keeps a token bucket per client address.
type ipRateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIPRateLimiter(limit rate.Limit, burst int) *ipRateLimiter {
	return &ipRateLimiter{limit: limit, burst: burst, buckets: make(map[string]*bucket)}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if len(l.buckets) >= limiterPruneAfter {
		for key, b := range l.buckets {
			if now.Sub(b.seen) > limiterTTL {
				delete(l.buckets, key)
			}
		}
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	return b.lim.Allow()
}

func (l *ipRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readBody reads at most maxBodySize bytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (ic *IRCConnector) respond(w http.ResponseWriter, status int, v any) {
	if err := writeJSON(w, status, v); err != nil {
		ic.Log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}

// HandleReloadBans is an HTTP handler for POST /api/reload-bans. It accepts
// an optional JSON body replacing the followed ban lists; without one the
// configured lists are re-read.
func (ic *IRCConnector) HandleReloadBans(w http.ResponseWriter, r *http.Request) {
	ic.Log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("content_length", r.Header.Get("Content-Length")).
		Msg("Ban list reload requested")

	body, err := readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) > 0 {
		var cfg bansync.Config
		if err = json.Unmarshal(body, &cfg); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		ic.BanSync.UpdateConfig(r.Context(), cfg)
	} else {
		ic.BanSync.SyncRules(r.Context())
	}
	ic.disconnectBannedUsers()

	ic.respond(w, http.StatusOK, map[string]int{
		"rooms": len(ic.BanSync.TrackedRooms()),
		"rules": ic.BanSync.RuleCount(),
	})
}

// HandleResync refreshes the syncable rooms of a network and runs a full
// membership sync in the background.
func (ic *IRCConnector) HandleResync(w http.ResponseWriter, r *http.Request) {
	net, err := ic.network(mux.Vars(r)["network"])
	if err != nil {
		provisioning.NewError(provisioning.ErrUnknownNetwork, err.Error()).Write(w)
		return
	}
	rooms, err := net.syncer.SyncableRooms(r.Context(), true)
	if err != nil {
		ic.Log.Error().Err(err).Str("network", net.server.Domain()).Msg("Failed to fetch syncable rooms")
		provisioning.FromError(err).Write(w)
		return
	}
	ic.wg.Add(1)
	go func() {
		defer ic.wg.Done()
		if err := net.syncer.Sync(ic.ctx); err != nil {
			ic.Log.Error().Err(err).Str("network", net.server.Domain()).Msg("Requested membership sync failed")
		}
	}()
	ic.respond(w, http.StatusAccepted, map[string]any{
		"network": net.server.Domain(),
		"rooms":   len(rooms),
	})
}

// HandleListChannels reports the channels the bot is in and the ones it
// should be in.
func (ic *IRCConnector) HandleListChannels(w http.ResponseWriter, r *http.Request) {
	net, err := ic.network(mux.Vars(r)["network"])
	if err != nil {
		provisioning.NewError(provisioning.ErrUnknownNetwork, err.Error()).Write(w)
		return
	}
	wanted, err := net.syncer.ChannelsToJoin(r.Context())
	if err != nil {
		provisioning.FromError(err).Write(w)
		return
	}
	joined := []string{}
	if bot := net.getBot(); bot != nil {
		joined = bot.Channels()
	}
	if wanted == nil {
		wanted = []string{}
	}
	ic.respond(w, http.StatusOK, map[string]any{
		"network": net.server.Domain(),
		"joined":  joined,
		"wanted":  wanted,
	})
}

type linkListing struct {
	MatrixRoomID      id.RoomID `json:"matrix_room_id"`
	RemoteRoomChannel string    `json:"remote_room_channel"`
	RemoteRoomServer  string    `json:"remote_room_server"`
}

// HandleListLinks lists the provisioned links of a room.
func (ic *IRCConnector) HandleListLinks(w http.ResponseWriter, r *http.Request) {
	params, err := provisioning.ParseListingsParams(mux.Vars(r)["roomId"])
	if err != nil {
		provisioning.FromError(err).Write(w)
		return
	}
	mappings, err := ic.Store.GetProvisionedMappings(r.Context(), id.RoomID(params.RoomID))
	if err != nil {
		ic.Log.Error().Err(err).Str("room_id", params.RoomID).Msg("Failed to list links")
		provisioning.FromError(err).Write(w)
		return
	}
	listings := make([]linkListing, 0, len(mappings))
	for _, m := range mappings {
		listings = append(listings, linkListing{
			MatrixRoomID:      m.RoomID,
			RemoteRoomChannel: m.Channel,
			RemoteRoomServer:  m.Domain,
		})
	}
	ic.respond(w, http.StatusOK, listings)
}

// HandleLink links a Matrix room to a channel and joins the bot to it.
func (ic *IRCConnector) HandleLink(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	req, err := provisioning.ParseRequestLinkBody(body)
	if err != nil {
		provisioning.FromError(err).Write(w)
		return
	}
	net, err := ic.network(req.RemoteRoomServer)
	if err != nil {
		provisioning.NewError(provisioning.ErrUnknownNetwork, "Server not found").Write(w)
		return
	}
	if net.server.IsExcludedChannel(req.RemoteRoomChannel) {
		provisioning.NewError(provisioning.ErrUnknownChannel, "Server is configured to exclude given channel").Write(w)
		return
	}
	ctx := r.Context()
	roomID := id.RoomID(req.MatrixRoomID)
	existing, err := ic.Store.GetRoom(ctx, roomID, req.RemoteRoomServer, req.RemoteRoomChannel, "")
	if err != nil {
		provisioning.FromError(err).Write(w)
		return
	} else if existing != nil {
		provisioning.NewError(provisioning.ErrExistingMapping, "Room mapping already exists").
			WithExtra(map[string]any{"origin": string(existing.Origin)}).
			Write(w)
		return
	}
	err = ic.Store.StoreRoom(ctx, store.RoomMapping{
		RoomID:  roomID,
		Domain:  req.RemoteRoomServer,
		Channel: req.RemoteRoomChannel,
		Origin:  store.OriginProvision,
	})
	if err != nil {
		ic.Log.Error().Err(err).Str("room_id", req.MatrixRoomID).Msg("Failed to store link")
		provisioning.FromError(err).Write(w)
		return
	}
	ic.Log.Info().
		Str("room_id", req.MatrixRoomID).
		Str("network", req.RemoteRoomServer).
		Str("channel", req.RemoteRoomChannel).
		Str("op_nick", req.OpNick).
		Msg("Linked room to channel")

	if bot := net.getBot(); bot != nil && !bot.inChannel(req.RemoteRoomChannel) {
		key := ""
		if req.Key != nil {
			key = *req.Key
		}
		bot.join(req.RemoteRoomChannel, key)
	}
	ic.respond(w, http.StatusOK, struct{}{})
}

// HandleUnlink removes a provisioned link. Links from other origins are
// left alone.
func (ic *IRCConnector) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	req, err := provisioning.ParseUnlinkBody(body)
	if err != nil {
		provisioning.FromError(err).Write(w)
		return
	}
	net, err := ic.network(req.RemoteRoomServer)
	if err != nil {
		provisioning.NewError(provisioning.ErrUnknownNetwork, "Server not found").Write(w)
		return
	}
	if net.server.IsExcludedChannel(req.RemoteRoomChannel) {
		provisioning.NewError(provisioning.ErrUnknownChannel, "Server is configured to exclude given channel").Write(w)
		return
	}
	ctx := r.Context()
	roomID := id.RoomID(req.MatrixRoomID)
	existing, err := ic.Store.GetRoom(ctx, roomID, req.RemoteRoomServer, req.RemoteRoomChannel, store.OriginProvision)
	if err != nil {
		provisioning.FromError(err).Write(w)
		return
	} else if existing == nil {
		provisioning.NewError(provisioning.ErrUnknownRoom, "Link not found").Write(w)
		return
	}
	if err = ic.Store.RemoveRoom(ctx, roomID, req.RemoteRoomServer, req.RemoteRoomChannel, store.OriginProvision); err != nil {
		provisioning.FromError(err).Write(w)
		return
	}
	ic.Log.Info().
		Str("room_id", req.MatrixRoomID).
		Str("network", req.RemoteRoomServer).
		Str("channel", req.RemoteRoomChannel).
		Msg("Unlinked room from channel")
	if err = net.syncer.CheckBotPartRoom(ctx, req.RemoteRoomChannel); err != nil {
		ic.Log.Warn().Err(err).Str("channel", req.RemoteRoomChannel).Msg("Failed to check whether the bot should part")
	}
	ic.respond(w, http.StatusOK, struct{}{})
}
