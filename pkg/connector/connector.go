// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-appservice-irc/pkg/bansync"
	"github.com/aiku/mautrix-appservice-irc/pkg/ipv6"
	"github.com/aiku/mautrix-appservice-irc/pkg/ircserver"
	"github.com/aiku/mautrix-appservice-irc/pkg/membership"
	"github.com/aiku/mautrix-appservice-irc/pkg/store"
)

const (
	defaultReconnectDelay = 10 * time.Second
	shutdownTimeout       = 5 * time.Second
	quitMessage           = "Bridge shutting down"
)

var (
	// ErrUserBanned is returned when a banned user would be connected to IRC.
	ErrUserBanned = errors.New("user is banned")
	// ErrTooManyClients is returned when a network is at its client limit.
	ErrTooManyClients = errors.New("network is at its IRC client limit")
	ErrUnknownNetwork = errors.New("unknown network")
)

// network is the runtime state of one configured IRC network.
type network struct {
	server *ircserver.Server
	syncer *membership.Syncer
	names  *namesBuffer

	mu  sync.Mutex
	bot *ircConn
	// botIPv6 is allocated on the bot's first connection and reused on
	// every reconnect.
	botIPv6 string
}

func (n *network) getBot() *ircConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bot
}

func (n *network) setBot(bot *ircConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bot = bot
}

// IRCConnector runs the bridge: it owns the database, the Matrix
// appservice, one IRC bot connection per network and one connection per
// bridged Matrix user.
type IRCConnector struct {
	Config  Config
	Log     zerolog.Logger
	Store   *store.Store
	Matrix  MatrixAPI
	BanSync *bansync.BanSync
	IPv6    *ipv6.Generator

	as        *appservice.AppService
	processor *appservice.EventProcessor
	apiServer *http.Server
	registry  *prometheus.Registry

	dial           dialFunc
	reconnectDelay time.Duration
	syncerOpts     []membership.Option

	networks map[string]*network

	clientsMu  sync.RWMutex
	clients    map[string]*ircConn
	connecting singleflight.Group

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func (ic *IRCConnector) Init(log zerolog.Logger) {
	ic.Log = log
	ic.dial = dialGirc
	ic.reconnectDelay = defaultReconnectDelay
	ic.networks = make(map[string]*network)
	ic.clients = make(map[string]*ircConn)
}

// Start opens the database, connects to the homeserver and every
// configured network, and runs the initial membership sync in the
// background.
func (ic *IRCConnector) Start(ctx context.Context) error {
	if err := ic.Config.PostProcess(); err != nil {
		return fmt.Errorf("failed to post-process config: %w", err)
	}
	ic.ctx, ic.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if ic.Store == nil {
		var opts []store.Option
		if path := ic.Config.PasswordEncryptionKeyPath; path != "" {
			identity, err := store.LoadIdentityFile(path)
			if err != nil {
				return err
			}
			opts = append(opts, store.WithEncryptionKey(identity))
		}
		db, err := store.Open(ctx, ic.Config.Database, ic.Log.With().Str("component", "store").Logger(), opts...)
		if err != nil {
			return err
		}
		ic.Store = db
	}
	if ic.Matrix == nil {
		if err := ic.initAppService(); err != nil {
			return err
		}
	}
	ic.BanSync = bansync.New(ic.Matrix, ic.Config.BanLists, ic.Log)
	ic.IPv6 = ipv6.NewGenerator(ic.Store, ic.Log)

	registry, err := newRegistry()
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	ic.registry = registry

	// Config mappings are re-read on every start so removed ones disappear.
	if err = ic.Store.RemoveConfigMappings(ctx); err != nil {
		return err
	}
	for _, server := range ic.Config.Servers() {
		if err = ic.Store.SetServerFromConfig(ctx, server); err != nil {
			return fmt.Errorf("failed to store mappings of %s: %w", server.Domain(), err)
		}
		net := &network{server: server, names: newNamesBuffer()}
		net.syncer = membership.NewSyncer(
			server,
			ic.Matrix,
			ic.Matrix,
			ic.Store,
			ic.Matrix.BotUserID(),
			ic.partBotFunc(net),
			ic.injectJoinFunc(net),
			ic.Log,
			ic.syncerOpts...,
		)
		ic.networks[server.Domain()] = net
	}

	ic.BanSync.SyncRules(ctx)

	if ic.processor != nil {
		ic.processor.Start(ic.ctx)
		go ic.as.Start()
	}
	ic.startAdminAPI()

	for _, net := range ic.networkList() {
		ic.wg.Add(1)
		go ic.runNetwork(net)
	}
	return nil
}

func (ic *IRCConnector) initAppService() error {
	reg, err := appservice.LoadRegistration(ic.Config.AppService.Registration)
	if err != nil {
		return fmt.Errorf("failed to load registration: %w", err)
	}
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     reg,
		HomeserverDomain: ic.Config.Homeserver.Domain,
		HomeserverURL:    ic.Config.Homeserver.Address,
		HostConfig: appservice.HostConfig{
			Hostname: ic.Config.AppService.Hostname,
			Port:     ic.Config.AppService.Port,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create appservice: %w", err)
	}
	as.Log = ic.Log.With().Str("component", "appservice").Logger()
	ic.as = as
	ic.Matrix = newAppserviceMatrix(as)

	ic.processor = appservice.NewEventProcessor(as)
	ic.processor.On(event.StateMember, ic.HandleMatrixEvent)
	for _, evtType := range bansync.PolicyEventTypes {
		ic.processor.On(evtType, ic.HandleMatrixEvent)
	}
	return nil
}

// runNetwork connects the bot and then mirrors Matrix membership into IRC.
func (ic *IRCConnector) runNetwork(net *network) {
	defer ic.wg.Done()
	log := ic.Log.With().Str("network", net.server.Domain()).Logger()
	if net.server.IsBotEnabled() {
		if err := ic.connectBot(ic.ctx, net); err != nil {
			log.Error().Err(err).Msg("Gave up connecting the bridge bot")
			return
		}
	}
	if err := net.syncer.Sync(ic.ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Membership sync failed")
	}
}

// connectBot keeps trying to connect the network's bot until it succeeds
// or ctx is done.
func (ic *IRCConnector) connectBot(ctx context.Context, net *network) error {
	log := ic.Log.With().Str("network", net.server.Domain()).Logger()
	for {
		err := ic.dialBot(ctx, net)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error().Err(err).Dur("retry_in", ic.reconnectDelay).Msg("Failed to connect the bridge bot")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ic.reconnectDelay):
		}
	}
}

func (ic *IRCConnector) dialBot(ctx context.Context, net *network) error {
	domain := net.server.Domain()
	dc, err := ic.botDialConfig(ctx, net)
	if err != nil {
		return err
	}
	conn := newIRCConn(ic.dial(dc), net.server, "", ic.Log.With().
		Str("network", domain).
		Str("connection", connKindBot).
		Logger())
	ic.registerBotHandlers(net, conn)
	conn.onDisconnect = func(error) {
		ircConnections.WithLabelValues(domain, connKindBot).Dec()
		net.syncer.ResetIRCMemberLists()
		go func() {
			if err := ic.connectBot(ic.ctx, net); err != nil {
				conn.log.Debug().Err(err).Msg("Stopped reconnecting the bridge bot")
			}
		}()
	}
	if err = conn.connect(ctx); err != nil {
		return err
	}
	ircConnections.WithLabelValues(domain, connKindBot).Inc()
	// Listed before the bot is published so that channels joined through
	// it meanwhile keep their key.
	channels, err := ic.botChannels(ctx, net)
	if err != nil {
		// Channels are still joined on demand as users join.
		conn.log.Error().Err(err).Msg("Failed to list channels to join")
	}
	if old := net.getBot(); old != nil && old != conn {
		old.close(quitMessage)
	}
	net.setBot(conn)
	for _, channel := range channels {
		conn.join(channel, "")
	}
	return nil
}

// botChannels lists the channels the bot joins after connecting: every
// mapped channel when it joins channels without users, otherwise only
// those mapped to a room with a real Matrix user.
func (ic *IRCConnector) botChannels(ctx context.Context, net *network) ([]string, error) {
	if !net.server.ShouldJoinChannelsIfNoUsers() {
		return net.syncer.ChannelsToJoin(ctx)
	}
	tracked, err := ic.Store.GetTrackedChannelsForServer(ctx, net.server.Domain())
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(tracked, net.server.IsExcludedChannel), nil
}

func (ic *IRCConnector) partBotFunc(net *network) membership.PartBotFunc {
	return func(_ context.Context, channel string) error {
		bot := net.getBot()
		if bot == nil || !bot.inChannel(channel) {
			return nil
		}
		bot.log.Info().Str("channel", channel).Msg("Parting channel without real Matrix users")
		bot.part(channel)
		return nil
	}
}

func (ic *IRCConnector) injectJoinFunc(net *network) membership.InjectJoinFunc {
	return func(ctx context.Context, roomID id.RoomID, userID id.UserID, _ bool) error {
		return ic.joinUserToRoomChannels(ctx, net, roomID, userID)
	}
}

// joinUserToRoomChannels connects userID to the network and joins every
// channel of the network that roomID is mapped to.
func (ic *IRCConnector) joinUserToRoomChannels(ctx context.Context, net *network, roomID id.RoomID, userID id.UserID) error {
	mapped, err := ic.Store.GetIRCChannelsForRoomID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to get channels of %s: %w", roomID, err)
	}
	var channels []string
	for _, ch := range mapped {
		if ch.Domain == net.server.Domain() {
			channels = append(channels, ch.Channel)
		}
	}
	if len(channels) == 0 {
		return nil
	}
	conn, err := ic.connectUser(ctx, net, userID)
	if err != nil {
		return err
	}
	for _, channel := range channels {
		if !conn.inChannel(channel) {
			conn.join(channel, "")
		}
	}
	return nil
}

// connectUser returns userID's connection to the network, dialing it if
// needed. Banned users and networks at their client limit are refused.
func (ic *IRCConnector) connectUser(ctx context.Context, net *network, userID id.UserID) (*ircConn, error) {
	domain := net.server.Domain()
	if reason, banned := ic.BanSync.IsUserBanned(userID); banned {
		connectionsRefused.WithLabelValues(domain, "banned").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUserBanned, reason)
	}
	key := clientKey(userID, domain)
	if conn := ic.client(key); conn != nil {
		return conn, nil
	}
	v, err, _ := ic.connecting.Do(key, func() (any, error) {
		if conn := ic.client(key); conn != nil {
			return conn, nil
		}
		if limit := net.server.MaxClients(); limit > 0 && ic.clientCount(domain) >= limit {
			connectionsRefused.WithLabelValues(domain, "limit").Inc()
			return nil, ErrTooManyClients
		}
		cfg, err := ic.clientConfig(ctx, net.server, userID)
		if err != nil {
			return nil, err
		}
		conn := newIRCConn(ic.dial(userDialConfig(net.server, cfg)), net.server, userID, ic.Log.With().
			Str("network", domain).
			Str("user_id", userID.String()).
			Logger())
		ic.registerUserHandlers(net, conn)
		conn.onDisconnect = func(error) {
			ic.dropClient(key, conn)
		}
		if err = conn.connect(ctx); err != nil {
			return nil, err
		}
		ic.clientsMu.Lock()
		ic.clients[key] = conn
		ic.clientsMu.Unlock()
		ircConnections.WithLabelValues(domain, connKindUser).Inc()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ircConn), nil
}

func (ic *IRCConnector) client(key string) *ircConn {
	ic.clientsMu.RLock()
	defer ic.clientsMu.RUnlock()
	return ic.clients[key]
}

func (ic *IRCConnector) clientCount(domain string) int {
	ic.clientsMu.RLock()
	defer ic.clientsMu.RUnlock()
	count := 0
	for _, conn := range ic.clients {
		if conn.network.Domain() == domain {
			count++
		}
	}
	return count
}

// dropClient forgets conn if it is still the registered connection for key.
func (ic *IRCConnector) dropClient(key string, conn *ircConn) bool {
	ic.clientsMu.Lock()
	defer ic.clientsMu.Unlock()
	if ic.clients[key] != conn {
		return false
	}
	delete(ic.clients, key)
	ircConnections.WithLabelValues(conn.network.Domain(), connKindUser).Dec()
	return true
}

// disconnectUser closes userID's connection to domain, if any.
func (ic *IRCConnector) disconnectUser(userID id.UserID, domain, reason string) {
	key := clientKey(userID, domain)
	conn := ic.client(key)
	if conn == nil {
		return
	}
	if ic.dropClient(key, conn) {
		conn.log.Info().Str("reason", reason).Msg("Disconnecting user from IRC")
		conn.close(reason)
	}
}

// disconnectBannedUsers closes every session whose user is now banned.
func (ic *IRCConnector) disconnectBannedUsers() {
	ic.clientsMu.RLock()
	var banned []*ircConn
	for _, conn := range ic.clients {
		if _, isBanned := ic.BanSync.IsUserBanned(conn.userID); isBanned {
			banned = append(banned, conn)
		}
	}
	ic.clientsMu.RUnlock()
	for _, conn := range banned {
		ic.disconnectUser(conn.userID, conn.network.Domain(), "banned")
	}
}

// isBridgedNick reports whether nick belongs to one of the bridge's own
// connections on the network.
func (ic *IRCConnector) isBridgedNick(net *network, nick string) bool {
	if bot := net.getBot(); bot != nil && strings.EqualFold(bot.nick(), nick) {
		return true
	}
	return ic.userConnByNick(net, nick) != nil
}

func (ic *IRCConnector) userConnByNick(net *network, nick string) *ircConn {
	ic.clientsMu.RLock()
	defer ic.clientsMu.RUnlock()
	for _, conn := range ic.clients {
		if conn.network == net.server && strings.EqualFold(conn.nick(), nick) {
			return conn
		}
	}
	return nil
}

// isGhost reports whether userID is a virtual user of any network.
func (ic *IRCConnector) isGhost(userID id.UserID) bool {
	for _, net := range ic.networks {
		if net.server.ClaimsUserID(userID) {
			return true
		}
	}
	return false
}

func (ic *IRCConnector) network(domain string) (*network, error) {
	net, ok := ic.networks[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, domain)
	}
	return net, nil
}

// networkList returns the networks sorted by domain.
func (ic *IRCConnector) networkList() []*network {
	nets := make([]*network, 0, len(ic.networks))
	for _, net := range ic.networks {
		nets = append(nets, net)
	}
	slices.SortFunc(nets, func(a, b *network) int {
		return strings.Compare(a.server.Domain(), b.server.Domain())
	})
	return nets
}

// Stop disconnects from every network and releases all resources.
func (ic *IRCConnector) Stop() {
	ic.stopOnce.Do(func() {
		if ic.cancel != nil {
			ic.cancel()
		}
		if ic.apiServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := ic.apiServer.Shutdown(ctx); err != nil {
				ic.Log.Warn().Err(err).Msg("Failed to shut down admin API")
			}
			cancel()
		}
		if ic.processor != nil {
			ic.processor.Stop()
		}
		if ic.as != nil {
			ic.as.Stop()
		}

		ic.clientsMu.Lock()
		clients := ic.clients
		ic.clients = make(map[string]*ircConn)
		ic.clientsMu.Unlock()
		for _, conn := range clients {
			conn.close(quitMessage)
		}
		for _, net := range ic.networks {
			if bot := net.getBot(); bot != nil {
				bot.close(quitMessage)
			}
		}
		ic.wg.Wait()

		if ic.IPv6 != nil {
			ic.IPv6.Close()
		}
		if ic.Store != nil {
			if err := ic.Store.Close(); err != nil {
				ic.Log.Warn().Err(err).Msg("Failed to close database")
			}
		}
		ic.Log.Info().Msg("Bridge stopped")
	})
}
