// Package session implements socket lifecycle management: registration,
// authentication against the backend, channel and token-channel
// membership, inbound message authorization, disconnect handling with a
// reconnect-absorbing grace period, and the fan-out primitives other
// components push messages through.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/casmbu/nodejs-gateway/internal/backend"
	"github.com/casmbu/nodejs-gateway/internal/eventbus"
	"github.com/casmbu/nodejs-gateway/internal/store"
	"github.com/casmbu/nodejs-gateway/internal/telemetry"
	"github.com/google/uuid"
	"github.com/pitabwire/util"
)

// Config tunes operator-configurable session behavior.
type Config struct {
	// GracePeriod is the delay before a presence-offline or
	// token-channel disconnect notification fires.
	GracePeriod time.Duration

	// ClientsCanWriteToClients gates direct client-to-client messages
	// that carry no channel.
	ClientsCanWriteToClients bool

	// GatewayID is stamped onto presence and backend payloads.
	GatewayID string

	// StaleSweepInterval is how often StartStaleSweep checks for idle
	// authenticated sockets. Zero disables the sweep.
	StaleSweepInterval time.Duration

	// StaleThreshold is how long a socket may go without an inbound
	// message before the sweep considers it dead and closes it.
	StaleThreshold time.Duration
}

// Manager owns socket lifecycle, channel membership, and presence
// fan-out. It consults the State Store for all state and the Backend
// Client for authentication, and emits lifecycle events on the Event Bus.
type Manager struct {
	store   *store.Store
	backend *backend.Client
	bus     *eventbus.Bus
	cfg     Config

	timersMu           sync.Mutex
	presenceTimers     map[int64]*time.Timer
	tokenChannelTimers map[string]*time.Timer
}

// New builds a session Manager.
func New(st *store.Store, backendClient *backend.Client, bus *eventbus.Bus, cfg Config) *Manager {
	return &Manager{
		store:              st,
		backend:            backendClient,
		bus:                bus,
		cfg:                cfg,
		presenceTimers:     make(map[int64]*time.Timer),
		tokenChannelTimers: make(map[string]*time.Timer),
	}
}

// RegisterSocket is called by the transport when a new connection
// completes its upgrade. It inserts the socket into preAuth, emits
// client-connection, and binds the per-socket handlers.
func (m *Manager) RegisterSocket(ctx context.Context, handle store.ClientHandle) {
	sock := m.store.AddPreAuthSocket(handle.ID(), handle)
	telemetry.SocketsConnectedCounter.Add(ctx, 1)

	util.Log(ctx).WithFields(map[string]any{
		"socket_id":  sock.ID,
		"gateway_id": m.cfg.GatewayID,
	}).Debug("socket connected")

	m.bus.Publish(ctx, eventbus.EventClientConnection, sock.ID)

	handle.OnMessage("authenticate", func(payload []byte) {
		m.handleAuthenticate(ctx, handle.ID(), payload)
	})
	handle.OnMessage("join-token-channel", func(payload []byte) {
		m.handleJoinTokenChannel(ctx, handle.ID(), payload)
	})
	handle.OnMessage("message", func(payload []byte) {
		m.handleClientMessage(ctx, handle.ID(), payload)
	})
	handle.OnDisconnect(func() {
		m.handleDisconnect(ctx, sock.ID)
	})
}

// handleAuthenticate implements the authenticate algorithm: reuse a cached
// identity when available, otherwise round-trip to the backend.
func (m *Manager) handleAuthenticate(ctx context.Context, socketID string, raw []byte) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{"socket_id": socketID}).
			Warn("authenticate payload was not JSON")
		m.rejectAuth(ctx, socketID)
		return
	}

	authToken, _ := msg["authToken"].(string)
	var contentTokens map[string]string
	if raw, ok := msg["contentTokens"].(map[string]any); ok {
		contentTokens = make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				contentTokens[k] = s
			}
		}
	}

	if cached, ok := m.store.GetIdentity(authToken); ok {
		m.setupConnection(ctx, socketID, cached, contentTokens)
		return
	}

	msg["messageType"] = "authenticate"
	msg["clientId"] = socketID

	resp, err := m.backend.Send(ctx, msg)
	if err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{"socket_id": socketID}).
			Info("backend rejected authentication")
		m.rejectAuth(ctx, socketID)
		return
	}

	if !resp.NodejsValidAuthToken {
		m.rejectAuth(ctx, socketID)
		return
	}

	identity := &store.AuthIdentity{
		AuthToken:     resp.AuthToken,
		UID:           resp.UID,
		Channels:      resp.Channels,
		PresenceUids:  resp.PresenceUids,
		ContentTokens: resp.ContentTokens,
		Attachments:   resp.Attachments,
	}
	m.store.SetIdentity(identity)
	m.setupConnection(ctx, resp.ClientID, identity, resp.ContentTokens)
}

// rejectAuth disconnects and drops a socket that failed authentication.
func (m *Manager) rejectAuth(ctx context.Context, socketID string) {
	telemetry.SocketsRejectedCounter.Add(ctx, 1)
	sock, ok := m.store.RemovePreAuthSocket(socketID)
	if !ok {
		return
	}
	if err := sock.Handle.Disconnect(); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{"socket_id": socketID}).
			Debug("disconnecting rejected socket failed")
	}
}

// setupConnection moves a socket into authenticated and wires up its
// channel memberships, presence, and any waiting content tokens.
func (m *Manager) setupConnection(ctx context.Context, socketID string, identity *store.AuthIdentity, contentTokens map[string]string) {
	sock, ok := m.store.GetPreAuthSocket(socketID)
	if !ok {
		return
	}
	handle := sock.Handle

	sock, ok = m.store.PromoteToAuthenticated(socketID, identity.AuthToken, identity.UID)
	if !ok {
		return
	}
	telemetry.SocketsAuthenticatedCounter.Add(ctx, 1)
	telemetry.SocketsActiveGauge.Add(ctx, 1)

	for _, channel := range identity.Channels {
		m.store.AddChannelMember(channel, socketID)
	}

	if identity.UID > 0 {
		m.cancelPresenceTimer(identity.UID)
	}
	if identity.UID > 0 && !m.store.IsOnline(identity.UID) {
		m.store.SetOnline(identity.UID, identity.PresenceUids)
		telemetry.PresenceOnlineCounter.Add(ctx, 1)

		go func() {
			if _, err := m.backend.Send(ctx, map[string]any{
				"uid":         identity.UID,
				"messageType": "userOnline",
				"gatewayId":   m.cfg.GatewayID,
			}); err != nil {
				util.Log(ctx).WithError(err).WithFields(map[string]any{"uid": identity.UID}).
					Debug("userOnline notification failed")
			}
		}()

		m.sendPresenceChange(ctx, identity.UID, "online")
	}

	for channelName, token := range contentTokens {
		if payload, ok := m.store.RedeemToken(channelName, token, socketID); ok {
			telemetry.TokenChannelRedemptionsCounter.Add(ctx, 1)
			m.cancelTokenChannelTimer(channelName, identity.UID)
			m.fanoutTokenChannelJoin(ctx, channelName, payload)
		}
	}

	m.bus.Publish(ctx, eventbus.EventClientAuthenticated, map[string]any{
		"socketId": socketID,
		"identity": identity,
	})

	_ = handle.SendJSON(clientAuthenticatedPush{Callback: "clientAuthenticated", Data: identity})

	util.Log(ctx).WithFields(map[string]any{
		"socket_id":  socketID,
		"uid":        identity.UID,
		"gateway_id": m.cfg.GatewayID,
	}).Info("socket authenticated")
}

// sendPresenceChange notifies every observer of uid that uid's online
// state just transitioned to event.
func (m *Manager) sendPresenceChange(ctx context.Context, uid int64, event string) {
	for _, observerUID := range m.store.ObserversOf(uid) {
		for _, sessionID := range m.store.SessionsForUID(observerUID) {
			m.publishToClient(ctx, sessionID, presenceNotificationPush{
				PresenceNotification: presenceNotification{UID: uid, Event: event},
			})
		}
	}
}

// handleJoinTokenChannel implements joinTokenChannel.
func (m *Manager) handleJoinTokenChannel(ctx context.Context, socketID string, raw []byte) {
	if _, ok := m.store.GetAuthenticatedSocket(socketID); !ok {
		return
	}

	var msg joinTokenChannelPayload
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel == "" || msg.ContentToken == "" {
		return
	}

	payload, ok := m.store.RedeemToken(msg.Channel, msg.ContentToken, socketID)
	if !ok {
		return
	}
	telemetry.TokenChannelRedemptionsCounter.Add(ctx, 1)
	if sock, ok := m.store.GetAuthenticatedSocket(socketID); ok {
		m.cancelTokenChannelTimer(msg.Channel, sock.UID)
	}
	m.fanoutTokenChannelJoin(ctx, msg.Channel, payload)
}

func (m *Manager) fanoutTokenChannelJoin(ctx context.Context, channelName string, payload map[string]any) {
	for _, sessionID := range m.store.TokenChannelSocketIDs(channelName) {
		m.publishToClient(ctx, sessionID, clientJoinedTokenChannelPush{
			Callback: "clientJoinedTokenChannel", Data: payload,
		})
	}
}

// handleClientMessage implements processMessage: inbound messages are
// authorized per channel-writability/membership, or per the global
// clients-can-write-to-clients flag when no channel is set.
func (m *Manager) handleClientMessage(ctx context.Context, socketID string, raw []byte) {
	if _, ok := m.store.GetAuthenticatedSocket(socketID); !ok {
		return
	}
	m.store.Touch(socketID)

	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	msgType, _ := msg["type"].(string)
	if msgType == "" {
		return
	}

	channel, hasChannel := msg["channel"].(string)
	if hasChannel && channel != "" {
		if m.store.IsChannelWritable(channel) && m.store.IsChannelMember(channel, socketID) {
			m.bus.Publish(ctx, eventbus.EventClientToChannelMsg, map[string]any{"socketId": socketID, "message": msg})
			return
		}
		util.Log(ctx).WithFields(map[string]any{"socket_id": socketID, "channel": channel}).
			Debug("dropped unauthorized channel message")
		return
	}

	if m.cfg.ClientsCanWriteToClients {
		m.bus.Publish(ctx, eventbus.EventClientToClientMessage, map[string]any{"socketId": socketID, "message": msg})
		return
	}

	util.Log(ctx).WithFields(map[string]any{"socket_id": socketID}).
		Debug("dropped unauthorized client-to-client message")
}

// handleDisconnect implements the disconnect and grace-period algorithm.
func (m *Manager) handleDisconnect(ctx context.Context, socketID string) {
	telemetry.SocketsDisconnectedCounter.Add(ctx, 1)
	m.bus.Publish(ctx, eventbus.EventClientDisconnect, socketID)

	if _, ok := m.store.RemovePreAuthSocket(socketID); ok {
		return
	}

	m.store.RemoveMemberFromAllChannels(socketID)

	sock, ok := m.store.RemoveAuthenticatedSocket(socketID)
	if !ok {
		return
	}
	telemetry.SocketsActiveGauge.Add(ctx, -1)

	if sock.UID > 0 {
		m.armPresenceTimer(ctx, sock.UID)
	}

	for _, membership := range m.store.RemoveSocketFromAllTokenChannels(socketID) {
		if payloadBool(membership.Payload, "notifyOnDisconnect") {
			m.armTokenChannelTimer(ctx, membership.ChannelName, payloadUID(membership.Payload))
		}
	}
}

func (m *Manager) armPresenceTimer(ctx context.Context, uid int64) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()

	if t, ok := m.presenceTimers[uid]; ok {
		t.Stop()
	}
	m.presenceTimers[uid] = time.AfterFunc(m.cfg.GracePeriod, func() {
		m.firePresenceTimer(ctx, uid)
	})
}

func (m *Manager) cancelPresenceTimer(uid int64) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.presenceTimers[uid]; ok {
		t.Stop()
		delete(m.presenceTimers, uid)
	}
}

func (m *Manager) firePresenceTimer(ctx context.Context, uid int64) {
	m.timersMu.Lock()
	delete(m.presenceTimers, uid)
	m.timersMu.Unlock()

	if len(m.store.SessionsForUID(uid)) > 0 {
		return
	}

	m.sendPresenceChange(ctx, uid, "offline")
	m.store.SetOffline(uid)
	telemetry.PresenceOfflineCounter.Add(ctx, 1)

	go func() {
		if _, err := m.backend.Send(ctx, map[string]any{
			"uid": uid, "messageType": "userOffline", "gatewayId": m.cfg.GatewayID,
		}); err != nil {
			util.Log(ctx).WithError(err).WithFields(map[string]any{"uid": uid}).
				Debug("userOffline notification failed")
		}
	}()
}

func tokenChannelTimerKey(channelName string, uid int64) string {
	return fmt.Sprintf("%s\x00%d", channelName, uid)
}

func (m *Manager) armTokenChannelTimer(ctx context.Context, channelName string, uid int64) {
	key := tokenChannelTimerKey(channelName, uid)

	m.timersMu.Lock()
	defer m.timersMu.Unlock()

	if t, ok := m.tokenChannelTimers[key]; ok {
		t.Stop()
	}
	m.tokenChannelTimers[key] = time.AfterFunc(m.cfg.GracePeriod, func() {
		m.fireTokenChannelTimer(ctx, channelName, uid, key)
	})
}

func (m *Manager) cancelTokenChannelTimer(channelName string, uid int64) {
	key := tokenChannelTimerKey(channelName, uid)
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.tokenChannelTimers[key]; ok {
		t.Stop()
		delete(m.tokenChannelTimers, key)
	}
}

func (m *Manager) fireTokenChannelTimer(ctx context.Context, channelName string, uid int64, key string) {
	m.timersMu.Lock()
	delete(m.tokenChannelTimers, key)
	m.timersMu.Unlock()

	for _, sessionID := range m.store.TokenChannelSocketIDs(channelName) {
		if sock, ok := m.store.GetAuthenticatedSocket(sessionID); ok && sock.UID == uid {
			return
		}
	}

	m.publishToTokenChannel(ctx, channelName, contentChannelDisconnectPush{
		Channel:                    channelName,
		ContentChannelNotification: true,
		Data:                       contentChannelDisconnectData{UID: uid, Type: "disconnect"},
	})
}

// --- fan-out primitives ---------------------------------------------------

// PublishToClient sends msg to the socket named sessionID, if it is
// currently authenticated. It returns true only if the socket is
// authenticated and SendJSON reported no error.
func (m *Manager) PublishToClient(ctx context.Context, sessionID string, msg any) bool {
	return m.publishToClient(ctx, sessionID, msg)
}

func (m *Manager) publishToClient(_ context.Context, sessionID string, msg any) bool {
	sock, ok := m.store.GetAuthenticatedSocket(sessionID)
	if !ok {
		return false
	}
	if err := sock.Handle.SendJSON(msg); err != nil {
		return false
	}
	return true
}

// PublishToChannel fans msg out to every member of the channel named
// channel, returning the number of sockets delivered to.
func (m *Manager) PublishToChannel(ctx context.Context, channel string, msg any) int {
	sent := 0
	for _, sessionID := range m.store.ChannelMemberSessions(channel) {
		if m.publishToClient(ctx, sessionID, msg) {
			sent++
		}
	}
	telemetry.ChannelMessagesPublishedCounter.Add(ctx, int64(sent))
	m.bus.Publish(ctx, eventbus.EventMessagePublished, map[string]any{"channel": channel, "sent": sent})
	return sent
}

// PublishToTokenChannel fans msg out to every socket redeemed into the
// token channel named name.
func (m *Manager) PublishToTokenChannel(ctx context.Context, name string, msg any) int {
	return m.publishToTokenChannel(ctx, name, msg)
}

func (m *Manager) publishToTokenChannel(ctx context.Context, name string, msg any) int {
	sent := 0
	for _, sessionID := range m.store.TokenChannelSocketIDs(name) {
		if m.publishToClient(ctx, sessionID, msg) {
			sent++
		}
	}
	m.bus.Publish(ctx, eventbus.EventMessagePublished, map[string]any{"tokenChannel": name, "sent": sent})
	return sent
}

// Broadcast sends msg to every authenticated socket.
func (m *Manager) Broadcast(ctx context.Context, msg any) int {
	sent := 0
	for _, sock := range m.store.AllAuthenticatedSockets() {
		if err := sock.Handle.SendJSON(msg); err == nil {
			sent++
		}
	}
	m.bus.Publish(ctx, eventbus.EventMessagePublished, map[string]any{"broadcast": true, "sent": sent})
	return sent
}

// NewSocketID issues a unique transport-level socket id. Transport
// adapters call this when a connection completes its upgrade.
func NewSocketID() string {
	return uuid.NewString()
}

// StartStaleSweep runs a periodic sweep that closes authenticated sockets
// which have gone quiet for longer than cfg.StaleThreshold, freeing any
// zombie connections the transport's own keepalive never detected (client
// crash without a close frame, a network drop the OS didn't surface). It
// returns immediately if StaleSweepInterval is zero. The sweep stops when
// ctx is canceled.
func (m *Manager) StartStaleSweep(ctx context.Context) {
	if m.cfg.StaleSweepInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(m.cfg.StaleSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepStale(ctx)
			}
		}
	}()
}

// sweepStale closes every authenticated socket idle longer than
// cfg.StaleThreshold. The store hands back a snapshot so closing sockets
// one at a time never holds a shard lock.
func (m *Manager) sweepStale(ctx context.Context) {
	stale := m.store.StaleAuthenticatedSockets(m.cfg.StaleThreshold)
	for _, sock := range stale {
		util.Log(ctx).WithFields(map[string]any{
			"socket_id": sock.ID, "uid": sock.UID, "last_seen": sock.LastSeen,
		}).Warn("closing stale connection")
		m.closeSocket(sock.ID)
		telemetry.SocketsActiveGauge.Add(ctx, -1)

		if sock.UID > 0 && m.store.IsOnline(sock.UID) && len(m.store.SessionsForUID(sock.UID)) == 0 {
			m.cancelPresenceTimer(sock.UID)
			m.sendPresenceChange(ctx, sock.UID, "offline")
			m.store.SetOffline(sock.UID)
		}
	}
}

// --- admin-facing operations -----------------------------------------

// closeSocket disconnects and fully removes one authenticated session,
// mirroring the cleanup handleDisconnect performs, minus the grace-period
// arming (the caller is evicting the socket deliberately, not reacting to
// a transport-level drop).
func (m *Manager) closeSocket(sessionID string) {
	if sock, ok := m.store.GetAuthenticatedSocket(sessionID); ok {
		if err := sock.Handle.Disconnect(); err != nil {
			util.Log(context.Background()).WithError(err).WithFields(map[string]any{"socket_id": sessionID}).
				Debug("closing socket failed")
		}
	}

	m.store.RemoveMemberFromAllChannels(sessionID)
	m.store.RemoveSocketFromAllTokenChannels(sessionID)
	m.store.RemoveAuthenticatedSocket(sessionID)
}

// KickUID purges every cached identity for uid, closes every one of its
// authenticated sockets, and marks it offline. It returns whether uid had
// any identity or active session to begin with.
func (m *Manager) KickUID(ctx context.Context, uid int64) bool {
	identities := m.store.IdentitiesWithUID(uid)
	for _, identity := range identities {
		m.store.DeleteIdentity(identity.AuthToken)
	}

	sessions := m.store.SessionsForUID(uid)
	for _, sessionID := range sessions {
		m.closeSocket(sessionID)
	}

	if len(sessions) > 0 {
		telemetry.SocketsActiveGauge.Add(ctx, -int64(len(sessions)))
	}

	if m.store.IsOnline(uid) {
		m.cancelPresenceTimer(uid)
		m.sendPresenceChange(ctx, uid, "offline")
		m.store.SetOffline(uid)
	}

	return len(identities) > 0 || len(sessions) > 0
}

// LogoutAuthToken deletes the cached identity for authToken and cleans up
// every socket currently authenticated under it. Per the corrected
// behavior for logoutUser (see design notes), the transport is closed
// first, then the store cleanup runs, so the cleanup is safe to call
// again if the socket had already disconnected on its own.
func (m *Manager) LogoutAuthToken(ctx context.Context, authToken string) {
	identity, hadIdentity := m.store.GetIdentity(authToken)
	m.store.DeleteIdentity(authToken)

	var uid int64
	if hadIdentity {
		uid = identity.UID
	}

	var sessions []string
	for _, sock := range m.store.AllAuthenticatedSockets() {
		if sock.AuthToken == authToken {
			sessions = append(sessions, sock.ID)
		}
	}

	for _, sessionID := range sessions {
		m.closeSocket(sessionID)
	}
	if len(sessions) > 0 {
		telemetry.SocketsActiveGauge.Add(ctx, -int64(len(sessions)))
	}

	if uid > 0 && m.store.IsOnline(uid) && len(m.store.SessionsForUID(uid)) == 0 {
		m.cancelPresenceTimer(uid)
		m.sendPresenceChange(ctx, uid, "offline")
		m.store.SetOffline(uid)
	}
}

// AddUserToChannel ensures channel exists, adds every active session of
// uid to it, and appends channel to the cached identity's channel list if
// the identity is known. It succeeds only if uid had at least one active
// session.
func (m *Manager) AddUserToChannel(channel string, uid int64) bool {
	m.store.EnsureChannel(channel)
	sessions := m.store.SessionsForUID(uid)
	for _, sessionID := range sessions {
		m.store.AddChannelMember(channel, sessionID)
		if sock, ok := m.store.GetAuthenticatedSocket(sessionID); ok {
			m.store.AppendIdentityChannel(sock.AuthToken, channel)
		}
	}
	return len(sessions) > 0
}

// RemoveUserFromChannel removes every active session of uid from channel
// and strips channel from the cached identity's channel list. It succeeds
// only if the channel existed.
func (m *Manager) RemoveUserFromChannel(channel string, uid int64) bool {
	if !m.store.ChannelExists(channel) {
		return false
	}
	for _, sessionID := range m.store.SessionsForUID(uid) {
		m.store.RemoveChannelMember(channel, sessionID)
		if sock, ok := m.store.GetAuthenticatedSocket(sessionID); ok {
			m.store.RemoveIdentityChannel(sock.AuthToken, channel)
		}
	}
	return true
}

// AddAuthTokenToChannel is AddUserToChannel keyed by authToken instead of
// uid: every socket currently authenticated under authToken joins channel.
func (m *Manager) AddAuthTokenToChannel(channel, authToken string) bool {
	m.store.EnsureChannel(channel)
	var joined bool
	for _, sock := range m.store.AllAuthenticatedSockets() {
		if sock.AuthToken == authToken {
			m.store.AddChannelMember(channel, sock.ID)
			joined = true
		}
	}
	if joined {
		m.store.AppendIdentityChannel(authToken, channel)
	}
	return joined
}

// RemoveAuthTokenFromChannel is RemoveUserFromChannel keyed by authToken.
func (m *Manager) RemoveAuthTokenFromChannel(channel, authToken string) bool {
	if !m.store.ChannelExists(channel) {
		return false
	}
	for _, sock := range m.store.AllAuthenticatedSockets() {
		if sock.AuthToken == authToken {
			m.store.RemoveChannelMember(channel, sock.ID)
		}
	}
	m.store.RemoveIdentityChannel(authToken, channel)
	return true
}
