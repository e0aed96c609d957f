// Package store implements the in-memory state for the connection and
// channel manager: sockets, auth identities, channels, token channels and
// presence. Collection queries return snapshots. Single-record accessors
// (GetPreAuthSocket, GetAuthenticatedSocket, PromoteToAuthenticated,
// EnsureChannel, GetChannel, GetIdentity) return the live record, not a
// copy, and the payload maps in token-channel snapshots are shared with the
// store.
//
// Socket and channel-membership maps are sharded by key hash (reusing
// internal.ShardForKey) the same way the connection pool this package is
// modeled on shards connections, to keep lock contention low under
// concurrent socket churn. Sharding is an implementation detail; it does
// not change any invariant below.
//
// Invariants that hold between operations when the session manager drives
// the store; the store's mutators record what they are told and do not
// check these themselves:
//  1. Every id in preAuth ∪ authenticated corresponds to a live handle;
//     the two sets are disjoint.
//  2. Every session id in any channel's members or token channel's
//     sockets is in authenticated.
//  3. If a socket has uid > 0, that uid is a key of onlineUsers (until its
//     grace-period timer fires).
//  4. authenticated[s].authToken is a key of identities.
//  5. A token appears in at most one token channel's Tokens map; once
//     redeemed it is removed.
package store

import (
	"sync"
	"time"

	"github.com/casmbu/nodejs-gateway/internal"
)

const shardCount = 32

type socketShard struct {
	mu   sync.RWMutex
	byID map[string]*Socket
}

type channelShard struct {
	mu   sync.RWMutex
	byID map[string]*Channel
}

type tokenChannelShard struct {
	mu   sync.RWMutex
	byID map[string]*TokenChannel
}

// Store holds all connection and channel manager state.
type Store struct {
	preAuth       [shardCount]*socketShard
	authenticated [shardCount]*socketShard

	channels      [shardCount]*channelShard
	tokenChannels [shardCount]*tokenChannelShard

	identMu     sync.RWMutex
	identities  map[string]*AuthIdentity

	onlineMu    sync.RWMutex
	onlineUsers map[int64][]int64

	presenceMu    sync.RWMutex
	presenceLists map[int64][]int64
}

// New creates an empty store.
func New() *Store {
	s := &Store{
		identities:    make(map[string]*AuthIdentity),
		onlineUsers:   make(map[int64][]int64),
		presenceLists: make(map[int64][]int64),
	}
	for i := range shardCount {
		s.preAuth[i] = &socketShard{byID: make(map[string]*Socket)}
		s.authenticated[i] = &socketShard{byID: make(map[string]*Socket)}
		s.channels[i] = &channelShard{byID: make(map[string]*Channel)}
		s.tokenChannels[i] = &tokenChannelShard{byID: make(map[string]*TokenChannel)}
	}
	return s
}

func shardFor(id string) int {
	return internal.ShardForKey(id, shardCount)
}

// --- sockets ---------------------------------------------------------

// AddPreAuthSocket inserts a freshly connected socket into preAuth.
func (s *Store) AddPreAuthSocket(id string, handle ClientHandle) *Socket {
	shard := s.preAuth[shardFor(id)]
	now := time.Now()
	sock := &Socket{ID: id, Handle: handle, ConnectedAt: now, LastSeen: now}

	shard.mu.Lock()
	shard.byID[id] = sock
	shard.mu.Unlock()
	return sock
}

// GetPreAuthSocket returns the socket with id if it is still in preAuth.
func (s *Store) GetPreAuthSocket(id string) (*Socket, bool) {
	shard := s.preAuth[shardFor(id)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	sock, ok := shard.byID[id]
	return sock, ok
}

// RemovePreAuthSocket removes and returns the socket with id from preAuth.
func (s *Store) RemovePreAuthSocket(id string) (*Socket, bool) {
	shard := s.preAuth[shardFor(id)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	sock, ok := shard.byID[id]
	if ok {
		delete(shard.byID, id)
	}
	return sock, ok
}

// PromoteToAuthenticated moves a socket from preAuth to authenticated,
// stamping authToken and uid onto it. It fails if the socket is not (or no
// longer) in preAuth — the caller vanished mid-authentication.
func (s *Store) PromoteToAuthenticated(id, authToken string, uid int64) (*Socket, bool) {
	sock, ok := s.RemovePreAuthSocket(id)
	if !ok {
		return nil, false
	}

	sock.AuthToken = authToken
	sock.UID = uid
	sock.LastSeen = time.Now()

	shard := s.authenticated[shardFor(id)]
	shard.mu.Lock()
	shard.byID[id] = sock
	shard.mu.Unlock()
	return sock, true
}

// GetAuthenticatedSocket returns the authenticated socket with id.
func (s *Store) GetAuthenticatedSocket(id string) (*Socket, bool) {
	shard := s.authenticated[shardFor(id)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	sock, ok := shard.byID[id]
	return sock, ok
}

// RemoveAuthenticatedSocket removes and returns the authenticated socket
// with id.
func (s *Store) RemoveAuthenticatedSocket(id string) (*Socket, bool) {
	shard := s.authenticated[shardFor(id)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	sock, ok := shard.byID[id]
	if ok {
		delete(shard.byID, id)
	}
	return sock, ok
}

// AllAuthenticatedSockets returns a snapshot of every authenticated
// socket. Safe to iterate without holding any lock.
func (s *Store) AllAuthenticatedSockets() []*Socket {
	var out []*Socket
	for i := range shardCount {
		shard := s.authenticated[i]
		shard.mu.RLock()
		for _, sock := range shard.byID {
			out = append(out, sock)
		}
		shard.mu.RUnlock()
	}
	return out
}

// SessionsForUID returns the session ids of every authenticated socket
// belonging to uid.
func (s *Store) SessionsForUID(uid int64) []string {
	var out []string
	for _, sock := range s.AllAuthenticatedSockets() {
		if sock.UID == uid {
			out = append(out, sock.ID)
		}
	}
	return out
}

// CountSockets returns the number of sockets in preAuth and authenticated.
func (s *Store) CountSockets() (preAuth, authenticated int) {
	for i := range shardCount {
		s.preAuth[i].mu.RLock()
		preAuth += len(s.preAuth[i].byID)
		s.preAuth[i].mu.RUnlock()

		s.authenticated[i].mu.RLock()
		authenticated += len(s.authenticated[i].byID)
		s.authenticated[i].mu.RUnlock()
	}
	return preAuth, authenticated
}

// Touch stamps LastSeen on the authenticated socket id, if it is still
// connected. Called on every inbound client message so a later stale sweep
// has an accurate idle time to compare against.
func (s *Store) Touch(id string) {
	shard := s.authenticated[shardFor(id)]
	shard.mu.RLock()
	sock, ok := shard.byID[id]
	shard.mu.RUnlock()
	if ok {
		sock.LastSeen = time.Now()
	}
}

// StaleAuthenticatedSockets returns a snapshot of authenticated sockets
// whose LastSeen is older than threshold, for a periodic sweep to close.
// Snapshotting before the caller acts keeps the sweep from holding any
// shard lock while it disconnects sockets one at a time.
func (s *Store) StaleAuthenticatedSockets(threshold time.Duration) []*Socket {
	cutoff := time.Now().Add(-threshold)
	var out []*Socket
	for _, sock := range s.AllAuthenticatedSockets() {
		if sock.LastSeen.Before(cutoff) {
			out = append(out, sock)
		}
	}
	return out
}

// --- auth identities ---------------------------------------------------

// GetIdentity returns the cached identity for authToken, if any.
func (s *Store) GetIdentity(authToken string) (*AuthIdentity, bool) {
	s.identMu.RLock()
	defer s.identMu.RUnlock()
	id, ok := s.identities[authToken]
	return id, ok
}

// SetIdentity stores or replaces the cached identity for identity.AuthToken.
func (s *Store) SetIdentity(identity *AuthIdentity) {
	s.identMu.Lock()
	defer s.identMu.Unlock()
	s.identities[identity.AuthToken] = identity
}

// DeleteIdentity removes the cached identity for authToken.
func (s *Store) DeleteIdentity(authToken string) {
	s.identMu.Lock()
	defer s.identMu.Unlock()
	delete(s.identities, authToken)
}

// AppendIdentityChannel adds channel to the identity's Channels list if
// not already present. It is a no-op if no identity is cached for
// authToken.
func (s *Store) AppendIdentityChannel(authToken, channel string) {
	s.identMu.Lock()
	defer s.identMu.Unlock()
	id, ok := s.identities[authToken]
	if !ok {
		return
	}
	for _, c := range id.Channels {
		if c == channel {
			return
		}
	}
	id.Channels = append(id.Channels, channel)
}

// RemoveIdentityChannel removes channel from the identity's Channels list
// if present. It is a no-op if no identity is cached for authToken.
func (s *Store) RemoveIdentityChannel(authToken, channel string) {
	s.identMu.Lock()
	defer s.identMu.Unlock()
	id, ok := s.identities[authToken]
	if !ok {
		return
	}
	filtered := id.Channels[:0]
	for _, c := range id.Channels {
		if c != channel {
			filtered = append(filtered, c)
		}
	}
	id.Channels = filtered
}

// IdentitiesWithUID returns a snapshot of every cached identity belonging
// to uid (used by kickUser, which purges by uid rather than by token).
func (s *Store) IdentitiesWithUID(uid int64) []*AuthIdentity {
	s.identMu.RLock()
	defer s.identMu.RUnlock()

	var out []*AuthIdentity
	for _, id := range s.identities {
		if id.UID == uid {
			out = append(out, id)
		}
	}
	return out
}

// --- channels ------------------------------------------------------------

// EnsureChannel returns the channel named name, creating it if absent.
func (s *Store) EnsureChannel(name string) *Channel {
	shard := s.channels[shardFor(name)]

	shard.mu.Lock()
	defer shard.mu.Unlock()
	ch, ok := shard.byID[name]
	if !ok {
		ch = &Channel{Name: name, SessionIDs: make(map[string]struct{}), CreatedAt: time.Now()}
		shard.byID[name] = ch
	}
	return ch
}

// GetChannel returns the channel named name without creating it.
func (s *Store) GetChannel(name string) (*Channel, bool) {
	shard := s.channels[shardFor(name)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	ch, ok := shard.byID[name]
	return ch, ok
}

// ChannelExists reports whether a channel named name currently exists.
func (s *Store) ChannelExists(name string) bool {
	_, ok := s.GetChannel(name)
	return ok
}

// AddChannel creates a channel named name. It returns false if the channel
// already exists (addChannel fails if it exists).
func (s *Store) AddChannel(name string) bool {
	shard := s.channels[shardFor(name)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.byID[name]; ok {
		return false
	}
	shard.byID[name] = &Channel{Name: name, SessionIDs: make(map[string]struct{}), CreatedAt: time.Now()}
	return true
}

// RemoveChannel deletes the channel named name. It returns false if the
// channel did not exist.
func (s *Store) RemoveChannel(name string) bool {
	shard := s.channels[shardFor(name)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.byID[name]; !ok {
		return false
	}
	delete(shard.byID, name)
	return true
}

// ChannelSummary is the admin-visible projection of a Channel: enough to
// show in healthCheck without handing out the live member set.
type ChannelSummary struct {
	Name      string
	CreatedAt time.Time
	Members   int
	Writable  bool
}

// AllChannelSummaries returns a snapshot of every channel, for the health
// check's channel visibility section.
func (s *Store) AllChannelSummaries() []ChannelSummary {
	var out []ChannelSummary
	for i := range shardCount {
		shard := s.channels[i]
		shard.mu.RLock()
		for _, ch := range shard.byID {
			out = append(out, ChannelSummary{
				Name:      ch.Name,
				CreatedAt: ch.CreatedAt,
				Members:   len(ch.SessionIDs),
				Writable:  ch.IsClientWritable,
			})
		}
		shard.mu.RUnlock()
	}
	return out
}

// AddChannelMember ensures the channel exists and adds sessionID to it.
func (s *Store) AddChannelMember(name, sessionID string) {
	ch := s.EnsureChannel(name)
	shard := s.channels[shardFor(name)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ch.SessionIDs[sessionID] = struct{}{}
}

// RemoveChannelMember removes sessionID from the channel named name. It
// returns false if the channel does not exist.
func (s *Store) RemoveChannelMember(name, sessionID string) bool {
	shard := s.channels[shardFor(name)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ch, ok := shard.byID[name]
	if !ok {
		return false
	}
	delete(ch.SessionIDs, sessionID)
	return true
}

// ChannelMemberSessions returns a snapshot of sessionID's the channel
// currently has as members.
func (s *Store) ChannelMemberSessions(name string) []string {
	shard := s.channels[shardFor(name)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	ch, ok := shard.byID[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ch.SessionIDs))
	for id := range ch.SessionIDs {
		out = append(out, id)
	}
	return out
}

// IsChannelMember reports whether sessionID is a member of channel name.
func (s *Store) IsChannelMember(name, sessionID string) bool {
	shard := s.channels[shardFor(name)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	ch, ok := shard.byID[name]
	if !ok {
		return false
	}
	_, member := ch.SessionIDs[sessionID]
	return member
}

// IsChannelWritable reports whether channel name is marked client-writable.
func (s *Store) IsChannelWritable(name string) bool {
	shard := s.channels[shardFor(name)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	ch, ok := shard.byID[name]
	return ok && ch.IsClientWritable
}

// SetChannelWritable marks channel name as client-writable or not.
func (s *Store) SetChannelWritable(name string, writable bool) {
	ch := s.EnsureChannel(name)
	shard := s.channels[shardFor(name)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ch.IsClientWritable = writable
}

// RemoveMemberFromAllChannels removes sessionID from every channel it
// belongs to. Each shard is locked while its channels are updated, and only
// the channels' member sets are modified, never the shard map being ranged
// over.
func (s *Store) RemoveMemberFromAllChannels(sessionID string) {
	for i := range shardCount {
		shard := s.channels[i]
		shard.mu.Lock()
		for _, ch := range shard.byID {
			delete(ch.SessionIDs, sessionID)
		}
		shard.mu.Unlock()
	}
}

// --- token channels ------------------------------------------------------

func (s *Store) ensureTokenChannel(name string) *TokenChannel {
	shard := s.tokenChannels[shardFor(name)]
	tc, ok := shard.byID[name]
	if !ok {
		tc = &TokenChannel{
			Name:    name,
			Tokens:  make(map[string]map[string]any),
			Sockets: make(map[string]map[string]any),
		}
		shard.byID[name] = tc
	}
	return tc
}

// SetContentToken queues payload under token in the token channel named
// name, creating the token channel if absent.
func (s *Store) SetContentToken(name, token string, payload map[string]any) {
	shard := s.tokenChannels[shardFor(name)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	tc := s.ensureTokenChannel(name)
	tc.Tokens[token] = payload
}

// RedeemToken moves the queued payload for token from the token channel's
// Tokens map to its Sockets map under sessionID, and deletes the token
// entry so it can never be redeemed twice. ok is false if the token was
// not queued.
func (s *Store) RedeemToken(name, token, sessionID string) (payload map[string]any, ok bool) {
	shard := s.tokenChannels[shardFor(name)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	tc := s.ensureTokenChannel(name)

	payload, ok = tc.Tokens[token]
	if !ok {
		return nil, false
	}
	delete(tc.Tokens, token)
	tc.Sockets[sessionID] = payload
	return payload, true
}

// TokenChannelSocketIDs returns a snapshot of every session id currently
// redeemed into the token channel named name.
func (s *Store) TokenChannelSocketIDs(name string) []string {
	shard := s.tokenChannels[shardFor(name)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	tc, ok := shard.byID[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(tc.Sockets))
	for id := range tc.Sockets {
		out = append(out, id)
	}
	return out
}

// TokenChannelSocketPayloads returns a snapshot of the (sessionID, payload)
// pairs redeemed into the token channel named name.
func (s *Store) TokenChannelSocketPayloads(name string) map[string]map[string]any {
	shard := s.tokenChannels[shardFor(name)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	tc, ok := shard.byID[name]
	if !ok {
		return nil
	}
	out := make(map[string]map[string]any, len(tc.Sockets))
	for id, payload := range tc.Sockets {
		out[id] = payload
	}
	return out
}

// TokenChannelExists reports whether a token channel named name exists.
func (s *Store) TokenChannelExists(name string) bool {
	shard := s.tokenChannels[shardFor(name)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	_, ok := shard.byID[name]
	return ok
}

// AllTokenChannelNames returns a snapshot of every token channel name that
// currently exists, for the health check's contentTokens summary.
func (s *Store) AllTokenChannelNames() []string {
	var out []string
	for i := range shardCount {
		shard := s.tokenChannels[i]
		shard.mu.RLock()
		for name := range shard.byID {
			out = append(out, name)
		}
		shard.mu.RUnlock()
	}
	return out
}

// RemovedTokenChannelMembership describes a socket's departure from one
// token channel, returned by RemoveSocketFromAllTokenChannels so the
// session manager can decide whether to arm a disconnect-notification
// timer for it.
type RemovedTokenChannelMembership struct {
	ChannelName string
	Payload     map[string]any
}

// RemoveSocketFromAllTokenChannels removes sessionID's entry from every
// token channel it redeemed into, returning what was removed so the caller
// can inspect each payload's notifyOnDisconnect flag.
func (s *Store) RemoveSocketFromAllTokenChannels(sessionID string) []RemovedTokenChannelMembership {
	var removed []RemovedTokenChannelMembership
	for i := range shardCount {
		shard := s.tokenChannels[i]
		shard.mu.Lock()
		for _, tc := range shard.byID {
			if payload, ok := tc.Sockets[sessionID]; ok {
				removed = append(removed, RemovedTokenChannelMembership{ChannelName: tc.Name, Payload: payload})
				delete(tc.Sockets, sessionID)
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// --- presence & online users ---------------------------------------------

// SetOnline marks uid online with observerUIDs as the set of uids to be
// told about uid's future presence transitions. It returns whether uid was
// already online.
func (s *Store) SetOnline(uid int64, observerUIDs []int64) (wasOnline bool) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	_, wasOnline = s.onlineUsers[uid]
	s.onlineUsers[uid] = observerUIDs
	return wasOnline
}

// IsOnline reports whether uid is currently marked online.
func (s *Store) IsOnline(uid int64) bool {
	s.onlineMu.RLock()
	defer s.onlineMu.RUnlock()
	_, ok := s.onlineUsers[uid]
	return ok
}

// SetOffline unmarks uid as online.
func (s *Store) SetOffline(uid int64) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	delete(s.onlineUsers, uid)
}

// ObserversOf returns a snapshot of the observer uids recorded for uid.
func (s *Store) ObserversOf(uid int64) []int64 {
	s.onlineMu.RLock()
	defer s.onlineMu.RUnlock()
	observers := s.onlineUsers[uid]
	out := make([]int64, len(observers))
	copy(out, observers)
	return out
}

// OnlineUserCount returns the number of currently online uids.
func (s *Store) OnlineUserCount() int {
	s.onlineMu.RLock()
	defer s.onlineMu.RUnlock()
	return len(s.onlineUsers)
}

// SetPresenceList stores the admin-configured list of uids that uid is
// subscribed to observe.
func (s *Store) SetPresenceList(uid int64, uidList []int64) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	s.presenceLists[uid] = uidList
}

// GetPresenceList returns the admin-configured list of uids that uid is
// subscribed to observe.
func (s *Store) GetPresenceList(uid int64) []int64 {
	s.presenceMu.RLock()
	defer s.presenceMu.RUnlock()
	list := s.presenceLists[uid]
	out := make([]int64, len(list))
	copy(out, list)
	return out
}
