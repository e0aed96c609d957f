package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/casmbu/nodejs-gateway/internal/backend"
	"github.com/casmbu/nodejs-gateway/internal/eventbus"
	"github.com/casmbu/nodejs-gateway/internal/session"
	"github.com/casmbu/nodejs-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id string

	mu         sync.Mutex
	sent       []any
	handlers   map[string]func(payload []byte)
	onDisc     func()
	disconnected bool
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id, handlers: make(map[string]func(payload []byte))}
}

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) SendJSON(value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, value)
	return nil
}

func (f *fakeHandle) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeHandle) OnMessage(name string, handler func(payload []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = handler
}

func (f *fakeHandle) OnDisconnect(handler func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisc = handler
}

func (f *fakeHandle) emit(t *testing.T, name string, payload any) {
	t.Helper()
	f.mu.Lock()
	handler := f.handlers[name]
	f.mu.Unlock()
	require.NotNil(t, handler, "no handler bound for %s", name)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	handler(raw)
}

func (f *fakeHandle) disconnect() {
	f.mu.Lock()
	handler := f.onDisc
	f.mu.Unlock()
	if handler != nil {
		handler()
	}
}

func (f *fakeHandle) sentMessages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestManager(t *testing.T, backendHandler http.HandlerFunc) (*session.Manager, *store.Store, *eventbus.Bus) {
	t.Helper()
	srv := httptest.NewServer(backendHandler)
	t.Cleanup(srv.Close)

	st := store.New()
	bc := backend.New(backend.Config{URL: srv.URL})
	bus := eventbus.New()
	mgr := session.New(st, bc, bus, session.Config{GracePeriod: 30 * time.Millisecond})
	return mgr, st, bus
}

func TestRegisterSocket_InsertsIntoPreAuth(t *testing.T) {
	mgr, st, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	handle := newFakeHandle("sock-1")

	mgr.RegisterSocket(context.Background(), handle)

	_, ok := st.GetPreAuthSocket("sock-1")
	assert.True(t, ok)
}

func TestAuthenticate_ValidTokenPromotesSocket(t *testing.T) {
	mgr, st, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"nodejsValidAuthToken":true,"authToken":"lol_test_auth_token","clientId":"sock-1","channels":[],"uid":666}`))
	})
	handle := newFakeHandle("sock-1")
	mgr.RegisterSocket(context.Background(), handle)

	handle.emit(t, "authenticate", map[string]any{"authToken": "lol_test_auth_token"})

	_, ok := st.GetAuthenticatedSocket("sock-1")
	assert.True(t, ok)
	assert.True(t, st.IsOnline(666))

	sent := handle.sentMessages()
	require.NotEmpty(t, sent)
}

func TestAuthenticate_InvalidTokenDisconnects(t *testing.T) {
	mgr, st, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"nodejsValidAuthToken":false}`))
	})
	handle := newFakeHandle("sock-1")
	mgr.RegisterSocket(context.Background(), handle)

	handle.emit(t, "authenticate", map[string]any{"authToken": "bad-token"})

	_, ok := st.GetAuthenticatedSocket("sock-1")
	assert.False(t, ok)
	_, ok = st.GetPreAuthSocket("sock-1")
	assert.False(t, ok)
	assert.True(t, handle.disconnected)
}

func TestAuthenticate_CachedIdentitySkipsBackend(t *testing.T) {
	calls := 0
	mgr, st, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		var msg map[string]any
		_ = json.Unmarshal([]byte(r.FormValue("messageJson")), &msg)
		if msg["messageType"] == "authenticate" {
			calls++
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"nodejsValidAuthToken":true,"authToken":"tok","clientId":"sock-1","channels":[],"uid":1}`))
	})

	first := newFakeHandle("sock-1")
	mgr.RegisterSocket(context.Background(), first)
	first.emit(t, "authenticate", map[string]any{"authToken": "tok"})
	assert.Equal(t, 1, calls)

	second := newFakeHandle("sock-2")
	mgr.RegisterSocket(context.Background(), second)
	second.emit(t, "authenticate", map[string]any{"authToken": "tok"})
	assert.Equal(t, 1, calls, "cached identity must skip the backend round-trip")

	_, ok := st.GetAuthenticatedSocket("sock-2")
	assert.True(t, ok)
}

func TestProcessMessage_DropsUnauthorizedChannelWrite(t *testing.T) {
	mgr, st, bus := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	handle := newFakeHandle("sock-1")
	mgr.RegisterSocket(context.Background(), handle)
	st.PromoteToAuthenticated("sock-1", "tok", 1)
	st.AddChannelMember("general", "sock-1")

	delivered := false
	bus.Subscribe(eventbus.EventClientToChannelMsg, func(context.Context, any) { delivered = true })

	handle.emit(t, "message", map[string]any{"type": "chat", "channel": "general"})

	assert.False(t, delivered, "channel is not client-writable, message must be dropped")
}

func TestProcessMessage_AllowsWritableChannelMember(t *testing.T) {
	mgr, st, bus := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	handle := newFakeHandle("sock-1")
	mgr.RegisterSocket(context.Background(), handle)
	st.PromoteToAuthenticated("sock-1", "tok", 1)
	st.AddChannelMember("general", "sock-1")
	st.SetChannelWritable("general", true)

	delivered := false
	bus.Subscribe(eventbus.EventClientToChannelMsg, func(context.Context, any) { delivered = true })

	handle.emit(t, "message", map[string]any{"type": "chat", "channel": "general"})

	assert.True(t, delivered)
}

func TestDisconnect_RemovesFromChannelsImmediately(t *testing.T) {
	mgr, st, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	handle := newFakeHandle("sock-1")
	mgr.RegisterSocket(context.Background(), handle)
	st.PromoteToAuthenticated("sock-1", "tok", 1)
	st.AddChannelMember("general", "sock-1")

	handle.disconnect()

	assert.False(t, st.IsChannelMember("general", "sock-1"))
}

func TestDisconnect_GracePeriodAbsorbsQuickReconnect(t *testing.T) {
	mgr, st, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		var msg map[string]any
		_ = json.Unmarshal([]byte(r.FormValue("messageJson")), &msg)
		if msg["messageType"] == "authenticate" {
			t.Fatal("cached identity must skip the backend round-trip")
		}
	})

	first := newFakeHandle("sock-1")
	mgr.RegisterSocket(context.Background(), first)
	st.SetIdentity(&store.AuthIdentity{AuthToken: "tok", UID: 1})
	first.emit(t, "authenticate", map[string]any{"authToken": "tok"})
	require.True(t, st.IsOnline(1))

	first.disconnect()
	assert.True(t, st.IsOnline(1), "uid should remain online during the grace period")

	second := newFakeHandle("sock-2")
	mgr.RegisterSocket(context.Background(), second)
	second.emit(t, "authenticate", map[string]any{"authToken": "tok"})

	time.Sleep(60 * time.Millisecond)
	assert.True(t, st.IsOnline(1), "reconnect within the grace period must cancel the offline timer")
}

func TestDisconnect_MarksOfflineAfterGracePeriodWithNoReconnect(t *testing.T) {
	mgr, st, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	handle := newFakeHandle("sock-1")
	mgr.RegisterSocket(context.Background(), handle)
	st.SetIdentity(&store.AuthIdentity{AuthToken: "tok", UID: 1})
	st.SetOnline(1, nil)
	st.PromoteToAuthenticated("sock-1", "tok", 1)

	handle.disconnect()
	require.True(t, st.IsOnline(1))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, st.IsOnline(1))
}

func TestFanOut_PublishToChannelCountsDeliveries(t *testing.T) {
	mgr, st, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	for _, id := range []string{"a", "b", "c"} {
		h := newFakeHandle(id)
		mgr.RegisterSocket(context.Background(), h)
		st.PromoteToAuthenticated(id, "tok", 1)
		st.AddChannelMember("general", id)
	}

	sent := mgr.PublishToChannel(context.Background(), "general", map[string]string{"hello": "world"})
	assert.Equal(t, 3, sent)
}

func TestFanOut_BroadcastReachesEveryAuthenticatedSocket(t *testing.T) {
	mgr, st, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	for _, id := range []string{"a", "b"} {
		h := newFakeHandle(id)
		mgr.RegisterSocket(context.Background(), h)
		st.PromoteToAuthenticated(id, "tok", 1)
	}

	assert.Equal(t, 2, mgr.Broadcast(context.Background(), map[string]string{"x": "y"}))
}

func TestFanOut_PublishToChannelEmitsMessagePublishedEvent(t *testing.T) {
	mgr, st, bus := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	h := newFakeHandle("a")
	mgr.RegisterSocket(context.Background(), h)
	st.PromoteToAuthenticated("a", "tok", 1)
	st.AddChannelMember("general", "a")

	var payload any
	bus.Subscribe(eventbus.EventMessagePublished, func(_ context.Context, p any) { payload = p })

	mgr.PublishToChannel(context.Background(), "general", map[string]string{"hello": "world"})

	require.NotNil(t, payload)
	assert.Equal(t, map[string]any{"channel": "general", "sent": 1}, payload)
}

func TestFanOut_BroadcastEmitsMessagePublishedEvent(t *testing.T) {
	mgr, st, bus := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	h := newFakeHandle("a")
	mgr.RegisterSocket(context.Background(), h)
	st.PromoteToAuthenticated("a", "tok", 1)

	var payload any
	bus.Subscribe(eventbus.EventMessagePublished, func(_ context.Context, p any) { payload = p })

	mgr.Broadcast(context.Background(), map[string]string{"x": "y"})

	require.NotNil(t, payload)
	assert.Equal(t, map[string]any{"broadcast": true, "sent": 1}, payload)
}

func TestPresenceChange_NotifiesObserverOnKick(t *testing.T) {
	mgr, st, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	observer := newFakeHandle("observer-sock")
	mgr.RegisterSocket(context.Background(), observer)
	st.PromoteToAuthenticated("observer-sock", "tok-observer", 2)
	st.SetOnline(1, []int64{2})

	mgr.KickUID(context.Background(), 1)

	sent := observer.sentMessages()
	require.NotEmpty(t, sent, "observer must receive an offline presence notification")
	raw, err := json.Marshal(sent[len(sent)-1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"presenceNotification":{"uid":1,"event":"offline"}}`, string(raw))
}

func TestPresenceChange_NotifiesObserverOnLogout(t *testing.T) {
	mgr, st, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	observer := newFakeHandle("observer-sock")
	mgr.RegisterSocket(context.Background(), observer)
	st.PromoteToAuthenticated("observer-sock", "tok-observer", 2)
	st.SetOnline(1, []int64{2})
	st.SetIdentity(&store.AuthIdentity{AuthToken: "tok-target", UID: 1})
	st.PromoteToAuthenticated("target-sock", "tok-target", 1)

	mgr.LogoutAuthToken(context.Background(), "tok-target")

	sent := observer.sentMessages()
	require.NotEmpty(t, sent, "observer must receive an offline presence notification")
	raw, err := json.Marshal(sent[len(sent)-1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"presenceNotification":{"uid":1,"event":"offline"}}`, string(raw))
}

func TestPresenceChange_NotifiesObserverAfterGracePeriodExpiry(t *testing.T) {
	mgr, st, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	observer := newFakeHandle("observer-sock")
	mgr.RegisterSocket(context.Background(), observer)
	st.PromoteToAuthenticated("observer-sock", "tok-observer", 2)

	target := newFakeHandle("target-sock")
	mgr.RegisterSocket(context.Background(), target)
	st.SetIdentity(&store.AuthIdentity{AuthToken: "tok-target", UID: 1})
	st.SetOnline(1, []int64{2})
	st.PromoteToAuthenticated("target-sock", "tok-target", 1)

	target.disconnect()
	require.True(t, st.IsOnline(1))

	require.Eventually(t, func() bool {
		for _, v := range observer.sentMessages() {
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if string(raw) == `{"presenceNotification":{"uid":1,"event":"offline"}}` {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "observer must receive an offline presence notification once the grace period expires")
}

func TestStaleSweep_ClosesIdleSocketsAndNotifiesObservers(t *testing.T) {
	st := store.New()
	bc := backend.New(backend.Config{URL: "http://unused.invalid"})
	bus := eventbus.New()
	mgr := session.New(st, bc, bus, session.Config{
		StaleSweepInterval: 5 * time.Millisecond,
		StaleThreshold:     10 * time.Millisecond,
	})

	observer := newFakeHandle("observer-sock")
	mgr.RegisterSocket(context.Background(), observer)
	st.PromoteToAuthenticated("observer-sock", "tok-observer", 2)
	st.SetOnline(1, []int64{2})

	target := newFakeHandle("target-sock")
	mgr.RegisterSocket(context.Background(), target)
	sock, ok := st.PromoteToAuthenticated("target-sock", "tok-target", 1)
	require.True(t, ok)
	sock.LastSeen = time.Now().Add(-time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.StartStaleSweep(ctx)

	require.Eventually(t, func() bool {
		_, ok := st.GetAuthenticatedSocket("target-sock")
		return !ok
	}, time.Second, 5*time.Millisecond, "stale sweep must close the idle socket")

	assert.False(t, st.IsOnline(1))
	require.Eventually(t, func() bool {
		for _, v := range observer.sentMessages() {
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if string(raw) == `{"presenceNotification":{"uid":1,"event":"offline"}}` {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "observer must be notified once the stale socket is closed")
}

func TestNewSocketID_IsUnique(t *testing.T) {
	a := session.NewSocketID()
	b := session.NewSocketID()
	assert.NotEqual(t, a, b)
}
