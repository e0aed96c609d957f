// Package eventbus provides the process-wide pub/sub used to notify
// extensions of connection and channel manager lifecycle events.
//
// The original nodejs gateway emits these as process-global EventEmitter
// events. Per the design notes this is re-architected as an explicit value
// passed to extensions at setup time, rather than relying on a process
// global: extensions receive a *Bus and Subscribe to the named events they
// care about.
package eventbus

import (
	"context"
	"sync"

	"github.com/pitabwire/util"
)

// Names of the events the connection and channel manager emits. Extensions
// subscribe to these names; no other names are ever published by the core.
const (
	EventClientConnection      = "client-connection"
	EventClientAuthenticated   = "client-authenticated"
	EventClientToClientMessage = "client-to-client-message"
	EventClientToChannelMsg    = "client-to-channel-message"
	EventClientDisconnect      = "client-disconnect"
	EventMessagePublished      = "message-published"
)

// Handler receives an emitted event's payload. ctx carries the request or
// connection context active at emission time.
type Handler func(ctx context.Context, payload any)

// Bus is a synchronous, in-order, named pub/sub. Delivery to subscribers of
// one event happens in registration order; a handler that panics is
// recovered and logged so it cannot prevent delivery to the handlers
// registered after it.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]Handler)}
}

// Subscribe registers handler to be invoked, in registration order, every
// time name is published. Subscriptions are expected to happen at startup,
// before the gateway begins serving connections; Subscribe is still safe to
// call concurrently with Publish.
func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], handler)
}

// Publish synchronously invokes every handler subscribed to name, in
// registration order, with payload. A handler panic is recovered and
// logged; it does not abort delivery to the remaining handlers and does not
// propagate to the caller.
func (b *Bus) Publish(ctx context.Context, name string, payload any) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[name]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, name, h, payload)
	}
}

func (b *Bus) invoke(ctx context.Context, name string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			util.Log(ctx).WithFields(map[string]any{
				"event": name,
				"panic": r,
			}).Error("event bus subscriber panicked")
		}
	}()
	h(ctx, payload)
}
