package eventbus_test

import (
	"context"
	"testing"

	"github.com/casmbu/nodejs-gateway/internal/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	bus := eventbus.New()

	var order []int
	bus.Subscribe(eventbus.EventClientConnection, func(_ context.Context, _ any) {
		order = append(order, 1)
	})
	bus.Subscribe(eventbus.EventClientConnection, func(_ context.Context, _ any) {
		order = append(order, 2)
	})
	bus.Subscribe(eventbus.EventClientConnection, func(_ context.Context, _ any) {
		order = append(order, 3)
	})

	bus.Publish(context.Background(), eventbus.EventClientConnection, nil)

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBus_OnlyMatchingEventName(t *testing.T) {
	bus := eventbus.New()

	called := false
	bus.Subscribe(eventbus.EventClientDisconnect, func(_ context.Context, _ any) {
		called = true
	})

	bus.Publish(context.Background(), eventbus.EventClientConnection, nil)

	assert.False(t, called)
}

func TestBus_PanicInSubscriberDoesNotBlockLaterSubscribers(t *testing.T) {
	bus := eventbus.New()

	second := false
	bus.Subscribe(eventbus.EventClientAuthenticated, func(_ context.Context, _ any) {
		panic("boom")
	})
	bus.Subscribe(eventbus.EventClientAuthenticated, func(_ context.Context, _ any) {
		second = true
	})

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), eventbus.EventClientAuthenticated, "payload")
	})
	assert.True(t, second)
}

func TestBus_PayloadPassedThrough(t *testing.T) {
	bus := eventbus.New()

	var got any
	bus.Subscribe(eventbus.EventMessagePublished, func(_ context.Context, payload any) {
		got = payload
	})

	bus.Publish(context.Background(), eventbus.EventMessagePublished, map[string]string{"channel": "news"})

	assert.Equal(t, map[string]string{"channel": "news"}, got)
}

func TestBus_NoSubscribersIsNoop(t *testing.T) {
	bus := eventbus.New()
	require.NotPanics(t, func() {
		bus.Publish(context.Background(), eventbus.EventClientConnection, nil)
	})
}
