package sse

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
)

func TestPublishReachesClientsAndSubscribers(t *testing.T) {
	hub := NewHub()
	client := NewClient("c1", "u1")
	hub.Register(client)

	var calls int32
	cancel, err := hub.Subscribe(context.Background(), func(_ context.Context, ev changefeed.Event) {
		assert.Equal(t, changefeed.CollectionBookings, ev.Collection)
		atomic.AddInt32(&calls, 1)
	})
	require.NoError(t, err)

	ev := changefeed.Event{Collection: changefeed.CollectionBookings, ChangeType: changefeed.ChangeInsert, At: time.Now().UTC()}
	require.NoError(t, hub.Publish(context.Background(), ev))

	msg := <-client.MessageChan
	assert.Equal(t, EventChange, msg.Event)
	var got changefeed.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, changefeed.CollectionBookings, got.Collection)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	cancel()
	cancel()
	require.NoError(t, hub.Publish(context.Background(), ev))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRegisterReplacesStream(t *testing.T) {
	hub := NewHub()
	first := NewClient("c1", "u1")
	second := NewClient("c1", "u1")
	hub.Register(first)
	hub.Register(second)

	_, open := <-first.MessageChan
	assert.False(t, open)
	assert.Equal(t, 1, hub.GetClientCount())

	hub.Unregister(first)
	assert.Same(t, second, hub.GetClient("c1"))
	hub.Unregister(second)
	assert.Equal(t, 0, hub.GetClientCount())
}

func TestStopClosesStreams(t *testing.T) {
	hub := NewHub()
	client := NewClient("c1", "u1")
	hub.Register(client)
	require.Equal(t, 1, hub.GetClientCount())

	hub.Stop()
	assert.Equal(t, 0, hub.GetClientCount())
	_, open := <-client.MessageChan
	assert.False(t, open)
}

func TestBroadcastToUser(t *testing.T) {
	hub := NewHub()
	a := NewClient("a", "u1")
	b := NewClient("b", "u2")
	hub.Register(a)
	hub.Register(b)

	hub.BroadcastToUser("u2", NewMessage("ping", json.RawMessage(`{}`)))
	assert.Len(t, a.MessageChan, 0)
	assert.Len(t, b.MessageChan, 1)
}

func TestUserEventsReachOnlyTheOwner(t *testing.T) {
	hub := NewHub()
	owner := NewClient("a", "u1")
	other := NewClient("b", "u2")
	hub.Register(owner)
	hub.Register(other)

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, changefeed.Event{Collection: changefeed.CollectionUsers, ChangeType: changefeed.ChangeUpdate, EntityID: "u1"}))
	assert.Len(t, owner.MessageChan, 1)
	assert.Len(t, other.MessageChan, 0)

	require.NoError(t, hub.Publish(ctx, changefeed.Event{Collection: changefeed.CollectionMachines, ChangeType: changefeed.ChangeUpdate, EntityID: "C01M01"}))
	assert.Len(t, owner.MessageChan, 2)
	assert.Len(t, other.MessageChan, 1)
}

type fakeFeed struct {
	handler changefeed.Handler
}

func (f *fakeFeed) Subscribe(_ context.Context, handler changefeed.Handler) (func(), error) {
	f.handler = handler
	return func() { f.handler = nil }, nil
}

func TestBridgeRelaysRemoteEvents(t *testing.T) {
	hub := NewHub()
	client := NewClient("c1", "u1")
	hub.Register(client)

	var local int32
	_, err := hub.Subscribe(context.Background(), func(context.Context, changefeed.Event) {
		atomic.AddInt32(&local, 1)
	})
	require.NoError(t, err)

	feed := &fakeFeed{}
	cancel, err := hub.Bridge(context.Background(), feed)
	require.NoError(t, err)
	require.NotNil(t, feed.handler)

	feed.handler(context.Background(), changefeed.Event{Collection: changefeed.CollectionBookings, ChangeType: changefeed.ChangeInsert})

	msg := <-client.MessageChan
	assert.Equal(t, EventChange, msg.Event)
	var got changefeed.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, changefeed.CollectionBookings, got.Collection)
	assert.Equal(t, int32(1), atomic.LoadInt32(&local))

	cancel()
	assert.Nil(t, feed.handler)
}
