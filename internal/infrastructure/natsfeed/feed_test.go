package natsfeed

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
	"github.com/facility-hub/facility-hub/internal/infrastructure/sse"
)

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"collection":"machines","changeType":"update","entityId":"C01M01","at":"2026-01-05T09:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, changefeed.CollectionMachines, ev.Collection)
	assert.Equal(t, changefeed.ChangeUpdate, ev.ChangeType)
	assert.Equal(t, "C01M01", ev.EntityID)

	_, err = Decode([]byte(`{"changeType":"update"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDeliverDropsMalformed(t *testing.T) {
	f := &Feed{subject: DefaultSubject, logger: zerolog.Nop()}
	var got []changefeed.Event
	handler := func(_ context.Context, ev changefeed.Event) { got = append(got, ev) }

	f.deliver(context.Background(), &nats.Msg{Subject: DefaultSubject, Data: []byte(`{}`)}, handler)
	f.deliver(context.Background(), &nats.Msg{Subject: DefaultSubject, Data: []byte(`{"collection":"bookings","changeType":"insert"}`)}, handler)

	require.Len(t, got, 1)
	assert.Equal(t, changefeed.CollectionBookings, got[0].Collection)
}

func TestDisconnectedFeedIsTransient(t *testing.T) {
	f := &Feed{subject: DefaultSubject, logger: zerolog.Nop()}
	err := f.Publish(context.Background(), changefeed.Event{Collection: changefeed.CollectionBookings})
	assert.Equal(t, apperror.KindTransient, apperror.KindOf(err))

	_, err = f.Subscribe(context.Background(), func(context.Context, changefeed.Event) {})
	assert.Equal(t, apperror.KindTransient, apperror.KindOf(err))
	f.Close()
}

func TestDeliveredEventsReachStreams(t *testing.T) {
	f := &Feed{subject: DefaultSubject, logger: zerolog.Nop()}
	hub := sse.NewHub()
	client := sse.NewClient("c1", "u1")
	hub.Register(client)
	defer hub.Stop()

	relay := func(ctx context.Context, ev changefeed.Event) { _ = hub.Publish(ctx, ev) }
	f.deliver(context.Background(), &nats.Msg{Subject: DefaultSubject, Data: []byte(`{"collection":"machines","changeType":"update","entityId":"C01M01"}`)}, relay)

	require.Len(t, client.MessageChan, 1)
	msg := <-client.MessageChan
	assert.Equal(t, sse.EventChange, msg.Event)
	ev, err := Decode(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, changefeed.CollectionMachines, ev.Collection)
	assert.Equal(t, "C01M01", ev.EntityID)
}
