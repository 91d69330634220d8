// Package natsfeed carries change-feed events between engine instances over NATS.
package natsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "facility.changes"

// Feed publishes and subscribes to change events on one subject.
type Feed struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

// Connect dials url and keeps reconnecting for the life of the process.
// The connection does not receive its own publications, so subscribers
// only see events from other instances.
func Connect(url, subject, name string, logger zerolog.Logger) (*Feed, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	log := logger.With().Str("component", "natsfeed").Logger()
	opts := []nats.Option{
		nats.Name(name),
		nats.NoEcho(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindTransient, err, "connect to nats")
	}
	return &Feed{nc: nc, subject: subject, logger: log}, nil
}

func (f *Feed) Subject() string {
	return f.subject
}

func (f *Feed) Publish(ctx context.Context, event changefeed.Event) error {
	if f.nc == nil || f.nc.IsClosed() {
		return apperror.New(apperror.KindTransient, "nats not connected")
	}
	if err := ctx.Err(); err != nil {
		return apperror.Wrap(apperror.KindTransient, err, "publish change event")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := f.nc.Publish(f.subject, payload); err != nil {
		return apperror.Wrap(apperror.KindTransient, err, "publish change event")
	}
	return nil
}

// Subscribe delivers decoded events to handler. Malformed payloads are logged and dropped.
func (f *Feed) Subscribe(ctx context.Context, handler changefeed.Handler) (func(), error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if f.nc == nil || f.nc.IsClosed() {
		return nil, apperror.New(apperror.KindTransient, "nats not connected")
	}
	sub, err := f.nc.Subscribe(f.subject, func(msg *nats.Msg) {
		f.deliver(ctx, msg, handler)
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindTransient, err, "subscribe to change events")
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			f.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
	}, nil
}

func (f *Feed) deliver(ctx context.Context, msg *nats.Msg, handler changefeed.Handler) {
	event, err := Decode(msg.Data)
	if err != nil {
		f.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed change event")
		return
	}
	handler(ctx, event)
}

// Decode parses one event payload.
func Decode(data []byte) (changefeed.Event, error) {
	var event changefeed.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return changefeed.Event{}, err
	}
	if event.Collection == "" {
		return changefeed.Event{}, errors.New("event has no collection")
	}
	return event, nil
}

func (f *Feed) Close() {
	if f.nc != nil {
		_ = f.nc.Drain()
		f.nc.Close()
	}
}
