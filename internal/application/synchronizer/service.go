package synchronizer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
	"github.com/facility-hub/facility-hub/internal/infrastructure/metrics"
)

const (
	TriggerRequest = "request"
	TriggerFeed    = "feed"

	defaultCacheSize = 1024
)

type view struct {
	mu   sync.RWMutex
	snap *Snapshot
}

func (v *view) get() *Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snap
}

// set installs snap unless the view already holds a newer one.
func (v *view) set(snap *Snapshot) *Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.snap == nil || snap.Version >= v.snap.Version {
		v.snap = snap
	}
	return v.snap
}

// Service keeps one snapshot view per connected client. Change feed events
// only trigger full reloads; their payloads are never applied.
type Service struct {
	source  Source
	feed    changefeed.Subscriber
	views   *lru.Cache
	group   singleflight.Group
	version atomic.Uint64
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewService creates a synchronizer holding at most cacheSize client views.
func NewService(source Source, feed changefeed.Subscriber, cacheSize int, m *metrics.Metrics, logger zerolog.Logger) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	log := logger.With().Str("service", "synchronizer").Logger()
	views, err := lru.NewWithEvict(cacheSize, func(key, _ interface{}) {
		log.Debug().Interface("clientId", key).Msg("client view evicted")
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		source:  source,
		feed:    feed,
		views:   views,
		metrics: m,
		logger:  log,
	}, nil
}

// Open registers a view for clientID. Opening an existing view keeps it.
func (s *Service) Open(clientID string) {
	if clientID == "" {
		return
	}
	if _, ok := s.views.Get(clientID); !ok {
		s.views.Add(clientID, &view{})
	}
}

// Close drops the view of clientID.
func (s *Service) Close(clientID string) {
	s.views.Remove(clientID)
}

// Clients returns the number of open views.
func (s *Service) Clients() int {
	return s.views.Len()
}

func (s *Service) viewFor(clientID string) *view {
	if v, ok := s.views.Get(clientID); ok {
		return v.(*view)
	}
	v := &view{}
	s.views.Add(clientID, v)
	return v
}

// Snapshot returns the current view of clientID without reloading.
func (s *Service) Snapshot(clientID string) (*Snapshot, bool) {
	v, ok := s.views.Get(clientID)
	if !ok {
		return nil, false
	}
	snap := v.(*view).get()
	return snap, snap != nil
}

// load coalesces concurrent reloads into one read of the source.
func (s *Service) load(ctx context.Context, trigger string) (*Snapshot, error) {
	ch := s.group.DoChan("snapshot", func() (interface{}, error) {
		started := time.Now()
		snap, err := s.source.Load(context.WithoutCancel(ctx))
		s.metrics.Refresh(trigger, started, err)
		if err != nil {
			return nil, err
		}
		// numbered once loaded, so a later flight always carries a higher version
		snap.Version = s.version.Add(1)
		return snap, nil
	})
	select {
	case <-ctx.Done():
		return nil, apperror.Wrap(apperror.KindTransient, ctx.Err(), "snapshot refresh interrupted")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

// Refresh reloads the full snapshot and installs it in clientID's view.
// Concurrent refreshes are safe; the view keeps the newest snapshot.
func (s *Service) Refresh(ctx context.Context, clientID string) (*Snapshot, error) {
	if clientID == "" {
		return nil, apperror.New(apperror.KindInvalidArgument, "client id is required")
	}
	snap, err := s.load(ctx, TriggerRequest)
	if err != nil {
		s.logger.Warn().Err(err).Str("clientId", clientID).Msg("snapshot refresh failed")
		return nil, err
	}
	return s.viewFor(clientID).set(snap), nil
}

// RefreshAll reloads once and installs the result in every open view.
func (s *Service) RefreshAll(ctx context.Context, trigger string) error {
	if s.views.Len() == 0 {
		return nil
	}
	snap, err := s.load(ctx, trigger)
	if err != nil {
		return err
	}
	for _, key := range s.views.Keys() {
		if v, ok := s.views.Peek(key); ok {
			v.(*view).set(snap)
		}
	}
	return nil
}

// ApplyBooking folds the authoritative post-state of a booking returned by a
// mutation into clientID's view. The next refresh reconciles anything else.
func (s *Service) ApplyBooking(clientID string, b *booking.Booking) {
	v, ok := s.views.Get(clientID)
	if !ok || b == nil {
		return
	}
	vw := v.(*view)
	vw.mu.Lock()
	defer vw.mu.Unlock()
	if vw.snap == nil {
		return
	}
	next := *vw.snap
	next.Bookings = make([]*booking.Booking, 0, len(vw.snap.Bookings)+1)
	replaced := false
	for _, existing := range vw.snap.Bookings {
		if existing.BookingID == b.BookingID {
			next.Bookings = append(next.Bookings, b.Clone())
			replaced = true
			continue
		}
		next.Bookings = append(next.Bookings, existing)
	}
	if !replaced {
		next.Bookings = append(next.Bookings, b.Clone())
	}
	vw.snap = &next
}

func relevant(ev changefeed.Event) bool {
	switch ev.Collection {
	case changefeed.CollectionCategories, changefeed.CollectionMachines, changefeed.CollectionBookings:
		return true
	default:
		return false
	}
}

// Start subscribes to the change feed and refreshes every open view when a
// relevant event arrives. Bursts of events collapse into one refresh. Start
// blocks until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if s.feed == nil {
		<-ctx.Done()
		return nil
	}
	pending := make(chan struct{}, 1)
	cancel, err := s.feed.Subscribe(ctx, func(_ context.Context, ev changefeed.Event) {
		if !relevant(ev) {
			return
		}
		s.metrics.FeedEvent(string(ev.Collection), "in")
		select {
		case pending <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer cancel()

	s.logger.Info().Msg("synchronizer listening for changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pending:
			if err := s.RefreshAll(ctx, TriggerFeed); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Int("clients", s.views.Len()).Msg("feed-triggered refresh failed")
			}
		}
	}
}
