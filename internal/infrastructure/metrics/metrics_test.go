package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.BookingOp("create", nil)
	m.BookingOp("create", apperror.New(apperror.KindSlotConflict, "taken"))
	m.BookingOp("create", errors.New("boom"))
	m.Tokens("reserved", 4)
	m.Tokens("released", 0)
	m.Swept(2)
	m.Refresh("feed", time.Now(), nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.bookingOps.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bookingOps.WithLabelValues("create", "SLOT_CONFLICT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bookingOps.WithLabelValues("create", "INTERNAL")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.tokens.WithLabelValues("reserved")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.swept))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("feed", "ok")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.BookingOp("create", nil)
	m.Tokens("reserved", 1)
	m.Refresh("manual", time.Now(), nil)
	m.Swept(1)
	m.FeedEvent("bookings", "in")
	m.ObserveStreams(func() int { return 1 })
}

func TestObserveStreams(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	open := 3
	m.ObserveStreams(func() int { return open })

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "facility_sync_streams 3")
}

func TestHandlerFor(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.BookingOp("approve", nil)

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "facility_booking_operations_total"))
}
