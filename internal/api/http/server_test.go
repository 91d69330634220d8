package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appAudit "github.com/facility-hub/facility-hub/internal/application/audit"
	appAuth "github.com/facility-hub/facility-hub/internal/application/auth"
	appBooking "github.com/facility-hub/facility-hub/internal/application/booking"
	appCatalog "github.com/facility-hub/facility-hub/internal/application/catalog"
	appLedger "github.com/facility-hub/facility-hub/internal/application/ledger"
	"github.com/facility-hub/facility-hub/internal/application/synchronizer"
	appUser "github.com/facility-hub/facility-hub/internal/application/user"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/conflict"
	"github.com/facility-hub/facility-hub/internal/infrastructure/keylock"
	"github.com/facility-hub/facility-hub/internal/infrastructure/memory"
	"github.com/facility-hub/facility-hub/internal/infrastructure/replication"
	"github.com/facility-hub/facility-hub/internal/infrastructure/sse"
)

const testPassword = "Sup3r-Secret!pass"

// Tuesday; weekly planning for the week of 2026-01-12 is still open.
var bookingNow = time.Date(2026, 1, 6, 10, 0, 0, 0, time.UTC)

type fakeCluster struct {
	joined []string
}

func (c *fakeCluster) Status() replication.Status {
	return replication.Status{NodeID: "n1", State: "Leader", LeaderID: "n1"}
}

func (c *fakeCluster) AddVoter(_ context.Context, nodeID, _ string) error {
	c.joined = append(c.joined, nodeID)
	return nil
}

type testEnv struct {
	t       *testing.T
	srv     *httptest.Server
	cluster *fakeCluster
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	st := memory.New()
	hub := sse.NewHub()
	t.Cleanup(hub.Stop)
	locks := keylock.New()
	auditSvc := appAudit.NewService(st, logger, []byte("test-key"))

	syncSvc, err := synchronizer.NewService(synchronizer.NewStoreSource(st, 0), hub, 16, nil, logger)
	require.NoError(t, err)

	cluster := &fakeCluster{}
	server := NewServer(Deps{
		Bookings: appBooking.NewService(st, conflict.NewDetector(conflict.DefaultPolicy()), auditSvc, hub, locks, nil,
			appBooking.Config{Now: func() time.Time { return bookingNow }}, logger),
		Catalog: appCatalog.NewService(st, auditSvc, hub, locks, logger),
		Ledger:  appLedger.NewService(st, auditSvc, hub, locks, nil, logger),
		Users:   appUser.NewService(st, auditSvc, hub, logger),
		Auth:    appAuth.NewService(st, auditSvc, time.Hour, logger),
		Audit:   auditSvc,
		Sync:    syncSvc,
		Hub:     hub,
		Cluster: cluster,
		Logger:  logger,
	})
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &testEnv{t: t, srv: srv, cluster: cluster}
}

func (e *testEnv) do(method, path, token string, body interface{}, out interface{}) int {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) login(username string) string {
	e.t.Helper()
	var res struct {
		SessionToken string `json:"sessionToken"`
	}
	status := e.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Username: username, Password: testPassword}, &res)
	require.Equal(e.t, http.StatusOK, status)
	require.NotEmpty(e.t, res.SessionToken)
	return res.SessionToken
}

// seed bootstraps an administrator, one machine C01M01 and a requester with tokens.
func (e *testEnv) seed(tokens int64) (adminToken, userToken, userID string) {
	e.t.Helper()
	require.Equal(e.t, http.StatusCreated, e.do(http.MethodPost, "/v1/auth/bootstrap", "", loginRequest{Username: "root", Password: testPassword}, nil))
	adminToken = e.login("root")

	var cat struct {
		ID string `json:"id"`
	}
	require.Equal(e.t, http.StatusCreated, e.do(http.MethodPost, "/v1/categories", adminToken, categoryRequest{Name: "Printers", TokenCost: 2}, &cat))
	require.Equal(e.t, "C01", cat.ID)

	var m struct {
		ID string `json:"id"`
	}
	require.Equal(e.t, http.StatusCreated, e.do(http.MethodPost, "/v1/categories/C01/machines", adminToken, machineCreateRequest{Name: "Prusa"}, &m))
	require.Equal(e.t, "C01M01", m.ID)

	var u struct {
		UserID string `json:"userId"`
	}
	require.Equal(e.t, http.StatusCreated, e.do(http.MethodPost, "/v1/users", adminToken, userCreateRequest{Username: "alice", Password: testPassword, Tokens: tokens}, &u))
	return adminToken, e.login("alice"), u.UserID
}

func weeklyRequest(startHour, hours int) bookingCreateRequest {
	start := time.Date(2026, 1, 12, startHour, 0, 0, 0, time.UTC)
	return bookingCreateRequest{
		MachineID: "C01M01",
		Mode:      booking.ModeWeeklyPlanning,
		Start:     start,
		End:       start.Add(time.Duration(hours) * time.Hour),
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/healthz", "", nil, nil))
}

func TestRequiresAuthentication(t *testing.T) {
	e := newTestEnv(t)
	var body errorBody
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/v1/bookings", "", nil, &body))
	assert.Equal(t, "UNAUTHORIZED", body.Error)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/v1/bookings", "bogus", nil, nil))
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	adminToken, userToken, userID := e.seed(10)

	var created booking.Booking
	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/v1/bookings", userToken, weeklyRequest(9, 2), &created))
	assert.Equal(t, booking.StatusPending, created.Status)
	assert.Equal(t, int64(4), created.Cost)

	var acct struct {
		Remaining int64 `json:"remaining"`
	}
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/ledger/"+userID, userToken, nil, &acct))
	assert.Equal(t, int64(6), acct.Remaining)

	var conflictBody errorBody
	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, "/v1/bookings", userToken, weeklyRequest(10, 1), &conflictBody))
	assert.Equal(t, "SLOT_CONFLICT", conflictBody.Error)
	require.NotNil(t, conflictBody.Conflict)
	assert.Equal(t, created.BookingID, conflictBody.Conflict.BookingID)

	path := "/v1/bookings/" + created.BookingID.String()
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, path+"/approve", userToken, nil, nil))

	var approved booking.Booking
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, path+"/approve", adminToken, nil, &approved))
	assert.Equal(t, booking.StatusApproved, approved.Status)

	var cancelled booking.Booking
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, path+"/cancel", userToken, bookingReasonRequest{Reason: "plans changed"}, &cancelled))
	assert.Equal(t, booking.StatusCancelled, cancelled.Status)

	var body errorBody
	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, path+"/approve", adminToken, nil, &body))
	assert.Equal(t, "INVALID_TRANSITION", body.Error)

	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/ledger/"+userID, userToken, nil, &acct))
	assert.Equal(t, int64(10), acct.Remaining)
}

func TestInsufficientTokensOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	_, userToken, _ := e.seed(1)

	var body errorBody
	assert.Equal(t, http.StatusPaymentRequired, e.do(http.MethodPost, "/v1/bookings", userToken, weeklyRequest(9, 1), &body))
	assert.Equal(t, "INSUFFICIENT_TOKENS", body.Error)
}

func TestIdempotentCreateOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	_, userToken, _ := e.seed(10)

	send := func() booking.Booking {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(weeklyRequest(9, 1)))
		req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/bookings", &buf)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+userToken)
		req.Header.Set(idempotencyHeader, "req-1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var b booking.Booking
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
		return b
	}
	first := send()
	second := send()
	assert.Equal(t, first.BookingID, second.BookingID)
}

func TestCatalogAdminOnly(t *testing.T) {
	e := newTestEnv(t)
	adminToken, userToken, _ := e.seed(10)

	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/v1/categories", userToken, categoryRequest{Name: "Lasers", TokenCost: 3}, nil))

	var list struct {
		Machines []map[string]interface{} `json:"machines"`
	}
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/machines?categoryId=C01", userToken, nil, &list))
	assert.Len(t, list.Machines, 1)

	assert.Equal(t, http.StatusConflict, e.do(http.MethodDelete, "/v1/categories/C01", adminToken, nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/v1/machines/C09M01", userToken, nil, nil))
}

func TestSyncSnapshotOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	_, userToken, _ := e.seed(10)

	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/v1/bookings", userToken, weeklyRequest(9, 1), nil))

	var snap synchronizer.Snapshot
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/sync/snapshot", userToken, nil, &snap))
	assert.Len(t, snap.Categories, 1)
	assert.Len(t, snap.Machines, 1)
	assert.Len(t, snap.Bookings, 1)

	var cached synchronizer.Snapshot
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/sync/snapshot?cached=true", userToken, nil, &cached))
	assert.Equal(t, snap.Version, cached.Version)
}

func TestAuditQueryAndVerify(t *testing.T) {
	e := newTestEnv(t)
	adminToken, userToken, _ := e.seed(10)

	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/v1/audit", userToken, nil, nil))

	var res appAudit.QueryResult
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/audit?entityType=CATEGORY", adminToken, nil, &res))
	require.Len(t, res.Logs, 1)

	var verify appAudit.VerifyResult
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/audit/"+res.Logs[0].AuditID.String()+"/verify", adminToken, nil, &verify))
	assert.True(t, verify.Verified)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/v1/audit?startTime=yesterday", adminToken, nil, nil))
}

func TestLogoutInvalidatesSession(t *testing.T) {
	e := newTestEnv(t)
	_, userToken, _ := e.seed(10)

	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/auth/me", userToken, nil, nil))
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/auth/logout", userToken, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/v1/auth/me", userToken, nil, nil))
}

func TestClusterEndpoints(t *testing.T) {
	e := newTestEnv(t)

	var status replication.Status
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/cluster/status", "", nil, &status))
	assert.Equal(t, "n1", status.NodeID)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/cluster/join", "", replication.JoinRequest{NodeID: "n2"}, nil))
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/cluster/join", "", replication.JoinRequest{NodeID: "n2", RaftAddr: "127.0.0.1:7001"}, nil))
	assert.Equal(t, []string{"n2"}, e.cluster.joined)
}
