package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facility-hub/facility-hub/internal/domain/category"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
	"github.com/facility-hub/facility-hub/internal/domain/store"
	"github.com/facility-hub/facility-hub/internal/infrastructure/memory"
)

// captureCommitter records batches instead of replicating them.
type captureCommitter struct {
	batches []memory.Batch
}

func (c *captureCommitter) Commit(_ context.Context, b memory.Batch) error {
	c.batches = append(c.batches, b)
	return nil
}

func TestFSMAppliesBatchesAndSnapshots(t *testing.T) {
	leader := memory.New()
	capture := &captureCommitter{}
	leader.SetCommitter(capture)
	err := leader.WithinTx(context.Background(), func(ctx context.Context, repos store.Repositories) error {
		return repos.Categories().Create(ctx, &category.Category{ID: "C01", Name: "Lathes", TokenCost: 3})
	})
	require.NoError(t, err)
	require.Len(t, capture.batches, 1)

	follower := memory.New()
	f := &fsm{store: follower}
	data, err := json.Marshal(capture.batches[0])
	require.NoError(t, err)
	assert.Nil(t, f.Apply(&raft.Log{Data: data}))
	assert.Equal(t, 1, follower.Stats()[memory.CollectionCategories])

	resp := f.Apply(&raft.Log{Data: []byte("{")})
	_, isErr := resp.(error)
	assert.True(t, isErr)

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	assert.True(t, sink.closed)

	fresh := memory.New()
	require.NoError(t, (&fsm{store: fresh}).Restore(io.NopCloser(strings.NewReader(sink.String()))))
	assert.Equal(t, follower.Stats(), fresh.Stats())
}

type capturePublisher struct {
	events []changefeed.Event
}

func (c *capturePublisher) Publish(_ context.Context, ev changefeed.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func TestFSMAnnouncesBatchesFromOtherNodes(t *testing.T) {
	leader := memory.New()
	capture := &captureCommitter{}
	leader.SetCommitter(capture)
	for _, id := range []string{"C01", "C02"} {
		id := id
		require.NoError(t, leader.WithinTx(context.Background(), func(ctx context.Context, repos store.Repositories) error {
			return repos.Categories().Create(ctx, &category.Category{ID: id, Name: "Lathes " + id, TokenCost: 3})
		}))
	}
	require.Len(t, capture.batches, 2)

	feed := &capturePublisher{}
	local := &sync.Map{}
	f := &fsm{store: memory.New(), feed: feed, local: local}

	data, err := json.Marshal(capture.batches[0])
	require.NoError(t, err)
	assert.Nil(t, f.Apply(&raft.Log{Data: data}))
	require.Len(t, feed.events, 1)
	assert.Equal(t, changefeed.CollectionCategories, feed.events[0].Collection)
	assert.Equal(t, "C01", feed.events[0].EntityID)

	// a batch this node committed is announced by its own services
	local.Store(capture.batches[1].TxID, struct{}{})
	data, err = json.Marshal(capture.batches[1])
	require.NoError(t, err)
	assert.Nil(t, f.Apply(&raft.Log{Data: data}))
	assert.Len(t, feed.events, 1)
}

func TestBatchEventsSkipInternalCollections(t *testing.T) {
	at := time.Date(2026, 1, 6, 10, 0, 0, 0, time.UTC)
	events := BatchEvents(memory.Batch{Ops: []memory.Op{
		{Collection: memory.CollectionSequences, Key: "machine:C01"},
		{Collection: memory.CollectionSessions, Key: "s1"},
		{Collection: memory.CollectionAudit, Key: "a1"},
		{Collection: memory.CollectionMachines, Key: "C01M01", Delete: true},
		{Collection: memory.CollectionUsers, Key: "u1"},
	}}, at)
	require.Len(t, events, 2)
	assert.Equal(t, changefeed.Event{Collection: changefeed.CollectionMachines, ChangeType: changefeed.ChangeDelete, EntityID: "C01M01", At: at}, events[0])
	assert.Equal(t, changefeed.Event{Collection: changefeed.CollectionUsers, ChangeType: changefeed.ChangeUpdate, EntityID: "u1", At: at}, events[1])
}

func TestIsLeadershipErr(t *testing.T) {
	assert.True(t, IsLeadershipErr(raft.ErrNotLeader))
	assert.True(t, IsLeadershipErr(fmt.Errorf("apply: %w", raft.ErrLeadershipLost)))
	assert.False(t, IsLeadershipErr(errors.New("disk full")))
}

func TestConfigNormalized(t *testing.T) {
	_, err := Config{RaftAddr: "127.0.0.1:1", DataDir: "x"}.normalized()
	assert.Error(t, err)

	cfg, err := Config{NodeID: " n1 ", RaftAddr: "127.0.0.1:1", DataDir: "x"}.normalized()
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, 2, cfg.SnapshotRetain)
	assert.Equal(t, 5*time.Second, cfg.ApplyTimeout)
}

func TestJoinRetriesUntilAccepted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/cluster/join", r.URL.Path)
		var req JoinRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "n2", req.NodeID)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Join(context.Background(), srv.URL, JoinRequest{NodeID: "n2", RaftAddr: "127.0.0.1:17001"}, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer refusing.Close()
	err = Join(context.Background(), refusing.URL, JoinRequest{NodeID: "n2"}, 2, 0)
	assert.EqualError(t, err, "join returned status 409")
}

type memorySink struct {
	strings.Builder
	closed bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Cancel() error { return nil }
func (s *memorySink) Close() error {
	s.closed = true
	return nil
}
