// Package replication replicates memory-store batches through Raft.
//
// The leader is the only node that commits; its log order is the global
// write order. Followers apply the same batches and serve reads.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/rs/zerolog"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
	"github.com/facility-hub/facility-hub/internal/infrastructure/memory"
)

// Config defines one Raft node runtime.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration
	// Feed receives change events for batches committed by other nodes.
	Feed changefeed.Publisher
}

// Node wraps Raft around a memory store.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration

	raft      *raft.Raft
	transport *raft.NetworkTransport
	store     *memory.Store
	local     *sync.Map
	logger    zerolog.Logger
}

var _ memory.Committer = (*Node)(nil)

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.NodeID == "" {
		return c, errors.New("node_id is required")
	}
	if c.RaftAddr == "" {
		return c, errors.New("raft_addr is required")
	}
	if c.DataDir == "" {
		return c, errors.New("data_dir is required")
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	return c, nil
}

// NewNode starts a Raft node over st and routes st's commits through it.
func NewNode(cfg Config, st *memory.Store, logger zerolog.Logger) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, err
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		return nil, err
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, os.Stderr)
	if err != nil {
		return nil, err
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, err
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	local := &sync.Map{}
	sm := &fsm{store: st, feed: cfg.Feed, local: local, logger: logger}
	r, err := raft.NewRaft(raftCfg, sm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:           cfg.NodeID,
		raftAddr:     cfg.RaftAddr,
		applyTimeout: cfg.ApplyTimeout,
		raft:         r,
		transport:    transport,
		store:        st,
		local:        local,
		logger:       logger.With().Str("component", "raft").Str("node_id", cfg.NodeID).Logger(),
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			return nil, err
		}
		if !hasState {
			future := r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
				ID:      raft.ServerID(cfg.NodeID),
				Address: raft.ServerAddress(cfg.RaftAddr),
			}}})
			if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
				return nil, err
			}
		}
	}

	st.SetCommitter(n)
	return n, nil
}

// Commit replicates one batch. It returns once the batch is applied locally.
func (n *Node) Commit(ctx context.Context, batch memory.Batch) error {
	if !n.IsLeader() {
		return n.notLeader(nil)
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	timeout := n.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	n.local.Store(batch.TxID, struct{}{})
	defer n.local.Delete(batch.TxID)
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if IsLeadershipErr(err) {
			return n.notLeader(err)
		}
		return err
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		n.logger.Error().Err(applyErr).Str("tx_id", batch.TxID).Msg("batch rejected by state machine")
		return apperror.Wrap(apperror.KindInternal, applyErr, "apply batch")
	}
	return nil
}

func (n *Node) notLeader(cause error) error {
	leader := n.LeaderAddr()
	if leader == "" {
		leader = "unknown"
	}
	return &apperror.Error{
		Kind:    apperror.KindTransient,
		Message: fmt.Sprintf("node %s is not the leader (leader: %s)", n.id, leader),
		Err:     cause,
	}
}

// IsLeadershipErr reports errors caused by leadership moving.
func IsLeadershipErr(err error) bool {
	return errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress)
}

// AddVoter joins or updates one voter in the cluster config.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	nodeID = strings.TrimSpace(nodeID)
	raftAddr = strings.TrimSpace(raftAddr)
	if nodeID == "" || raftAddr == "" {
		return apperror.New(apperror.KindInvalidArgument, "node_id and raft_addr are required")
	}
	if !n.IsLeader() {
		return n.notLeader(nil)
	}
	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) && srv.Address == raft.ServerAddress(raftAddr) {
			return nil
		}
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(raftAddr) {
			if err := n.raft.RemoveServer(srv.ID, 0, n.raftTimeout(ctx)).Error(); err != nil {
				return err
			}
		}
	}
	if err := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, n.raftTimeout(ctx)).Error(); err != nil {
		return err
	}
	n.logger.Info().Str("peer", nodeID).Str("raft_addr", raftAddr).Msg("voter added")
	return nil
}

// RemoveServer removes one server by node ID.
func (n *Node) RemoveServer(ctx context.Context, nodeID string) error {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return apperror.New(apperror.KindInvalidArgument, "node_id is required")
	}
	if !n.IsLeader() {
		return n.notLeader(nil)
	}
	return n.raft.RemoveServer(raft.ServerID(nodeID), 0, n.raftTimeout(ctx)).Error()
}

func (n *Node) raftTimeout(ctx context.Context) time.Duration {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// WaitForLeader waits until any leader is elected.
func (n *Node) WaitForLeader(ctx context.Context, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		leader := strings.TrimSpace(string(n.raft.Leader()))
		if leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) ID() string         { return n.id }
func (n *Node) RaftAddr() string   { return n.raftAddr }
func (n *Node) IsLeader() bool     { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string { return strings.TrimSpace(string(n.raft.Leader())) }

// LeaderNodeID returns leader ID if available.
func (n *Node) LeaderNodeID() string {
	_, leaderID := n.raft.LeaderWithID()
	return strings.TrimSpace(string(leaderID))
}

func (n *Node) State() string {
	return n.raft.State().String()
}

// Status summarizes the node for the cluster endpoint.
type Status struct {
	NodeID   string            `json:"nodeId"`
	RaftAddr string            `json:"raftAddr"`
	State    string            `json:"state"`
	Leader   string            `json:"leader"`
	LeaderID string            `json:"leaderId"`
	Stats    map[string]string `json:"stats"`
}

func (n *Node) Status() Status {
	stats := n.raft.Stats()
	out := make(map[string]string, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	return Status{
		NodeID:   n.id,
		RaftAddr: n.raftAddr,
		State:    n.State(),
		Leader:   n.LeaderAddr(),
		LeaderID: n.LeaderNodeID(),
		Stats:    out,
	}
}

// Shutdown stops Raft and transport.
func (n *Node) Shutdown() error {
	var shutdownErr error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			shutdownErr = err
		}
	}
	if n.transport != nil {
		_ = n.transport.Close()
	}
	return shutdownErr
}

// fsm wires raft log entries into the memory store.
// fsm applies replicated batches. feed and local are optional; local holds
// the tx ids this node is committing.
type fsm struct {
	store  *memory.Store
	feed   changefeed.Publisher
	local  *sync.Map
	logger zerolog.Logger
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var batch memory.Batch
	if err := json.Unmarshal(log.Data, &batch); err != nil {
		return fmt.Errorf("decode batch: %w", err)
	}
	if err := f.store.Restore(batch); err != nil {
		return err
	}
	f.announce(batch)
	return nil
}

// announce publishes events for a batch committed elsewhere. The committing
// node's services publish their own events.
func (f *fsm) announce(batch memory.Batch) {
	if f.feed == nil {
		return
	}
	if f.local != nil {
		if _, ok := f.local.Load(batch.TxID); ok {
			return
		}
	}
	ctx := context.Background()
	for _, event := range BatchEvents(batch, time.Now().UTC()) {
		if err := f.feed.Publish(ctx, event); err != nil {
			f.logger.Warn().Err(err).Str("tx_id", batch.TxID).Msg("publish replicated change failed")
		}
	}
}

// BatchEvents describes the client-visible writes of a batch as change
// events. Sessions, sequences and audit appends produce none.
func BatchEvents(batch memory.Batch, at time.Time) []changefeed.Event {
	var events []changefeed.Event
	for _, op := range batch.Ops {
		switch op.Collection {
		case memory.CollectionCategories, memory.CollectionMachines, memory.CollectionUsers, memory.CollectionBookings:
		default:
			continue
		}
		change := changefeed.ChangeUpdate
		if op.Delete {
			change = changefeed.ChangeDelete
		}
		events = append(events, changefeed.Event{
			Collection: changefeed.Collection(op.Collection),
			ChangeType: change,
			EntityID:   op.Key,
			At:         at,
		})
	}
	return events
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.store.Marshal()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return f.store.Unmarshal(data)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
