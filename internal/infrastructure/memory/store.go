// Package memory is the in-process system of record.
//
// Writers are serialized and stage their changes in a private overlay; the
// overlay is turned into a Batch at commit and applied atomically. Batches are
// deterministic so they can be journaled or replicated and replayed to the same
// state.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/store"
)

// Journal makes a batch durable before it is applied.
type Journal interface {
	Append(batch Batch) error
}

// Committer hands a batch to a replication layer, which applies it through Restore.
type Committer interface {
	Commit(ctx context.Context, batch Batch) error
}

// Store is an in-memory store.Store.
type Store struct {
	mu sync.RWMutex
	s  snapshot

	writer chan struct{}

	journal   Journal
	committer Committer
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithJournal appends every batch to j before applying it.
func WithJournal(j Journal) Option {
	return func(s *Store) {
		s.journal = j
	}
}

func New(opts ...Option) *Store {
	st := &Store{
		s:      emptySnapshot(),
		writer: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// SetCommitter routes commits through c instead of applying them locally.
func (st *Store) SetCommitter(c Committer) {
	st.writer <- struct{}{}
	st.committer = c
	<-st.writer
}

// Read runs fn against a consistent view. Writes inside fn fail.
func (st *Store) Read(ctx context.Context, fn store.Func) error {
	if err := ctx.Err(); err != nil {
		return transient(err)
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	t := newTxn(st, true)
	t.locked = true
	return fn(ctx, t)
}

// WithinTx runs fn as one serializable unit of work.
func (st *Store) WithinTx(ctx context.Context, fn store.Func) error {
	select {
	case st.writer <- struct{}{}:
	case <-ctx.Done():
		return transient(ctx.Err())
	}
	defer func() { <-st.writer }()

	t := newTxn(st, false)
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transient(err)
	}
	if len(t.ops) == 0 {
		return nil
	}
	batch := Batch{TxID: uuid.NewString(), Ops: t.ops}
	if st.committer != nil {
		if err := st.committer.Commit(ctx, batch); err != nil {
			if _, ok := apperror.As(err); ok {
				return err
			}
			return transient(err)
		}
		return nil
	}
	return st.ApplyBatch(batch)
}

// ApplyBatch journals and applies a batch. Already applied batches are skipped.
func (st *Store) ApplyBatch(batch Batch) error {
	return st.apply(batch, true)
}

// Restore applies a batch that is already durable elsewhere.
func (st *Store) Restore(batch Batch) error {
	return st.apply(batch, false)
}

func (st *Store) apply(batch Batch, journal bool) error {
	ops, err := decodeBatch(batch)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, err, "decode batch")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if batch.TxID != "" && st.s.AppliedTx[batch.TxID] {
		return nil
	}
	if journal && st.journal != nil {
		if err := st.journal.Append(batch); err != nil {
			return transient(err)
		}
	}
	st.s.applyLocked(ops)
	if batch.TxID != "" {
		st.s.AppliedTx[batch.TxID] = true
	}
	return nil
}

// Marshal serializes the current state.
func (st *Store) Marshal() ([]byte, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return json.Marshal(st.s)
}

// Unmarshal replaces the current state with a serialized one.
func (st *Store) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	normalizeSnapshot(&s)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s = s
	return nil
}

// Checkpoint passes a serialized state to fn while no batch can be applied.
func (st *Store) Checkpoint(fn func(data []byte) error) error {
	st.mu.RLock()
	defer st.mu.RUnlock()
	data, err := json.Marshal(st.s)
	if err != nil {
		return err
	}
	return fn(data)
}

// Stats reports collection sizes.
func (st *Store) Stats() map[string]int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return map[string]int{
		CollectionCategories: len(st.s.Categories),
		CollectionMachines:   len(st.s.Machines),
		CollectionUsers:      len(st.s.Users),
		CollectionBookings:   len(st.s.Bookings),
		CollectionSessions:   len(st.s.Sessions),
		CollectionAudit:      len(st.s.Audit),
	}
}

func transient(err error) error {
	return apperror.Wrap(apperror.KindTransient, err, "store unavailable")
}
