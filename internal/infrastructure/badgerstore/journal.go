// Package badgerstore keeps the in-memory store durable on local disk.
//
// Every committed batch is appended under an increasing sequence number. A
// checkpoint writes the full state and drops the batches it covers, so
// recovery is one snapshot load plus a short replay.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/facility-hub/facility-hub/internal/infrastructure/memory"
)

var (
	batchPrefix = []byte("batch/")
	snapshotKey = []byte("snapshot")
	snapSeqKey  = []byte("snapshot-seq")
)

// Journal implements memory.Journal on Badger.
type Journal struct {
	db     *badger.DB
	logger zerolog.Logger

	mu  sync.Mutex
	seq uint64
}

var _ memory.Journal = (*Journal)(nil)

// Open opens or creates a journal in dir. An empty dir keeps everything in memory.
func Open(dir string, logger zerolog.Logger) (*Journal, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir))
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = badgerLogger{logger: logger.With().Str("component", "badger").Logger()}
	opts = opts.WithValueLogFileSize(16 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db, logger: logger.With().Str("component", "journal").Logger()}
	if err := j.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func batchKey(seq uint64) []byte {
	key := make([]byte, len(batchPrefix)+8)
	copy(key, batchPrefix)
	binary.BigEndian.PutUint64(key[len(batchPrefix):], seq)
	return key
}

func seqOf(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(batchPrefix):])
}

func (j *Journal) loadSeq() error {
	return j.db.View(func(txn *badger.Txn) error {
		snapSeq, err := readSeq(txn)
		if err != nil {
			return err
		}
		j.seq = snapSeq

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte(nil), batchPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if it.ValidForPrefix(batchPrefix) {
			if last := seqOf(it.Item().Key()); last > j.seq {
				j.seq = last
			}
		}
		return nil
	})
}

func readSeq(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(snapSeqKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("corrupt snapshot sequence (%d bytes)", len(v))
		}
		seq = binary.BigEndian.Uint64(v)
		return nil
	})
	return seq, err
}

// Append makes batch durable under the next sequence number.
func (j *Journal) Append(batch memory.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	next := j.seq + 1
	if err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(batchKey(next), data)
	}); err != nil {
		return err
	}
	j.seq = next
	return nil
}

// Replay loads the last checkpoint into st and re-applies every later batch.
func (j *Journal) Replay(st *memory.Store) error {
	replayed := 0
	err := j.db.View(func(txn *badger.Txn) error {
		snapSeq, err := readSeq(txn)
		if err != nil {
			return err
		}
		item, err := txn.Get(snapshotKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(st.Unmarshal); err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(batchKey(snapSeq + 1)); it.ValidForPrefix(batchPrefix); it.Next() {
			seq := seqOf(it.Item().Key())
			var batch memory.Batch
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &batch)
			}); err != nil {
				return fmt.Errorf("decode batch %d: %w", seq, err)
			}
			if err := st.Restore(batch); err != nil {
				return fmt.Errorf("replay batch %d: %w", seq, err)
			}
			replayed++
		}
		return nil
	})
	if err != nil {
		return err
	}
	j.logger.Info().Int("batches", replayed).Msg("journal replayed")
	return nil
}

// Checkpoint stores the full state of st and drops the batches it covers.
func (j *Journal) Checkpoint(st *memory.Store) error {
	return st.Checkpoint(func(data []byte) error {
		j.mu.Lock()
		defer j.mu.Unlock()
		seq := make([]byte, 8)
		binary.BigEndian.PutUint64(seq, j.seq)
		if err := j.db.Update(func(txn *badger.Txn) error {
			if err := txn.Set(snapshotKey, data); err != nil {
				return err
			}
			return txn.Set(snapSeqKey, seq)
		}); err != nil {
			return err
		}
		if err := j.db.DropPrefix(batchPrefix); err != nil {
			return err
		}
		j.logger.Debug().Uint64("seq", j.seq).Int("bytes", len(data)).Msg("checkpoint written")
		return nil
	})
}

// Run checkpoints st and collects value-log garbage every interval until ctx ends.
func (j *Journal) Run(ctx context.Context, st *memory.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := j.Checkpoint(st); err != nil {
				j.logger.Error().Err(err).Msg("final checkpoint failed")
			}
			return
		case <-ticker.C:
			if err := j.Checkpoint(st); err != nil {
				j.logger.Error().Err(err).Msg("checkpoint failed")
				continue
			}
			for j.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

// Seq returns the sequence number of the last appended batch.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}
