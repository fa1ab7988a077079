// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ephemeral holds the messages and media references of Active
// epochs. It is the only owner of that data; callers always receive copies.
package ephemeral

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/blinklabs-io/attest/internal/keylock"
	"github.com/blinklabs-io/attest/types"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
)

var keyPrefix = []byte("epoch/")

// ActivityChecker reports whether an epoch currently accepts writes
type ActivityChecker interface {
	EpochActive(types.EpochId) bool
}

// Store keeps ephemeral records in an in-memory badger database keyed by
// epoch. Writes and purges of one epoch are serialized.
type Store struct {
	promRegistry prometheus.Registerer
	db           *badger.DB
	logger       *slog.Logger
	checker      ActivityChecker
	clock        types.Clock
	metrics      *storeMetrics
	locks        keylock.Map[types.EpochId]
	sealed       map[types.EpochId]struct{}
	sealedMu     sync.RWMutex
	// DropPrefix blocks all writes and fails if another drop is running
	dropMu sync.RWMutex
	seq    atomic.Uint64
}

// New creates an empty store
func New(opts ...StoreOptionFunc) (*Store, error) {
	s := &Store{
		sealed: make(map[types.EpochId]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if s.clock == nil {
		s.clock = types.SystemClock
	}
	// Ephemeral data never touches disk
	badgerOpts := badger.DefaultOptions("").
		WithLogger(newBadgerLogger(s.logger)).
		// The default INFO logging is a bit verbose
		WithLoggingLevel(badger.WARNING).
		WithInMemory(true)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open ephemeral store: %w", err)
	}
	s.db = db
	if s.promRegistry != nil {
		s.metrics = &storeMetrics{}
		s.metrics.init(s.promRegistry)
	}
	return s, nil
}

// SetActivityChecker installs the epoch state source after construction
func (s *Store) SetActivityChecker(checker ActivityChecker) {
	s.sealedMu.Lock()
	defer s.sealedMu.Unlock()
	s.checker = checker
}

// Close releases the underlying database. All records are lost.
func (s *Store) Close() error {
	return s.db.Close()
}

func epochPrefix(id types.EpochId) []byte {
	ret := make([]byte, 0, len(keyPrefix)+9)
	ret = append(ret, keyPrefix...)
	ret = binary.BigEndian.AppendUint64(ret, uint64(id))
	return append(ret, '/')
}

func recordKey(id types.EpochId, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(epochPrefix(id), seq)
}

// canWrite must be called with the epoch lock held
func (s *Store) canWrite(id types.EpochId) bool {
	s.sealedMu.RLock()
	_, sealed := s.sealed[id]
	checker := s.checker
	s.sealedMu.RUnlock()
	if sealed || checker == nil {
		return false
	}
	return checker.EpochActive(id)
}

// Put stores a copy of rec and returns it with its assigned id and creation
// time. It fails with ErrEpochNotActive unless the epoch is Active right now.
func (s *Store) Put(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if rec.Kind != KindMessage && rec.Kind != KindMedia {
		return Record{}, fmt.Errorf("unknown record kind: %d", rec.Kind)
	}
	unlock := s.locks.Lock(rec.EpochId)
	defer unlock()
	if !s.canWrite(rec.EpochId) {
		if s.metrics != nil {
			s.metrics.rejectedPuts.Inc()
		}
		return Record{}, fmt.Errorf(
			"%w: epoch %d",
			types.ErrEpochNotActive,
			rec.EpochId,
		)
	}
	seq := s.seq.Add(1)
	stored := rec.Clone()
	stored.Id = rec.EpochId.String() + "." + strconv.FormatUint(seq, 10)
	stored.CreatedAt = s.clock.Now()
	val, err := encodeRecord(stored)
	if err != nil {
		return Record{}, fmt.Errorf("encode record: %w", err)
	}
	s.dropMu.RLock()
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.EpochId, seq), val)
	})
	s.dropMu.RUnlock()
	if err != nil {
		return Record{}, fmt.Errorf("store record: %w", err)
	}
	if s.metrics != nil {
		s.metrics.puts.WithLabelValues(rec.Kind.String()).Inc()
		s.metrics.records.Inc()
	}
	return stored.Clone(), nil
}

// Purge removes every record of the epoch and refuses all later writes for
// it. It is idempotent. The context is accepted for interface symmetry but
// never aborts a purge: removal must not be skippable.
func (s *Store) Purge(_ context.Context, id types.EpochId) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	// Seal first so that nothing can be written even if removal fails below
	s.sealedMu.Lock()
	s.sealed[id] = struct{}{}
	s.sealedMu.Unlock()

	prefix := epochPrefix(id)
	keys, err := s.collectKeys(prefix, int(^uint(0)>>1))
	if err != nil {
		return s.purgeFailed(id, err)
	}
	removed := len(keys)
	// A delete only shadows the old value with a tombstone. Dropping the
	// prefix flushes the memtables and discards every version.
	s.dropMu.Lock()
	err = s.db.DropPrefix(prefix)
	s.dropMu.Unlock()
	if err != nil {
		return s.purgeFailed(id, err)
	}
	// Verify nothing is left behind, in any version
	residue, err := s.residue(prefix)
	if err != nil {
		return s.purgeFailed(id, err)
	}
	if residue > 0 {
		return s.purgeFailed(
			id,
			fmt.Errorf("%d record versions remain after purge", residue),
		)
	}
	if s.metrics != nil {
		s.metrics.purges.Inc()
		s.metrics.purgedRecords.Add(float64(removed))
		s.metrics.records.Sub(float64(removed))
	}
	s.logger.Debug(
		"purged ephemeral records",
		"component", "ephemeral",
		"epoch", id,
		"records", removed,
	)
	return nil
}

func (s *Store) purgeFailed(id types.EpochId, err error) error {
	return fmt.Errorf("purge epoch %d: %w", id, err)
}

// residue counts the versions under prefix that still carry a value
func (s *Store) residue(prefix []byte) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.AllVersions = true
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !item.IsDeletedOrExpired() || item.ValueSize() > 0 {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *Store) collectKeys(prefix []byte, limit int) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
			if len(keys) >= limit {
				break
			}
		}
		return nil
	})
	return keys, err
}

// Records returns copies of the epoch's records in write order
func (s *Store) Records(id types.EpochId) ([]Record, error) {
	prefix := epochPrefix(id)
	var ret []Record
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeRecord(val)
			if err != nil {
				return fmt.Errorf("decode record %x: %w", it.Item().Key(), err)
			}
			ret = append(ret, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Count returns the number of records held for the epoch
func (s *Store) Count(id types.EpochId) (int, error) {
	keys, err := s.collectKeys(epochPrefix(id), int(^uint(0)>>1))
	return len(keys), err
}

// Sealed reports whether the epoch has been purged
func (s *Store) Sealed(id types.EpochId) bool {
	s.sealedMu.RLock()
	defer s.sealedMu.RUnlock()
	_, ok := s.sealed[id]
	return ok
}
