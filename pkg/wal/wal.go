// Package wal makes multi-box writes atomic across a crash. Staged
// writes are recorded in a write-ahead log entry; once the entry is
// durably committed the writes are applied to their target boxes, and a
// startup recovery pass replays any commit the previous process did not
// finish applying.
package wal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	syncerrors "github.com/RaoAhmadRaza/guardian-sync/pkg/errors"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/storage"
)

// TxnState is the lifecycle state of a transaction record.
type TxnState string

const (
	// TxnPending means the transaction is staged but not committed
	TxnPending TxnState = "pending"
	// TxnCommitted means the record is durable but target writes may not all be applied
	TxnCommitted TxnState = "committed"
	// TxnApplied means all target writes are applied
	TxnApplied TxnState = "applied"
	// TxnFailed means the transaction was rolled back or abandoned
	TxnFailed TxnState = "failed"
)

// StagedWrite is one write destined for a target box. An empty Value
// means delete.
type StagedWrite struct {
	Box   string `msgpack:"box"`
	Key   string `msgpack:"key"`
	Value []byte `msgpack:"value"`
}

// Record is the persisted form of a transaction.
type Record struct {
	SchemaVersion int           `msgpack:"schema_version"`
	TxnID         string        `msgpack:"txn_id"`
	State         TxnState      `msgpack:"state"`
	Ops           []StagedWrite `msgpack:"ops"`
	StartedAt     time.Time     `msgpack:"started_at"`
	CommittedAt   *time.Time    `msgpack:"committed_at,omitempty"`
	AppliedAt     *time.Time    `msgpack:"applied_at,omitempty"`
}

// RecoveryReport summarizes a startup recovery pass.
type RecoveryReport struct {
	Replayed  int
	Discarded int
}

// Service coordinates transactions over a storage.Store.
type Service struct {
	store  storage.Store
	walBox storage.Box
	logger *zap.Logger
	clock  storage.Clock

	mu sync.Mutex
}

// NewService creates a transaction service over store. A nil logger is
// replaced with a no-op logger.
func NewService(store storage.Store, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	walBox, err := store.Box(storage.BoxSyncWAL)
	if err != nil {
		return nil, fmt.Errorf("open wal box: %w", err)
	}
	return &Service{
		store:  store,
		walBox: walBox,
		logger: logger,
		clock:  storage.SystemClock{},
	}, nil
}

// SetClock injects a time source for tests.
func (s *Service) SetClock(clock storage.Clock) { s.clock = clock }

// Begin starts a new transaction. Nothing is persisted until Commit.
func (s *Service) Begin() *Txn {
	now := s.clock.Now()
	return &Txn{
		svc: s,
		record: Record{
			SchemaVersion: storage.CurrentSchemaVersion,
			TxnID:         newTxnID(now),
			State:         TxnPending,
			StartedAt:     now,
		},
	}
}

// Recover scans the write-ahead log and finishes what the previous
// process left behind: pending entries are marked failed without
// applying anything; committed entries are replayed (keyed overwrites,
// so replay is idempotent) and marked applied. Terminal entries are
// left untouched. Must run before the first engine tick.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report RecoveryReport
	keys, err := s.walBox.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("scan wal: %w", err)
	}
	sort.Strings(keys) // txn ids are time-sortable; replay in begin order

	for _, key := range keys {
		data, ok, err := s.walBox.Get(ctx, key)
		if err != nil {
			return report, fmt.Errorf("read wal entry %q: %w", key, err)
		}
		if !ok {
			continue
		}
		var rec Record
		if err := storage.Decode(data, &rec); err != nil {
			s.logger.Error("dropping undecodable wal entry", zap.String("txn_id", key), zap.Error(err))
			if err := s.walBox.Delete(ctx, key); err != nil {
				return report, err
			}
			continue
		}
		rec.SchemaVersion = storage.NormalizeSchemaVersion(rec.SchemaVersion)

		switch rec.State {
		case TxnPending:
			rec.State = TxnFailed
			if err := s.putRecord(ctx, &rec); err != nil {
				return report, err
			}
			report.Discarded++
			s.logger.Info("discarded uncommitted transaction", zap.String("txn_id", rec.TxnID))
		case TxnCommitted:
			if err := s.applyLocked(ctx, &rec); err != nil {
				return report, fmt.Errorf("replay txn %s: %w", rec.TxnID, err)
			}
			report.Replayed++
			s.logger.Info("replayed committed transaction", zap.String("txn_id", rec.TxnID))
		case TxnApplied, TxnFailed:
		}
	}
	return report, nil
}

// Prune removes terminal (applied or failed) log entries older than
// maxAge so the log does not grow without bound.
func (s *Service) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-maxAge)
	keys, err := s.walBox.Keys(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, key := range keys {
		data, ok, err := s.walBox.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var rec Record
		if err := storage.Decode(data, &rec); err != nil {
			continue
		}
		if rec.State != TxnApplied && rec.State != TxnFailed {
			continue
		}
		if rec.StartedAt.After(cutoff) {
			continue
		}
		if err := s.walBox.Delete(ctx, key); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// applyLocked applies staged writes to their target boxes, then marks
// the record applied. Caller holds s.mu.
func (s *Service) applyLocked(ctx context.Context, rec *Record) error {
	for _, op := range rec.Ops {
		box, err := s.store.Box(op.Box)
		if err != nil {
			return fmt.Errorf("open box %q: %w", op.Box, err)
		}
		if len(op.Value) == 0 {
			err = box.Delete(ctx, op.Key)
		} else {
			err = box.Put(ctx, op.Key, op.Value)
		}
		if err != nil {
			return fmt.Errorf("apply write %s/%s: %w", op.Box, op.Key, err)
		}
	}
	now := s.clock.Now()
	rec.State = TxnApplied
	rec.AppliedAt = &now
	return s.putRecord(ctx, rec)
}

func (s *Service) putRecord(ctx context.Context, rec *Record) error {
	data, err := storage.Encode(rec)
	if err != nil {
		return err
	}
	return s.walBox.Put(ctx, rec.TxnID, data)
}

// Txn is an open transaction. Not safe for concurrent use.
type Txn struct {
	svc    *Service
	record Record
	closed bool
}

// ID returns the transaction id.
func (t *Txn) ID() string { return t.record.TxnID }

// Write stages a keyed overwrite on the named box.
func (t *Txn) Write(box, key string, value []byte) error {
	if t.closed {
		return syncerrors.ErrTxnClosed
	}
	t.record.Ops = append(t.record.Ops, StagedWrite{Box: box, Key: key, Value: value})
	return nil
}

// Delete stages a key removal on the named box.
func (t *Txn) Delete(box, key string) error {
	return t.Write(box, key, nil)
}

// Commit durably records the transaction, applies the staged writes to
// their target boxes, and marks the record applied. If the process dies
// between the commit flush and the last target write, startup recovery
// replays the remainder.
func (t *Txn) Commit(ctx context.Context) error {
	if t.closed {
		return syncerrors.ErrTxnClosed
	}
	t.closed = true

	t.svc.mu.Lock()
	defer t.svc.mu.Unlock()

	now := t.svc.clock.Now()
	t.record.State = TxnCommitted
	t.record.CommittedAt = &now
	if err := t.svc.putRecord(ctx, &t.record); err != nil {
		return fmt.Errorf("commit txn %s: %w", t.record.TxnID, err)
	}
	return t.svc.applyLocked(ctx, &t.record)
}

// Rollback marks the transaction failed; nothing is applied. Rolling
// back a transaction that was never persisted leaves a failed marker so
// diagnostics can see the abandoned attempt.
func (t *Txn) Rollback(ctx context.Context) error {
	if t.closed {
		return syncerrors.ErrTxnClosed
	}
	t.closed = true

	t.svc.mu.Lock()
	defer t.svc.mu.Unlock()

	t.record.State = TxnFailed
	return t.svc.putRecord(ctx, &t.record)
}

// newTxnID builds a time-sortable id: zero-padded unix milliseconds
// followed by a UUID for uniqueness.
func newTxnID(now time.Time) string {
	return fmt.Sprintf("%013x-%s", now.UnixMilli(), uuid.NewString())
}
