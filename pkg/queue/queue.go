// Package queue is the durable pending-operation store: an append-only
// set of pending ops, a sorted FIFO index under a single well-known key,
// and an archive of permanently failed ops. Every write to the pending
// store and the index goes through the write-ahead log, so a crash
// between the pending write and the index write cannot leave the two
// stores disagreeing. PurgeFailed and the archive removal in
// RequeueFailed write the failed archive directly.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	syncerrors "github.com/RaoAhmadRaza/guardian-sync/pkg/errors"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/metrics"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/storage"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/wal"
)

// indexKey is the single key the FIFO index lives under.
const indexKey = "order"

// DefaultMaxPayloadBytes bounds a single op's encoded payload.
const DefaultMaxPayloadBytes = 256 * 1024

// Config configures the queue service.
type Config struct {
	// MaxPayloadBytes rejects oversized payloads at enqueue.
	// Defaults to DefaultMaxPayloadBytes.
	MaxPayloadBytes int `json:"max_payload_bytes" yaml:"max_payload_bytes"`
}

// Service is the pending queue. Mutations are serialized by an internal
// mutex; cross-process exclusion is the processing lock's job.
type Service struct {
	pending storage.Box
	index   storage.Box
	failed  storage.Box
	txns    *wal.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
	clock   storage.Clock
	config  Config

	mu            sync.Mutex
	lastCreatedAt time.Time
}

// NewService opens the queue's boxes on store. metrics may be nil; a nil
// logger is replaced with a no-op logger.
func NewService(store storage.Store, txns *wal.Service, m *metrics.Metrics, logger *zap.Logger, config Config) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	pending, err := store.Box(storage.BoxPendingOps)
	if err != nil {
		return nil, fmt.Errorf("open pending box: %w", err)
	}
	index, err := store.Box(storage.BoxPendingOpsIndex)
	if err != nil {
		return nil, fmt.Errorf("open index box: %w", err)
	}
	failed, err := store.Box(storage.BoxFailedOps)
	if err != nil {
		return nil, fmt.Errorf("open failed box: %w", err)
	}
	return &Service{
		pending: pending,
		index:   index,
		failed:  failed,
		txns:    txns,
		metrics: m,
		logger:  logger,
		clock:   storage.SystemClock{},
		config:  config,
	}, nil
}

// SetClock injects a time source for tests.
func (s *Service) SetClock(clock storage.Clock) { s.clock = clock }

// Enqueue validates and durably records op, appending it to the FIFO
// index in the same commit. The op's CreatedAt is assigned here and is
// strictly monotone across enqueues from this process.
func (s *Service) Enqueue(ctx context.Context, op *PendingOp) error {
	if err := s.validate(op); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok, err := s.pending.Get(ctx, op.ID); err != nil {
		return fmt.Errorf("check pending %q: %w", op.ID, err)
	} else if ok {
		return syncerrors.NewValidationError("duplicate pending op id").WithDetail("id", op.ID)
	}

	now := s.clock.Now()
	if !now.After(s.lastCreatedAt) {
		now = s.lastCreatedAt.Add(time.Nanosecond)
	}
	s.lastCreatedAt = now

	op.SchemaVersion = storage.CurrentSchemaVersion
	op.CreatedAt = now
	op.Status = StatusQueued
	if op.NextAttemptAt.IsZero() {
		op.NextAttemptAt = now
	}

	entries, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	entries = append(entries, IndexEntry{ID: op.ID, CreatedAt: op.CreatedAt})
	sortIndex(entries)

	txn := s.txns.Begin()
	if err := s.stagePending(txn, op); err != nil {
		return err
	}
	if err := s.stageIndex(txn, entries); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("enqueue %q: %w", op.ID, err)
	}

	if s.metrics != nil {
		s.metrics.RecordEnqueued()
		s.metrics.SetQueueDepth(len(entries))
	}
	s.logger.Debug("enqueued operation",
		zap.String("id", op.ID),
		zap.String("op_type", string(op.OpType)),
		zap.String("entity_type", op.EntityType))
	return nil
}

// GetOldest returns the head of the FIFO index, or ErrQueueEmpty. An
// index row whose pending record is missing is dropped (self-heal) and
// the scan continues with the next row.
func (s *Service) GetOldest(ctx context.Context) (*PendingOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}
	for len(entries) > 0 {
		head := entries[0]
		op, ok, err := s.readPending(ctx, head.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return op, nil
		}
		// Index row without a record: heal the index and keep going.
		s.logger.Warn("dropping dangling index entry", zap.String("id", head.ID))
		entries = entries[1:]
		txn := s.txns.Begin()
		if err := s.stageIndex(txn, entries); err != nil {
			return nil, err
		}
		if err := txn.Commit(ctx); err != nil {
			return nil, fmt.Errorf("heal index: %w", err)
		}
	}
	return nil, syncerrors.ErrQueueEmpty
}

// MarkProcessed removes the op from the pending store and the index in
// one commit. Idempotent: a second call with the same id is a no-op.
func (s *Service) MarkProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	remaining := removeEntry(entries, id)

	txn := s.txns.Begin()
	if err := txn.Delete(storage.BoxPendingOps, id); err != nil {
		return err
	}
	if err := s.stageIndex(txn, remaining); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("mark processed %q: %w", id, err)
	}

	if s.metrics != nil {
		s.metrics.SetQueueDepth(len(remaining))
	}
	return nil
}

// MarkFailed moves the op from the pending store to the failed archive
// and drops it from the index, in one commit.
func (s *Service) MarkFailed(ctx context.Context, id, errBlob string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok, err := s.readPending(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	op.Status = StatusFailed
	op.LastError = errBlob

	failed := FailedOp{
		SchemaVersion: storage.CurrentSchemaVersion,
		Operation:     *op,
		Error:         errBlob,
		Attempts:      attempts,
		FailedAt:      s.clock.Now(),
	}
	failedData, err := storage.Encode(&failed)
	if err != nil {
		return err
	}

	entries, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	remaining := removeEntry(entries, id)

	txn := s.txns.Begin()
	if err := txn.Delete(storage.BoxPendingOps, id); err != nil {
		return err
	}
	if err := txn.Write(storage.BoxFailedOps, id, failedData); err != nil {
		return err
	}
	if err := s.stageIndex(txn, remaining); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("mark failed %q: %w", id, err)
	}

	if s.metrics != nil {
		s.metrics.SetQueueDepth(len(remaining))
	}
	s.logger.Warn("operation archived as failed",
		zap.String("id", id),
		zap.Int("attempts", attempts),
		zap.String("error", errBlob))
	return nil
}

// Update rewrites the pending record in place. CreatedAt is immutable,
// so the index is untouched.
func (s *Service) Update(ctx context.Context, op *PendingOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok, err := s.readPending(ctx, op.ID)
	if err != nil {
		return err
	}
	if !ok {
		return syncerrors.NewValidationError("update of unknown pending op").WithDetail("id", op.ID)
	}
	op.CreatedAt = current.CreatedAt
	op.SchemaVersion = storage.CurrentSchemaVersion

	txn := s.txns.Begin()
	if err := s.stagePending(txn, op); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("update %q: %w", op.ID, err)
	}
	return nil
}

// RebuildIndex reconstructs the FIFO index from the pending store
// alone: sorted by created_at ascending, ties broken by id.
func (s *Service) RebuildIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildIndexLocked(ctx)
}

func (s *Service) rebuildIndexLocked(ctx context.Context) error {
	ids, err := s.pending.Keys(ctx)
	if err != nil {
		return fmt.Errorf("scan pending: %w", err)
	}
	entries := make([]IndexEntry, 0, len(ids))
	for _, id := range ids {
		op, ok, err := s.readPending(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		entries = append(entries, IndexEntry{ID: op.ID, CreatedAt: op.CreatedAt})
	}
	sortIndex(entries)

	txn := s.txns.Begin()
	if err := s.stageIndex(txn, entries); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SetQueueDepth(len(entries))
	}
	s.logger.Info("rebuilt queue index", zap.Int("entries", len(entries)))
	return nil
}

// RecoverInFlight demotes any op left in_flight by a hard abort back to
// queued. Called from engine recovery before the first tick.
func (s *Service) RecoverInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.pending.Keys(ctx)
	if err != nil {
		return 0, err
	}
	demoted := 0
	for _, id := range ids {
		op, ok, err := s.readPending(ctx, id)
		if err != nil {
			return demoted, err
		}
		if !ok || op.Status != StatusInFlight {
			continue
		}
		op.Status = StatusQueued
		txn := s.txns.Begin()
		if err := s.stagePending(txn, op); err != nil {
			return demoted, err
		}
		if err := txn.Commit(ctx); err != nil {
			return demoted, err
		}
		demoted++
	}
	if demoted > 0 {
		s.logger.Info("demoted in-flight operations after restart", zap.Int("count", demoted))
	}
	return demoted, nil
}

// CheckConsistency compares the pending store against the FIFO index.
func (s *Service) CheckConsistency(ctx context.Context) (*ConsistencyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &ConsistencyReport{IsConsistent: true}

	ids, err := s.pending.Keys(ctx)
	if err != nil {
		return nil, err
	}
	pendingSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		pendingSet[id] = true
	}

	entries, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}
	indexSet := make(map[string]bool, len(entries))
	for i, e := range entries {
		indexSet[e.ID] = true
		if !pendingSet[e.ID] {
			report.DanglingInIndex = append(report.DanglingInIndex, e.ID)
		}
		if i > 0 && lessEntry(entries[i], entries[i-1]) {
			report.Unsorted = true
		}
	}
	for _, id := range ids {
		if !indexSet[id] {
			report.MissingFromIndex = append(report.MissingFromIndex, id)
		}
	}

	if len(report.DanglingInIndex) > 0 || len(report.MissingFromIndex) > 0 || report.Unsorted {
		report.IsConsistent = false
	}
	return report, nil
}

// Depth returns the number of indexed pending operations.
func (s *Service) Depth(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readIndex(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// ListFailed returns the failed archive, newest first.
func (s *Service) ListFailed(ctx context.Context) ([]*FailedOp, error) {
	ids, err := s.failed.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*FailedOp, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.readFailed(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	return out, nil
}

// GetFailed returns one archived failure by op id.
func (s *Service) GetFailed(ctx context.Context, id string) (*FailedOp, bool, error) {
	return s.readFailed(ctx, id)
}

// PurgeFailed removes one archived failure. Host-driven; the core never
// purges on its own.
func (s *Service) PurgeFailed(ctx context.Context, id string) error {
	return s.failed.Delete(ctx, id)
}

// RequeueFailed re-enqueues an archived failure as a fresh operation:
// attempts reset, new queue position, archive entry removed. Explicitly
// host-driven; nothing in the core calls it.
func (s *Service) RequeueFailed(ctx context.Context, id string) error {
	rec, ok, err := s.readFailed(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return syncerrors.NewValidationError("requeue of unknown failed op").WithDetail("id", id)
	}
	op := rec.Operation.Clone()
	op.Attempts = 0
	op.NextAttemptAt = time.Time{}
	op.LastError = ""
	if err := s.Enqueue(ctx, op); err != nil {
		return err
	}
	return s.failed.Delete(ctx, id)
}

func (s *Service) validate(op *PendingOp) error {
	if op == nil {
		return syncerrors.NewValidationError("nil operation")
	}
	if op.ID == "" {
		return syncerrors.NewValidationError("operation id required")
	}
	if op.IdempotencyKey == "" {
		return syncerrors.NewValidationError("idempotency key required").WithDetail("id", op.ID)
	}
	switch op.OpType {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return syncerrors.NewValidationError("unknown op type").WithDetail("op_type", string(op.OpType))
	}
	if op.Payload != nil {
		data, err := storage.Encode(op.Payload)
		if err != nil {
			return syncerrors.NewInternalError("unencodable payload", err)
		}
		if len(data) > s.config.MaxPayloadBytes {
			return syncerrors.NewValidationError("payload too large").
				WithDetail("bytes", len(data)).
				WithDetail("limit", s.config.MaxPayloadBytes)
		}
	}
	return nil
}

func (s *Service) readPending(ctx context.Context, id string) (*PendingOp, bool, error) {
	data, ok, err := s.pending.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("read pending %q: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	var op PendingOp
	if err := storage.Decode(data, &op); err != nil {
		return nil, false, syncerrors.NewInternalError("corrupt pending record", err).WithDetail("id", id)
	}
	op.SchemaVersion = storage.NormalizeSchemaVersion(op.SchemaVersion)
	return &op, true, nil
}

func (s *Service) readFailed(ctx context.Context, id string) (*FailedOp, bool, error) {
	data, ok, err := s.failed.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("read failed %q: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	var rec FailedOp
	if err := storage.Decode(data, &rec); err != nil {
		return nil, false, syncerrors.NewInternalError("corrupt failed record", err).WithDetail("id", id)
	}
	rec.SchemaVersion = storage.NormalizeSchemaVersion(rec.SchemaVersion)
	return &rec, true, nil
}

func (s *Service) readIndex(ctx context.Context) ([]IndexEntry, error) {
	data, ok, err := s.index.Get(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var entries []IndexEntry
	if err := storage.Decode(data, &entries); err != nil {
		// A corrupt index is recoverable: rebuild from the pending store.
		s.logger.Error("corrupt queue index, rebuilding", zap.Error(err))
		if err := s.rebuildIndexLocked(ctx); err != nil {
			return nil, err
		}
		data, ok, err = s.index.Get(ctx, indexKey)
		if err != nil || !ok {
			return nil, err
		}
		entries = nil
		if err := storage.Decode(data, &entries); err != nil {
			return nil, syncerrors.NewInternalError("queue index unrecoverable", err)
		}
	}
	return entries, nil
}

func (s *Service) stagePending(txn *wal.Txn, op *PendingOp) error {
	data, err := storage.Encode(op)
	if err != nil {
		return err
	}
	return txn.Write(storage.BoxPendingOps, op.ID, data)
}

func (s *Service) stageIndex(txn *wal.Txn, entries []IndexEntry) error {
	if entries == nil {
		entries = []IndexEntry{}
	}
	data, err := storage.Encode(entries)
	if err != nil {
		return err
	}
	return txn.Write(storage.BoxPendingOpsIndex, indexKey, data)
}

func sortIndex(entries []IndexEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return lessEntry(entries[i], entries[j]) })
}

func lessEntry(a, b IndexEntry) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func removeEntry(entries []IndexEntry, id string) []IndexEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}
