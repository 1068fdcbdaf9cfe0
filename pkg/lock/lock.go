// Package lock serializes queue processing across runners with a leased,
// heartbeated claim over shared storage. A lease whose heartbeat has
// gone quiet past the stale window may be taken over; takeover is safe
// because operations are idempotent on the server and the queue is
// durable.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	syncerrors "github.com/RaoAhmadRaza/guardian-sync/pkg/errors"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/metrics"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/storage"
)

// leaseKey is the single key the lease record lives under.
const leaseKey = "lock"

// Config configures the processing lock.
type Config struct {
	// StaleWindow is how long a lease survives without a heartbeat
	StaleWindow time.Duration `json:"stale_window" yaml:"stale_window"`

	// HeartbeatInterval is how often the holder refreshes the lease.
	// Must be well under StaleWindow; Validate enforces a 3x margin.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// DefaultConfig returns the default lock configuration.
func DefaultConfig() Config {
	return Config{
		StaleWindow:       5 * time.Minute,
		HeartbeatInterval: 1 * time.Minute,
	}
}

// Validate rejects heartbeat intervals too close to the stale window.
func (c Config) Validate() error {
	if c.HeartbeatInterval*3 >= c.StaleWindow {
		return fmt.Errorf("heartbeat interval %v must be under a third of stale window %v",
			c.HeartbeatInterval, c.StaleWindow)
	}
	return nil
}

// LeaseRecord is the persisted lease.
type LeaseRecord struct {
	SchemaVersion int       `msgpack:"schema_version"`
	RunnerID      string    `msgpack:"runner_id"`
	AcquiredAt    time.Time `msgpack:"acquired_at"`
	LastHeartbeat time.Time `msgpack:"last_heartbeat"`
}

// ProcessingLock is the single-writer lease over a storage box. The
// read-compare-write sequence is serialized in-process by a mutex; the
// backing box must provide per-key atomic writes, otherwise the lock is
// advisory only across processes.
type ProcessingLock struct {
	box     storage.Box
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	clock   storage.Clock

	mu sync.Mutex
}

// New opens the lease box on store. metrics may be nil; a nil logger is
// replaced with a no-op logger. Zero config fields fall back to the
// defaults.
func New(store storage.Store, m *metrics.Metrics, logger *zap.Logger, config Config) (*ProcessingLock, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.StaleWindow <= 0 {
		config.StaleWindow = def.StaleWindow
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	box, err := store.Box(storage.BoxSyncLock)
	if err != nil {
		return nil, fmt.Errorf("open lock box: %w", err)
	}
	return &ProcessingLock{
		box:     box,
		config:  config,
		metrics: m,
		logger:  logger,
		clock:   storage.SystemClock{},
	}, nil
}

// SetClock injects a time source for tests.
func (l *ProcessingLock) SetClock(clock storage.Clock) { l.clock = clock }

// HeartbeatInterval returns the configured heartbeat cadence.
func (l *ProcessingLock) HeartbeatInterval() time.Duration { return l.config.HeartbeatInterval }

// TryAcquire attempts to claim the lease for runnerID. It succeeds when
// there is no lease, the caller already holds it (heartbeat refresh),
// or the current lease is stale (takeover).
func (l *ProcessingLock) TryAcquire(ctx context.Context, runnerID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	current, ok, err := l.read(ctx)
	if err != nil {
		return false, err
	}

	switch {
	case !ok:
		// No lease; claim it.
	case current.RunnerID == runnerID:
		// Already ours; refresh the heartbeat.
		current.LastHeartbeat = now
		return true, l.write(ctx, current)
	case now.Sub(current.LastHeartbeat) > l.config.StaleWindow:
		l.logger.Warn("taking over stale processing lock",
			zap.String("previous_holder", current.RunnerID),
			zap.Time("last_heartbeat", current.LastHeartbeat),
			zap.String("runner_id", runnerID))
		if l.metrics != nil {
			l.metrics.RecordLockTakeover()
		}
	default:
		return false, nil
	}

	lease := &LeaseRecord{
		SchemaVersion: storage.CurrentSchemaVersion,
		RunnerID:      runnerID,
		AcquiredAt:    now,
		LastHeartbeat: now,
	}
	if err := l.write(ctx, lease); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateHeartbeat refreshes the lease only when runnerID still holds
// it; otherwise it is a no-op.
func (l *ProcessingLock) UpdateHeartbeat(ctx context.Context, runnerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok, err := l.read(ctx)
	if err != nil {
		return err
	}
	if !ok || current.RunnerID != runnerID {
		return nil
	}
	current.LastHeartbeat = l.clock.Now()
	return l.write(ctx, current)
}

// Release deletes the lease only when runnerID holds it.
func (l *ProcessingLock) Release(ctx context.Context, runnerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok, err := l.read(ctx)
	if err != nil {
		return err
	}
	if !ok || current.RunnerID != runnerID {
		return nil
	}
	return l.box.Delete(ctx, leaseKey)
}

// Holder returns the current lease holder's runner id, or empty when
// unheld.
func (l *ProcessingLock) Holder(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok, err := l.read(ctx)
	if err != nil || !ok {
		return "", err
	}
	return current.RunnerID, nil
}

func (l *ProcessingLock) read(ctx context.Context) (*LeaseRecord, bool, error) {
	data, ok, err := l.box.Get(ctx, leaseKey)
	if err != nil {
		return nil, false, fmt.Errorf("read lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var lease LeaseRecord
	if err := storage.Decode(data, &lease); err != nil {
		return nil, false, syncerrors.NewInternalError("corrupt lease record", err)
	}
	lease.SchemaVersion = storage.NormalizeSchemaVersion(lease.SchemaVersion)
	return &lease, true, nil
}

func (l *ProcessingLock) write(ctx context.Context, lease *LeaseRecord) error {
	lease.SchemaVersion = storage.CurrentSchemaVersion
	data, err := storage.Encode(lease)
	if err != nil {
		return err
	}
	return l.box.Put(ctx, leaseKey, data)
}
