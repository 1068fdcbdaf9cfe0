// Package engine orchestrates the offline-first sync pipeline: it owns
// the tick loop that drains the pending queue through the circuit
// breaker and HTTP client, routes conflicts through the reconciler, and
// settles optimistic transactions. One logical task drives the loop and
// one drives the lease heartbeat; the only blocking points are the HTTP
// request, the storage commits and the breaker cooldown.
package engine

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RaoAhmadRaza/guardian-sync/pkg/backoff"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/breaker"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/config"
	syncerrors "github.com/RaoAhmadRaza/guardian-sync/pkg/errors"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/httpclient"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/lock"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/metrics"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/optimistic"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/queue"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/reconcile"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/storage"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/wal"
)

// Router maps entity types to API paths. Supplied by the host, which
// owns the API surface; the core never interprets entity types itself.
type Router interface {
	// CollectionPath is the POST target for creates
	CollectionPath(entityType string) string

	// ResourcePath is the target for updates, deletes and lookups
	ResourcePath(entityType, resourceID string) string
}

// Engine drives the sync pipeline. Construct with New, call Recover
// once, then Tick whenever the host decides (foreground, connectivity
// change, timer).
type Engine struct {
	config     *config.Config
	runnerID   string
	store      storage.Store
	queue      *queue.Service
	txns       *wal.Service
	lock       *lock.ProcessingLock
	breaker    *breaker.CircuitBreaker
	backoff    *backoff.Policy
	metrics    *metrics.Metrics
	client     *httpclient.Client
	reconciler *reconcile.Reconciler
	optimistic *optimistic.Store
	router     Router
	logger     *zap.Logger
	clock      storage.Clock

	stopped   atomic.Bool
	recovered atomic.Bool
}

// Options bundles the collaborators New wires together. A nil Store
// selects a file store under Config.StorageDir, or the in-memory backend
// when that is empty; a nil Auth sends requests without a bearer token;
// Router is required and has no default.
type Options struct {
	Config  *config.Config
	Store   storage.Store
	Router  Router
	Auth    httpclient.TokenProvider
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// New constructs an engine and its owned components. No goroutines are
// started; Recover and Tick are explicit.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Router == nil {
		return nil, syncerrors.NewInternalError("router is required", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		if cfg.StorageDir != "" {
			fs, err := storage.NewFileStore(cfg.StorageDir, nil)
			if err != nil {
				return nil, err
			}
			store = fs
		} else {
			store = storage.NewMemoryStore()
		}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	runnerID := cfg.RunnerID
	if runnerID == "" {
		runnerID = "runner-" + uuid.NewString()
	}

	txns, err := wal.NewService(store, logger.Named("wal"))
	if err != nil {
		return nil, err
	}
	q, err := queue.NewService(store, txns, m, logger.Named("queue"), cfg.Queue)
	if err != nil {
		return nil, err
	}
	pl, err := lock.New(store, m, logger.Named("lock"), cfg.Lock)
	if err != nil {
		return nil, err
	}
	cb := breaker.New(cfg.Breaker, logger.Named("breaker"))
	cb.OnTrip(m.RecordBreakerTrip)
	client := httpclient.New(cfg.HTTP, opts.Auth, logger.Named("http"))
	rec := reconcile.New(client, opts.Router.ResourcePath, logger.Named("reconcile"), cfg.Reconcile)

	return &Engine{
		config:     cfg,
		runnerID:   runnerID,
		store:      store,
		queue:      q,
		txns:       txns,
		lock:       pl,
		breaker:    cb,
		backoff:    backoff.New(cfg.Backoff),
		metrics:    m,
		client:     client,
		reconciler: rec,
		optimistic: optimistic.NewStore(logger.Named("optimistic")),
		router:     opts.Router,
		logger:     logger,
		clock:      storage.SystemClock{},
	}, nil
}

// SetClock injects a time source into the engine and its owned
// components (tests).
func (e *Engine) SetClock(clock storage.Clock) {
	e.clock = clock
	e.queue.SetClock(clock)
	e.txns.SetClock(clock)
	e.lock.SetClock(clock)
	e.breaker.SetClock(clock.Now)
}

// Queue exposes the pending queue for host inspection (failed archive,
// consistency checks).
func (e *Engine) Queue() *queue.Service { return e.queue }

// Breaker exposes the circuit breaker state for host diagnostics.
func (e *Engine) Breaker() *breaker.CircuitBreaker { return e.breaker }

// Lock exposes the processing lock for host diagnostics.
func (e *Engine) Lock() *lock.ProcessingLock { return e.lock }

// RunnerID returns this engine's lease identity.
func (e *Engine) RunnerID() string { return e.runnerID }

// HTTPClient exposes the underlying client (tests).
func (e *Engine) HTTPClient() *httpclient.Client { return e.client }

// MetricsSummary returns the metrics snapshot.
func (e *Engine) MetricsSummary() map[string]interface{} { return e.metrics.Summary() }

// Recover brings persisted state back to a runnable baseline after a
// restart: replay committed write-ahead-log entries, demote in-flight
// operations to queued, and rebuild the FIFO index if it disagrees with
// the pending store. Must be called before the first Tick.
func (e *Engine) Recover(ctx context.Context) error {
	report, err := e.txns.Recover(ctx)
	if err != nil {
		return err
	}
	if report.Replayed > 0 || report.Discarded > 0 {
		e.logger.Info("write-ahead log recovered",
			zap.Int("replayed", report.Replayed),
			zap.Int("discarded", report.Discarded))
	}
	if e.config.WALPruneAge > 0 {
		if _, err := e.txns.Prune(ctx, e.config.WALPruneAge); err != nil {
			e.logger.Warn("wal prune failed", zap.Error(err))
		}
	}

	if _, err := e.queue.RecoverInFlight(ctx); err != nil {
		return err
	}

	check, err := e.queue.CheckConsistency(ctx)
	if err != nil {
		return err
	}
	if !check.IsConsistent {
		e.logger.Warn("queue index inconsistent, rebuilding",
			zap.Int("dangling", len(check.DanglingInIndex)),
			zap.Int("missing", len(check.MissingFromIndex)))
		if err := e.queue.RebuildIndex(ctx); err != nil {
			return err
		}
	}

	e.recovered.Store(true)
	return nil
}

// Enqueue durably records an intended server mutation. Synchronous: when
// it returns nil the operation survives a crash.
func (e *Engine) Enqueue(ctx context.Context, op *queue.PendingOp) error {
	return e.queue.Enqueue(ctx, op)
}

// RegisterOptimistic registers a host-side optimistic transaction keyed
// by token (typically the op id); the engine settles it when the
// operation reaches a terminal state.
func (e *Engine) RegisterOptimistic(token string, original interface{}, rollback optimistic.RollbackFunc, onSuccess func(), onError func(string)) {
	e.optimistic.Register(token, original, rollback, onSuccess, onError)
}

// Stop signals the tick loop to exit after the current operation
// settles. The lock is released on the way out.
func (e *Engine) Stop() {
	e.stopped.Store(true)
}

// Shutdown stops the loop and rolls back every unsettled optimistic
// transaction.
func (e *Engine) Shutdown() {
	e.Stop()
	e.optimistic.RollbackAll("sync engine shut down")
}

// Tick drives one processing pass: acquire the lease, drain eligible
// operations in FIFO order, release. Returns nil when there is nothing
// to do (breaker open, lock held elsewhere, queue empty).
func (e *Engine) Tick(ctx context.Context) error {
	if !e.recovered.Load() {
		if err := e.Recover(ctx); err != nil {
			return err
		}
	}
	e.stopped.Store(false)

	if e.breaker.IsTripped() {
		remaining := e.breaker.CooldownRemaining()
		e.logger.Debug("breaker open, pausing tick", zap.Duration("cooldown_remaining", remaining))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
		return nil
	}

	acquired, err := e.lock.TryAcquire(ctx, e.runnerID)
	if err != nil {
		return err
	}
	if !acquired {
		e.logger.Debug("processing lock held elsewhere")
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		ticker := time.NewTicker(e.lock.HeartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := e.lock.UpdateHeartbeat(gctx, e.runnerID); err != nil {
					e.logger.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	})

	loopErr := e.drain(loopCtx)

	cancel()
	_ = g.Wait()
	if err := e.lock.Release(context.WithoutCancel(ctx), e.runnerID); err != nil {
		e.logger.Warn("lock release failed", zap.Error(err))
	}
	return loopErr
}

// drain processes queue heads until the queue is empty, the head is not
// yet eligible, the breaker trips, or a stop is requested.
func (e *Engine) drain(ctx context.Context) error {
	for {
		if e.stopped.Load() || ctx.Err() != nil {
			return ctx.Err()
		}
		if e.breaker.IsTripped() {
			return nil
		}

		op, err := e.queue.GetOldest(ctx)
		if errors.Is(err, syncerrors.ErrQueueEmpty) {
			return nil
		}
		if err != nil {
			return err
		}

		// FIFO: if the head is not ready, nothing behind it is readier.
		if op.NextAttemptAt.After(e.clock.Now()) {
			e.logger.Debug("queue head not yet eligible",
				zap.String("id", op.ID),
				zap.Time("next_attempt_at", op.NextAttemptAt))
			return nil
		}

		if err := e.processOne(ctx, op); err != nil {
			return err
		}
	}
}

// processOne transmits one operation and settles its outcome.
func (e *Engine) processOne(ctx context.Context, op *queue.PendingOp) error {
	op.Status = queue.StatusInFlight
	if err := e.queue.Update(ctx, op); err != nil {
		return err
	}

	traceID := uuid.NewString()
	method, path := e.route(op)
	headers := map[string]string{
		httpclient.HeaderIdempotencyKey: op.IdempotencyKey,
		httpclient.HeaderTraceID:        traceID,
	}

	start := e.clock.Now()
	_, reqErr := e.client.Request(ctx, method, path, op.Payload, headers)
	latency := e.clock.Now().Sub(start)

	if reqErr == nil {
		return e.settleSuccess(ctx, op, latency)
	}

	var conflict *syncerrors.ConflictError
	if errors.As(reqErr, &conflict) {
		return e.settleConflict(ctx, op, conflict, latency)
	}
	return e.settleFailure(ctx, op, reqErr)
}

func (e *Engine) settleSuccess(ctx context.Context, op *queue.PendingOp, latency time.Duration) error {
	e.metrics.RecordSuccess(latency)
	e.breaker.RecordSuccess()
	if err := e.queue.MarkProcessed(ctx, op.ID); err != nil {
		return err
	}
	e.optimistic.Commit(op.ID)
	e.logger.Info("operation processed",
		zap.String("id", op.ID),
		zap.String("op_type", string(op.OpType)),
		zap.Duration("latency", latency))
	return nil
}

func (e *Engine) settleConflict(ctx context.Context, op *queue.PendingOp, conflict *syncerrors.ConflictError, latency time.Duration) error {
	switch e.reconciler.Reconcile(ctx, op, conflict) {
	case reconcile.OutcomeSuccess:
		e.metrics.RecordConflictResolved()
		return e.settleSuccess(ctx, op, latency)

	case reconcile.OutcomeRetry:
		// Merged in place; same attempt count, immediately eligible.
		op.Status = queue.StatusQueued
		op.LastError = ""
		if err := e.queue.Update(ctx, op); err != nil {
			return err
		}
		e.metrics.RecordConflictResolved()
		e.logger.Info("conflict merged, retrying",
			zap.String("id", op.ID),
			zap.String("conflict_type", conflict.ConflictType))
		return nil

	default:
		return e.failPermanently(ctx, op, conflict)
	}
}

func (e *Engine) settleFailure(ctx context.Context, op *queue.PendingOp, reqErr error) error {
	if syncerrors.IsNetworkClass(reqErr) {
		e.metrics.RecordNetworkError()
	}

	retryable := syncerrors.IsRetryable(reqErr)
	if retryable && e.backoff.ShouldRetry(op.Attempts+1) {
		op.Attempts++
		op.NextAttemptAt = e.clock.Now().Add(e.backoff.ComputeDelay(op.Attempts, syncerrors.GetRetryAfter(reqErr)))
		op.Status = queue.StatusQueued
		op.LastError = syncerrors.SummaryOf(reqErr)
		if err := e.queue.Update(ctx, op); err != nil {
			return err
		}
		e.metrics.RecordRetry()
		e.breaker.RecordFailure()
		e.logger.Warn("operation retry scheduled",
			zap.String("id", op.ID),
			zap.Int("attempts", op.Attempts),
			zap.Time("next_attempt_at", op.NextAttemptAt),
			zap.String("error", op.LastError))
		return nil
	}

	return e.failPermanently(ctx, op, reqErr)
}

func (e *Engine) failPermanently(ctx context.Context, op *queue.PendingOp, reqErr error) error {
	summary := syncerrors.SummaryOf(reqErr)
	if err := e.queue.MarkFailed(ctx, op.ID, summary, op.Attempts); err != nil {
		return err
	}
	e.metrics.RecordFailure()
	e.optimistic.Rollback(op.ID, summary)
	if syncerrors.IsNetworkClass(reqErr) {
		e.breaker.RecordFailure()
	}
	return nil
}

// route derives the HTTP method and path for an operation.
func (e *Engine) route(op *queue.PendingOp) (method, path string) {
	resourceID := ""
	if v, ok := op.Payload["id"]; ok {
		resourceID, _ = v.(string)
	}
	switch op.OpType {
	case queue.OpCreate:
		return http.MethodPost, e.router.CollectionPath(op.EntityType)
	case queue.OpDelete:
		return http.MethodDelete, e.router.ResourcePath(op.EntityType, resourceID)
	default:
		return http.MethodPut, e.router.ResourcePath(op.EntityType, resourceID)
	}
}
