// Package reconcile resolves 409 responses. The reconciler fetches the
// server's current view of the conflicting resource and decides, per
// conflict kind and operation type, whether the operation is already
// satisfied, can be merged and retried, or must be given up. It never
// writes anywhere itself: at most it mutates the in-memory operation
// for the engine to re-attempt.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	syncerrors "github.com/RaoAhmadRaza/guardian-sync/pkg/errors"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/queue"
)

// Strategy is the resolution approach chosen for a conflict kind.
type Strategy string

const (
	// StrategyMergeAndRetry refetches server state, merges the local
	// overlay on top, and re-attempts the operation
	StrategyMergeAndRetry Strategy = "merge_and_retry"

	// StrategyCheckAndTreatAsSuccess verifies the server already holds
	// the intended state and, if so, declares the operation satisfied
	StrategyCheckAndTreatAsSuccess Strategy = "check_and_treat_as_success"

	// StrategyFailPermanent gives up and surfaces the operation as failed
	StrategyFailPermanent Strategy = "fail_permanent"
)

// Outcome is the reconciler's verdict on one conflict.
type Outcome int

const (
	// OutcomeGiveUp surfaces the operation as permanently failed
	OutcomeGiveUp Outcome = iota

	// OutcomeRetry means the operation was merged in place and should
	// be re-attempted with its updated payload
	OutcomeRetry

	// OutcomeSuccess means the server already reflects the intent;
	// treat the operation as processed
	OutcomeSuccess
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "RETRY"
	case OutcomeSuccess:
		return "SUCCESS"
	default:
		return "GIVE_UP"
	}
}

// Requester is the slice of the HTTP client the reconciler needs.
type Requester interface {
	Request(ctx context.Context, method, path string, body map[string]interface{}, headers map[string]string) (map[string]interface{}, error)
}

// ResourcePathFunc maps an entity type and resource id to the GET path
// for that resource. Supplied by the host's router.
type ResourcePathFunc func(entityType, resourceID string) string

// Config configures the reconciler.
type Config struct {
	// CacheSize bounds the GET-response cache. Defaults to 128.
	CacheSize int `json:"cache_size" yaml:"cache_size"`

	// CacheTTL expires cached GET responses. Defaults to 2s, long
	// enough to serve repeated lookups within one tick.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// Reconciler resolves conflicts against live server state.
type Reconciler struct {
	client       Requester
	resourcePath ResourcePathFunc
	logger       *zap.Logger
	cache        *expirable.LRU[string, map[string]interface{}]
}

// New creates a reconciler. A nil logger is replaced with a no-op
// logger.
func New(client Requester, resourcePath ResourcePathFunc, logger *zap.Logger, config Config) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 128
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 2 * time.Second
	}
	return &Reconciler{
		client:       client,
		resourcePath: resourcePath,
		logger:       logger,
		cache:        expirable.NewLRU[string, map[string]interface{}](config.CacheSize, nil, config.CacheTTL),
	}
}

// StrategyFor maps a conflict kind to its resolution strategy. Unknown
// kinds fail permanent.
func StrategyFor(conflict *syncerrors.ConflictError) Strategy {
	switch conflict.ConflictType {
	case "version_mismatch":
		return StrategyMergeAndRetry
	case "duplicate":
		return StrategyCheckAndTreatAsSuccess
	default:
		return StrategyFailPermanent
	}
}

// Reconcile resolves one conflict. OutcomeRetry implies op's payload
// was mutated in place with the merged state.
func (r *Reconciler) Reconcile(ctx context.Context, op *queue.PendingOp, conflict *syncerrors.ConflictError) Outcome {
	strategy := StrategyFor(conflict)
	r.logger.Debug("reconciling conflict",
		zap.String("id", op.ID),
		zap.String("op_type", string(op.OpType)),
		zap.String("conflict_type", conflict.ConflictType),
		zap.String("strategy", string(strategy)))

	if strategy == StrategyFailPermanent {
		return OutcomeGiveUp
	}

	switch op.OpType {
	case queue.OpCreate:
		return r.reconcileCreate(ctx, op)
	case queue.OpUpdate:
		return r.reconcileUpdate(ctx, op, conflict)
	case queue.OpDelete:
		return r.reconcileDelete(ctx, op)
	default:
		return OutcomeGiveUp
	}
}

// reconcileCreate checks whether the resource the server refused to
// create already equals the intended payload. Server fields the payload
// never mentioned are ignored.
func (r *Reconciler) reconcileCreate(ctx context.Context, op *queue.PendingOp) Outcome {
	server, status := r.fetch(ctx, op)
	if status != http.StatusOK {
		return OutcomeGiveUp
	}
	for key, want := range op.Payload {
		if !jsonEqual(server[key], want) {
			r.logger.Debug("idempotent-create check failed",
				zap.String("id", op.ID), zap.String("key", key))
			return OutcomeGiveUp
		}
	}
	return OutcomeSuccess
}

// reconcileUpdate fetches the latest server state and merges: the
// server object is the base, every key present in the local payload is
// overlaid, and the payload version is replaced with the server's.
func (r *Reconciler) reconcileUpdate(ctx context.Context, op *queue.PendingOp, conflict *syncerrors.ConflictError) Outcome {
	server, status := r.fetch(ctx, op)
	if status == http.StatusNotFound {
		// The resource is gone; the update has nothing to land on.
		return OutcomeGiveUp
	}
	if status != http.StatusOK {
		return OutcomeGiveUp
	}

	// The server version goes into the overlay so it passes through the
	// same JSON normalization as every other merged field.
	overlay := make(map[string]interface{}, len(op.Payload)+1)
	for k, v := range op.Payload {
		overlay[k] = v
	}
	if v, ok := server["version"]; ok {
		overlay["version"] = v
	} else if conflict.ServerVersion != nil {
		overlay["version"] = conflict.ServerVersion
	}
	merged, err := mergeMaps(server, overlay)
	if err != nil {
		r.logger.Error("merge failed", zap.String("id", op.ID), zap.Error(err))
		return OutcomeGiveUp
	}
	op.Payload = merged
	return OutcomeRetry
}

// reconcileDelete treats a missing resource as success and a live one
// as retryable with the server's current version.
func (r *Reconciler) reconcileDelete(ctx context.Context, op *queue.PendingOp) Outcome {
	server, status := r.fetch(ctx, op)
	switch status {
	case http.StatusNotFound:
		return OutcomeSuccess
	case http.StatusOK:
		if op.Payload == nil {
			op.Payload = map[string]interface{}{}
		}
		if v, ok := server["version"]; ok {
			op.Payload["version"] = v
		}
		return OutcomeRetry
	default:
		return OutcomeGiveUp
	}
}

// fetch GETs the conflicting resource, via the short-TTL cache, and
// reduces the result to (body, status-class): 200, 404 or 0 on any
// other failure.
func (r *Reconciler) fetch(ctx context.Context, op *queue.PendingOp) (map[string]interface{}, int) {
	resourceID := payloadID(op)
	if resourceID == "" {
		r.logger.Warn("conflict payload has no resource id", zap.String("id", op.ID))
		return nil, 0
	}
	cacheKey := op.EntityType + "/" + resourceID
	if cached, ok := r.cache.Get(cacheKey); ok {
		return cached, http.StatusOK
	}

	body, err := r.client.Request(ctx, http.MethodGet, r.resourcePath(op.EntityType, resourceID), nil, nil)
	if err != nil {
		var notFound *syncerrors.ResourceNotFoundError
		if errors.As(err, &notFound) {
			return nil, http.StatusNotFound
		}
		r.logger.Warn("conflict lookup failed", zap.String("id", op.ID), zap.Error(err))
		return nil, 0
	}
	r.cache.Add(cacheKey, body)
	return body, http.StatusOK
}

// payloadID extracts the resource id the conflict is about. The host
// convention is an "id" key in the payload; DELETE payloads may carry
// only that key.
func payloadID(op *queue.PendingOp) string {
	if v, ok := op.Payload["id"]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// mergeMaps merges overlay onto base via RFC 7386 merge-patch semantics:
// overlay keys win, nested objects merge recursively.
func mergeMaps(base, overlay map[string]interface{}) (map[string]interface{}, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	overlayJSON, err := json.Marshal(overlay)
	if err != nil {
		return nil, err
	}
	mergedJSON, err := jsonpatch.MergePatch(baseJSON, overlayJSON)
	if err != nil {
		return nil, err
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// jsonEqual compares two values after normalizing through JSON, so an
// int payload value equals the float64 the decoder produced.
func jsonEqual(a, b interface{}) bool {
	aj, err1 := json.Marshal(a)
	bj, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return reflect.DeepEqual(a, b)
	}
	var av, bv interface{}
	if json.Unmarshal(aj, &av) != nil || json.Unmarshal(bj, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
