package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	syncerrors "github.com/RaoAhmadRaza/guardian-sync/pkg/errors"
	"github.com/RaoAhmadRaza/guardian-sync/pkg/queue"
)

// stubRequester answers GETs from a canned resource table.
type stubRequester struct {
	resources map[string]map[string]interface{}
	calls     int
}

func (s *stubRequester) Request(ctx context.Context, method, path string, body map[string]interface{}, headers map[string]string) (map[string]interface{}, error) {
	s.calls++
	if res, ok := s.resources[path]; ok {
		return res, nil
	}
	return nil, syncerrors.NewResourceNotFoundError("no such resource", "")
}

func resourcePath(entityType, resourceID string) string {
	return "/v1/" + entityType + "/" + resourceID
}

func newTestReconciler(t *testing.T, stub *stubRequester) *Reconciler {
	return New(stub, resourcePath, zaptest.NewLogger(t), Config{})
}

func TestStrategyFor(t *testing.T) {
	assert.Equal(t, StrategyMergeAndRetry, StrategyFor(syncerrors.NewConflictError("x", "version_mismatch")))
	assert.Equal(t, StrategyCheckAndTreatAsSuccess, StrategyFor(syncerrors.NewConflictError("x", "duplicate")))
	assert.Equal(t, StrategyFailPermanent, StrategyFor(syncerrors.NewConflictError("x", "constraint_violation")))
	assert.Equal(t, StrategyFailPermanent, StrategyFor(syncerrors.NewConflictError("x", "something_new")))
}

func TestReconcile_CreateDuplicateMatchingServerState(t *testing.T) {
	stub := &stubRequester{resources: map[string]map[string]interface{}{
		"/v1/medication/m1": {"id": "m1", "name": "Aspirin", "dose_mg": 81, "created_by": "server"},
	}}
	r := newTestReconciler(t, stub)

	op := &queue.PendingOp{
		ID:         "op-1",
		OpType:     queue.OpCreate,
		EntityType: "medication",
		Payload:    map[string]interface{}{"id": "m1", "name": "Aspirin", "dose_mg": 81},
	}
	conflict := syncerrors.NewConflictError("duplicate", "duplicate")

	outcome := r.Reconcile(context.Background(), op, conflict)
	assert.Equal(t, OutcomeSuccess, outcome)

	// Repeating the reconciliation gives the same verdict.
	assert.Equal(t, OutcomeSuccess, r.Reconcile(context.Background(), op, conflict))
}

func TestReconcile_CreateDuplicateDivergentServerState(t *testing.T) {
	stub := &stubRequester{resources: map[string]map[string]interface{}{
		"/v1/medication/m1": {"id": "m1", "name": "Ibuprofen", "dose_mg": 200},
	}}
	r := newTestReconciler(t, stub)

	op := &queue.PendingOp{
		ID:         "op-1",
		OpType:     queue.OpCreate,
		EntityType: "medication",
		Payload:    map[string]interface{}{"id": "m1", "name": "Aspirin", "dose_mg": 81},
	}
	outcome := r.Reconcile(context.Background(), op, syncerrors.NewConflictError("duplicate", "duplicate"))
	assert.Equal(t, OutcomeGiveUp, outcome)
}

func TestReconcile_UpdateVersionMismatchMerges(t *testing.T) {
	stub := &stubRequester{resources: map[string]map[string]interface{}{
		"/v1/room/r1": {"id": "r1", "name": "L1", "temp": 70, "humidity": 45, "version": 5},
	}}
	r := newTestReconciler(t, stub)

	op := &queue.PendingOp{
		ID:         "op-3",
		OpType:     queue.OpUpdate,
		EntityType: "room",
		Payload:    map[string]interface{}{"id": "r1", "name": "L2", "temp": 72, "version": 3},
	}
	conflict := syncerrors.NewConflictError("stale version", "version_mismatch").WithVersions(5, 3)

	outcome := r.Reconcile(context.Background(), op, conflict)
	require.Equal(t, OutcomeRetry, outcome)

	// Server object is the base, local keys overlaid, version bumped.
	assert.Equal(t, "L2", op.Payload["name"])
	assert.Equal(t, float64(72), op.Payload["temp"])
	assert.Equal(t, float64(45), op.Payload["humidity"])
	assert.Equal(t, float64(5), op.Payload["version"])
	assert.Equal(t, "r1", op.Payload["id"])
}

func TestReconcile_UpdateDeletedResourceGivesUp(t *testing.T) {
	stub := &stubRequester{resources: map[string]map[string]interface{}{}}
	r := newTestReconciler(t, stub)

	op := &queue.PendingOp{
		ID:         "op-4",
		OpType:     queue.OpUpdate,
		EntityType: "room",
		Payload:    map[string]interface{}{"id": "r1", "name": "L2", "version": 3},
	}
	outcome := r.Reconcile(context.Background(), op, syncerrors.NewConflictError("x", "version_mismatch"))
	assert.Equal(t, OutcomeGiveUp, outcome)
}

func TestReconcile_DeleteAlreadyGoneIsSuccess(t *testing.T) {
	stub := &stubRequester{resources: map[string]map[string]interface{}{}}
	r := newTestReconciler(t, stub)

	op := &queue.PendingOp{
		ID:         "op-5",
		OpType:     queue.OpDelete,
		EntityType: "room",
		Payload:    map[string]interface{}{"id": "r1", "version": 2},
	}
	outcome := r.Reconcile(context.Background(), op, syncerrors.NewConflictError("x", "version_mismatch"))
	assert.Equal(t, OutcomeSuccess, outcome)
}

func TestReconcile_DeleteLiveResourceRetriesWithFreshVersion(t *testing.T) {
	stub := &stubRequester{resources: map[string]map[string]interface{}{
		"/v1/room/r1": {"id": "r1", "version": 9},
	}}
	r := newTestReconciler(t, stub)

	op := &queue.PendingOp{
		ID:         "op-6",
		OpType:     queue.OpDelete,
		EntityType: "room",
		Payload:    map[string]interface{}{"id": "r1", "version": 2},
	}
	outcome := r.Reconcile(context.Background(), op, syncerrors.NewConflictError("x", "version_mismatch"))
	require.Equal(t, OutcomeRetry, outcome)
	assert.Equal(t, 9, op.Payload["version"])
}

func TestReconcile_ConstraintViolationGivesUpWithoutFetch(t *testing.T) {
	stub := &stubRequester{resources: map[string]map[string]interface{}{
		"/v1/room/r1": {"id": "r1"},
	}}
	r := newTestReconciler(t, stub)

	op := &queue.PendingOp{
		ID:         "op-7",
		OpType:     queue.OpUpdate,
		EntityType: "room",
		Payload:    map[string]interface{}{"id": "r1"},
	}
	outcome := r.Reconcile(context.Background(), op, syncerrors.NewConflictError("x", "constraint_violation"))
	assert.Equal(t, OutcomeGiveUp, outcome)
	assert.Equal(t, 0, stub.calls, "fail_permanent must not hit the network")
}

func TestReconcile_MissingResourceIDGivesUp(t *testing.T) {
	r := newTestReconciler(t, &stubRequester{})

	op := &queue.PendingOp{
		ID:         "op-8",
		OpType:     queue.OpUpdate,
		EntityType: "room",
		Payload:    map[string]interface{}{"name": "no id here"},
	}
	outcome := r.Reconcile(context.Background(), op, syncerrors.NewConflictError("x", "version_mismatch"))
	assert.Equal(t, OutcomeGiveUp, outcome)
}

func TestReconcile_CacheServesRepeatedLookups(t *testing.T) {
	stub := &stubRequester{resources: map[string]map[string]interface{}{
		"/v1/room/r1": {"id": "r1", "name": "L1", "version": 5},
	}}
	r := newTestReconciler(t, stub)

	op := &queue.PendingOp{
		ID:         "op-9",
		OpType:     queue.OpCreate,
		EntityType: "room",
		Payload:    map[string]interface{}{"id": "r1", "name": "L1"},
	}
	conflict := syncerrors.NewConflictError("duplicate", "duplicate")
	assert.Equal(t, OutcomeSuccess, r.Reconcile(context.Background(), op, conflict))
	assert.Equal(t, OutcomeSuccess, r.Reconcile(context.Background(), op, conflict))
	assert.Equal(t, 1, stub.calls, "second lookup should come from cache")
}
