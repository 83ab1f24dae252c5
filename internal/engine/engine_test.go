package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/TrailmarkLabs/trailmark/offline/internal/queue"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type stubConnectivity struct {
	online bool
}

func (s *stubConnectivity) Online() bool {
	return s.online
}

func newTestEngine(t *testing.T, online bool, ids []string) (*Engine, *queue.Service, *manualClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:engine_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&queue.QueuedOperation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	queueService, err := queue.NewService(queue.ServiceConfig{
		Database: db,
		Clock:    clock.Now,
		IDs:      &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to construct queue service: %v", err)
	}

	syncEngine, err := New(Config{
		Queue:        queueService,
		Connectivity: &stubConnectivity{online: online},
		Policy:       queue.RetryPolicy{MaxRetries: 3, RetryDelay: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	return syncEngine, queueService, clock
}

func enqueueTask(t *testing.T, service *queue.Service, payload string) string {
	t.Helper()
	id, err := service.Enqueue(context.Background(), queue.EnqueueRequest{
		EntityType:    "task",
		OperationType: queue.OperationTypeCreate,
		ScopeID:       "trip-1",
		PayloadJSON:   payload,
	})
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	return id
}

func TestProcessQueueDeliversAndRemoves(t *testing.T) {
	syncEngine, queueService, clock := newTestEngine(t, true, []string{"op-1", "op-2"})

	enqueueTask(t, queueService, `{"n":1}`)
	clock.Advance(time.Second)
	enqueueTask(t, queueService, `{"n":2}`)
	clock.Advance(5 * time.Second)

	var delivered []string
	handlers := Handlers{
		{EntityType: "task", OperationType: queue.OperationTypeCreate}: func(ctx context.Context, operationID, targetID string, payload json.RawMessage) error {
			delivered = append(delivered, string(payload))
			return nil
		},
	}

	result, err := syncEngine.ProcessQueue(context.Background(), handlers)
	if err != nil {
		t.Fatalf("unexpected process error: %v", err)
	}
	if result.Processed != 2 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(delivered) != 2 || delivered[0] != `{"n":1}` || delivered[1] != `{"n":2}` {
		t.Fatalf("expected FIFO delivery, got %v", delivered)
	}

	remaining, err := queueService.List(context.Background(), queue.Filter{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("delivered operations must be removed, found %d", len(remaining))
	}
}

func TestProcessQueueSkipsWhileOffline(t *testing.T) {
	syncEngine, queueService, clock := newTestEngine(t, false, []string{"op-1"})

	enqueueTask(t, queueService, `{}`)
	clock.Advance(time.Minute)

	invoked := false
	handlers := Handlers{
		{EntityType: "task", OperationType: queue.OperationTypeCreate}: func(ctx context.Context, operationID, targetID string, payload json.RawMessage) error {
			invoked = true
			return nil
		},
	}

	result, err := syncEngine.ProcessQueue(context.Background(), handlers)
	if err != nil {
		t.Fatalf("unexpected process error: %v", err)
	}
	if result.Processed != 0 || result.Failed != 0 {
		t.Fatalf("offline pass must report zero counts, got %+v", result)
	}
	if invoked {
		t.Fatalf("handler must not run while offline")
	}
}

func TestProcessQueuePreservesUnhandledOperations(t *testing.T) {
	syncEngine, queueService, clock := newTestEngine(t, true, []string{"op-1"})

	id := enqueueTask(t, queueService, `{}`)

	// Three passes with no handler registered must leave the operation
	// pending with its retry count untouched.
	for pass := 0; pass < 3; pass++ {
		clock.Advance(5 * time.Second)
		result, err := syncEngine.ProcessQueue(context.Background(), Handlers{})
		if err != nil {
			t.Fatalf("unexpected process error on pass %d: %v", pass, err)
		}
		if result.Processed != 0 || result.Failed != 0 {
			t.Fatalf("unhandled operations must not count, got %+v", result)
		}
	}

	remaining, err := queueService.List(context.Background(), queue.Filter{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected the operation to survive, found %d", len(remaining))
	}
	if remaining[0].ID != id || remaining[0].Status != queue.StatusPending {
		t.Fatalf("expected pending operation, got %+v", remaining[0])
	}
	if remaining[0].RetryCount != 0 {
		t.Fatalf("missing handler must not burn retry budget, got %d", remaining[0].RetryCount)
	}
}

func TestProcessQueueRetriesUntilTerminalFailure(t *testing.T) {
	syncEngine, queueService, clock := newTestEngine(t, true, []string{"op-1"})

	enqueueTask(t, queueService, `{}`)

	handlers := Handlers{
		{EntityType: "task", OperationType: queue.OperationTypeCreate}: func(ctx context.Context, operationID, targetID string, payload json.RawMessage) error {
			return errors.New("remote unavailable")
		},
	}

	// First attempt: ready after one delay, fails, retry count goes to 1.
	clock.Advance(5 * time.Second)
	result, err := syncEngine.ProcessQueue(context.Background(), handlers)
	if err != nil {
		t.Fatalf("unexpected process error: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected one failure, got %+v", result)
	}

	// Second attempt: eligible at 2x delay from enqueue, fails again.
	clock.Advance(5 * time.Second)
	result, err = syncEngine.ProcessQueue(context.Background(), handlers)
	if err != nil {
		t.Fatalf("unexpected process error: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected one failure on second attempt, got %+v", result)
	}

	// Third attempt exhausts the budget and marks the operation failed.
	clock.Advance(5 * time.Second)
	result, err = syncEngine.ProcessQueue(context.Background(), handlers)
	if err != nil {
		t.Fatalf("unexpected process error: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected one failure on final attempt, got %+v", result)
	}

	remaining, err := queueService.List(context.Background(), queue.Filter{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("terminally failed operation must remain queued for inspection")
	}
	if remaining[0].Status != queue.StatusFailed {
		t.Fatalf("expected failed status, got %s", remaining[0].Status)
	}
	if remaining[0].RetryCount != 3 {
		t.Fatalf("expected retry count 3, got %d", remaining[0].RetryCount)
	}

	// A failed operation never re-enters the ready set.
	clock.Advance(time.Hour)
	result, err = syncEngine.ProcessQueue(context.Background(), handlers)
	if err != nil {
		t.Fatalf("unexpected process error: %v", err)
	}
	if result.Processed != 0 || result.Failed != 0 {
		t.Fatalf("failed operation must not be retried, got %+v", result)
	}
}

func TestProcessQueueIsolatesPanickingHandler(t *testing.T) {
	syncEngine, queueService, clock := newTestEngine(t, true, []string{"op-1", "op-2"})

	enqueueTask(t, queueService, `{"bad":true}`)
	secondID, err := queueService.Enqueue(context.Background(), queue.EnqueueRequest{
		EntityType:    "chat_message",
		OperationType: queue.OperationTypeCreate,
		ScopeID:       "trip-1",
		PayloadJSON:   `{"text":"hi"}`,
	})
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	clock.Advance(5 * time.Second)

	handlers := Handlers{
		{EntityType: "task", OperationType: queue.OperationTypeCreate}: func(ctx context.Context, operationID, targetID string, payload json.RawMessage) error {
			panic("handler bug")
		},
		{EntityType: "chat_message", OperationType: queue.OperationTypeCreate}: func(ctx context.Context, operationID, targetID string, payload json.RawMessage) error {
			return nil
		},
	}

	result, err := syncEngine.ProcessQueue(context.Background(), handlers)
	if err != nil {
		t.Fatalf("a panicking handler must not abort the batch: %v", err)
	}
	if result.Processed != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	existed, err := queueService.Remove(context.Background(), secondID)
	if err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if existed {
		t.Fatalf("successfully delivered operation should already be removed")
	}
}

func TestProcessQueueHandsCreateScopeAndUpdateEntityIDs(t *testing.T) {
	syncEngine, queueService, clock := newTestEngine(t, true, []string{"op-1", "op-2"})

	enqueueTask(t, queueService, `{}`)
	clock.Advance(time.Second)
	if _, err := queueService.Enqueue(context.Background(), queue.EnqueueRequest{
		EntityType:    "task",
		OperationType: queue.OperationTypeUpdate,
		ScopeID:       "trip-1",
		EntityID:      "task-42",
		PayloadJSON:   `{}`,
	}); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	clock.Advance(5 * time.Second)

	var targets []string
	var operationIDs []string
	record := func(ctx context.Context, operationID, targetID string, payload json.RawMessage) error {
		operationIDs = append(operationIDs, operationID)
		targets = append(targets, targetID)
		return nil
	}
	handlers := Handlers{
		{EntityType: "task", OperationType: queue.OperationTypeCreate}: record,
		{EntityType: "task", OperationType: queue.OperationTypeUpdate}: record,
	}

	if _, err := syncEngine.ProcessQueue(context.Background(), handlers); err != nil {
		t.Fatalf("unexpected process error: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected two deliveries, got %d", len(targets))
	}
	if targets[0] != "trip-1" {
		t.Fatalf("create must receive the scope id, got %s", targets[0])
	}
	if targets[1] != "task-42" {
		t.Fatalf("update must receive the entity id, got %s", targets[1])
	}
	if operationIDs[0] != "op-1" || operationIDs[1] != "op-2" {
		t.Fatalf("handlers must receive the queued operation ids, got %v", operationIDs)
	}
}

// Two contexts interleaving a queue pass may both observe the same pending
// operation and both claim it: the pending->syncing transition is a soft
// advisory mark, not a lock. The store must allow both deliveries to proceed,
// since dedupe is the remote's job, keyed on the operation ID.
func TestOverlappingContextsBothClaimAndDeliver(t *testing.T) {
	_, queueService, clock := newTestEngine(t, true, []string{"op-1"})

	id := enqueueTask(t, queueService, `{"n":1}`)
	clock.Advance(5 * time.Second)

	policy := queue.RetryPolicy{MaxRetries: 3, RetryDelay: 5 * time.Second}
	ctx := context.Background()

	// Both contexts compute the ready set before either claims.
	readyA, err := queueService.ReadyOperations(ctx, policy)
	if err != nil {
		t.Fatalf("unexpected ready error: %v", err)
	}
	readyB, err := queueService.ReadyOperations(ctx, policy)
	if err != nil {
		t.Fatalf("unexpected ready error: %v", err)
	}
	if len(readyA) != 1 || len(readyB) != 1 || readyA[0].ID != id || readyB[0].ID != id {
		t.Fatalf("both contexts must observe the pending operation, got %d and %d", len(readyA), len(readyB))
	}

	// Both claims succeed; neither context learns of the other.
	claimA, err := queueService.UpdateStatus(ctx, queue.UpdateStatusRequest{ID: id, Status: queue.StatusSyncing})
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	claimB, err := queueService.UpdateStatus(ctx, queue.UpdateStatusRequest{ID: id, Status: queue.StatusSyncing})
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if claimA == nil || claimB == nil {
		t.Fatalf("soft claim must not exclude a concurrent claimer, got %v and %v", claimA, claimB)
	}

	// Both contexts deliver the same operation.
	var deliveries []string
	deliver := func(operation queue.QueuedOperation) {
		deliveries = append(deliveries, operation.ID)
	}
	deliver(readyA[0])
	deliver(readyB[0])
	if len(deliveries) != 2 || deliveries[0] != deliveries[1] {
		t.Fatalf("expected the same operation delivered twice, got %v", deliveries)
	}

	// Removal after the first confirmed delivery; the second remove is a no-op.
	existed, err := queueService.Remove(ctx, id)
	if err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if !existed {
		t.Fatalf("first removal must find the operation")
	}
	existed, err = queueService.Remove(ctx, id)
	if err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if existed {
		t.Fatalf("second removal must be a harmless no-op")
	}
}
