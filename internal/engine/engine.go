package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TrailmarkLabs/trailmark/offline/internal/queue"
	"go.uber.org/zap"
)

var (
	errMissingQueue        = errors.New("queue service is required")
	errMissingConnectivity = errors.New("connectivity source is required")
	noOpLogger             = zap.NewNop()
)

// Handler performs the actual remote delivery for one entity-type/operation
// pair. It receives the queued operation's ID, plus the scope ID for creations
// and the entity ID for updates and deletes. Handlers must be idempotent:
// delivery is at-least-once and the same operation may be handed over twice,
// so the operation ID must reach the remote for dedupe.
//
// A returned error is classified as a transient remote failure and retried.
type Handler func(ctx context.Context, operationID, targetID string, payload json.RawMessage) error

// HandlerKey addresses one handler slot.
type HandlerKey struct {
	EntityType    string
	OperationType queue.OperationType
}

// Handlers is a partial map of delivery handlers. Operations without a
// registered handler are preserved, not dropped.
type Handlers map[HandlerKey]Handler

// ConnectivitySource reports the last known network reachability.
type ConnectivitySource interface {
	Online() bool
}

// Config wires the engine dependencies.
type Config struct {
	Queue        *queue.Service
	Connectivity ConnectivitySource
	Policy       queue.RetryPolicy
	Logger       *zap.Logger
}

// Engine drains the operation queue against caller-supplied handlers with
// per-operation failure isolation and linear backoff bookkeeping.
type Engine struct {
	queue        *queue.Service
	connectivity ConnectivitySource
	policy       queue.RetryPolicy
	logger       *zap.Logger
}

// New validates the configuration and returns a sync engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Connectivity == nil {
		return nil, errMissingConnectivity
	}
	policy := cfg.Policy
	if policy.MaxRetries <= 0 && policy.RetryDelay <= 0 {
		policy = queue.DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		queue:        cfg.Queue,
		connectivity: cfg.Connectivity,
		policy:       policy,
		logger:       logger,
	}, nil
}

// Result summarizes one ProcessQueue pass.
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// ProcessQueue attempts delivery of every ready operation in FIFO order.
//
// Each operation is handled independently: a handler error increments its
// retry count (or marks it failed once the budget is exhausted) and the batch
// moves on. Operations without a registered handler are reset to pending with
// their retry count untouched, so enabling a handler later still delivers
// them. Handler calls are awaited sequentially; there is no intra-batch
// parallelism.
//
// When the network is known to be offline the pass returns immediately with
// zero counts. This is a fast-path short-circuit on possibly stale state, not
// a delivery guarantee.
func (e *Engine) ProcessQueue(ctx context.Context, handlers Handlers) (Result, error) {
	if !e.connectivity.Online() {
		e.logger.Debug("skipping queue processing while offline")
		return Result{}, nil
	}

	ready, err := e.queue.ReadyOperations(ctx, e.policy)
	if err != nil {
		return Result{}, fmt.Errorf("failed to compute ready operations: %w", err)
	}
	if len(ready) == 0 {
		return Result{}, nil
	}

	started := time.Now()
	var result Result
	for _, operation := range ready {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		claimed, err := e.queue.UpdateStatus(ctx, queue.UpdateStatusRequest{
			ID:     operation.ID,
			Status: queue.StatusSyncing,
		})
		if err != nil {
			return result, fmt.Errorf("failed to claim operation %s: %w", operation.ID, err)
		}
		if claimed == nil {
			// Removed by a concurrent pass between the ready computation and
			// the claim. Nothing left to deliver.
			continue
		}

		handler, registered := handlers[HandlerKey{
			EntityType:    operation.EntityType,
			OperationType: operation.OperationType,
		}]
		if !registered {
			if _, err := e.queue.UpdateStatus(ctx, queue.UpdateStatusRequest{
				ID:     operation.ID,
				Status: queue.StatusPending,
			}); err != nil {
				return result, fmt.Errorf("failed to release operation %s: %w", operation.ID, err)
			}
			e.logger.Debug("no handler registered, operation preserved",
				zap.String("id", operation.ID),
				zap.String("entity_type", operation.EntityType),
				zap.String("operation_type", string(operation.OperationType)))
			continue
		}

		if handlerErr := e.invoke(ctx, handler, operation); handlerErr != nil {
			result.Failed++
			if err := e.recordFailure(ctx, operation, handlerErr); err != nil {
				return result, err
			}
			continue
		}

		if _, err := e.queue.Remove(ctx, operation.ID); err != nil {
			return result, fmt.Errorf("failed to remove delivered operation %s: %w", operation.ID, err)
		}
		result.Processed++
	}

	e.logger.Info("queue pass complete",
		zap.Int("processed", result.Processed),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", time.Since(started)))
	return result, nil
}

// invoke shields the batch from a panicking handler; a panic counts as a
// delivery failure for that operation only.
func (e *Engine) invoke(ctx context.Context, handler Handler, operation queue.QueuedOperation) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	return handler(ctx, operation.ID, operation.TargetID(), json.RawMessage(operation.PayloadJSON))
}

func (e *Engine) recordFailure(ctx context.Context, operation queue.QueuedOperation, handlerErr error) error {
	nextStatus := queue.StatusPending
	if operation.RetryCount+1 >= e.policy.MaxRetries {
		nextStatus = queue.StatusFailed
	}

	updated, err := e.queue.UpdateStatus(ctx, queue.UpdateStatusRequest{
		ID:             operation.ID,
		Status:         nextStatus,
		IncrementRetry: true,
	})
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", operation.ID, err)
	}
	if updated == nil {
		return nil
	}

	if nextStatus == queue.StatusFailed {
		e.logger.Warn("operation failed terminally",
			zap.String("id", operation.ID),
			zap.String("entity_type", operation.EntityType),
			zap.Int("retry_count", updated.RetryCount),
			zap.Error(handlerErr))
	} else {
		e.logger.Debug("delivery failed, will retry",
			zap.String("id", operation.ID),
			zap.Int("retry_count", updated.RetryCount),
			zap.Error(handlerErr))
	}
	return nil
}
