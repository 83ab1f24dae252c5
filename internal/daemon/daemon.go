// Package daemon provides the background sync trigger: an execution context
// that outlives the interactive status coordinator and can replay queued
// operations on its own.
//
// The daemon deliberately does NOT go through the sync engine's handler map.
// Its replay path reads the same durable queue and delivers each operation
// with a direct network call, mirroring how the interactive and background
// pathways are split in the client. Both paths share the queue's status and
// retry bookkeeping, so the worst case of the split is duplicate delivery,
// which the remote dedupes on operation ID.
package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TrailmarkLabs/trailmark/offline/internal/queue"
	"go.uber.org/zap"
)

// SignalType enumerates the messages the daemon reacts to.
type SignalType string

const (
	// SignalActivate bootstraps a fresh daemon generation: stale cache
	// entries are cleared before any replay runs.
	SignalActivate SignalType = "activate"
	// SignalTriggerSync requests a best-effort replay pass, optionally
	// scoped to one entity type.
	SignalTriggerSync SignalType = "trigger-sync"
)

// Signal is one message delivered into the background context.
type Signal struct {
	Type       SignalType
	EntityType string
}

var (
	errMissingQueue     = errors.New("queue service is required")
	errMissingCache     = errors.New("cache maintainer is required")
	errMissingDeliverer = errors.New("deliverer is required")
	errDaemonStopped    = errors.New("daemon is not running")
)

// Deliverer performs the direct network delivery for one operation.
type Deliverer interface {
	Deliver(ctx context.Context, operation queue.QueuedOperation) error
}

// CacheMaintainer clears aged cache entries on activation.
type CacheMaintainer interface {
	ClearExpired(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Config wires the daemon dependencies.
type Config struct {
	Queue       *queue.Service
	Cache       CacheMaintainer
	Deliverer   Deliverer
	Policy      queue.RetryPolicy
	CacheMaxAge time.Duration
	Logger      *zap.Logger
}

// Daemon listens for trigger signals and replays queued operations through
// the direct delivery path.
type Daemon struct {
	queue       *queue.Service
	cache       CacheMaintainer
	deliverer   Deliverer
	policy      queue.RetryPolicy
	cacheMaxAge time.Duration
	logger      *zap.Logger

	signals chan Signal
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New validates the configuration and returns a daemon.
func New(cfg Config) (*Daemon, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Deliverer == nil {
		return nil, errMissingDeliverer
	}
	policy := cfg.Policy
	if policy.MaxRetries <= 0 && policy.RetryDelay <= 0 {
		policy = queue.DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		queue:       cfg.Queue,
		cache:       cfg.Cache,
		deliverer:   cfg.Deliverer,
		policy:      policy,
		cacheMaxAge: cfg.CacheMaxAge,
		logger:      logger,
		signals:     make(chan Signal, 32),
	}, nil
}

// Start runs the daemon loop until the context is cancelled. Activation is
// performed before the first signal is consumed.
func (d *Daemon) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		cancel()
		return errors.New("daemon already started")
	}
	d.running = true
	d.cancel = cancel
	d.mu.Unlock()

	d.logger.Info("background daemon starting")
	d.activate(runCtx)

	d.wg.Add(1)
	go d.loop(runCtx)

	<-runCtx.Done()
	d.wg.Wait()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.logger.Info("background daemon stopped")
	return runCtx.Err()
}

// Stop cancels the daemon loop and waits for it to finish.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// Signal delivers a message into the background context. It never blocks: a
// full signal buffer drops the message, since trigger signals are best-effort
// hints rather than commands.
func (d *Daemon) Signal(signal Signal) error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return errDaemonStopped
	}

	select {
	case d.signals <- signal:
		return nil
	default:
		d.logger.Warn("signal buffer full, dropping signal", zap.String("type", string(signal.Type)))
		return nil
	}
}

func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case signal := <-d.signals:
			switch signal.Type {
			case SignalActivate:
				d.activate(ctx)
			case SignalTriggerSync:
				d.replay(ctx, signal.EntityType)
			default:
				d.logger.Warn("unknown signal ignored", zap.String("type", string(signal.Type)))
			}
		}
	}
}

// activate clears aged cache generations so a new daemon build never serves
// reads cached by a long-gone app version.
func (d *Daemon) activate(ctx context.Context) {
	removed, err := d.cache.ClearExpired(ctx, d.cacheMaxAge)
	if err != nil {
		d.logger.Error("activation cache sweep failed", zap.Error(err))
		return
	}
	d.logger.Info("daemon activated", zap.Int64("stale_cache_entries_removed", removed))
}

// replay drains ready operations through the direct delivery path, optionally
// restricted to one entity type. Failures are isolated per operation.
func (d *Daemon) replay(ctx context.Context, entityType string) {
	ready, err := d.queue.ReadyOperations(ctx, d.policy)
	if err != nil {
		d.logger.Error("background replay failed to compute ready set", zap.Error(err))
		return
	}

	var delivered, failed int
	for _, operation := range ready {
		if ctx.Err() != nil {
			return
		}
		if entityType != "" && operation.EntityType != entityType {
			continue
		}

		claimed, err := d.queue.UpdateStatus(ctx, queue.UpdateStatusRequest{
			ID:     operation.ID,
			Status: queue.StatusSyncing,
		})
		if err != nil {
			d.logger.Error("background replay failed to claim operation",
				zap.String("id", operation.ID), zap.Error(err))
			return
		}
		if claimed == nil {
			continue
		}

		if deliverErr := d.deliverer.Deliver(ctx, operation); deliverErr != nil {
			failed++
			nextStatus := queue.StatusPending
			if operation.RetryCount+1 >= d.policy.MaxRetries {
				nextStatus = queue.StatusFailed
			}
			if _, err := d.queue.UpdateStatus(ctx, queue.UpdateStatusRequest{
				ID:             operation.ID,
				Status:         nextStatus,
				IncrementRetry: true,
			}); err != nil {
				d.logger.Error("background replay failed to record failure",
					zap.String("id", operation.ID), zap.Error(err))
				return
			}
			d.logger.Debug("background delivery failed",
				zap.String("id", operation.ID), zap.Error(deliverErr))
			continue
		}

		if _, err := d.queue.Remove(ctx, operation.ID); err != nil {
			d.logger.Error("background replay failed to remove operation",
				zap.String("id", operation.ID), zap.Error(err))
			return
		}
		delivered++
	}

	if delivered > 0 || failed > 0 {
		d.logger.Info("background replay complete",
			zap.String("entity_type", entityType),
			zap.Int("delivered", delivered),
			zap.Int("failed", failed))
	}
}
