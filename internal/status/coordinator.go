package status

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TrailmarkLabs/trailmark/offline/internal/connectivity"
	"github.com/TrailmarkLabs/trailmark/offline/internal/engine"
	"github.com/TrailmarkLabs/trailmark/offline/internal/queue"
	"go.uber.org/zap"
)

// State is the three-valued sync indicator shown to the user.
type State string

const (
	// StateOffline means the runtime reports no network connectivity.
	StateOffline State = "offline"
	// StateReconnecting means the network is available but operations are
	// still pending or in flight.
	StateReconnecting State = "reconnecting"
	// StateSynced means the network is available and the queue is empty.
	StateSynced State = "synced"
)

const (
	defaultPollInterval = 4 * time.Second
	defaultRecentWindow = 4 * time.Second
)

var (
	errMissingStats        = errors.New("queue stats provider is required")
	errMissingConnectivity = errors.New("connectivity source is required")
	errMissingSyncFunc     = errors.New("sync function is required")
	noOpLogger             = zap.NewNop()
)

// Snapshot is one observation of the derived sync status.
type Snapshot struct {
	State          State       `json:"state"`
	QueueStats     queue.Stats `json:"queue_stats"`
	RecentlySynced bool        `json:"recently_synced"`
	ObservedAt     time.Time   `json:"observed_at"`
}

// StatsProvider reports queue occupancy.
type StatsProvider interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// ConnectivitySource reports reachability and emits transitions.
type ConnectivitySource interface {
	Online() bool
	Subscribe(ctx context.Context) (<-chan connectivity.Transition, func())
}

// SyncFunc runs one drain pass. The coordinator never invokes it while a
// previous invocation from this coordinator is still running.
type SyncFunc func(ctx context.Context) (engine.Result, error)

// Config wires the coordinator dependencies.
type Config struct {
	Stats        StatsProvider
	Connectivity ConnectivitySource
	Sync         SyncFunc
	PollInterval time.Duration
	RecentWindow time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Coordinator derives the offline/reconnecting/synced state from connectivity
// events and periodic queue statistics, triggers a sync when connectivity
// returns, and exposes a guarded manual sync entry point.
type Coordinator struct {
	stats        StatsProvider
	connectivity ConnectivitySource
	sync         SyncFunc
	pollInterval time.Duration
	recentWindow time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	dispatcher   *dispatcher

	syncing atomic.Bool

	mu          sync.RWMutex
	latestStats queue.Stats
	lastDrainAt time.Time
}

// NewCoordinator validates the configuration and returns a coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Stats == nil {
		return nil, errMissingStats
	}
	if cfg.Connectivity == nil {
		return nil, errMissingConnectivity
	}
	if cfg.Sync == nil {
		return nil, errMissingSyncFunc
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	recentWindow := cfg.RecentWindow
	if recentWindow <= 0 {
		recentWindow = defaultRecentWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		stats:        cfg.Stats,
		connectivity: cfg.Connectivity,
		sync:         cfg.Sync,
		pollInterval: pollInterval,
		recentWindow: recentWindow,
		clock:        clock,
		logger:       logger,
		dispatcher:   newDispatcher(),
	}, nil
}

// Run polls queue statistics and reacts to connectivity transitions until the
// context is cancelled. A transition from offline to online triggers an
// automatic sync attempt.
func (c *Coordinator) Run(ctx context.Context) error {
	transitions, unsubscribe := c.connectivity.Subscribe(ctx)
	defer unsubscribe()

	c.refresh(ctx)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case transition, ok := <-transitions:
			if !ok {
				return nil
			}
			c.logger.Info("connectivity changed", zap.Bool("online", transition.Online))
			if transition.Online {
				if _, err := c.SyncNow(ctx); err != nil {
					c.logger.Error("reconnect sync failed", zap.Error(err))
				}
			}
			c.refresh(ctx)

		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

// SyncNow runs one drain pass unless one is already in flight from this
// coordinator, in which case it collapses into a no-op. The guard only
// protects against overlap within this execution context; the background
// daemon replays independently.
func (c *Coordinator) SyncNow(ctx context.Context) (engine.Result, error) {
	if !c.syncing.CompareAndSwap(false, true) {
		c.logger.Debug("sync already in flight, collapsing request")
		return engine.Result{}, nil
	}
	defer c.syncing.Store(false)

	result, err := c.sync(ctx)
	if err != nil {
		return result, err
	}

	stats, statsErr := c.stats.Stats(ctx)
	if statsErr != nil {
		c.logger.Error("queue stats poll failed", zap.Error(statsErr))
		return result, nil
	}

	c.mu.Lock()
	c.latestStats = stats
	if stats.Pending == 0 && stats.Syncing == 0 {
		c.lastDrainAt = c.clock().UTC()
	}
	c.mu.Unlock()

	c.dispatcher.publish(c.Current())
	return result, nil
}

// Current derives the present status snapshot from the last known inputs.
func (c *Coordinator) Current() Snapshot {
	now := c.clock().UTC()

	c.mu.RLock()
	stats := c.latestStats
	lastDrainAt := c.lastDrainAt
	c.mu.RUnlock()

	snapshot := Snapshot{
		QueueStats: stats,
		ObservedAt: now,
	}
	switch {
	case !c.connectivity.Online():
		snapshot.State = StateOffline
	case stats.Pending > 0 || stats.Syncing > 0:
		snapshot.State = StateReconnecting
	default:
		snapshot.State = StateSynced
	}
	if !lastDrainAt.IsZero() && now.Sub(lastDrainAt) <= c.recentWindow {
		snapshot.RecentlySynced = true
	}
	return snapshot
}

// Subscribe streams status snapshots until the context is cancelled.
func (c *Coordinator) Subscribe(ctx context.Context) (<-chan Snapshot, func()) {
	return c.dispatcher.subscribe(ctx)
}

func (c *Coordinator) refresh(ctx context.Context) {
	stats, err := c.stats.Stats(ctx)
	if err != nil {
		c.logger.Error("queue stats poll failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	changed := stats != c.latestStats
	c.latestStats = stats
	c.mu.Unlock()

	snapshot := c.Current()
	if changed {
		c.logger.Debug("queue stats updated",
			zap.Int64("pending", stats.Pending),
			zap.Int64("syncing", stats.Syncing),
			zap.Int64("failed", stats.Failed))
	}
	c.dispatcher.publish(snapshot)
}
