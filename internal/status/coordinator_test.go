package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TrailmarkLabs/trailmark/offline/internal/connectivity"
	"github.com/TrailmarkLabs/trailmark/offline/internal/engine"
	"github.com/TrailmarkLabs/trailmark/offline/internal/queue"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubStats struct {
	mu    sync.Mutex
	stats queue.Stats
}

func (s *stubStats) Stats(ctx context.Context) (queue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, nil
}

func (s *stubStats) set(stats queue.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
}

func newTestCoordinator(t *testing.T, monitor *connectivity.Monitor, stats *stubStats, sync SyncFunc) (*Coordinator, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	coordinator, err := NewCoordinator(Config{
		Stats:        stats,
		Connectivity: monitor,
		Sync:         sync,
		PollInterval: 10 * time.Millisecond,
		RecentWindow: 4 * time.Second,
		Clock:        clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return coordinator, clock
}

func noopSync(ctx context.Context) (engine.Result, error) {
	return engine.Result{}, nil
}

func TestCurrentDerivesState(t *testing.T) {
	monitor := connectivity.NewMonitor(false)
	stats := &stubStats{}
	coordinator, _ := newTestCoordinator(t, monitor, stats, noopSync)

	if state := coordinator.Current().State; state != StateOffline {
		t.Fatalf("expected offline, got %s", state)
	}

	monitor.SetOnline(true)
	if state := coordinator.Current().State; state != StateSynced {
		t.Fatalf("expected synced with an empty queue, got %s", state)
	}

	stats.set(queue.Stats{Total: 2, Pending: 2})
	if _, err := coordinator.SyncNow(context.Background()); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	if state := coordinator.Current().State; state != StateReconnecting {
		t.Fatalf("expected reconnecting with pending operations, got %s", state)
	}

	// In-flight operations also keep the state at reconnecting.
	stats.set(queue.Stats{Total: 1, Syncing: 1})
	if _, err := coordinator.SyncNow(context.Background()); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	if state := coordinator.Current().State; state != StateReconnecting {
		t.Fatalf("expected reconnecting with in-flight operations, got %s", state)
	}
}

func TestSyncNowCollapsesOverlappingCalls(t *testing.T) {
	monitor := connectivity.NewMonitor(true)
	stats := &stubStats{}

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	coordinator, _ := newTestCoordinator(t, monitor, stats, func(ctx context.Context) (engine.Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
		return engine.Result{Processed: 1}, nil
	})

	done := make(chan engine.Result)
	go func() {
		result, _ := coordinator.SyncNow(context.Background())
		done <- result
	}()

	<-entered

	// A second call while the first is in flight must be a no-op.
	overlapped, err := coordinator.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("unexpected overlap error: %v", err)
	}
	if overlapped.Processed != 0 {
		t.Fatalf("overlapping sync must collapse to zero result, got %+v", overlapped)
	}

	close(release)
	first := <-done
	if first.Processed != 1 {
		t.Fatalf("expected first sync to report its result, got %+v", first)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one sync invocation, got %d", calls)
	}
}

func TestRecentlySyncedWindow(t *testing.T) {
	monitor := connectivity.NewMonitor(true)
	stats := &stubStats{}
	coordinator, clock := newTestCoordinator(t, monitor, stats, noopSync)

	// Draining an empty queue stamps the last drain time.
	if _, err := coordinator.SyncNow(context.Background()); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	snapshot := coordinator.Current()
	if !snapshot.RecentlySynced {
		t.Fatalf("expected recently synced right after a drain")
	}

	clock.Advance(4 * time.Second)
	if !coordinator.Current().RecentlySynced {
		t.Fatalf("expected recently synced at the window boundary")
	}

	clock.Advance(time.Millisecond)
	if coordinator.Current().RecentlySynced {
		t.Fatalf("expected the recently synced flag to lapse past the window")
	}
}

func TestRunTriggersSyncOnReconnect(t *testing.T) {
	monitor := connectivity.NewMonitor(false)
	stats := &stubStats{}

	synced := make(chan struct{}, 1)
	coordinator, _ := newTestCoordinator(t, monitor, stats, func(ctx context.Context) (engine.Result, error) {
		select {
		case synced <- struct{}{}:
		default:
		}
		return engine.Result{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coordinator.Run(ctx) //nolint:errcheck

	// Give Run a moment to subscribe before flipping connectivity.
	time.Sleep(20 * time.Millisecond)
	monitor.SetOnline(true)

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected reconnect to trigger a sync pass")
	}
}

func TestSubscribeStreamsSnapshots(t *testing.T) {
	monitor := connectivity.NewMonitor(true)
	stats := &stubStats{}
	coordinator, _ := newTestCoordinator(t, monitor, stats, noopSync)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshots, unsubscribe := coordinator.Subscribe(ctx)
	defer unsubscribe()

	if _, err := coordinator.SyncNow(context.Background()); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	select {
	case snapshot := <-snapshots:
		if snapshot.State != StateSynced {
			t.Fatalf("expected synced snapshot, got %+v", snapshot)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a snapshot after sync")
	}
}
