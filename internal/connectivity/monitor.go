package connectivity

import (
	"context"
	"sync"
	"time"
)

// Transition records one change of reachability state.
type Transition struct {
	Online bool
	At     time.Time
}

// Monitor tracks whether the remote system of record is currently reachable
// and fans transitions out to subscribers. State changes come either from the
// host platform (SetOnline) or from a Prober.
type Monitor struct {
	mu          sync.RWMutex
	online      bool
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	stream chan Transition
}

// NewMonitor returns a monitor with the given initial state.
func NewMonitor(initialOnline bool) *Monitor {
	return &Monitor{
		online:      initialOnline,
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Online reports the last known reachability state. This can be stale: the
// network may have dropped since the last probe, so callers treat a true
// value as a fast-path hint, never a guarantee.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a new reachability state. Redundant calls are absorbed;
// only actual changes are published.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	transition := Transition{Online: online, At: m.clock().UTC()}
	copies := make([]*subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		copies = append(copies, sub)
	}
	m.mu.Unlock()

	for _, sub := range copies {
		select {
		case sub.stream <- transition:
		default:
		}
	}
}

// Subscribe registers for transition events until the context is cancelled.
// The returned cleanup function is idempotent.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan Transition, func()) {
	m.mu.Lock()
	m.nextID++
	sub := &subscriber{
		id:     m.nextID,
		stream: make(chan Transition, m.bufferSize),
	}
	m.subscribers[sub.id] = sub
	m.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, sub.id)
			m.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}
