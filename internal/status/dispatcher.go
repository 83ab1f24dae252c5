package status

import (
	"context"
	"sync"
)

// dispatcher fans status snapshots out to UI subscribers. Slow consumers are
// skipped rather than blocking the coordinator loop.
type dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*snapshotSubscriber
	nextID      int64
	bufferSize  int
}

type snapshotSubscriber struct {
	id     int64
	stream chan Snapshot
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		subscribers: make(map[int64]*snapshotSubscriber),
		bufferSize:  16,
	}
}

func (d *dispatcher) subscribe(ctx context.Context) (<-chan Snapshot, func()) {
	d.mu.Lock()
	d.nextID++
	sub := &snapshotSubscriber{
		id:     d.nextID,
		stream: make(chan Snapshot, d.bufferSize),
	}
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, sub.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

func (d *dispatcher) publish(snapshot Snapshot) {
	d.mu.RLock()
	copies := make([]*snapshotSubscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()

	for _, sub := range copies {
		select {
		case sub.stream <- snapshot:
		default:
		}
	}
}
