package session

import (
	"context"
	"sync"
	"time"

	"sst/telemetry/pkg/proto"
)

// Snapshot is one decoded stats frame and where it came from.
type Snapshot struct {
	Endpoint   Endpoint
	Stats      proto.SystemStats
	ReceivedAt time.Time
}

// Feed runs one Reader per streamed endpoint and fans the decoded snapshots
// out to subscribers.
type Feed struct {
	mgr *Manager

	mu      sync.Mutex
	readers map[Endpoint]struct{}
	subs    map[int]chan Snapshot
	nextID  int
	wg      sync.WaitGroup
}

func NewFeed(mgr *Manager) *Feed {
	return &Feed{
		mgr:     mgr,
		readers: make(map[Endpoint]struct{}),
		subs:    make(map[int]chan Snapshot),
	}
}

// Stream starts the reader for ep unless one is already running. The reader
// lives until ctx is done. It reports whether a new reader was started.
func (f *Feed) Stream(ctx context.Context, ep Endpoint) bool {
	f.mu.Lock()
	if _, ok := f.readers[ep]; ok {
		f.mu.Unlock()
		return false
	}
	f.readers[ep] = struct{}{}
	f.mu.Unlock()

	r := &Reader{
		Endpoint:   ep,
		Source:     f.mgr,
		Emit:       func(s proto.SystemStats) { f.publish(ep, s) },
		RetryDelay: f.mgr.retryDelay,
		Logf:       f.mgr.logf,
		Metrics:    f.mgr.metrics,
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		r.Run(ctx)
		f.mu.Lock()
		delete(f.readers, ep)
		f.mu.Unlock()
	}()
	return true
}

// Streaming returns the endpoints that currently have a reader.
func (f *Feed) Streaming() []Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Endpoint, 0, len(f.readers))
	for ep := range f.readers {
		out = append(out, ep)
	}
	sortEndpoints(out)
	return out
}

// Subscribe returns a channel of snapshots from every endpoint and a cancel
// function that closes it. A subscriber whose buffer is full misses
// snapshots rather than stalling the readers.
func (f *Feed) Subscribe(buf int) (<-chan Snapshot, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Snapshot, buf)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			close(ch)
			f.mu.Unlock()
		})
	}
}

func (f *Feed) publish(ep Endpoint, s proto.SystemStats) {
	snap := Snapshot{Endpoint: ep, Stats: s, ReceivedAt: time.Now()}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- snap:
		default:
			f.mgr.logf("[FEED] subscriber %d is behind, dropped snapshot from %s", id, ep)
		}
	}
}

// Wait blocks until every reader has returned.
func (f *Feed) Wait() { f.wg.Wait() }
