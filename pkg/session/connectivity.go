package session

import "context"

// Connected returns the connectivity set, sorted by host then port.
func (m *Manager) Connected() []Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) IsConnected(ep Endpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.connected[ep]
	return ok
}

// WatchConnected delivers the connectivity set now and after every change
// until ctx is done. Only the latest value is kept for a slow receiver.
func (m *Manager) WatchConnected(ctx context.Context) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	m.mu.Lock()
	ch <- m.snapshotLocked()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

func (m *Manager) snapshotLocked() []Endpoint {
	out := make([]Endpoint, 0, len(m.connected))
	for ep := range m.connected {
		out = append(out, ep)
	}
	sortEndpoints(out)
	return out
}

// publishLocked pushes the current set to every watcher. Caller holds m.mu,
// which also orders concurrent publishes.
func (m *Manager) publishLocked() {
	snap := m.snapshotLocked()
	m.metrics.setConnected(len(snap))
	for ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
