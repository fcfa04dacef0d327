// Package monitor keeps a client's sessions in line with its server registry.
package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"sst/telemetry/pkg/proto"
	"sst/telemetry/pkg/registry"
	"sst/telemetry/pkg/session"
)

var ErrUnknownServer = errors.New("no registered server for endpoint")

// Server is a registered server joined with its live state. The secret is
// never exposed here.
type Server struct {
	Name      string             `json:"name"`
	Host      string             `json:"host"`
	Port      int                `json:"port"`
	Connected bool               `json:"connected"`
	LastSeen  *time.Time         `json:"last_seen,omitempty"`
	Stats     *proto.SystemStats `json:"stats,omitempty"`
}

type latest struct {
	at    time.Time
	stats proto.SystemStats
}

type Monitor struct {
	store     *registry.Store
	mgr       *session.Manager
	feed      *session.Feed
	reconnect time.Duration
	logf      session.Logf

	mu      sync.Mutex
	base    context.Context // readers live as long as this
	records []registry.Record
	last    map[session.Endpoint]latest
}

type Option func(*Monitor)

// WithReconnectInterval sets how often disconnected servers are retried. Zero disables the pass.
func WithReconnectInterval(d time.Duration) Option { return func(m *Monitor) { m.reconnect = d } }

func WithLogger(logf session.Logf) Option { return func(m *Monitor) { m.logf = logf } }

func New(store *registry.Store, mgr *session.Manager, feed *session.Feed, opts ...Option) *Monitor {
	m := &Monitor{
		store:     store,
		mgr:       mgr,
		feed:      feed,
		reconnect: 5 * time.Second,
		logf:      log.Printf,
		last:      make(map[session.Endpoint]latest),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start connects every registered server, starts its stream and keeps
// following registry changes and reconnecting until ctx is done. It returns
// once the initial connect round has finished.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()
	snaps, unsubscribe := m.feed.Subscribe(64)
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	go m.track(snaps)

	m.Apply(ctx, m.store.List())

	go func() {
		if err := m.store.Watch(ctx, func(recs []registry.Record) { m.Apply(ctx, recs) }); err != nil {
			m.logf("[MONITOR] registry watch stopped: %v", err)
		}
	}()
	if m.reconnect > 0 {
		go m.reconnectLoop(ctx)
	}
}

// Apply moves sessions from the last applied record list to recs.
func (m *Monitor) Apply(ctx context.Context, recs []registry.Record) {
	m.mu.Lock()
	changes := registry.Diff(m.records, recs)
	m.records = append([]registry.Record(nil), recs...)
	m.mu.Unlock()
	if changes.Empty() {
		return
	}
	m.logf("[MONITOR] applying registry: %d to connect, %d to disconnect", len(changes.Connect), len(changes.Disconnect))
	for _, ep := range changes.Disconnect {
		m.mgr.Disconnect(ep)
	}
	m.connectAll(ctx, changes.Connect)
}

func (m *Monitor) connectAll(ctx context.Context, recs []registry.Record) {
	var wg sync.WaitGroup
	for _, r := range recs {
		ep := r.Endpoint()
		m.feed.Stream(ctx, ep)
		wg.Add(1)
		go func(r registry.Record) {
			defer wg.Done()
			m.mgr.Connect(ctx, ep, r.Secret)
		}(r)
	}
	wg.Wait()
}

func (m *Monitor) reconnectLoop(ctx context.Context) {
	t := time.NewTicker(m.reconnect)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.reconnectPass(ctx)
		}
	}
}

// reconnectPass retries every registered server that is not connected.
func (m *Monitor) reconnectPass(ctx context.Context) {
	m.mu.Lock()
	var down []registry.Record
	for _, r := range m.records {
		if !m.mgr.IsConnected(r.Endpoint()) {
			down = append(down, r)
		}
	}
	m.mu.Unlock()
	if len(down) == 0 {
		return
	}
	m.logf("[MONITOR] retrying %d disconnected server(s)", len(down))
	m.connectAll(ctx, down)
}

func (m *Monitor) track(snaps <-chan session.Snapshot) {
	for s := range snaps {
		m.mu.Lock()
		m.last[s.Endpoint] = latest{at: s.ReceivedAt, stats: s.Stats}
		m.mu.Unlock()
	}
}

// Servers lists the registered servers with their connection status.
func (m *Monitor) Servers() []Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Server, 0, len(m.records))
	for _, r := range m.records {
		ep := r.Endpoint()
		s := Server{Name: r.Name, Host: r.Host, Port: r.Port, Connected: m.mgr.IsConnected(ep)}
		if l, ok := m.last[ep]; ok {
			at, st := l.at, l.stats
			s.LastSeen, s.Stats = &at, &st
		}
		out = append(out, s)
	}
	return out
}

// Connect connects ep with the secret of the record registered for it, or
// with secret when one is given.
func (m *Monitor) Connect(ctx context.Context, ep session.Endpoint, secret string) error {
	if secret == "" {
		r, ok := m.recordFor(ep)
		if !ok {
			return ErrUnknownServer
		}
		secret = r.Secret
	}
	m.feed.Stream(m.baseContext(), ep)
	m.mgr.Connect(ctx, ep, secret)
	return nil
}

func (m *Monitor) baseContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.base == nil {
		return context.Background()
	}
	return m.base
}

func (m *Monitor) Disconnect(ep session.Endpoint) { m.mgr.Disconnect(ep) }

func (m *Monitor) recordFor(ep session.Endpoint) (registry.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Endpoint() == ep {
			return r, true
		}
	}
	return registry.Record{}, false
}
