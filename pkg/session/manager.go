// Package session manages authenticated TLS sessions to telemetry emitters
// and streams decoded stats frames from them.
//
// The Manager is the only owner of Session values. It keeps one session per
// Endpoint plus the connectivity set (endpoints whose session is installed and
// not yet torn down). Connect and Disconnect for one endpoint are serialized
// by a per-endpoint lock; the registry lock is only held for map updates,
// never across network I/O.
//
// Readers (see Reader and Feed) look sessions up through the Manager and
// report stream failures back to it with Fail. They never write registry
// entries, so a reader holding a stale session cannot tear down or resurrect
// a newer one.
package session

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"sst/telemetry/pkg/proto"
)

// DefaultRetryDelay is the fixed wait between session checks in a Reader.
const DefaultRetryDelay = time.Second

// Logf is the diagnostic sink used by the session package.
type Logf func(format string, args ...any)

// Manager maintains sessions keyed by Endpoint.
type Manager struct {
	dialer     Dialer
	clientID   uint16
	retryDelay time.Duration
	logf       Logf
	metrics    *Metrics

	requestID atomic.Uint32

	mu        sync.Mutex
	sessions  map[Endpoint]*Session
	connected map[Endpoint]struct{}
	epLocks   map[Endpoint]*sync.Mutex
	watchers  map[chan []Endpoint]struct{}
}

type Option func(*Manager)

func WithClientID(id uint16) Option { return func(m *Manager) { m.clientID = id } }

func WithLogger(logf Logf) Option { return func(m *Manager) { m.logf = logf } }

func WithMetrics(mt *Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithRetryDelay sets the WaitForSession delay used by readers started from a Feed.
func WithRetryDelay(d time.Duration) Option { return func(m *Manager) { m.retryDelay = d } }

func NewManager(d Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:     d,
		retryDelay: DefaultRetryDelay,
		logf:       log.Printf,
		sessions:   make(map[Endpoint]*Session),
		connected:  make(map[Endpoint]struct{}),
		epLocks:    make(map[Endpoint]*sync.Mutex),
		watchers:   make(map[chan []Endpoint]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.retryDelay <= 0 {
		m.retryDelay = DefaultRetryDelay
	}
	return m
}

func (m *Manager) endpointLock(ep Endpoint) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.epLocks[ep]
	if !ok {
		lk = &sync.Mutex{}
		m.epLocks[ep] = lk
	}
	return lk
}

func (m *Manager) nextRequestID() uint32 { return m.requestID.Add(1) }

// Connect establishes and authenticates a session to ep unless a live one
// already exists. Failures are logged and leave ep out of the connectivity
// set; nothing is returned, and calling again is always safe.
func (m *Manager) Connect(ctx context.Context, ep Endpoint, secret string) {
	if err := ep.Validate(); err != nil {
		m.logf("[SESSION] connect %s rejected: %v", ep, err)
		m.metrics.connectResult("invalid_endpoint")
		return
	}

	lk := m.endpointLock(ep)
	lk.Lock()
	defer lk.Unlock()

	if sess, ok := m.Lookup(ep); ok && sess.Alive() {
		m.logf("[SESSION] %s already connected", ep)
		m.metrics.connectResult("already_connected")
		return
	}

	frame, err := proto.BuildAuthFrame(m.clientID, m.nextRequestID(), secret)
	if err != nil {
		m.logf("[SESSION] connect %s aborted: %v", ep, err)
		m.metrics.connectResult("invalid_secret")
		return
	}

	m.logf("[SESSION] connecting to %s", ep)
	conn, err := m.dialer.DialEndpoint(ctx, ep)
	if err != nil {
		m.logf("[SESSION] connect %s failed: %v", ep, err)
		m.metrics.connectResult("transport_failure")
		return
	}
	if _, err := conn.Write(frame); err != nil {
		conn.Close()
		m.logf("[SESSION] send auth to %s failed: %v", ep, err)
		m.metrics.connectResult("transport_failure")
		return
	}

	// Tear down whatever is registered before installing the new session.
	m.mu.Lock()
	old := m.sessions[ep]
	delete(m.sessions, ep)
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}

	sess := newSession(ep, conn)
	m.mu.Lock()
	m.sessions[ep] = sess
	m.connected[ep] = struct{}{}
	m.publishLocked()
	m.mu.Unlock()

	m.metrics.connectResult("connected")
	m.logf("[SESSION] connected to %s", ep)
}

// Disconnect closes and removes the session for ep, if any.
func (m *Manager) Disconnect(ep Endpoint) {
	lk := m.endpointLock(ep)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	sess := m.sessions[ep]
	delete(m.sessions, ep)
	_, was := m.connected[ep]
	delete(m.connected, ep)
	if was {
		m.publishLocked()
	}
	m.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			m.logf("[SESSION] close %s: %v", ep, err)
		}
		m.logf("[SESSION] disconnected from %s", ep)
	}
}

// Lookup returns the session currently installed for ep.
func (m *Manager) Lookup(ep Endpoint) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[ep]
	return s, ok
}

// Fail reports that reading from sess failed. The session is closed; the
// registry entry and connectivity membership are removed only if sess is
// still the session installed for ep.
func (m *Manager) Fail(ep Endpoint, sess *Session, cause error) {
	m.mu.Lock()
	current := m.sessions[ep] == sess
	if current {
		delete(m.sessions, ep)
		delete(m.connected, ep)
		m.publishLocked()
	}
	m.mu.Unlock()

	sess.Close()
	m.metrics.readError(ep)
	if current {
		m.logf("[SESSION] %s marked disconnected: %v", ep, cause)
	}
}

// CloseAll closes every session. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[Endpoint]*Session)
	m.connected = make(map[Endpoint]struct{})
	m.publishLocked()
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	m.logf("[SESSION] all sessions closed (%d total)", len(sessions))
}
