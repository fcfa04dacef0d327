package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sst/telemetry/pkg/proto"
)

const zeroSecret = "0000000000000000000000000000000000000000000000000000000000000000"

// countingConn records how many times Close reached the transport.
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// fakeDialer hands out net.Pipe connections. The server side reads the auth
// frame, then runs script (or holds the stream open until the client closes).
type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	conns  []*countingConn
	err    error
	delay  time.Duration
	script func(srv net.Conn)
	gate   func() error

	auth chan []byte
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{auth: make(chan []byte, 16)}
}

func (d *fakeDialer) DialEndpoint(ctx context.Context, ep Endpoint) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	err, delay, script, gate := d.err, d.delay, d.script, d.gate
	d.mu.Unlock()

	if gate != nil {
		if err := gate(); err != nil {
			return nil, err
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}

	cli, srv := net.Pipe()
	cc := &countingConn{Conn: cli}
	d.mu.Lock()
	d.conns = append(d.conns, cc)
	d.mu.Unlock()

	go func() {
		buf := make([]byte, proto.HeaderSize)
		if _, err := io.ReadFull(srv, buf); err != nil {
			srv.Close()
			return
		}
		select {
		case d.auth <- buf:
		default:
		}
		if script != nil {
			script(srv)
			return
		}
		io.Copy(io.Discard, srv)
		srv.Close()
	}()
	return cc, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *countingConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) setScript(script func(srv net.Conn)) {
	d.mu.Lock()
	d.script = script
	d.mu.Unlock()
}

// logBuffer captures diagnostics written through Logf.
type logBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (l *logBuffer) logf(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *logBuffer) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, d Dialer) (*Manager, *logBuffer) {
	t.Helper()
	logs := &logBuffer{}
	m := NewManager(d, WithLogger(logs.logf), WithRetryDelay(10*time.Millisecond))
	t.Cleanup(m.CloseAll)
	return m, logs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statsFrame(t *testing.T, s proto.SystemStats) []byte {
	t.Helper()
	body, err := s.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	return append(proto.AppendHeader(nil, proto.StatsHeader(0, 1, uint64(time.Now().UnixMilli()))), body...)
}

var errDial = errors.New("connection refused")
