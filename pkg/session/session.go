package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// defaultDialTimeout bounds both the TCP connect and the TLS handshake.
const defaultDialTimeout = 15 * time.Second

// Session owns one encrypted connection to one endpoint. It is created by the
// Manager on connect and closed on disconnect, supersession, or read failure.
type Session struct {
	ep          Endpoint
	conn        net.Conn
	connectedAt time.Time

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newSession(ep Endpoint, conn net.Conn) *Session {
	return &Session{ep: ep, conn: conn, connectedAt: time.Now()}
}

func (s *Session) Endpoint() Endpoint     { return s.ep }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Alive reports whether the session has not been torn down. It says nothing
// about whether the peer is still there.
func (s *Session) Alive() bool { return !s.closed.Load() }

// Read reads from the underlying stream. A concurrent Close unblocks it.
func (s *Session) Read(p []byte) (int, error) { return s.conn.Read(p) }

// Close closes the socket; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Dialer opens an encrypted stream to an endpoint.
type Dialer interface {
	DialEndpoint(ctx context.Context, ep Endpoint) (net.Conn, error)
}

// Resolver looks up the addresses of a host name.
type Resolver interface {
	Resolve(host string) ([]net.IP, error)
}

// TLSDialer connects over TCP and upgrades to TLS, verifying the server
// certificate against the endpoint host.
type TLSDialer struct {
	Timeout time.Duration
	// Config is cloned per dial; ServerName is always replaced by the endpoint host.
	Config *tls.Config
	// Resolver, when set, picks the addresses to dial. Otherwise the system resolver is used.
	Resolver Resolver
}

func (d *TLSDialer) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return defaultDialTimeout
}

func (d *TLSDialer) addrs(ep Endpoint) ([]string, error) {
	if d.Resolver == nil || net.ParseIP(ep.Host) != nil {
		return []string{ep.String()}, nil
	}
	ips, err := d.Resolver.Resolve(ep.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ep.Host, err)
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(ep.Port)))
	}
	return out, nil
}

func (d *TLSDialer) DialEndpoint(ctx context.Context, ep Endpoint) (net.Conn, error) {
	addrs, err := d.addrs(ep)
	if err != nil {
		return nil, err
	}

	nd := net.Dialer{Timeout: d.timeout()}
	var raw net.Conn
	var dialErr error
	for _, addr := range addrs {
		raw, dialErr = nd.DialContext(ctx, "tcp", addr)
		if dialErr == nil {
			break
		}
	}
	if raw == nil {
		if dialErr == nil {
			dialErr = errors.New("no addresses")
		}
		return nil, fmt.Errorf("dial %s: %w", ep, dialErr)
	}

	var cfg *tls.Config
	if d.Config != nil {
		cfg = d.Config.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = ep.Host
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}

	conn := tls.Client(raw, cfg)
	hsCtx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", ep, err)
	}
	return conn, nil
}
