// Package emitter is the host side of the telemetry stream: it accepts
// authenticated TLS sessions and pushes a stats frame to each at a fixed
// interval.
package emitter

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sst/telemetry/pkg/proto"
)

const authTimeout = 10 * time.Second

var ErrAuthRejected = errors.New("auth frame rejected")

// Sampler produces the stats body for each frame.
type Sampler interface {
	Sample(ctx context.Context) proto.SystemStats
}

type Server struct {
	sampler  Sampler
	interval time.Duration
	logf     func(string, ...any)

	secret atomic.Pointer[proto.Secret]

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func New(sampler Sampler, secret proto.Secret, interval time.Duration) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Server{sampler: sampler, interval: interval, logf: log.Printf, conns: make(map[net.Conn]struct{})}
	s.secret.Store(&secret)
	return s
}

// SetSecret replaces the shared secret. Sessions already authenticated keep streaming.
func (s *Server) SetSecret(secret proto.Secret) {
	s.secret.Store(&secret)
	s.logf("[EMIT] shared secret replaced")
}

// ListenAndServeTLS listens on addr and serves until ctx is done.
func (s *Server) ListenAndServeTLS(ctx context.Context, addr string, cfg *tls.Config) error {
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.logf("[EMIT] listening on %s (interval %s)", ln.Addr(), s.interval)
	return s.Serve(ctx, ln)
}

// Serve accepts sessions on ln until ctx is done, then closes every session
// and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer s.closeAll()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			if err := s.handle(ctx, conn); err != nil {
				s.logf("[EMIT] %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// authenticate reads and checks the 42-byte auth frame.
func (s *Server) authenticate(conn net.Conn) (proto.Header, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	raw := make([]byte, proto.HeaderSize)
	if _, err := io.ReadFull(conn, raw); err != nil {
		return proto.Header{}, fmt.Errorf("read auth frame: %w", err)
	}
	h, err := proto.DecodeHeader(raw)
	if err != nil {
		return h, err
	}
	switch {
	case h.Magic != proto.Magic:
		return h, fmt.Errorf("%w: bad magic 0x%08x", ErrAuthRejected, h.Magic)
	case h.Type != proto.TypeRequest || h.CmdMask&proto.CmdAuth == 0:
		return h, fmt.Errorf("%w: not an auth request (type 0x%02x cmd 0x%04x)", ErrAuthRejected, h.Type, h.CmdMask)
	case h.BodyLen != 0:
		return h, fmt.Errorf("%w: auth frame carries %d body bytes", ErrAuthRejected, h.BodyLen)
	case !proto.VerifyFrame(raw, *s.secret.Load()):
		return h, fmt.Errorf("%w: tag mismatch", ErrAuthRejected)
	}
	return h, nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	auth, err := s.authenticate(conn)
	if err != nil {
		return err
	}
	s.logf("[EMIT] %s authenticated (client %d)", conn.RemoteAddr(), auth.ClientID)

	// The client never sends after auth; a read returning means it went away.
	gone := make(chan struct{})
	go func() {
		io.Copy(io.Discard, conn)
		close(gone)
	}()

	t := time.NewTicker(s.interval)
	defer t.Stop()
	reqID := auth.RequestID
	for {
		reqID++
		st := s.sampler.Sample(ctx)
		body := proto.AppendSystemStats(make([]byte, 0, proto.StatsSize), st)
		h := proto.StatsHeader(auth.ClientID, reqID, uint64(time.Now().UnixMilli()))
		_ = conn.SetWriteDeadline(time.Now().Add(s.interval + authTimeout))
		if err := proto.WriteFrame(conn, h, body); err != nil {
			return fmt.Errorf("write stats: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-gone:
			s.logf("[EMIT] %s closed the session", conn.RemoteAddr())
			return nil
		case <-t.C:
		}
	}
}
