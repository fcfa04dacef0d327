package session

import (
	"context"
	"errors"
	"log"
	"time"

	"sst/telemetry/pkg/proto"
)

// SessionSource is the read-only view of the registry a Reader needs, plus
// the channel for reporting a broken stream. *Manager implements it.
type SessionSource interface {
	Lookup(ep Endpoint) (*Session, bool)
	Fail(ep Endpoint, sess *Session, cause error)
}

// Reader pulls frames for one endpoint forever:
//
//	WaitForSession -> ReadHeader -> ValidateMagic -> DispatchBody -> ReadHeader ...
//
// A bad magic drops the 42 header bytes and reads the next header (best
// effort; a corrupt stream that is not header-aligned may never recover).
// Any I/O error hands the session back to the source with Fail and returns to
// WaitForSession after RetryDelay. Blocking reads are not cancellable; ctx
// is checked between reads and during the delay, so closing the session is
// what interrupts a pending read.
type Reader struct {
	Endpoint   Endpoint
	Source     SessionSource
	Emit       func(proto.SystemStats)
	RetryDelay time.Duration
	Logf       Logf
	Metrics    *Metrics
}

func (r *Reader) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (r *Reader) delay() time.Duration {
	if r.RetryDelay > 0 {
		return r.RetryDelay
	}
	return DefaultRetryDelay
}

// Run blocks until ctx is done.
func (r *Reader) Run(ctx context.Context) {
	waiting := false
	for {
		sess, ok := r.Source.Lookup(r.Endpoint)
		if !ok || !sess.Alive() {
			if !waiting {
				r.logf("[READER] %s: waiting for session", r.Endpoint)
				waiting = true
			}
			if !r.sleep(ctx) {
				return
			}
			continue
		}
		waiting = false

		err := r.pump(ctx, sess)
		if ctx.Err() != nil {
			return
		}
		r.Source.Fail(r.Endpoint, sess, err)
		r.logf("[READER] %s: stream error: %v", r.Endpoint, err)
		if !r.sleep(ctx) {
			return
		}
	}
}

func (r *Reader) sleep(ctx context.Context) bool {
	t := time.NewTimer(r.delay())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// pump reads frames from sess until an I/O error or ctx is done.
func (r *Reader) pump(ctx context.Context, sess *Session) error {
	for ctx.Err() == nil {
		f, err := proto.ReadFrame(sess)
		switch {
		case errors.Is(err, proto.ErrProtocolDesync):
			r.Metrics.frame(r.Endpoint, "desync")
			r.logf("[READER] %s: %v, discarding header", r.Endpoint, err)
		case err != nil:
			return err
		case f.Stats != nil:
			r.Metrics.frame(r.Endpoint, "stats")
			if r.Emit != nil {
				r.Emit(*f.Stats)
			}
		case f.Skipped > 0:
			r.Metrics.frame(r.Endpoint, "skipped")
			r.Metrics.skipped(f.Skipped)
			r.logf("[READER] %s: skipped %d byte body (type 0x%02x)", r.Endpoint, f.Skipped, f.Header.Type)
		}
	}
	return ctx.Err()
}
