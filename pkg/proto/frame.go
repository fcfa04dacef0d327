package proto

import (
	"fmt"
	"io"
)

// Frame is one decoded header plus whatever its body produced.
// Stats is set for system-stats frames; Skipped counts discarded body bytes
// for any other frame.
type Frame struct {
	Header  Header
	Stats   *SystemStats
	Skipped uint32
}

// ReadFrame reads the next frame from r.
//
// A header whose magic does not match is consumed and ErrProtocolDesync is
// returned without touching its body length; the caller may keep reading at
// the next header-width boundary. Bodies of frames that are not system stats
// are read and discarded so the stream stays aligned.
func ReadFrame(r io.Reader) (Frame, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return Frame{}, fmt.Errorf("read header: %w", err)
	}
	h, err := DecodeHeader(hb[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{Header: h}, fmt.Errorf("%w: 0x%08x", ErrProtocolDesync, h.Magic)
	}

	f := Frame{Header: h}
	switch {
	case h.IsSystemStats():
		var body [StatsSize]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return f, fmt.Errorf("read stats body: %w", err)
		}
		s, err := DecodeSystemStats(body[:])
		if err != nil {
			return f, err
		}
		f.Stats = &s
	case h.BodyLen > 0:
		n, err := io.CopyN(io.Discard, r, int64(h.BodyLen))
		f.Skipped = uint32(n)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return f, fmt.Errorf("skip %d byte body: %w", h.BodyLen, err)
		}
	}
	return f, nil
}

// WriteFrame writes h followed by body. h.BodyLen is set from len(body).
func WriteFrame(w io.Writer, h Header, body []byte) error {
	h.BodyLen = uint32(len(body))
	buf := AppendHeader(make([]byte, 0, HeaderSize+len(body)), h)
	buf = append(buf, body...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// StatsHeader returns the response header an emitter sends before a stats body.
func StatsHeader(clientID uint16, requestID uint32, timestampMs uint64) Header {
	return Header{
		Magic:     Magic,
		Version:   Version,
		Type:      TypeSystemStats,
		ClientID:  clientID,
		RequestID: requestID,
		Timestamp: timestampMs,
		BodyLen:   StatsSize,
	}
}
