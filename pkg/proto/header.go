package proto

// Binary wire protocol (little-endian, fixed offsets)

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	Magic   uint32 = 0x53535444
	Version uint8  = 1

	HeaderSize = 42
	StatsSize  = 134

	TagOffset = 26
	TagSize   = 16
)

// frame type byte
const (
	TypeRequest     uint8 = 0x01
	TypeResponse    uint8 = 0x02
	TypeSystemStats uint8 = 0x11
)

// command mask bits; only AUTH is defined, the rest are reserved
const (
	CmdAuth uint16 = 0x0001
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrProtocolDesync = errors.New("protocol desync: bad magic")
)

// Header is the 42-byte secure header that precedes every frame body.
type Header struct {
	Magic     uint32
	Version   uint8
	Type      uint8
	ClientID  uint16
	CmdMask   uint16
	RequestID uint32
	Timestamp uint64 // ms since epoch
	BodyLen   uint32
	Tag       [TagSize]byte
}

// IsSystemStats reports whether the header announces a stats body of the expected size.
func (h Header) IsSystemStats() bool {
	return h.Type == TypeSystemStats && h.BodyLen == StatsSize
}

func (h Header) Time() time.Time { return time.UnixMilli(int64(h.Timestamp)) }

// AppendHeader appends the wire form of h to b.
func AppendHeader(b []byte, h Header) []byte {
	b = binary.LittleEndian.AppendUint32(b, h.Magic)
	b = append(b, h.Version, h.Type)
	b = binary.LittleEndian.AppendUint16(b, h.ClientID)
	b = binary.LittleEndian.AppendUint16(b, h.CmdMask)
	b = binary.LittleEndian.AppendUint32(b, h.RequestID)
	b = binary.LittleEndian.AppendUint64(b, h.Timestamp)
	b = binary.LittleEndian.AppendUint32(b, h.BodyLen)
	return append(b, h.Tag[:]...)
}

func (h Header) MarshalBinary() ([]byte, error) {
	return AppendHeader(make([]byte, 0, HeaderSize), h), nil
}

// DecodeHeader parses exactly HeaderSize bytes. The magic is returned as read;
// checking it is left to the caller so a corrupt stream can be resynchronized.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("%w: header is %d bytes, want %d", ErrMalformedFrame, len(b), HeaderSize)
	}
	var h Header
	h.Magic = binary.LittleEndian.Uint32(b[0:4])
	h.Version = b[4]
	h.Type = b[5]
	h.ClientID = binary.LittleEndian.Uint16(b[6:8])
	h.CmdMask = binary.LittleEndian.Uint16(b[8:10])
	h.RequestID = binary.LittleEndian.Uint32(b[10:14])
	h.Timestamp = binary.LittleEndian.Uint64(b[14:22])
	h.BodyLen = binary.LittleEndian.Uint32(b[22:26])
	copy(h.Tag[:], b[TagOffset:HeaderSize])
	return h, nil
}

// EncodeAuthFrame builds an unsigned AUTH request header stamped with now.
// The tag bytes are left zero; see BuildAuthFrame.
func EncodeAuthFrame(clientID uint16, requestID uint32, now time.Time) []byte {
	h := Header{
		Magic:     Magic,
		Version:   Version,
		Type:      TypeRequest,
		ClientID:  clientID,
		CmdMask:   CmdAuth,
		RequestID: requestID,
		Timestamp: uint64(now.UnixMilli()),
		BodyLen:   0,
	}
	return AppendHeader(make([]byte, 0, HeaderSize), h)
}
