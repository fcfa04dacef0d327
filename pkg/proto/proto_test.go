package proto

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

const zeroSecret = "0000000000000000000000000000000000000000000000000000000000000000"

func sampleStats() SystemStats {
	return SystemStats{
		ValidMask:          ValidAll,
		Reserved:           0xBEEF,
		CPUUsage:           100,
		MemUsage:           42,
		NetRx:              NetInfo{BytesPerSec: 1 << 63, PacketsPerSec: 0xFFFFFFFF, ErrorsPerSec: 3, DropsPerSec: 0x80000000},
		NetTx:              NetInfo{BytesPerSec: 12345, PacketsPerSec: 67, ErrorsPerSec: 0, DropsPerSec: 1},
		ProcCount:          0x80000001,
		TotalProcCount:     512,
		NetUserCount:       0xFFFF,
		ConnectedUserCount: 7,
		UptimeSecs:         0xFFFFFFFE,
		Fd:                 FdInfo{Allocated: 4096, InUse: 0x80000000},
		Disk: DiskSummary{
			TotalRoot: 1 << 40, UsedRoot: 1 << 39,
			TotalHome: 0xFFFFFFFFFFFFFFFF, UsedHome: 1,
			TotalVar: 2, UsedVar: 3,
			TotalBoot: 4, UsedBoot: 5,
		},
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		h    Header
	}{
		{"auth", Header{Magic: Magic, Version: Version, Type: TypeRequest, CmdMask: CmdAuth, RequestID: 1, Timestamp: 1700000000000}},
		{"stats", StatsHeader(9, 0xFFFFFFFF, 1)},
		{"max fields", Header{Magic: 0xFFFFFFFF, Version: 0xFF, Type: 0xFF, ClientID: 0xFFFF, CmdMask: 0xFFFF, RequestID: 0xFFFFFFFF, Timestamp: 0xFFFFFFFFFFFFFFFF, BodyLen: 0xFFFFFFFF, Tag: [TagSize]byte{1, 2, 3, 15: 16}}},
		{"zero", Header{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := tt.h.MarshalBinary()
			if len(b) != HeaderSize {
				t.Fatalf("len = %d, want %d", len(b), HeaderSize)
			}
			got, err := DecodeHeader(b)
			if err != nil {
				t.Fatalf("DecodeHeader: %v", err)
			}
			if got != tt.h {
				t.Errorf("got %+v, want %+v", got, tt.h)
			}
		})
	}
}

func TestDecodeHeader_WrongLength(t *testing.T) {
	for _, n := range []int{0, 1, 41, 43, 84, 176} {
		_, err := DecodeHeader(make([]byte, n))
		if !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("len %d: err = %v, want ErrMalformedFrame", n, err)
		}
	}
}

func TestDecodeHeader_DoesNotCheckMagic(t *testing.T) {
	b := make([]byte, HeaderSize)
	copy(b, "JUNK")
	h, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Magic == Magic {
		t.Fatal("expected non-matching magic")
	}
}

func TestMagicWireBytes(t *testing.T) {
	b := EncodeAuthFrame(0, 1, time.Now())
	if !bytes.Equal(b[:4], []byte{0x44, 0x54, 0x53, 0x53}) {
		t.Errorf("magic bytes = % x, want little-endian 0x53535444", b[:4])
	}
}

func TestEncodeAuthFrame(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	b := EncodeAuthFrame(0x0102, 77, now)
	h, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	want := Header{Magic: Magic, Version: Version, Type: TypeRequest, ClientID: 0x0102, CmdMask: CmdAuth, RequestID: 77, Timestamp: 1700000000123}
	if h != want {
		t.Errorf("got %+v, want %+v", h, want)
	}
	if !h.Time().Equal(now) {
		t.Errorf("Time() = %v, want %v", h.Time(), now)
	}
}

func TestSystemStatsRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		s    SystemStats
	}{
		{"full", sampleStats()},
		{"zero", SystemStats{}},
		{"partial valid mask", SystemStats{ValidMask: ValidCPU | ValidDisk, CPUUsage: 5, Disk: DiskSummary{TotalRoot: 10, UsedRoot: 9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := tt.s.MarshalBinary()
			if len(b) != StatsSize {
				t.Fatalf("len = %d, want %d", len(b), StatsSize)
			}
			got, err := DecodeSystemStats(b)
			if err != nil {
				t.Fatalf("DecodeSystemStats: %v", err)
			}
			if got != tt.s {
				t.Errorf("got %+v\nwant %+v", got, tt.s)
			}
		})
	}
}

func TestDecodeSystemStats_FieldOffsets(t *testing.T) {
	b := make([]byte, StatsSize)
	b[4] = 0xFF                                 // cpu
	b[46], b[47], b[48], b[49] = 0, 0, 0, 0x80 // proc count top bit
	b[133] = 0x80                               // used boot top byte
	s, err := DecodeSystemStats(b)
	if err != nil {
		t.Fatalf("DecodeSystemStats: %v", err)
	}
	if s.CPUUsage != 255 {
		t.Errorf("CPUUsage = %d, want 255", s.CPUUsage)
	}
	if s.ProcCount != 0x80000000 {
		t.Errorf("ProcCount = %#x, want 0x80000000", s.ProcCount)
	}
	if s.Disk.UsedBoot != 0x8000000000000000 {
		t.Errorf("UsedBoot = %#x", s.Disk.UsedBoot)
	}
}

func TestDecodeSystemStats_WrongLength(t *testing.T) {
	for _, n := range []int{0, 133, 135, 500} {
		if _, err := DecodeSystemStats(make([]byte, n)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("len %d: err = %v, want ErrMalformedFrame", n, err)
		}
	}
}

func TestHas(t *testing.T) {
	s := SystemStats{ValidMask: ValidCPU | ValidMem}
	if !s.Has(ValidCPU) || !s.Has(ValidCPU|ValidMem) {
		t.Error("expected cpu and mem valid")
	}
	if s.Has(ValidDisk) || s.Has(ValidCPU|ValidDisk) {
		t.Error("disk should not be valid")
	}
}

func TestParseSecret(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"zeros", zeroSecret, false},
		{"mixed case", strings.Repeat("aB", 32), false},
		{"surrounding whitespace", "  \t" + zeroSecret + "\n", false},
		{"empty", "", true},
		{"short", zeroSecret[:62], true},
		{"long", zeroSecret + "00", true},
		{"non-hex", strings.Repeat("zz", 32), true},
		{"inner space", zeroSecret[:31] + " " + zeroSecret[:32], true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSecret(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSecret) {
					t.Errorf("err = %v, want ErrInvalidSecret", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSign_Deterministic(t *testing.T) {
	secret, _ := ParseSecret(strings.Repeat("ab", 32))
	frame := EncodeAuthFrame(1, 2, time.UnixMilli(1700000000000))

	a, err := Sign(frame, secret)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	b, _ := Sign(frame, secret)
	if a != b {
		t.Fatal("same input produced different tags")
	}

	for i := 0; i < TagOffset; i++ {
		mod := append([]byte(nil), frame...)
		mod[i] ^= 0x01
		c, _ := Sign(mod, secret)
		if c == a {
			t.Errorf("flipping byte %d did not change the tag", i)
		}
	}

	other, _ := ParseSecret(strings.Repeat("cd", 32))
	if d, _ := Sign(frame, other); d == a {
		t.Error("different secret produced the same tag")
	}
}

func TestSign_IgnoresTagRegion(t *testing.T) {
	secret, _ := ParseSecret(zeroSecret)
	frame := EncodeAuthFrame(0, 1, time.UnixMilli(1))
	a, _ := Sign(frame, secret)
	for i := TagOffset; i < HeaderSize; i++ {
		frame[i] = 0xAA
	}
	b, _ := Sign(frame, secret)
	if a != b {
		t.Error("tag depends on the tag region")
	}
}

func TestSign_WrongLength(t *testing.T) {
	if _, err := Sign(make([]byte, 10), Secret{}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestBuildAuthFrame(t *testing.T) {
	frame, err := BuildAuthFrame(3, 9, zeroSecret)
	if err != nil {
		t.Fatalf("BuildAuthFrame: %v", err)
	}
	h, err := DecodeHeader(frame)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Magic != Magic || h.Type != TypeRequest || h.CmdMask&CmdAuth == 0 || h.BodyLen != 0 {
		t.Errorf("unexpected header %+v", h)
	}
	if h.ClientID != 3 || h.RequestID != 9 {
		t.Errorf("ClientID/RequestID = %d/%d, want 3/9", h.ClientID, h.RequestID)
	}
	if h.Tag == ([TagSize]byte{}) {
		t.Error("tag is zero")
	}
	secret, _ := ParseSecret(zeroSecret)
	if !VerifyFrame(frame, secret) {
		t.Error("VerifyFrame rejected a freshly built frame")
	}
	frame[10] ^= 0xFF
	if VerifyFrame(frame, secret) {
		t.Error("VerifyFrame accepted a tampered frame")
	}
}

func TestBuildAuthFrame_InvalidSecret(t *testing.T) {
	for _, s := range []string{"", "abc", zeroSecret[:63], zeroSecret + "0", strings.Repeat("g", 64)} {
		frame, err := BuildAuthFrame(0, 1, s)
		if !errors.Is(err, ErrInvalidSecret) {
			t.Errorf("%q: err = %v, want ErrInvalidSecret", s, err)
		}
		if frame != nil {
			t.Errorf("%q: frame returned alongside error", s)
		}
	}
}

func writeStats(t *testing.T, w io.Writer, s SystemStats) {
	t.Helper()
	body, _ := s.MarshalBinary()
	if err := WriteFrame(w, StatsHeader(0, 1, 2), body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func TestReadFrame_Stats(t *testing.T) {
	var buf bytes.Buffer
	writeStats(t, &buf, sampleStats())

	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Stats == nil {
		t.Fatal("expected stats")
	}
	if *f.Stats != sampleStats() {
		t.Errorf("stats mismatch: %+v", *f.Stats)
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("second read err = %v, want EOF", err)
	}
}

func TestReadFrame_Resync(t *testing.T) {
	var buf bytes.Buffer
	bad := StatsHeader(0, 1, 2)
	bad.Magic = 0xDEADBEEF
	bad.BodyLen = 9999 // must not be consulted
	buf.Write(AppendHeader(nil, bad))
	writeStats(t, &buf, sampleStats())

	_, err := ReadFrame(&buf)
	if !errors.Is(err, ErrProtocolDesync) {
		t.Fatalf("err = %v, want ErrProtocolDesync", err)
	}
	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame after resync: %v", err)
	}
	if f.Stats == nil || *f.Stats != sampleStats() {
		t.Error("valid frame after corrupt header was not decoded")
	}
}

func TestReadFrame_SkipExactLength(t *testing.T) {
	var buf bytes.Buffer
	junk := bytes.Repeat([]byte{0x53, 0x53, 0x54, 0x44, 0xFF}, 100) // 500 bytes
	if err := WriteFrame(&buf, Header{Magic: Magic, Version: Version, Type: 0x7E}, junk); err != nil {
		t.Fatal(err)
	}
	writeStats(t, &buf, sampleStats())

	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Stats != nil || f.Skipped != 500 {
		t.Fatalf("got Stats=%v Skipped=%d, want skip of 500", f.Stats, f.Skipped)
	}
	f, err = ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame next: %v", err)
	}
	if f.Stats == nil || *f.Stats != sampleStats() {
		t.Error("frame after skipped body did not decode")
	}
}

func TestReadFrame_StatsTypeWrongLengthIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	h := StatsHeader(0, 1, 2)
	if err := WriteFrame(&buf, h, make([]byte, StatsSize+2)); err != nil {
		t.Fatal(err)
	}
	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Stats != nil || f.Skipped != StatsSize+2 {
		t.Errorf("got Stats=%v Skipped=%d", f.Stats, f.Skipped)
	}
}

func TestReadFrame_ZeroBodyNoRead(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(EncodeAuthFrame(0, 1, time.Now()))
	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Stats != nil || f.Skipped != 0 {
		t.Errorf("unexpected frame %+v", f)
	}
	if buf.Len() != 0 {
		t.Errorf("%d bytes left", buf.Len())
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"partial header", make([]byte, 20)},
		{"partial stats body", append(AppendHeader(nil, StatsHeader(0, 1, 2)), make([]byte, 50)...)},
		{"partial skip body", append(AppendHeader(nil, Header{Magic: Magic, Type: 0x30, BodyLen: 100}), make([]byte, 10)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data))
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("err = %v, want ErrUnexpectedEOF", err)
			}
		})
	}
}
