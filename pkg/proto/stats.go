package proto

import (
	"encoding/binary"
	"fmt"
)

// Valid-field bits of SystemStats.ValidMask. An unset bit means the emitter
// could not sample that metric; the field is still present on the wire.
const (
	ValidCPU uint16 = 1 << iota
	ValidMem
	ValidNetRx
	ValidNetTx
	ValidProcs
	ValidUsers
	ValidUptime
	ValidFd
	ValidDisk

	ValidAll = ValidCPU | ValidMem | ValidNetRx | ValidNetTx | ValidProcs | ValidUsers | ValidUptime | ValidFd | ValidDisk
)

// NetInfo is one direction of interface traffic, per second.
type NetInfo struct {
	BytesPerSec   uint64 `json:"byte_per_sec"`
	PacketsPerSec uint32 `json:"packet_per_sec"`
	ErrorsPerSec  uint32 `json:"err_per_sec"`
	DropsPerSec   uint32 `json:"drop_per_sec"`
}

type FdInfo struct {
	Allocated uint32 `json:"allocated"`
	InUse     uint32 `json:"in_use"`
}

// DiskSummary holds total/used bytes for the four reported mount points.
type DiskSummary struct {
	TotalRoot uint64 `json:"total_root"`
	UsedRoot  uint64 `json:"used_root"`
	TotalHome uint64 `json:"total_home"`
	UsedHome  uint64 `json:"used_home"`
	TotalVar  uint64 `json:"total_var"`
	UsedVar   uint64 `json:"used_var"`
	TotalBoot uint64 `json:"total_boot"`
	UsedBoot  uint64 `json:"used_boot"`
}

// SystemStats is the 134-byte stats body.
type SystemStats struct {
	ValidMask          uint16      `json:"valid_mask"`
	Reserved           uint16      `json:"-"`
	CPUUsage           uint8       `json:"cpu_usage"`
	MemUsage           uint8       `json:"mem_usage"`
	NetRx              NetInfo     `json:"net_rx"`
	NetTx              NetInfo     `json:"net_tx"`
	ProcCount          uint32      `json:"proc_count"`
	TotalProcCount     uint32      `json:"total_proc_count"`
	NetUserCount       uint16      `json:"net_user_count"`
	ConnectedUserCount uint16      `json:"connected_user_count"`
	UptimeSecs         uint32      `json:"uptime_secs"`
	Fd                 FdInfo      `json:"fd"`
	Disk               DiskSummary `json:"disk"`
}

// Has reports whether every bit in mask is set in ValidMask.
func (s SystemStats) Has(mask uint16) bool { return s.ValidMask&mask == mask }

func appendNetInfo(b []byte, n NetInfo) []byte {
	b = binary.LittleEndian.AppendUint64(b, n.BytesPerSec)
	b = binary.LittleEndian.AppendUint32(b, n.PacketsPerSec)
	b = binary.LittleEndian.AppendUint32(b, n.ErrorsPerSec)
	return binary.LittleEndian.AppendUint32(b, n.DropsPerSec)
}

func decodeNetInfo(b []byte) NetInfo {
	return NetInfo{
		BytesPerSec:   binary.LittleEndian.Uint64(b[0:8]),
		PacketsPerSec: binary.LittleEndian.Uint32(b[8:12]),
		ErrorsPerSec:  binary.LittleEndian.Uint32(b[12:16]),
		DropsPerSec:   binary.LittleEndian.Uint32(b[16:20]),
	}
}

// AppendSystemStats appends the wire form of s to b.
func AppendSystemStats(b []byte, s SystemStats) []byte {
	le := binary.LittleEndian
	b = le.AppendUint16(b, s.ValidMask)
	b = le.AppendUint16(b, s.Reserved)
	b = append(b, s.CPUUsage, s.MemUsage)
	b = appendNetInfo(b, s.NetRx)
	b = appendNetInfo(b, s.NetTx)
	b = le.AppendUint32(b, s.ProcCount)
	b = le.AppendUint32(b, s.TotalProcCount)
	b = le.AppendUint16(b, s.NetUserCount)
	b = le.AppendUint16(b, s.ConnectedUserCount)
	b = le.AppendUint32(b, s.UptimeSecs)
	b = le.AppendUint32(b, s.Fd.Allocated)
	b = le.AppendUint32(b, s.Fd.InUse)
	for _, v := range []uint64{
		s.Disk.TotalRoot, s.Disk.UsedRoot,
		s.Disk.TotalHome, s.Disk.UsedHome,
		s.Disk.TotalVar, s.Disk.UsedVar,
		s.Disk.TotalBoot, s.Disk.UsedBoot,
	} {
		b = le.AppendUint64(b, v)
	}
	return b
}

func (s SystemStats) MarshalBinary() ([]byte, error) {
	return AppendSystemStats(make([]byte, 0, StatsSize), s), nil
}

// DecodeSystemStats parses exactly StatsSize bytes. Every field is decoded
// whatever the valid bits say.
func DecodeSystemStats(b []byte) (SystemStats, error) {
	if len(b) != StatsSize {
		return SystemStats{}, fmt.Errorf("%w: stats body is %d bytes, want %d", ErrMalformedFrame, len(b), StatsSize)
	}
	le := binary.LittleEndian
	s := SystemStats{
		ValidMask:          le.Uint16(b[0:2]),
		Reserved:           le.Uint16(b[2:4]),
		CPUUsage:           b[4],
		MemUsage:           b[5],
		NetRx:              decodeNetInfo(b[6:26]),
		NetTx:              decodeNetInfo(b[26:46]),
		ProcCount:          le.Uint32(b[46:50]),
		TotalProcCount:     le.Uint32(b[50:54]),
		NetUserCount:       le.Uint16(b[54:56]),
		ConnectedUserCount: le.Uint16(b[56:58]),
		UptimeSecs:         le.Uint32(b[58:62]),
		Fd: FdInfo{
			Allocated: le.Uint32(b[62:66]),
			InUse:     le.Uint32(b[66:70]),
		},
	}
	d := b[70:StatsSize]
	s.Disk = DiskSummary{
		TotalRoot: le.Uint64(d[0:8]),
		UsedRoot:  le.Uint64(d[8:16]),
		TotalHome: le.Uint64(d[16:24]),
		UsedHome:  le.Uint64(d[24:32]),
		TotalVar:  le.Uint64(d[32:40]),
		UsedVar:   le.Uint64(d[40:48]),
		TotalBoot: le.Uint64(d[48:56]),
		UsedBoot:  le.Uint64(d[56:64]),
	}
	return s, nil
}
