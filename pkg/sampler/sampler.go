// Package sampler collects host metrics into a proto.SystemStats.
package sampler

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"sst/telemetry/pkg/logging"
	"sst/telemetry/pkg/proto"
)

// DefaultMounts are the root, home, var and boot mount points, in wire order.
var DefaultMounts = []string{"/", "/home", "/var", "/boot"}

// Sampler turns gopsutil readings into stats bodies. Traffic rates are
// deltas against the previous Sample call, so the first sample carries no
// network rates.
type Sampler struct {
	mounts  [4]string
	fileNr  string
	counter func(ctx context.Context) ([]gnet.IOCountersStat, error)
	now     func() time.Time

	mu      sync.Mutex
	prevNet *gnet.IOCountersStat
	prevAt  time.Time
}

// New uses mounts in root, home, var, boot order; missing entries fall back
// to DefaultMounts.
func New(mounts []string) *Sampler {
	s := &Sampler{
		fileNr: "/proc/sys/fs/file-nr",
		counter: func(ctx context.Context) ([]gnet.IOCountersStat, error) {
			return gnet.IOCountersWithContext(ctx, false)
		},
		now: time.Now,
	}
	for i := range s.mounts {
		if i < len(mounts) && mounts[i] != "" {
			s.mounts[i] = mounts[i]
		} else {
			s.mounts[i] = DefaultMounts[i]
		}
	}
	return s
}

// Sample reads every metric it can. Metrics that fail leave their valid bit clear.
func (s *Sampler) Sample(ctx context.Context) proto.SystemStats {
	var st proto.SystemStats

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		st.CPUUsage = percent(pct[0])
		st.ValidMask |= proto.ValidCPU
	} else {
		s.debugf("cpu", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.MemUsage = percent(vm.UsedPercent)
		st.ValidMask |= proto.ValidMem
	} else {
		s.debugf("mem", err)
	}

	s.sampleNet(ctx, &st)

	if misc, err := load.MiscWithContext(ctx); err == nil {
		st.ProcCount = clamp32(int64(misc.ProcsRunning))
		st.TotalProcCount = clamp32(int64(misc.ProcsTotal))
		st.ValidMask |= proto.ValidProcs
	} else {
		s.debugf("procs", err)
	}

	users, uerr := host.UsersWithContext(ctx)
	peers, perr := remotePeers(ctx)
	if uerr == nil && perr == nil {
		st.ConnectedUserCount = clamp16(len(users))
		st.NetUserCount = clamp16(peers)
		st.ValidMask |= proto.ValidUsers
	} else {
		s.debugf("users", fmt.Errorf("users: %v, connections: %v", uerr, perr))
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		st.UptimeSecs = clamp32(int64(up))
		st.ValidMask |= proto.ValidUptime
	} else {
		s.debugf("uptime", err)
	}

	if fd, err := readFileNr(s.fileNr); err == nil {
		st.Fd = fd
		st.ValidMask |= proto.ValidFd
	} else {
		s.debugf("fd", err)
	}

	if s.sampleDisk(ctx, &st.Disk) {
		st.ValidMask |= proto.ValidDisk
	}
	return st
}

func (s *Sampler) sampleNet(ctx context.Context, st *proto.SystemStats) {
	counters, err := s.counter(ctx)
	if err != nil || len(counters) == 0 {
		s.debugf("net", err)
		return
	}
	cur := counters[0]
	now := s.now()

	s.mu.Lock()
	prev, prevAt := s.prevNet, s.prevAt
	s.prevNet, s.prevAt = &cur, now
	s.mu.Unlock()

	if prev == nil {
		return
	}
	secs := now.Sub(prevAt).Seconds()
	if secs <= 0 {
		return
	}
	st.NetRx = proto.NetInfo{
		BytesPerSec:   rate64(prev.BytesRecv, cur.BytesRecv, secs),
		PacketsPerSec: rate32(prev.PacketsRecv, cur.PacketsRecv, secs),
		ErrorsPerSec:  rate32(prev.Errin, cur.Errin, secs),
		DropsPerSec:   rate32(prev.Dropin, cur.Dropin, secs),
	}
	st.NetTx = proto.NetInfo{
		BytesPerSec:   rate64(prev.BytesSent, cur.BytesSent, secs),
		PacketsPerSec: rate32(prev.PacketsSent, cur.PacketsSent, secs),
		ErrorsPerSec:  rate32(prev.Errout, cur.Errout, secs),
		DropsPerSec:   rate32(prev.Dropout, cur.Dropout, secs),
	}
	st.ValidMask |= proto.ValidNetRx | proto.ValidNetTx
}

// sampleDisk reports whether the root mount could be read; other mounts
// that are absent stay zero.
func (s *Sampler) sampleDisk(ctx context.Context, d *proto.DiskSummary) bool {
	var total, used [4]uint64
	ok := false
	for i, m := range s.mounts {
		u, err := disk.UsageWithContext(ctx, m)
		if err != nil {
			if i == 0 {
				s.debugf("disk", err)
			}
			continue
		}
		total[i], used[i] = u.Total, u.Used
		if i == 0 {
			ok = true
		}
	}
	*d = proto.DiskSummary{
		TotalRoot: total[0], UsedRoot: used[0],
		TotalHome: total[1], UsedHome: used[1],
		TotalVar: total[2], UsedVar: used[2],
		TotalBoot: total[3], UsedBoot: used[3],
	}
	return ok
}

func (s *Sampler) debugf(what string, err error) {
	if logging.Debug() {
		log.Printf("[SAMPLE] %s unavailable: %v", what, err)
	}
}

// remotePeers counts distinct remote addresses of established TCP connections.
func remotePeers(ctx context.Context) (int, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{})
	for _, c := range conns {
		if c.Status != "ESTABLISHED" || c.Raddr.IP == "" {
			continue
		}
		seen[c.Raddr.IP] = struct{}{}
	}
	return len(seen), nil
}

// readFileNr parses the kernel's "allocated unused max" file handle counters.
func readFileNr(path string) (proto.FdInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return proto.FdInfo{}, err
	}
	f := bytes.Fields(b)
	if len(f) < 2 {
		return proto.FdInfo{}, fmt.Errorf("%s: unexpected content %q", path, b)
	}
	alloc, err := strconv.ParseUint(string(f[0]), 10, 64)
	if err != nil {
		return proto.FdInfo{}, err
	}
	unused, err := strconv.ParseUint(string(f[1]), 10, 64)
	if err != nil {
		return proto.FdInfo{}, err
	}
	inUse := int64(alloc) - int64(unused)
	if inUse < 0 {
		inUse = 0
	}
	return proto.FdInfo{Allocated: clamp32(int64(alloc)), InUse: clamp32(inUse)}, nil
}

func percent(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 100:
		return 100
	}
	return uint8(math.Round(v))
}

func rate64(prev, cur uint64, secs float64) uint64 {
	if cur < prev {
		return 0 // counter reset
	}
	return uint64(float64(cur-prev) / secs)
}

func rate32(prev, cur uint64, secs float64) uint32 {
	return clamp32(int64(rate64(prev, cur, secs)))
}

func clamp32(v int64) uint32 {
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(v)
}

func clamp16(v int) uint16 {
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}
