package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/irctrakz/tpmeter/pkg/logging"
	"github.com/irctrakz/tpmeter/pkg/tp"
)

type metricsSnapshot struct {
	Timestamp string            `json:"ts"`
	Meter     tp.Metrics        `json:"meter"`
	RTODelta  uint64            `json:"rto_delta"`
	Link      map[string]uint64 `json:"link"`
	Dispatch  map[string]uint64 `json:"dispatch"`
	RT        map[string]uint64 `json:"rt"`
	Srv       map[string]uint64 `json:"srv_limits"`
}

type meterMetrics interface {
	Metrics() tp.Metrics
}

type linkMetrics interface {
	Metrics() core.LinkMetrics
}

type dispatchMetrics interface {
	Metrics() map[string]uint64
}

// metricsReporter periodically logs the node counters.
type metricsReporter struct {
	meter    meterMetrics
	link     linkMetrics
	dispatch dispatchMetrics
	format   string

	// previous cumulative RTO count, for the per-interval delta
	lastRTO uint64
}

func newMetricsReporter(meter meterMetrics, link linkMetrics, dispatch dispatchMetrics, format string) *metricsReporter {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "text"
	}
	return &metricsReporter{meter: meter, link: link, dispatch: dispatch, format: format}
}

func (r *metricsReporter) run(ctx context.Context, d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		logging.Infof("metrics: %s", r.render(r.snapshot()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *metricsReporter) snapshot() metricsSnapshot {
	m := r.meter.Metrics()
	lm := r.link.Metrics()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	rtoDelta := m.RTOEvents - r.lastRTO
	r.lastRTO = m.RTOEvents

	return metricsSnapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Meter:     m,
		RTODelta:  rtoDelta,
		Link: map[string]uint64{
			"pkts_sent":   lm.PacketsSent,
			"pkts_recv":   lm.PacketsReceived,
			"bytes_sent":  lm.BytesSent,
			"bytes_recv":  lm.BytesReceived,
			"unreachable": lm.Unreachable,
			"errors":      lm.Errors,
		},
		Dispatch: r.dispatch.Metrics(),
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
		Srv: buildServerLimits(),
	}
}

func (r *metricsReporter) render(snap metricsSnapshot) string {
	if r.format == "json" {
		b, err := json.Marshal(snap)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	}

	m := snap.Meter
	return fmt.Sprintf("ts=%s tp: act=%d seg=%d rtx=%d frtx=%d rto=%d dR=%d ack=%d/%d dup=%d msg=%d ooo=%d serr=%d drop=%d | link: sent=%d/%d recv=%d/%d unr=%d err=%d | disp: q=%d proc=%d qfd=%d | srv: rmem=%d wmem=%d fds=%d | rt: heap=%dMi gor=%d gc=%d",
		snap.Timestamp,
		m.ActiveSessions, m.SegmentsSent, m.Retransmits, m.FastRetransmits, m.RTOEvents, snap.RTODelta,
		m.AcksReceived, m.AcksSent, m.DupAcks, m.MsgsReceived, m.OutOfOrder, m.SendErrors, m.DroppedFrames,
		snap.Link["pkts_sent"], snap.Link["bytes_sent"],
		snap.Link["pkts_recv"], snap.Link["bytes_recv"],
		snap.Link["unreachable"], snap.Link["errors"],
		snap.Dispatch["packetsQueued"], snap.Dispatch["packetsProcessed"], snap.Dispatch["queueFullDrops"],
		snap.Srv["rmem_max"], snap.Srv["wmem_max"], snap.Srv["open_fds"],
		snap.RT["heap_alloc"]/(1024*1024), snap.RT["goroutines"], snap.RT["num_gc"],
	)
}

// buildServerLimits collects best-effort host limits that can cap the
// measured throughput.
func buildServerLimits() map[string]uint64 {
	out := map[string]uint64{}
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err == nil {
		out["nofile_soft"] = rl.Cur
		out["nofile_hard"] = rl.Max
	}
	if ents, err := os.ReadDir("/proc/self/fd"); err == nil {
		out["open_fds"] = uint64(len(ents))
	}
	// Socket buffer maxima; values are bytes
	if v, ok := readUint("/proc/sys/net/core/rmem_max"); ok {
		out["rmem_max"] = v
	}
	if v, ok := readUint("/proc/sys/net/core/wmem_max"); ok {
		out["wmem_max"] = v
	}
	// UDP memory thresholds (pages)
	if a, ok := readUintTriplet("/proc/sys/net/ipv4/udp_mem"); ok {
		pg := uint64(os.Getpagesize())
		out["udp_mem_low_bytes"], out["udp_mem_pressure_bytes"], out["udp_mem_high_bytes"] = a[0]*pg, a[1]*pg, a[2]*pg
	}
	return out
}

func readUint(path string) (uint64, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func readUintTriplet(path string) ([3]uint64, bool) {
	var res [3]uint64
	b, err := os.ReadFile(path)
	if err != nil {
		return res, false
	}
	f := strings.Fields(string(b))
	if len(f) < 3 {
		return res, false
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseUint(f[i], 10, 64)
		if err != nil {
			return res, false
		}
		res[i] = v
	}
	return res, true
}
