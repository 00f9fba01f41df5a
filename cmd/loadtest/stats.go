package main

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Stats tracks load test counters. Every bot goroutine writes to it.
type Stats struct {
	connected     atomic.Int64 // bots placed by the server
	connectErrors atomic.Int64
	placeTimeouts atomic.Int64

	steps       atomic.Int64 // move packets sent
	echoes      atomic.Int64 // own moves echoed by the server
	corrections atomic.Int64 // position packets after placement
	throttled   atomic.Int64
	sendFailed  atomic.Int64

	disconnects   atomic.Int64 // links lost before the end of the run
	totalPlacedUs atomic.Int64 // connect to placement, in microseconds
}

func (s *Stats) recordPlaced(d time.Duration) {
	s.connected.Add(1)
	s.totalPlacedUs.Add(d.Microseconds())
}

type snapshot struct {
	connected, connectErrors, placeTimeouts int64
	steps, echoes, corrections              int64
	throttled, sendFailed, disconnects      int64
	avgPlaceMs                              float64
}

func (s *Stats) snapshot() snapshot {
	snap := snapshot{
		connected:     s.connected.Load(),
		connectErrors: s.connectErrors.Load(),
		placeTimeouts: s.placeTimeouts.Load(),
		steps:         s.steps.Load(),
		echoes:        s.echoes.Load(),
		corrections:   s.corrections.Load(),
		throttled:     s.throttled.Load(),
		sendFailed:    s.sendFailed.Load(),
		disconnects:   s.disconnects.Load(),
	}
	if snap.connected > 0 {
		snap.avgPlaceMs = float64(s.totalPlacedUs.Load()) / float64(snap.connected) / 1000
	}
	return snap
}

// line renders the periodic progress report.
func (snap snapshot) line(elapsed time.Duration) string {
	rate := 0.0
	if elapsed > 0 {
		rate = float64(snap.steps) / elapsed.Seconds()
	}
	return fmt.Sprintf("%s bots, %s steps (%.1f/s), %s echoed, %s corrected, %s disconnects, placed in %.1fms avg",
		humanize.Comma(snap.connected),
		humanize.Comma(snap.steps), rate,
		humanize.Comma(snap.echoes),
		humanize.Comma(snap.corrections),
		humanize.Comma(snap.disconnects),
		snap.avgPlaceMs)
}

// correctionRate is the share of sent steps the server rejected.
func (snap snapshot) correctionRate() float64 {
	if snap.steps == 0 {
		return 0
	}
	return float64(snap.corrections) / float64(snap.steps) * 100
}

// getCPULoad returns the 1-minute load average, or 0 off Linux.
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}
