package disk

import (
	"time"

	"github.com/lufia/iostat"
)

// utilSampler derives a busy fraction from consecutive drive-stat
// samples, feeding the monitor's utilization gauge.
type utilSampler struct {
	lastBusy   time.Duration
	lastSample time.Time
}

func (s *utilSampler) sample() (float64, bool) {
	stats, err := iostat.ReadDriveStats()
	if err != nil || len(stats) == 0 {
		return 0, false
	}
	var busy time.Duration
	for _, d := range stats {
		busy += d.TotalReadTime + d.TotalWriteTime
	}
	now := time.Now()
	prevBusy, prevSample := s.lastBusy, s.lastSample
	s.lastBusy, s.lastSample = busy, now
	if prevSample.IsZero() {
		return 0, false
	}
	wall := now.Sub(prevSample)
	if wall <= 0 {
		return 0, false
	}
	util := float64(busy-prevBusy) / float64(wall)
	if util < 0 {
		util = 0
	}
	if util > 1 {
		util = 1
	}
	return util, true
}
