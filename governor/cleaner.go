// Package governor implements the cleaner / resource governor: two
// cooperating tasks, sharing one mutex, that evict cold bloom filters and
// active-blob index memory under pressure. Eviction walks a heap keyed by
// holder StartTimestamp, oldest first.
package governor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/group"
	"github.com/bobstore/bob/pearl"
)

// GroupSource is the subset of backend.Backend the governor needs: every
// resident group, across every disk, to find the oldest holders for
// eviction.
type GroupSource interface {
	Groups() []*group.Group
}

// Config bundles the memory-limit knobs of cmn.MemoryConf.
type Config struct {
	SoftOpenBlobs          int
	HardOpenBlobs          int
	BloomFilterMemoryLimit int64
	IndexMemoryLimit       int64
	IndexMemoryLimitSoft   int64 // defaults to limit*10/9 if zero and IndexMemoryLimit set
}

// indexMemoryEstimator estimates resident index memory, in bytes, for a
// holder; swappable in tests. The active-blob write buffer is the
// resource CloseActiveBlob reclaims, so it doubles as the index-memory
// proxy for the fast task's "close least-used-holder resources".
type indexMemoryEstimator func(*pearl.Holder) int64

func defaultIndexMemoryEstimator(h *pearl.Holder) int64 {
	return h.ActiveBlobMemoryUsage()
}

// Cleaner runs the slow periodic pass and the debounced fast pass; both
// are serialized behind mu so an eviction pass is never concurrent with
// itself.
type Cleaner struct {
	mu     sync.Mutex
	cfg    Config
	source GroupSource
	estimate indexMemoryEstimator

	requestCh chan struct{}
	stop      context.CancelFunc
}

func New(source GroupSource, cfg Config) *Cleaner {
	if cfg.IndexMemoryLimitSoft == 0 && cfg.IndexMemoryLimit > 0 {
		cfg.IndexMemoryLimitSoft = cfg.IndexMemoryLimit * 10 / 9
	}
	return &Cleaner{
		source:    source,
		cfg:       cfg,
		estimate:  defaultIndexMemoryEstimator,
		requestCh: make(chan struct{}, 1),
	}
}

// Start launches the slow periodic task and the fast debounced task.
func (c *Cleaner) Start(ctx context.Context, cleanupInterval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	go c.slowLoop(ctx, cleanupInterval)
	go c.fastLoop(ctx)
}

func (c *Cleaner) Stop() {
	if c.stop != nil {
		c.stop()
	}
}

// RequestIndexCleanup signals the fast task; debounced to 5s, duplicate
// signals while one is pending are dropped.
func (c *Cleaner) RequestIndexCleanup() {
	select {
	case c.requestCh <- struct{}{}:
	default:
	}
}

func (c *Cleaner) slowLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runSlowPass()
		}
	}
}

func (c *Cleaner) fastLoop(ctx context.Context) {
	const debounce = 5 * time.Second
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-c.requestCh:
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			c.runFastPass()
		}
	}
}

// runSlowPass runs the three slow steps: close unneeded active
// blobs, shrink index memory to the soft limit, then evict bloom filters.
func (c *Cleaner) runSlowPass() {
	c.mu.Lock()
	defer c.mu.Unlock()

	groups := c.source.Groups()

	if c.cfg.SoftOpenBlobs > 0 || c.cfg.HardOpenBlobs > 0 {
		for _, g := range groups {
			g.CloseUnneededActiveBlobs(c.cfg.SoftOpenBlobs, c.cfg.HardOpenBlobs)
		}
	}

	if c.cfg.IndexMemoryLimitSoft > 0 {
		c.evictIndexMemory(groups, c.cfg.IndexMemoryLimitSoft)
	}

	if c.cfg.BloomFilterMemoryLimit > 0 {
		c.evictBloomFilters(groups, c.cfg.BloomFilterMemoryLimit)
	}
}

// runFastPass implements the fast task: shrink straight to the hard
// limit by closing least-used-holder resources.
func (c *Cleaner) runFastPass() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.IndexMemoryLimit <= 0 {
		return
	}
	c.evictIndexMemory(c.source.Groups(), c.cfg.IndexMemoryLimit)
}

// holderCandidate is one entry in the eviction min-heap: oldest
// StartTimestamp first.
type holderCandidate struct {
	holder *pearl.Holder
	index  int
}

type oldestFirstHeap []*holderCandidate

func (h oldestFirstHeap) Len() int { return len(h) }
func (h oldestFirstHeap) Less(i, j int) bool {
	return h[i].holder.StartTimestamp < h[j].holder.StartTimestamp
}
func (h oldestFirstHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *oldestFirstHeap) Push(x interface{}) {
	c := x.(*holderCandidate)
	c.index = len(*h)
	*h = append(*h, c)
}
func (h *oldestFirstHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	c.index = -1
	*h = old[:n-1]
	return c
}

func buildHeap(groups []*group.Group) *oldestFirstHeap {
	h := &oldestFirstHeap{}
	heap.Init(h)
	for _, g := range groups {
		for _, holder := range g.Holders() {
			heap.Push(h, &holderCandidate{holder: holder})
		}
	}
	return h
}

// evictIndexMemory closes the index/active-blob resources of the oldest
// holders until total estimated index memory is at or below limit.
func (c *Cleaner) evictIndexMemory(groups []*group.Group, limit int64) {
	h := buildHeap(groups)
	var total int64
	for _, g := range groups {
		for _, holder := range g.Holders() {
			total += c.estimate(holder)
		}
	}
	for total > limit && h.Len() > 0 {
		cand := heap.Pop(h).(*holderCandidate)
		before := c.estimate(cand.holder)
		cand.holder.CloseActiveBlob()
		total -= before
	}
}

// evictBloomFilters drops bloom filter buffers from the oldest holders
// first, until total bloom memory is under limit; while a filter is
// offloaded, Exist falls through to the holder's key index.
func (c *Cleaner) evictBloomFilters(groups []*group.Group, limit int64) {
	h := buildHeap(groups)
	var total int64
	for _, g := range groups {
		for _, holder := range g.Holders() {
			if holder.FilterLoaded() {
				total += holder.FilterMemoryUsage()
			}
		}
	}
	for total > limit && h.Len() > 0 {
		cand := heap.Pop(h).(*holderCandidate)
		if !cand.holder.FilterLoaded() {
			continue
		}
		total -= cand.holder.FilterMemoryUsage()
		cand.holder.OffloadFilter()
		glog.V(cmn.SmoduleVerbose).Infof("governor: evicted bloom filter for holder %d", cand.holder.StartTimestamp)
	}
}
