// Package tasks implements the node's periodic tasks and counters:
// put/get/exist/delete/alien counts as in-process prometheus primitives,
// a periodic counts-log task, and deterministic shutdown on signal.
package tasks

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/group"
)

// GroupSource is the subset of backend.Backend Shutdown needs: every
// resident group, so it can close every holder's storage deterministically.
type GroupSource interface {
	Groups() []*group.Group
}

// Shutdown closes every holder across every group, in group-then-holder
// order: a single deterministic pass rather than a goroutine-per-resource
// fan-out.
func Shutdown(source GroupSource) {
	for _, g := range source.Groups() {
		for _, h := range g.Holders() {
			h.Close()
		}
	}
}

// Counters wraps the put/get/exist/delete/alien in-process counts. Each op keeps a prometheus.Counter for an external
// exporter to scrape (the exporter itself is the excluded collaborator,
// alongside a plain atomic counter the periodic log task reads
// directly, since prometheus.Counter exposes no cheap read-back.
type Counters struct {
	Put         prometheus.Counter
	Get         prometheus.Counter
	Exist       prometheus.Counter
	Delete      prometheus.Counter
	Alien       prometheus.Counter
	KeyNotFound prometheus.Counter
	Errors      prometheus.Counter

	nPut, nGet, nExist, nDelete, nAlien, nKeyNotFound, nErrors atomic.Uint64
}

func NewCounters(nodeName string) *Counters {
	mk := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "bob_" + name,
			Help:        help,
			ConstLabels: prometheus.Labels{"node": nodeName},
		})
	}
	return &Counters{
		Put:         mk("put_total", "total PUT requests handled"),
		Get:         mk("get_total", "total GET requests handled"),
		Exist:       mk("exist_total", "total EXIST requests handled"),
		Delete:      mk("delete_total", "total DELETE requests handled"),
		Alien:       mk("alien_total", "total alien (hinted-handoff) writes issued"),
		KeyNotFound: mk("key_not_found_total", "total KeyNotFound outcomes"),
		Errors:      mk("errors_total", "total non-KeyNotFound errors"),
	}
}

// RecordResult increments op's counter and classifies err.
func (c *Counters) RecordResult(op string, err error) {
	switch op {
	case "put":
		c.Put.Inc()
		c.nPut.Add(1)
	case "get":
		c.Get.Inc()
		c.nGet.Add(1)
	case "exist":
		c.Exist.Inc()
		c.nExist.Add(1)
	case "delete":
		c.Delete.Inc()
		c.nDelete.Add(1)
	case "alien":
		c.Alien.Inc()
		c.nAlien.Add(1)
	}
	if err == nil {
		return
	}
	if cmn.KindOf(err) == cmn.KindKeyNotFound {
		c.KeyNotFound.Inc()
		c.nKeyNotFound.Add(1)
		return
	}
	c.Errors.Inc()
	c.nErrors.Add(1)
}

// Snapshot is a point-in-time read of the counters for logging/testing.
type Snapshot struct {
	Put, Get, Exist, Delete, Alien, KeyNotFound, Errors uint64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Put:         c.nPut.Load(),
		Get:         c.nGet.Load(),
		Exist:       c.nExist.Load(),
		Delete:      c.nDelete.Load(),
		Alien:       c.nAlien.Load(),
		KeyNotFound: c.nKeyNotFound.Load(),
		Errors:      c.nErrors.Load(),
	}
}

// Runner drives the periodic counts-log task and deterministic shutdown
// on SIGINT/SIGTERM.
type Runner struct {
	counters   *Counters
	source     GroupSource // optional: enables the periodic blob counts
	onShutdown func()
}

func NewRunner(counters *Counters, onShutdown func()) *Runner {
	return &Runner{counters: counters, onShutdown: onShutdown}
}

// SetGroupSource enables the blob-counter half of the periodic log:
// resident groups, holders, and distinct records per tick.
func (r *Runner) SetGroupSource(src GroupSource) {
	r.source = src
}

// Start launches the periodic logging task (count_interval) and the
// signal handler. It returns once ctx is cancelled or a shutdown signal
// arrives; shutdown always calls onShutdown exactly once.
func (r *Runner) Start(ctx context.Context, countInterval time.Duration) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var ticker *time.Ticker
	var tickCh <-chan time.Time
	if countInterval > 0 {
		ticker = time.NewTicker(countInterval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			r.shutdown("context cancelled")
			return
		case sig := <-sigCh:
			r.shutdown("signal " + sig.String())
			return
		case <-tickCh:
			r.logCounts()
		}
	}
}

func (r *Runner) logCounts() {
	s := r.counters.Snapshot()
	glog.Infof("tasks: put=%d get=%d exist=%d delete=%d alien=%d key_not_found=%d errors=%d",
		s.Put, s.Get, s.Exist, s.Delete, s.Alien, s.KeyNotFound, s.Errors)
	if r.source == nil {
		return
	}
	groups := r.source.Groups()
	var holders, records int
	for _, g := range groups {
		for _, h := range g.Holders() {
			holders++
			records += h.RecordCount()
		}
	}
	glog.Infof("tasks: groups=%d holders=%d records=%d", len(groups), holders, records)
}

func (r *Runner) shutdown(reason string) {
	glog.Infof("tasks: shutting down (%s)", reason)
	if r.onShutdown != nil {
		r.onShutdown()
	}
}
