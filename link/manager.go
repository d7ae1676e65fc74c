// Package link implements the Link Manager & Node Client: a
// connection pool per remote node with health pings, a bounded eager-
// reconnect queue, and per-call timeouts.
package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bobstore/bob/cmn"
)

// Transport is the wire-level surface the manager drives per remote
// call. Production code implements it over fasthttp (client.go);
// tests implement it in-process to exercise the quorum protocols without
// a real network.
type Transport interface {
	Ping(ctx context.Context, addr string) error
	Put(ctx context.Context, addr string, key cmn.Key, data cmn.BlobData) error
	Get(ctx context.Context, addr string, key cmn.Key) (cmn.BlobData, error)
	Exist(ctx context.Context, addr string, keys []cmn.Key) ([]bool, error)
	PutAlien(ctx context.Context, addr string, key cmn.Key, data cmn.BlobData, remoteNode string) error
	GetAlien(ctx context.Context, addr string, key cmn.Key, remoteNode string) (cmn.BlobData, error)
}

// cell is the atomically-replaceable per-node connection state: a readers-writer lock guards writes
// only on connect/disconnect.
type cell struct {
	mu        sync.RWMutex
	available bool
}

func (c *cell) setAvailable(v bool) {
	c.mu.Lock()
	c.available = v
	c.mu.Unlock()
}

func (c *cell) isAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// Manager owns one cell per remote node plus the periodic checker and a
// bounded eager-reconnect queue.
type Manager struct {
	transport Transport
	timeout   time.Duration

	addrs map[string]string // node name -> address
	cells map[string]*cell

	reconnect chan string // bounded MPSC priority queue

	// onAvailability propagates liveness flips to the placement mapper's
	// connection flags; nil until SetAvailabilityListener.
	onAvailability func(node string, available bool)

	opTimer *prometheus.HistogramVec

	stop context.CancelFunc
}

// New builds a manager for the given node-name -> address table.
func New(transport Transport, addrs map[string]string, operationTimeout time.Duration) *Manager {
	m := &Manager{
		transport: transport,
		timeout:   operationTimeout,
		addrs:     addrs,
		cells:     make(map[string]*cell, len(addrs)),
		reconnect: make(chan string, 64),
		opTimer: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bob_link_op_timer_seconds",
			Help:    "per-call remote RPC latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	for name := range addrs {
		m.cells[name] = &cell{available: true}
	}
	return m
}

// SetAvailabilityListener registers a callback invoked on every liveness
// probe result, typically placement.Mapper.SetConnAvailable.
func (m *Manager) SetAvailabilityListener(fn func(node string, available bool)) {
	m.onAvailability = fn
}

func (m *Manager) observe(op string, started time.Time) {
	m.opTimer.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// StartChecker launches the periodic pinger that updates each node's
// availability flag.
func (m *Manager) StartChecker(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.pingAll(ctx)
			case name := <-m.reconnect:
				m.pingOne(ctx, name)
			}
		}
	}()
}

func (m *Manager) StopChecker() {
	if m.stop != nil {
		m.stop()
	}
}

func (m *Manager) pingAll(ctx context.Context) {
	for name := range m.addrs {
		m.pingOne(ctx, name)
	}
}

func (m *Manager) pingOne(ctx context.Context, name string) {
	c, ok := m.cells[name]
	if !ok {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.transport.Ping(callCtx, m.addrs[name])
	c.setAvailable(err == nil)
	if m.onAvailability != nil {
		m.onAvailability(name, err == nil)
	}
	if err != nil {
		glog.V(cmn.SmoduleVerbose).Infof("link: ping to %s failed: %v", name, err)
	}
}

// RequestReconnect lets foreground code request an eager reconnect for a
// specific node without blocking: a request is dropped when the 64-slot
// queue is full. Requests are not de-duplicated; a node that is already
// queued is queued again.
func (m *Manager) RequestReconnect(name string) {
	select {
	case m.reconnect <- name:
	default:
	}
}

// Available reports a node's last-known connection liveness.
func (m *Manager) Available(name string) bool {
	c, ok := m.cells[name]
	return ok && c.isAvailable()
}

func (m *Manager) addrOf(name string) (string, error) {
	addr, ok := m.addrs[name]
	if !ok {
		return "", fmt.Errorf("link: unknown node %q", name)
	}
	return addr, nil
}

func (m *Manager) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.timeout)
}

// Put issues a remote PUT to node, applying operation_timeout.
func (m *Manager) Put(node string, key cmn.Key, data cmn.BlobData) error {
	addr, err := m.addrOf(node)
	if err != nil {
		return cmn.NewInternal(err.Error())
	}
	defer m.observe("put", time.Now())
	ctx, cancel := m.withTimeout()
	defer cancel()
	if err := m.transport.Put(ctx, addr, key, data); err != nil {
		m.RequestReconnect(node)
		return err
	}
	return nil
}

// Get issues a remote GET.
func (m *Manager) Get(node string, key cmn.Key) (cmn.BlobData, error) {
	addr, err := m.addrOf(node)
	if err != nil {
		return cmn.BlobData{}, cmn.NewInternal(err.Error())
	}
	defer m.observe("get", time.Now())
	ctx, cancel := m.withTimeout()
	defer cancel()
	return m.transport.Get(ctx, addr, key)
}

// Exist issues one batched remote EXIST call.
func (m *Manager) Exist(node string, keys []cmn.Key) ([]bool, error) {
	addr, err := m.addrOf(node)
	if err != nil {
		return nil, cmn.NewInternal(err.Error())
	}
	defer m.observe("exist", time.Now())
	ctx, cancel := m.withTimeout()
	defer cancel()
	return m.transport.Exist(ctx, addr, keys)
}

// PutAlien issues a remote alien-tagged PUT, used for hinted handoff to
// a support node.
func (m *Manager) PutAlien(node string, key cmn.Key, data cmn.BlobData, remoteNode string) error {
	addr, err := m.addrOf(node)
	if err != nil {
		return cmn.NewInternal(err.Error())
	}
	defer m.observe("put_alien", time.Now())
	ctx, cancel := m.withTimeout()
	defer cancel()
	if err := m.transport.PutAlien(ctx, addr, key, data, remoteNode); err != nil {
		m.RequestReconnect(node)
		return err
	}
	return nil
}

// GetAlien reads a remote node's alien copy tagged with remoteNode.
func (m *Manager) GetAlien(node string, key cmn.Key, remoteNode string) (cmn.BlobData, error) {
	addr, err := m.addrOf(node)
	if err != nil {
		return cmn.BlobData{}, cmn.NewInternal(err.Error())
	}
	defer m.observe("get_alien", time.Now())
	ctx, cancel := m.withTimeout()
	defer cancel()
	return m.transport.GetAlien(ctx, addr, key, remoteNode)
}
