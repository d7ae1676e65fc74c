// Package disk implements the Disk Controller: the health-monitored
// lifecycle of all groups on one physical disk.
package disk

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/group"
)

// State is the controller's lifecycle state.
type State int

const (
	StateNotReady State = iota
	StateInitialized
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateReady:
		return "Ready"
	default:
		return "NotReady"
	}
}

// Operation addresses one (vdisk, disk-path?, remote-node?) dispatch
// unit. Local operations carry DiskPath; alien operations carry
// RemoteNode.
type Operation struct {
	VDiskID    uint32
	DiskPath   string
	RemoteNode string
}

func (op Operation) IsAlien() bool { return op.RemoteNode != "" }

// Controller manages every group resident on one physical disk (or, when
// IsAlien is true, the dedicated alien groups keyed by remote node name).
type Controller struct {
	DiskName  string
	WorkDir   string
	IsAlien   bool

	period          uint64
	bloom           cmn.BloomConf
	allowDuplicates bool
	compressValues  bool
	validateEvery   int
	blobPrefix      string
	rootDirName     string

	mu     sync.RWMutex
	state  State
	groups map[groupKey]*group.Group

	monitorSem chan struct{} // single-slot: serializes state transitions
	dumpSem    chan struct{} // bounds concurrent disk-touching ops
	runSem     chan struct{} // bounds simultaneous group init on this controller

	stateGauge prometheus.Gauge
	utilGauge  prometheus.Gauge

	stopMonitor context.CancelFunc
}

type groupKey struct {
	vdiskID    uint32
	remoteNode string // empty for normal groups
}

// Config bundles the construction-time knobs a controller needs from
// cmn.NodeConfig's pearl sub-block plus the resource knobs.
type Config struct {
	Period              uint64
	Bloom               cmn.BloomConf
	AllowDuplicates     bool
	CompressValues      bool
	ValidateEvery       int
	BlobFileNamePrefix  string
	RootDirName         string
	DiskAccessParDegree int
	InitParDegree       int
}

// New constructs a controller in NotReady state. Call Init then GroupsRun
// to bring it up.
func New(diskName, workDir string, isAlien bool, cfg Config) *Controller {
	if cfg.DiskAccessParDegree <= 0 {
		cfg.DiskAccessParDegree = 1
	}
	if cfg.InitParDegree <= 0 {
		cfg.InitParDegree = 1
	}
	c := &Controller{
		DiskName:        diskName,
		WorkDir:         workDir,
		IsAlien:         isAlien,
		period:          cfg.Period,
		bloom:           cfg.Bloom,
		allowDuplicates: cfg.AllowDuplicates,
		compressValues:  cfg.CompressValues,
		validateEvery:   cfg.ValidateEvery,
		blobPrefix:      cfg.BlobFileNamePrefix,
		rootDirName:     cfg.RootDirName,
		groups:          make(map[groupKey]*group.Group),
		monitorSem:      make(chan struct{}, 1),
		dumpSem:         make(chan struct{}, cfg.DiskAccessParDegree),
		runSem:          make(chan struct{}, cfg.InitParDegree),
		stateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "bob_disk_controller_state",
			Help:        "0=NotReady 1=Initialized 2=Ready",
			ConstLabels: prometheus.Labels{"disk": diskName},
		}),
		utilGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "bob_disk_utilization",
			Help:        "busy fraction of the underlying drive, 0..1",
			ConstLabels: prometheus.Labels{"disk": diskName},
		}),
	}
	return c
}

func (c *Controller) transition(to State) {
	c.monitorSem <- struct{}{}
	defer func() { <-c.monitorSem }()

	c.mu.Lock()
	from := c.state
	valid := (from == StateNotReady && to == StateInitialized) ||
		(from == StateInitialized && to == StateReady) ||
		(to == StateNotReady)
	if !valid {
		c.mu.Unlock()
		glog.Warningf("disk %s: ignoring invalid transition %s -> %s", c.DiskName, from, to)
		return
	}
	c.state = to
	if to == StateNotReady {
		// broken indices must not stay resident.
		c.groups = make(map[groupKey]*group.Group)
	}
	c.mu.Unlock()
	c.stateGauge.Set(float64(to))
	glog.Infof("disk %s: %s -> %s", c.DiskName, from, to)
}

// Init moves NotReady -> Initialized, checking the work directory exists.
func (c *Controller) Init() error {
	if _, err := os.Stat(c.WorkDir); err != nil {
		return cmn.NewDCIsNotAvailable()
	}
	c.transition(StateInitialized)
	return nil
}

// GroupsRun moves Initialized -> Ready.
func (c *Controller) GroupsRun() {
	c.transition(StateReady)
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// StartMonitor launches the periodic health-check task: every interval, check the work directory still exists; if not,
// force NotReady.
func (c *Controller) StartMonitor(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	c.stopMonitor = cancel
	go func() {
		var sampler utilSampler
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := os.Stat(c.WorkDir); err != nil {
					glog.Warningf("disk %s: work dir missing, forcing NotReady", c.DiskName)
					c.transition(StateNotReady)
				}
				if util, ok := sampler.sample(); ok {
					c.utilGauge.Set(util)
				}
			}
		}
	}()
}

// StopMonitor cancels the monitor task, if running.
func (c *Controller) StopMonitor() {
	if c.stopMonitor != nil {
		c.stopMonitor()
	}
}

// Stop forces the controller to NotReady and cancels its monitor,
// serializing with any in-flight monitor transition via monitor_sem.
func (c *Controller) Stop() {
	c.StopMonitor()
	c.transition(StateNotReady)
}

// isDiskDisconnectErr classifies a storage error as "possible disk
// disconnection" (ENODEV, EIO-on-write and friends): the
// messages produced when the underlying os calls in pearl/blobfmt fail
// with media-removal-compatible errors.
func isDiskDisconnectErr(err error) bool {
	msg := err.Error()
	for _, sub := range []string{"no such device", "no such file or directory", "permission denied", "input/output error"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

func (c *Controller) groupFor(op Operation) (*group.Group, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key := groupKey{vdiskID: op.VDiskID, remoteNode: op.RemoteNode}
	g, ok := c.groups[key]
	return g, ok
}

// ensureGroup implements the double-checked-locking group creation for
// alien PUTs: the group is created on demand for the remote node.
func (c *Controller) ensureGroup(op Operation, ownerNode string) *group.Group {
	if g, ok := c.groupFor(op); ok {
		return g
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := groupKey{vdiskID: op.VDiskID, remoteNode: op.RemoteNode}
	if g, ok := c.groups[key]; ok {
		return g
	}
	dir := c.groupDirLocked(op)
	g := group.New(op.VDiskID, ownerNode, c.DiskName, dir, c.period, c.bloom, c.allowDuplicates)
	g.SetCompressValues(c.compressValues)
	g.SetValidateEvery(c.validateEvery)
	g.SetBlobFilePrefix(c.blobPrefix)

	// bound simultaneous group init.
	c.runSem <- struct{}{}
	err := g.DiscoverHolders()
	<-c.runSem
	if err != nil {
		glog.Warningf("disk %s: discovering holders for vdisk %d: %v", c.DiskName, op.VDiskID, err)
	}
	c.groups[key] = g
	return g
}

func (c *Controller) groupDirLocked(op Operation) string {
	vdisk := strconv.FormatUint(uint64(op.VDiskID), 10)
	if op.IsAlien() {
		return c.WorkDir + "/" + c.rootDirName + "/" + op.RemoteNode + "/" + vdisk
	}
	return c.WorkDir + "/" + c.rootDirName + "/" + vdisk
}

// Put dispatches a write to the single group where can_process_operation
// is true, creating the group on demand for alien writes.
func (c *Controller) Put(op Operation, ownerNode string, key cmn.Key, data cmn.BlobData) error {
	if c.State() != StateReady {
		return cmn.NewDCIsNotAvailable()
	}
	c.dumpSem <- struct{}{}
	defer func() { <-c.dumpSem }()

	var g *group.Group
	if op.IsAlien() {
		if !c.IsAlien {
			return cmn.NewInternal("non-alien controller received alien operation")
		}
		g = c.ensureGroup(op, ownerNode)
	} else {
		gg, ok := c.groupFor(op)
		if !ok {
			gg = c.ensureGroup(op, ownerNode)
		}
		g = gg
	}
	err := g.Put(key, data)
	if cmn.KindOf(err) == cmn.KindStorage && isDiskDisconnectErr(err) {
		glog.Warningf("disk %s: put looks like a disconnect, forcing NotReady", c.DiskName)
		c.transition(StateNotReady)
		return cmn.NewPossibleDiskDisconnection(err.Error())
	}
	return err
}

// Get dispatches a read.
func (c *Controller) Get(op Operation, key cmn.Key) (cmn.BlobData, error) {
	if c.State() != StateReady {
		return cmn.BlobData{}, cmn.NewDCIsNotAvailable()
	}
	g, ok := c.groupFor(op)
	if !ok {
		return cmn.BlobData{}, cmn.NewKeyNotFound(key[:])
	}
	return g.Get(key)
}

// Exist dispatches a batched existence check for one derived operation,
// preserving input order.
func (c *Controller) Exist(op Operation, keys []cmn.Key) ([]bool, error) {
	if c.State() != StateReady {
		return nil, cmn.NewDCIsNotAvailable()
	}
	out := make([]bool, len(keys))
	g, ok := c.groupFor(op)
	if !ok {
		return out, nil
	}
	for i, key := range keys {
		found, err := g.Exist(key)
		if err != nil {
			continue
		}
		out[i] = found
	}
	return out, nil
}

// Groups returns a snapshot of every resident group, for the governor and
// periodic tasks.
func (c *Controller) Groups() []*group.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*group.Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	return out
}
