// Package group implements the Group: the ordered set of holders for one
// vdisk on one disk, picking the current holder for writes and
// fanning reads across every holder.
package group

import (
	"sort"
	"sync"

	"github.com/golang/glog"

	"github.com/bobstore/bob/blobfmt"
	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/pearl"
)

// Group owns holders ordered by StartTimestamp, serializing holder-list
// mutations behind a single-writer mutex.
type Group struct {
	VDiskID        uint32
	OwningNode     string
	DiskName       string
	Dir            string
	AlienNodeName  string // non-empty for alien groups

	period          uint64
	bloom           cmn.BloomConf
	allowDuplicates bool
	compressValues  bool
	validateEvery   int
	blobPrefix      string

	mu      sync.RWMutex
	holders []*pearl.Holder // sorted ascending by StartTimestamp
}

// New constructs an empty group; holders are created lazily on first
// write to their interval.
func New(vdiskID uint32, owningNode, diskName, dir string, period uint64, bloom cmn.BloomConf, allowDuplicates bool) *Group {
	return &Group{
		VDiskID:         vdiskID,
		OwningNode:      owningNode,
		DiskName:        diskName,
		Dir:             dir,
		period:          period,
		bloom:           bloom,
		allowDuplicates: allowDuplicates,
	}
}

// SetCompressValues toggles LZ4 framing for every holder this group
// creates from now on, wired from disk.Controller.
func (g *Group) SetCompressValues(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.compressValues = v
}

// SetValidateEvery enables write-back verification of the last n records
// in every holder this group creates from now on.
func (g *Group) SetValidateEvery(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validateEvery = n
}

// SetBlobFilePrefix overrides the blob/index file name prefix for every
// holder this group creates from now on.
func (g *Group) SetBlobFilePrefix(p string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blobPrefix = p
}

// newHolderLocked constructs a holder carrying the group's per-holder
// knobs.
func (g *Group) newHolderLocked(start uint64, dir string) *pearl.Holder {
	h := pearl.New(start, g.period, dir, g.bloom, g.allowDuplicates)
	h.SetCompressValues(g.compressValues)
	h.SetValidateEvery(g.validateEvery)
	h.SetBlobFilePrefix(g.blobPrefix)
	return h
}

// DiscoverHolders scans the group directory for existing partition
// subdirectories and attaches a holder per interval found, so records
// written by a previous run are served again. Partition
// names that do not align to the period are skipped with a warning, like
// unparseable ones.
func (g *Group) DiscoverHolders() error {
	parts, err := blobfmt.ListPartitions(g.Dir)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range parts {
		if p.StartTimestamp%g.period != 0 {
			glog.Warningf("group: vdisk %d skipping misaligned partition %d", g.VDiskID, p.StartTimestamp)
			continue
		}
		if g.holderAtLocked(p.StartTimestamp) != nil {
			continue
		}
		h := g.newHolderLocked(p.StartTimestamp, p.Dir)
		if err := h.PrepareStorage(); err != nil {
			return err
		}
		g.holders = append(g.holders, h)
	}
	sort.Slice(g.holders, func(i, j int) bool { return g.holders[i].StartTimestamp < g.holders[j].StartTimestamp })
	return nil
}

func (g *Group) holderAtLocked(start uint64) *pearl.Holder {
	for _, h := range g.holders {
		if h.StartTimestamp == start {
			return h
		}
	}
	return nil
}

// alignStart floors ts to the nearest period boundary.
func alignStart(ts, period uint64) uint64 {
	return (ts / period) * period
}

// holderForLocked returns the holder whose interval contains ts, or nil.
func (g *Group) holderForLocked(ts uint64) *pearl.Holder {
	for _, h := range g.holders {
		if h.Contains(ts) {
			return h
		}
	}
	return nil
}

// Put appends data to the holder owning data.Timestamp, creating it if
// necessary. Creation races are serialized under the write lock so only
// one holder per interval is ever added.
func (g *Group) Put(key cmn.Key, data cmn.BlobData) error {
	g.mu.Lock()
	h := g.holderForLocked(data.Timestamp)
	if h == nil {
		start := alignStart(data.Timestamp, g.period)
		h = g.newHolderLocked(start, pearl.PartitionDir(g.Dir, start))
		cmn.Assert(h.Contains(data.Timestamp), "group: new holder misses its own record timestamp")
		if err := h.PrepareStorage(); err != nil {
			g.mu.Unlock()
			return err
		}
		g.holders = append(g.holders, h)
		sort.Slice(g.holders, func(i, j int) bool { return g.holders[i].StartTimestamp < g.holders[j].StartTimestamp })
		glog.V(cmn.SmoduleVerbose).Infof("group: vdisk %d created holder at %d", g.VDiskID, start)
	}
	g.mu.Unlock()
	return h.Write(key, data)
}

// Get queries every holder, returning the record with the maximum
// timestamp. KeyNotFound only if every holder misses; any other error
// from a holder is surfaced as Failed rather than masked.
func (g *Group) Get(key cmn.Key) (cmn.BlobData, error) {
	g.mu.RLock()
	holders := append([]*pearl.Holder(nil), g.holders...)
	g.mu.RUnlock()

	var (
		best    cmn.BlobData
		found   bool
		hadErr  bool
	)
	for _, h := range holders {
		bd, err := h.Read(key)
		if err != nil {
			if cmn.KindOf(err) == cmn.KindKeyNotFound {
				continue
			}
			hadErr = true
			continue
		}
		if !found || bd.Timestamp > best.Timestamp {
			best = bd
			found = true
		}
	}
	if found {
		return best, nil
	}
	if hadErr {
		return cmn.BlobData{}, cmn.NewFailed("cannot read from some pearls")
	}
	return cmn.BlobData{}, cmn.NewKeyNotFound(key[:])
}

// Exist ORs per-holder existence checks.
func (g *Group) Exist(key cmn.Key) (bool, error) {
	g.mu.RLock()
	holders := append([]*pearl.Holder(nil), g.holders...)
	g.mu.RUnlock()

	for _, h := range holders {
		ok, err := h.Exist(key)
		if err != nil {
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Attach adds a new empty holder for the interval starting at start.
// Attaching a start that already exists is a PearlChangeState error.
func (g *Group) Attach(start uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holderAtLocked(start) != nil {
		return cmn.NewPearlChangeState("already exists")
	}
	h := g.newHolderLocked(start, pearl.PartitionDir(g.Dir, start))
	if err := h.PrepareStorage(); err != nil {
		return err
	}
	g.holders = append(g.holders, h)
	sort.Slice(g.holders, func(i, j int) bool { return g.holders[i].StartTimestamp < g.holders[j].StartTimestamp })
	return nil
}

// Detach closes and removes an existing, non-current holder, returning it
// for deletion by the caller. Detaching the current writer fails.
func (g *Group) Detach(start uint64, now uint64) (*pearl.Holder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, h := range g.holders {
		if h.StartTimestamp != start {
			continue
		}
		if h.Contains(now) {
			return nil, cmn.NewPearlChangeState("current active pearl cannot be detached")
		}
		h.Close()
		g.holders = append(g.holders[:i], g.holders[i+1:]...)
		return h, nil
	}
	return nil, cmn.NewPearlChangeState("no such holder")
}

// CloseUnneededActiveBlobs closes the active storage of the oldest
// holders beyond hard, aiming to keep only soft resident.
func (g *Group) CloseUnneededActiveBlobs(soft, hard int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if hard <= 0 || len(g.holders) <= hard {
		return
	}
	excess := len(g.holders) - soft
	for i := 0; i < excess && i < len(g.holders); i++ {
		g.holders[i].CloseActiveBlob()
	}
}

// Holders returns a snapshot of the holder list, oldest first.
func (g *Group) Holders() []*pearl.Holder {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*pearl.Holder(nil), g.holders...)
}
