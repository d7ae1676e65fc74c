// Package backend implements the Backend Facade: it owns every
// disk controller plus the alien controller and routes an Operation to
// the right one, including the local compensating-alien-write fallback.
package backend

import (
	"github.com/golang/glog"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/disk"
	"github.com/bobstore/bob/group"
	"github.com/bobstore/bob/placement"
)

// PutOptions carries the per-call write routing knobs.
type PutOptions struct {
	RemoteNodes []string // non-empty => perform alien write(s) to these node names
}

// Store is the closed backend surface the rest of the node consumes: a
// tagged variant over in_memory | stub | pearl chosen at construction,
// no plugin loading.
type Store interface {
	Put(key cmn.Key, data cmn.BlobData, opts PutOptions) error
	Get(key cmn.Key) (cmn.BlobData, error)
	GetAlien(key cmn.Key, remoteNode string) (cmn.BlobData, error)
	PutAlien(key cmn.Key, data cmn.BlobData, remoteNode string) error
	Exist(keys []cmn.Key) ([]bool, error)
	Groups() []*group.Group
}

// NewStore resolves backendType into one of the three concrete backends.
func NewStore(backendType, localNode string, mapper *placement.Mapper, disks map[string]*disk.Controller, alien *disk.Controller) (Store, error) {
	switch backendType {
	case "pearl":
		return New(localNode, mapper, disks, alien), nil
	case "in_memory":
		return NewInMemory(localNode, mapper), nil
	case "stub":
		return NewStub(), nil
	}
	return nil, cmn.NewInternal("unknown backend type " + backendType)
}

// Backend owns disk_name -> *disk.Controller plus one alien controller.
type Backend struct {
	localNode string
	mapper    *placement.Mapper
	disks     map[string]*disk.Controller
	alien     *disk.Controller
}

var _ Store = (*Backend)(nil)

func New(localNode string, mapper *placement.Mapper, disks map[string]*disk.Controller, alien *disk.Controller) *Backend {
	return &Backend{localNode: localNode, mapper: mapper, disks: disks, alien: alien}
}

// Put implements the four-step PUT dispatch, including the
// compensating alien write on local failure.
func (b *Backend) Put(key cmn.Key, data cmn.BlobData, opts PutOptions) error {
	vdiskID, diskPath, hasLocal := b.mapper.GetOperation(key)

	if len(opts.RemoteNodes) > 0 {
		var firstErr error
		for _, node := range opts.RemoteNodes {
			op := disk.Operation{VDiskID: vdiskID, RemoteNode: node}
			if err := b.alien.Put(op, b.localNode, key, data); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	if hasLocal {
		op := disk.Operation{VDiskID: vdiskID, DiskPath: diskPath}
		c, ok := b.disks[diskPath]
		if !ok {
			return cmn.NewInternal("no controller for disk " + diskPath)
		}
		err := c.Put(op, b.localNode, key, data)
		if err == nil || cmn.KindOf(err) == cmn.KindDuplicateKey {
			return err
		}
		glog.Warningf("backend: local put failed (%v), writing compensating alien copy", err)
		alienOp := disk.Operation{VDiskID: vdiskID, RemoteNode: b.localNode}
		if alienErr := b.alien.Put(alienOp, b.localNode, key, data); alienErr != nil {
			return err
		}
		return nil
	}

	return cmn.NewInternal("key does not belong to this node")
}

// Get routes a read to the owning local disk controller.
func (b *Backend) Get(key cmn.Key) (cmn.BlobData, error) {
	vdiskID, diskPath, hasLocal := b.mapper.GetOperation(key)
	if !hasLocal {
		return cmn.BlobData{}, cmn.NewInternal("key does not belong to this node")
	}
	c, ok := b.disks[diskPath]
	if !ok {
		return cmn.BlobData{}, cmn.NewInternal("no controller for disk " + diskPath)
	}
	return c.Get(disk.Operation{VDiskID: vdiskID, DiskPath: diskPath}, key)
}

// GetAlien reads the local alien copy stashed under remoteNode's name.
func (b *Backend) GetAlien(key cmn.Key, remoteNode string) (cmn.BlobData, error) {
	vdiskID := b.mapper.VDiskIDFromKey(key)
	return b.alien.Get(disk.Operation{VDiskID: vdiskID, RemoteNode: remoteNode}, key)
}

// PutAlien writes a local alien copy tagged with remoteNode's name.
func (b *Backend) PutAlien(key cmn.Key, data cmn.BlobData, remoteNode string) error {
	vdiskID := b.mapper.VDiskIDFromKey(key)
	return b.alien.Put(disk.Operation{VDiskID: vdiskID, RemoteNode: remoteNode}, b.localNode, key, data)
}

// Exist groups keys by derived operation, issues one batched call per
// controller, and ORs per-shard booleans back in input order.
func (b *Backend) Exist(keys []cmn.Key) ([]bool, error) {
	out := make([]bool, len(keys))
	type shard struct {
		op      disk.Operation
		indices []int
	}
	shards := make(map[disk.Operation]*shard)
	for i, key := range keys {
		vdiskID, diskPath, hasLocal := b.mapper.GetOperation(key)
		if !hasLocal {
			continue
		}
		op := disk.Operation{VDiskID: vdiskID, DiskPath: diskPath}
		s, ok := shards[op]
		if !ok {
			s = &shard{op: op}
			shards[op] = s
		}
		s.indices = append(s.indices, i)
	}
	for _, s := range shards {
		c, ok := b.disks[s.op.DiskPath]
		if !ok {
			continue
		}
		sub := make([]cmn.Key, len(s.indices))
		for j, idx := range s.indices {
			sub[j] = keys[idx]
		}
		vec, err := c.Exist(s.op, sub)
		if err != nil {
			continue
		}
		for j := 0; j < len(vec) && j < len(s.indices); j++ {
			if vec[j] {
				out[s.indices[j]] = true
			}
		}
	}
	return out, nil
}

// AlienController exposes the alien controller for components (quorum,
// governor) that need direct access beyond the Put/Get helpers above.
func (b *Backend) AlienController() *disk.Controller { return b.alien }

// DiskControllers returns the disk_name -> controller map.
func (b *Backend) DiskControllers() map[string]*disk.Controller { return b.disks }

// Groups returns every resident group across every disk controller and
// the alien controller, for the governor to find eviction
// candidates.
func (b *Backend) Groups() []*group.Group {
	var out []*group.Group
	for _, c := range b.disks {
		out = append(out, c.Groups()...)
	}
	out = append(out, b.alien.Groups()...)
	return out
}
