package backend

import (
	"sync"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/group"
	"github.com/bobstore/bob/placement"
)

// InMemory is the map-backed backend variant: same routing semantics as
// the pearl facade (ownership check, alien tagging, last-writer-wins by
// timestamp) with no disk controllers beneath. Used for tests and
// diskless deployments.
type InMemory struct {
	localNode string
	mapper    *placement.Mapper

	mu     sync.RWMutex
	normal map[cmn.Key]cmn.BlobData
	alien  map[string]map[cmn.Key]cmn.BlobData // remote node tag -> records
}

var _ Store = (*InMemory)(nil)

func NewInMemory(localNode string, mapper *placement.Mapper) *InMemory {
	return &InMemory{
		localNode: localNode,
		mapper:    mapper,
		normal:    make(map[cmn.Key]cmn.BlobData),
		alien:     make(map[string]map[cmn.Key]cmn.BlobData),
	}
}

func (b *InMemory) Put(key cmn.Key, data cmn.BlobData, opts PutOptions) error {
	if len(opts.RemoteNodes) > 0 {
		for _, node := range opts.RemoteNodes {
			if err := b.PutAlien(key, data, node); err != nil {
				return err
			}
		}
		return nil
	}
	if _, _, hasLocal := b.mapper.GetOperation(key); !hasLocal {
		return cmn.NewInternal("key does not belong to this node")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.normal[key]; !ok || data.Timestamp >= existing.Timestamp {
		b.normal[key] = data
	}
	return nil
}

func (b *InMemory) Get(key cmn.Key) (cmn.BlobData, error) {
	if _, _, hasLocal := b.mapper.GetOperation(key); !hasLocal {
		return cmn.BlobData{}, cmn.NewInternal("key does not belong to this node")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	bd, ok := b.normal[key]
	if !ok {
		return cmn.BlobData{}, cmn.NewKeyNotFound(key[:])
	}
	return bd, nil
}

func (b *InMemory) PutAlien(key cmn.Key, data cmn.BlobData, remoteNode string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	shard, ok := b.alien[remoteNode]
	if !ok {
		shard = make(map[cmn.Key]cmn.BlobData)
		b.alien[remoteNode] = shard
	}
	if existing, ok := shard[key]; !ok || data.Timestamp >= existing.Timestamp {
		shard[key] = data
	}
	return nil
}

func (b *InMemory) GetAlien(key cmn.Key, remoteNode string) (cmn.BlobData, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if shard, ok := b.alien[remoteNode]; ok {
		if bd, ok := shard[key]; ok {
			return bd, nil
		}
	}
	return cmn.BlobData{}, cmn.NewKeyNotFound(key[:])
}

func (b *InMemory) Exist(keys []cmn.Key) ([]bool, error) {
	out := make([]bool, len(keys))
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i, key := range keys {
		if _, _, hasLocal := b.mapper.GetOperation(key); !hasLocal {
			continue
		}
		_, out[i] = b.normal[key]
	}
	return out, nil
}

// Groups reports nothing to evict: there are no holders beneath this
// variant.
func (b *InMemory) Groups() []*group.Group { return nil }
