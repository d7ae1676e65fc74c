// Package placement implements the static, read-only-after-construction
// key routing: key to vdisk, vdisk to replica nodes,
// local disk lookup, and support-node rotation for hinted handoff.
package placement

import (
	"sync/atomic"

	"github.com/bobstore/bob/cmn"
)

// Replica is one (node, disk) placement for a vdisk.
type Replica struct {
	Node string
	Disk string
}

// VDisk is a logical partition with its ordered replica list.
type VDisk struct {
	ID       uint32
	Replicas []Replica
}

// NodeInfo is the subset of a cluster node relevant to placement and
// connection liveness.
type NodeInfo struct {
	Name    string
	Address string
	Index   uint16
}

// Mapper is the static placement table, built once from cluster config.
type Mapper struct {
	localNode   string
	distributor Distributor
	vdisks      []VDisk
	nodes       []NodeInfo
	nodeIndex   map[string]int

	// vdiskByID supports O(1) lookup from vdisk id to its Replicas.
	vdiskByID map[uint32]VDisk

	supportOffset uint64 // atomic counter anchoring the support-node rotation

	// connAvailable reports per-node connection liveness; read by
	// GetSupportNodes. Owned by the link manager, written via SetConnAvailable.
	connAvailable map[string]*atomic.Bool
}

// New builds a Mapper from a resolved cluster config: the full node list,
// the full vdisk list, and which node is "local" (self).
func New(localNode string, nodes []NodeInfo, vdisks []VDisk, distributor Distributor) *Mapper {
	m := &Mapper{
		localNode:     localNode,
		distributor:   distributor,
		vdisks:        vdisks,
		nodes:         nodes,
		nodeIndex:     make(map[string]int, len(nodes)),
		vdiskByID:     make(map[uint32]VDisk, len(vdisks)),
		connAvailable: make(map[string]*atomic.Bool, len(nodes)),
	}
	for i, n := range nodes {
		m.nodeIndex[n.Name] = i
		b := &atomic.Bool{}
		b.Store(true)
		m.connAvailable[n.Name] = b
	}
	for _, v := range vdisks {
		m.vdiskByID[v.ID] = v
	}
	return m
}

// VDiskIDFromKey hashes key to a vdisk id using the configured
// distributor.
func (m *Mapper) VDiskIDFromKey(key cmn.Key) uint32 {
	return m.distributor.VDiskID(key, uint32(len(m.vdisks)))
}

// GetTargetNodes returns the replica node names for key's vdisk, in
// config order.
func (m *Mapper) GetTargetNodes(key cmn.Key) []string {
	id := m.VDiskIDFromKey(key)
	v, ok := m.vdiskByID[id]
	if !ok {
		return nil
	}
	out := make([]string, len(v.Replicas))
	for i, r := range v.Replicas {
		out[i] = r.Node
	}
	return out
}

// GetOperation returns the vdisk id for key and, if the local node hosts
// a replica of that vdisk, the local disk name.
func (m *Mapper) GetOperation(key cmn.Key) (vdiskID uint32, diskPath string, hasLocal bool) {
	vdiskID = m.VDiskIDFromKey(key)
	v, ok := m.vdiskByID[vdiskID]
	if !ok {
		return vdiskID, "", false
	}
	for _, r := range v.Replicas {
		if r.Node == m.localNode {
			return vdiskID, r.Disk, true
		}
	}
	return vdiskID, "", false
}

// SetConnAvailable updates the connection-liveness flag the support-node
// selector consults, owned by the link manager.
func (m *Mapper) SetConnAvailable(node string, available bool) {
	if b, ok := m.connAvailable[node]; ok {
		b.Store(available)
	}
}

// GetSupportNodes returns up to n connection-available nodes that are not
// target nodes for key, rotated by an atomic offset so successive calls
// favor different nodes.
func (m *Mapper) GetSupportNodes(key cmn.Key, n int) []string {
	if n <= 0 || len(m.nodes) == 0 {
		return nil
	}
	targets := make(map[string]bool)
	for _, t := range m.GetTargetNodes(key) {
		targets[t] = true
	}

	offset := atomic.AddUint64(&m.supportOffset, 1)
	start := int(offset % uint64(len(m.nodes)))

	out := make([]string, 0, n)
	selected := make(map[string]bool, n)

	// first pass: strict, connection-available only
	for i := 0; i < len(m.nodes) && len(out) < n; i++ {
		node := m.nodes[(start+i)%len(m.nodes)]
		if targets[node.Name] || selected[node.Name] {
			continue
		}
		if b, ok := m.connAvailable[node.Name]; ok && b.Load() {
			out = append(out, node.Name)
			selected[node.Name] = true
		}
	}
	// second, relaxed pass: if still short, include non-available nodes
	// not yet seen.
	if len(out) < n {
		for i := 0; i < len(m.nodes) && len(out) < n; i++ {
			node := m.nodes[(start+i)%len(m.nodes)]
			if targets[node.Name] || selected[node.Name] {
				continue
			}
			out = append(out, node.Name)
			selected[node.Name] = true
		}
	}
	return out
}

// Nodes returns the static node list.
func (m *Mapper) Nodes() []NodeInfo { return m.nodes }
