package placement

import (
	"github.com/OneOfOne/xxhash"

	"github.com/bobstore/bob/cmn"
)

// Distributor hashes a key to a vdisk id. The set of implementations is
// closed at construction time.
type Distributor interface {
	VDiskID(key cmn.Key, vdiskCount uint32) uint32
}

// PolyModDistributor is the default distribution: treat key bytes as
// little-endian base-256 digits, reduce modulo vdiskCount. key[i] is
// weighted by 256^i mod N, so key[0], the least significant byte, gets
// weight 1.
//
// This iterates bytes in insertion order but multiplies the weight by
// 256 mod N per byte; for small N this produces a biased distribution.
// Flagged for implementer review, not silently corrected.
type PolyModDistributor struct{}

func (PolyModDistributor) VDiskID(key cmn.Key, vdiskCount uint32) uint32 {
	if vdiskCount == 0 {
		return 0
	}
	n := uint64(vdiskCount)
	acc := uint64(0)
	pow := uint64(1) % n
	for _, b := range key {
		acc = (acc + uint64(b)*pow) % n
		pow = pow * 256 % n
	}
	return uint32(acc)
}

// XXHashDistributor is an opt-in alternative with better distribution for
// small vdisk counts, selected via NodeConfig.Placement.Distribution.
type XXHashDistributor struct{}

func (XXHashDistributor) VDiskID(key cmn.Key, vdiskCount uint32) uint32 {
	if vdiskCount == 0 {
		return 0
	}
	h := xxhash.Checksum64(key[:])
	return uint32(h % uint64(vdiskCount))
}
