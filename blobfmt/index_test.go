package blobfmt

import (
	"testing"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/devtools/tassert"
)

func TestIndexHeaderRoundTrip(t *testing.T) {
	h := NewIndexHeader(3, 128)
	got, err := UnmarshalIndexHeader(h.Marshal())
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, got == h, "round trip mismatch")
}

func TestIndexHeaderVersionMismatch(t *testing.T) {
	h := NewIndexHeader(0, 0)
	h.Version = 2
	buf := h.Marshal() // note: stale Hash, but Version check fires first
	_, err := UnmarshalIndexHeader(buf)
	tassert.Fatalf(t, err != nil, "expected version mismatch error")
}

func TestIndexHeaderNotWritten(t *testing.T) {
	h := NewIndexHeader(0, 0)
	h.Written = 0
	buf := h.Marshal()
	_, err := UnmarshalIndexHeader(buf)
	tassert.Fatalf(t, err != nil, "expected corrupt-header error")
}

func TestIndexRoundTrip(t *testing.T) {
	bf := NewBloomFilter(cmn.BloomConf{
		Elements: 100, HashersCount: 3, MaxBufBitsCount: 8192,
		BufIncreaseStep: 64, PreferredFalsePositiveRate: 0.01,
	})
	k := cmn.NewKey(5)
	bf.Add(k)
	filterBytes := bf.Marshal()

	rh := NewRecord(k, nil, cmn.BlobData{Timestamp: 1, Value: []byte("v")}, 0, false).Header
	idx := Index{
		Header:  NewIndexHeader(1, uint64(len(filterBytes))),
		Filter:  filterBytes,
		Records: []RecordHeader{rh},
	}
	buf := idx.Marshal()
	got, err := UnmarshalIndex(buf)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, len(got.Records) == 1, "want 1 record, got %d", len(got.Records))
	tassert.Errorf(t, got.Records[0].Key == k, "key mismatch")
}
