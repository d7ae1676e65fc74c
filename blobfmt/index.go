package blobfmt

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/bobstore/bob/cmn"
)

const (
	indexVersion uint64 = 1
	indexWritten uint8  = 1
)

// IndexHeader is the fixed portion of an index file, followed by the
// bloom-filter bytes and then RecordsCount record headers.
type IndexHeader struct {
	RecordsCount     uint64
	RecordHeaderSize uint64
	FilterBufSize    uint64
	Hash             [32]byte
	Version          uint64
	Written          uint8
}

const indexHeaderSize = 8 + 8 + 8 + 32 + 8 + 1

// hashableBytes serializes the header with Hash zeroed and Written=0, the
// exact bytes the stored Hash is computed over.
func (h IndexHeader) hashableBytes() []byte {
	buf := make([]byte, indexHeaderSize)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], h.RecordsCount)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.RecordHeaderSize)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.FilterBufSize)
	off += 8
	off += 32 // Hash stays zeroed
	binary.LittleEndian.PutUint64(buf[off:], h.Version)
	off += 8
	buf[off] = 0 // Written stays zeroed
	return buf
}

// NewIndexHeader builds a header with Hash/Version/Written set correctly
// for serialization.
func NewIndexHeader(recordsCount, filterBufSize uint64) IndexHeader {
	h := IndexHeader{
		RecordsCount:     recordsCount,
		RecordHeaderSize: recordHeaderSize,
		FilterBufSize:    filterBufSize,
		Version:          indexVersion,
		Written:          indexWritten,
	}
	h.Hash = sha256.Sum256(h.hashableBytes())
	return h
}

func (h IndexHeader) Marshal() []byte {
	buf := make([]byte, indexHeaderSize)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], h.RecordsCount)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.RecordHeaderSize)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.FilterBufSize)
	off += 8
	copy(buf[off:off+32], h.Hash[:])
	off += 32
	binary.LittleEndian.PutUint64(buf[off:], h.Version)
	off += 8
	buf[off] = h.Written
	return buf
}

func UnmarshalIndexHeader(buf []byte) (IndexHeader, error) {
	var h IndexHeader
	if len(buf) < indexHeaderSize {
		return h, cmn.NewStorage("index header truncated")
	}
	off := 0
	h.RecordsCount = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.RecordHeaderSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.FilterBufSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	copy(h.Hash[:], buf[off:off+32])
	off += 32
	h.Version = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.Written = buf[off]

	if err := h.Validate(); err != nil {
		return h, err
	}
	want := sha256.Sum256(h.hashableBytes())
	if want != h.Hash {
		return h, cmn.NewStorage("Header is corrupt")
	}
	return h, nil
}

// Validate checks the version/written sentinels: "version != 1
// or written != 1 => corrupt".
func (h IndexHeader) Validate() error {
	if h.Version != indexVersion {
		return cmn.NewStorage("header version mismatch")
	}
	if h.Written != indexWritten {
		return cmn.NewStorage("Header is corrupt")
	}
	return nil
}

// Index is the fully decoded companion index: header, bloom filter bytes,
// and one RecordHeader per stored record (in append order).
type Index struct {
	Header  IndexHeader
	Filter  []byte
	Records []RecordHeader
}

// Marshal serializes header || filter bytes || record headers, computing
// each record header's checksum the way RecordHeader.Marshal does.
func (idx Index) Marshal() []byte {
	out := make([]byte, 0, indexHeaderSize+len(idx.Filter)+len(idx.Records)*recordHeaderSize)
	out = append(out, idx.Header.Marshal()...)
	out = append(out, idx.Filter...)
	for _, rh := range idx.Records {
		out = append(out, rh.Marshal()...)
	}
	return out
}

// UnmarshalIndex decodes a full index file's bytes.
func UnmarshalIndex(buf []byte) (Index, error) {
	var idx Index
	h, err := UnmarshalIndexHeader(buf)
	if err != nil {
		return idx, err
	}
	idx.Header = h
	off := indexHeaderSize
	if len(buf) < off+int(h.FilterBufSize) {
		return idx, cmn.NewStorage("index filter truncated")
	}
	idx.Filter = append([]byte(nil), buf[off:off+int(h.FilterBufSize)]...)
	off += int(h.FilterBufSize)

	idx.Records = make([]RecordHeader, 0, h.RecordsCount)
	for i := uint64(0); i < h.RecordsCount; i++ {
		if len(buf) < off+recordHeaderSize {
			return idx, cmn.NewStorage("index record headers truncated")
		}
		rh, err := UnmarshalRecordHeader(buf[off: off+recordHeaderSize])
		if err != nil {
			return idx, err
		}
		idx.Records = append(idx.Records, rh)
		off += recordHeaderSize
	}
	return idx, nil
}
