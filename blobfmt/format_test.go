package blobfmt

import (
	"testing"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/devtools/tassert"
)

func TestBlobHeaderRoundTrip(t *testing.T) {
	h := NewBlobHeader(0)
	got, err := UnmarshalBlobHeader(h.Marshal())
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, got == h, "round trip mismatch: got %+v want %+v", got, h)
}

func TestBlobHeaderBadMagic(t *testing.T) {
	buf := NewBlobHeader(0).Marshal()
	buf[0] ^= 0xff
	_, err := UnmarshalBlobHeader(buf)
	tassert.Fatalf(t, err != nil, "expected magic byte error")
	tassert.Errorf(t, cmn.KindOf(err) == cmn.KindStorage, "expected Storage kind, got %v", err)
}

func TestRecordRoundTrip(t *testing.T) {
	key := cmn.NewKey(42)
	blob := cmn.BlobData{Timestamp: 100, Value: []byte("hello world")}
	rec := NewRecord(key, []byte("meta"), blob, 0, false)

	buf := rec.Marshal()
	got, n, err := ReadRecord(buf)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, n == len(buf), "consumed %d want %d", n, len(buf))
	tassert.Errorf(t, got.Header.Key == key, "key mismatch")

	bd := got.BlobData()
	tassert.Errorf(t, bd.Timestamp == blob.Timestamp, "timestamp mismatch: %d vs %d", bd.Timestamp, blob.Timestamp)
	tassert.Errorf(t, string(bd.Value) == string(blob.Value), "value mismatch: %q vs %q", bd.Value, blob.Value)
}

func TestRecordRoundTripCompressed(t *testing.T) {
	key := cmn.NewKey(43)
	blob := cmn.BlobData{Timestamp: 200, Value: []byte("hello compressed world, hello compressed world")}
	rec := NewRecord(key, []byte("meta"), blob, 0, true)
	tassert.Errorf(t, rec.Header.Flags&RecordFlagCompressed != 0, "expected RecordFlagCompressed set")

	buf := rec.Marshal()
	got, _, err := ReadRecord(buf)
	tassert.CheckFatal(t, err)

	bd := got.BlobData()
	tassert.Errorf(t, bd.Timestamp == blob.Timestamp, "timestamp mismatch: %d vs %d", bd.Timestamp, blob.Timestamp)
	tassert.Errorf(t, string(bd.Value) == string(blob.Value), "value mismatch: %q vs %q", bd.Value, blob.Value)
}

func TestRecordBadChecksum(t *testing.T) {
	key := cmn.NewKey(1)
	blob := cmn.BlobData{Timestamp: 1, Value: []byte("x")}
	rec := NewRecord(key, nil, blob, 0, false)
	buf := rec.Marshal()
	buf[len(buf)-1] ^= 0xff // corrupt last byte of data
	_, _, err := ReadRecord(buf)
	tassert.Fatalf(t, err != nil, "expected checksum failure")
}

func TestRecoveryWalkStopsAtCorruption(t *testing.T) {
	key := cmn.NewKey(7)
	var buf []byte
	var good []Record
	for i := 0; i < 3; i++ {
		rec := NewRecord(key, nil, cmn.BlobData{Timestamp: uint64(i), Value: []byte("v")}, uint64(len(buf)), false)
		buf = append(buf, rec.Marshal()...)
		good = append(good, rec)
	}
	// append one more, truncated, record header
	buf = append(buf, make([]byte, recordHeaderSize/2)...)

	records, consumed := RecoveryWalk(buf)
	tassert.Errorf(t, len(records) == len(good), "recovered %d records, want %d", len(records), len(good))
	tassert.Errorf(t, consumed < len(buf), "expected recovery to stop before EOF")
	for i := range good {
		tassert.Errorf(t, records[i].Header.Key == good[i].Header.Key, "record %d key mismatch", i)
	}
}
