package pearl

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/devtools/tassert"
)

func testBloomConf() cmn.BloomConf {
	return cmn.BloomConf{
		Elements: 100, HashersCount: 3, MaxBufBitsCount: 8192,
		BufIncreaseStep: 256, PreferredFalsePositiveRate: 0.01,
	}
}

func TestHolderWriteNotReadyBeforePrepare(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "0")
	h := New(0, 86400, dir, testBloomConf(), true)
	err := h.Write(cmn.NewKey(1), cmn.BlobData{Timestamp: 1, Value: []byte("v")})
	tassert.Fatalf(t, err != nil, "expected VDiskIsNotReady before prepare")
	tassert.Errorf(t, cmn.KindOf(err) == cmn.KindVDiskIsNotReady, "wrong kind: %v", err)
}

func TestHolderWriteReadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "0")
	h := New(0, 86400, dir, testBloomConf(), true)
	tassert.CheckFatal(t, h.PrepareStorage())
	tassert.Errorf(t, h.State() == StateNormal, "expected Normal after prepare")

	key := cmn.NewKey(10)
	tassert.CheckFatal(t, h.Write(key, cmn.BlobData{Timestamp: 5, Value: []byte("a")}))

	got, err := h.Read(key)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, string(got.Value) == "a", "got %q", got.Value)

	exist, err := h.Exist(key)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, exist, "expected key to exist")
}

func TestHolderDuplicatePolicy(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "0")
	h := New(0, 86400, dir, testBloomConf(), false)
	tassert.CheckFatal(t, h.PrepareStorage())
	key := cmn.NewKey(1)
	tassert.CheckFatal(t, h.Write(key, cmn.BlobData{Timestamp: 1, Value: []byte("a")}))
	err := h.Write(key, cmn.BlobData{Timestamp: 2, Value: []byte("b")})
	tassert.Fatalf(t, err != nil, "expected DuplicateKey")
	tassert.Errorf(t, cmn.KindOf(err) == cmn.KindDuplicateKey, "wrong kind: %v", err)
}

func TestHolderCompressedWriteReadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "0")
	h := New(0, 86400, dir, testBloomConf(), true)
	h.SetCompressValues(true)
	tassert.CheckFatal(t, h.PrepareStorage())

	key := cmn.NewKey(11)
	value := []byte("repeat repeat repeat repeat repeat repeat")
	tassert.CheckFatal(t, h.Write(key, cmn.BlobData{Timestamp: 5, Value: value}))

	got, err := h.Read(key)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, string(got.Value) == string(value), "got %q want %q", got.Value, value)
}

func TestHolderValidateEveryAcceptsGoodWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "0")
	h := New(0, 86400, dir, testBloomConf(), true)
	h.SetValidateEvery(2)
	tassert.CheckFatal(t, h.PrepareStorage())
	for i := 0; i < 5; i++ {
		err := h.Write(cmn.NewKey(uint64(i)), cmn.BlobData{Timestamp: uint64(i), Value: []byte("v")})
		tassert.CheckFatal(t, err)
	}
}

func TestHolderWriteAfterCloseActiveBlob(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "0")
	h := New(0, 86400, dir, testBloomConf(), true)
	tassert.CheckFatal(t, h.PrepareStorage())
	tassert.CheckFatal(t, h.Write(cmn.NewKey(1), cmn.BlobData{Timestamp: 1, Value: []byte("a")}))

	h.CloseActiveBlob()
	tassert.Errorf(t, h.ActiveBlobMemoryUsage() == 0, "expected closed active blob")

	tassert.CheckFatal(t, h.Write(cmn.NewKey(2), cmn.BlobData{Timestamp: 2, Value: []byte("b")}))
	got, err := h.Read(cmn.NewKey(1))
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, string(got.Value) == "a", "reads survive an active-blob close, got %q", got.Value)
}

func TestHolderRecoversFromExistingBlob(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "0")
	h := New(0, 86400, dir, testBloomConf(), true)
	tassert.CheckFatal(t, h.PrepareStorage())
	key := cmn.NewKey(21)
	tassert.CheckFatal(t, h.Write(key, cmn.BlobData{Timestamp: 7, Value: []byte("persisted")}))
	h.Close()

	h2 := New(0, 86400, dir, testBloomConf(), true)
	tassert.CheckFatal(t, h2.PrepareStorage())
	got, err := h2.Read(key)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, string(got.Value) == "persisted", "got %q", got.Value)
	tassert.Errorf(t, got.Timestamp == 7, "timestamp not recovered: %d", got.Timestamp)
}

func TestHolderRecoveryTruncatesTrailingCorruption(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "0")
	h := New(0, 86400, dir, testBloomConf(), true)
	tassert.CheckFatal(t, h.PrepareStorage())
	key := cmn.NewKey(22)
	tassert.CheckFatal(t, h.Write(key, cmn.BlobData{Timestamp: 3, Value: []byte("kept")}))
	h.Close()

	// append garbage past the valid record
	f, err := os.OpenFile(h.blobPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	tassert.CheckFatal(t, err)
	_, err = f.Write([]byte("garbage garbage garbage"))
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, f.Close())

	h2 := New(0, 86400, dir, testBloomConf(), true)
	tassert.CheckFatal(t, h2.PrepareStorage())
	got, err := h2.Read(key)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, string(got.Value) == "kept", "got %q", got.Value)

	// the corrupt tail was truncated away
	raw, err := os.ReadFile(h2.blobPath())
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, !strings.Contains(string(raw), "garbage"), "expected corrupt tail truncated")
}

func TestHolderContains(t *testing.T) {
	h := New(100, 50, t.TempDir(), testBloomConf(), true)
	tassert.Errorf(t, h.Contains(100), "start is inclusive")
	tassert.Errorf(t, !h.Contains(150), "end is exclusive")
	tassert.Errorf(t, h.Contains(149), "149 is inside [100,150)")
}

func TestHolderOffloadAndRebuildFilter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "0")
	h := New(0, 86400, dir, testBloomConf(), true)
	tassert.CheckFatal(t, h.PrepareStorage())
	key := cmn.NewKey(3)
	tassert.CheckFatal(t, h.Write(key, cmn.BlobData{Timestamp: 1, Value: []byte("a")}))

	h.OffloadFilter()
	tassert.Errorf(t, !h.FilterLoaded(), "expected filter unloaded after offload")
	// still resolvable via the index map even with the filter offloaded
	exist, err := h.Exist(key)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, exist, "expected exist to fall through to the index")

	h.RebuildFilter()
	tassert.Errorf(t, h.FilterLoaded(), "expected filter loaded after rebuild")
}
