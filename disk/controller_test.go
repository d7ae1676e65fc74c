package disk

import (
	"testing"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/devtools/tassert"
)

func testConfig() Config {
	return Config{
		Period: 100,
		Bloom: cmn.BloomConf{
			Elements: 100, HashersCount: 3, MaxBufBitsCount: 8192,
			BufIncreaseStep: 256, PreferredFalsePositiveRate: 0.01,
		},
		AllowDuplicates: true,
		RootDirName:     "bob",
	}
}

func TestControllerDispatchRequiresReady(t *testing.T) {
	c := New("d1", t.TempDir(), false, testConfig())
	op := Operation{VDiskID: 1, DiskPath: "d1"}
	_, err := c.Get(op, cmn.NewKey(1))
	tassert.Fatalf(t, err != nil, "expected DCIsNotAvailable before ready")
	tassert.Errorf(t, cmn.KindOf(err) == cmn.KindDCIsNotAvailable, "wrong kind: %v", err)
}

func TestControllerLifecycleAndPut(t *testing.T) {
	c := New("d1", t.TempDir(), false, testConfig())
	tassert.CheckFatal(t, c.Init())
	tassert.Errorf(t, c.State() == StateInitialized, "expected Initialized")
	c.GroupsRun()
	tassert.Errorf(t, c.State() == StateReady, "expected Ready")

	op := Operation{VDiskID: 7, DiskPath: "d1"}
	key := cmn.NewKey(42)
	tassert.CheckFatal(t, c.Put(op, "n1", key, cmn.BlobData{Timestamp: 1, Value: []byte("v")}))

	got, err := c.Get(op, key)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, string(got.Value) == "v", "got %q", got.Value)
}

func TestControllerInitMissingWorkDirFails(t *testing.T) {
	c := New("d1", "/nonexistent/path/for/bob/test", false, testConfig())
	err := c.Init()
	tassert.Fatalf(t, err != nil, "expected init failure for missing work dir")
	tassert.Errorf(t, cmn.KindOf(err) == cmn.KindDCIsNotAvailable, "wrong kind: %v", err)
}

func TestControllerAlienGroupCreatedOnDemand(t *testing.T) {
	c := New("alien", t.TempDir(), true, testConfig())
	tassert.CheckFatal(t, c.Init())
	c.GroupsRun()

	op := Operation{VDiskID: 3, RemoteNode: "n2"}
	key := cmn.NewKey(1)
	tassert.CheckFatal(t, c.Put(op, "n1", key, cmn.BlobData{Timestamp: 1, Value: []byte("hint")}))
	groups := c.Groups()
	tassert.Errorf(t, len(groups) == 1, "expected one group created on demand, got %d", len(groups))
}
