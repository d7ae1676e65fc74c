package backend

import (
	"testing"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/devtools/tassert"
	"github.com/bobstore/bob/disk"
	"github.com/bobstore/bob/placement"
)

func testDiskConfig() disk.Config {
	return disk.Config{
		Period: 1000,
		Bloom: cmn.BloomConf{
			Elements: 100, HashersCount: 3, MaxBufBitsCount: 8192,
			BufIncreaseStep: 256, PreferredFalsePositiveRate: 0.01,
		},
		AllowDuplicates: true,
		RootDirName:     "bob",
	}
}

func newReadyController(t *testing.T, name string, isAlien bool) *disk.Controller {
	c := disk.New(name, t.TempDir(), isAlien, testDiskConfig())
	tassert.CheckFatal(t, c.Init())
	c.GroupsRun()
	return c
}

func newTestBackend(t *testing.T) *Backend {
	nodes := []placement.NodeInfo{{Name: "n1"}}
	vdisks := []placement.VDisk{{ID: 0, Replicas: []placement.Replica{{Node: "n1", Disk: "d1"}}}}
	m := placement.New("n1", nodes, vdisks, placement.PolyModDistributor{})

	d1 := newReadyController(t, "d1", false)
	alien := newReadyController(t, "alien", true)
	return New("n1", m, map[string]*disk.Controller{"d1": d1}, alien)
}

func TestBackendLocalPutGet(t *testing.T) {
	b := newTestBackend(t)
	key := cmn.NewKey(1)
	tassert.CheckFatal(t, b.Put(key, cmn.BlobData{Timestamp: 1, Value: []byte("v")}, PutOptions{}))

	got, err := b.Get(key)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, string(got.Value) == "v", "got %q", got.Value)
}

func TestBackendAlienPut(t *testing.T) {
	b := newTestBackend(t)
	key := cmn.NewKey(1)
	tassert.CheckFatal(t, b.Put(key, cmn.BlobData{Timestamp: 1, Value: []byte("hint")}, PutOptions{RemoteNodes: []string{"n2"}}))

	got, err := b.GetAlien(key, "n1") // alien is tagged with n2, the node it stands in for, not the writer's own name
	tassert.Fatalf(t, err != nil, "expected no alien copy tagged n1")
	_ = got
}

func TestBackendPutNonLocalKeyFails(t *testing.T) {
	nodes := []placement.NodeInfo{{Name: "n1"}, {Name: "n2"}}
	vdisks := []placement.VDisk{{ID: 0, Replicas: []placement.Replica{{Node: "n2", Disk: "d1"}}}}
	m := placement.New("n1", nodes, vdisks, placement.PolyModDistributor{})
	alien := newReadyController(t, "alien", true)
	b := New("n1", m, map[string]*disk.Controller{}, alien)

	err := b.Put(cmn.NewKey(1), cmn.BlobData{Timestamp: 1, Value: []byte("v")}, PutOptions{})
	tassert.Fatalf(t, err != nil, "expected Internal error for non-local key")
	tassert.Errorf(t, cmn.KindOf(err) == cmn.KindInternal, "wrong kind: %v", err)
}

func TestNewStoreResolvesClosedSet(t *testing.T) {
	nodes := []placement.NodeInfo{{Name: "n1"}}
	vdisks := []placement.VDisk{{ID: 0, Replicas: []placement.Replica{{Node: "n1", Disk: "d1"}}}}
	m := placement.New("n1", nodes, vdisks, placement.PolyModDistributor{})

	for _, bt := range []string{"in_memory", "stub"} {
		s, err := NewStore(bt, "n1", m, nil, nil)
		tassert.CheckFatal(t, err)
		tassert.Fatalf(t, s != nil, "expected a store for %q", bt)
	}
	_, err := NewStore("mystery", "n1", m, nil, nil)
	tassert.Fatalf(t, err != nil, "expected unknown backend type rejection")
}

func TestInMemoryPutGetLastWriterWins(t *testing.T) {
	nodes := []placement.NodeInfo{{Name: "n1"}}
	vdisks := []placement.VDisk{{ID: 0, Replicas: []placement.Replica{{Node: "n1", Disk: "d1"}}}}
	m := placement.New("n1", nodes, vdisks, placement.PolyModDistributor{})
	b := NewInMemory("n1", m)

	key := cmn.NewKey(1)
	tassert.CheckFatal(t, b.Put(key, cmn.BlobData{Timestamp: 20, Value: []byte("new")}, PutOptions{}))
	tassert.CheckFatal(t, b.Put(key, cmn.BlobData{Timestamp: 10, Value: []byte("old")}, PutOptions{}))

	got, err := b.Get(key)
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, string(got.Value) == "new", "stale write must not shadow the fresher one, got %q", got.Value)

	tassert.CheckFatal(t, b.PutAlien(key, cmn.BlobData{Timestamp: 5, Value: []byte("hint")}, "n2"))
	hint, err := b.GetAlien(key, "n2")
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, string(hint.Value) == "hint", "got %q", hint.Value)
}

func TestStubAcknowledgesAndForgets(t *testing.T) {
	s := NewStub()
	key := cmn.NewKey(9)
	tassert.CheckFatal(t, s.Put(key, cmn.BlobData{Timestamp: 1, Value: []byte("v")}, PutOptions{}))
	_, err := s.Get(key)
	tassert.Fatalf(t, err != nil, "stub reads always miss")
	tassert.Errorf(t, cmn.KindOf(err) == cmn.KindKeyNotFound, "wrong kind: %v", err)

	out, err := s.Exist([]cmn.Key{key})
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, len(out) == 1 && !out[0], "stub exist must be all false")
}

func TestBackendExistPreservesOrder(t *testing.T) {
	b := newTestBackend(t)
	k1, k2, k3 := cmn.NewKey(1), cmn.NewKey(2), cmn.NewKey(3)
	tassert.CheckFatal(t, b.Put(k1, cmn.BlobData{Timestamp: 1, Value: []byte("a")}, PutOptions{}))

	out, err := b.Exist([]cmn.Key{k1, k2, k3})
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, out[0] && !out[1] && !out[2], "unexpected exist vector: %v", out)
}
