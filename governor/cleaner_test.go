package governor

import (
	"testing"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/devtools/tassert"
	"github.com/bobstore/bob/group"
)

func testBloomConf() cmn.BloomConf {
	return cmn.BloomConf{
		Elements: 100, HashersCount: 3, MaxBufBitsCount: 8192,
		BufIncreaseStep: 256, PreferredFalsePositiveRate: 0.01,
	}
}

type fakeSource struct {
	groups []*group.Group
}

func (s *fakeSource) Groups() []*group.Group { return s.groups }

func newTestGroup(t *testing.T) *group.Group {
	return group.New(0, "n1", "d1", t.TempDir(), 100, testBloomConf(), true)
}

func TestCleanerClosesUnneededActiveBlobs(t *testing.T) {
	g := newTestGroup(t)
	tassert.CheckFatal(t, g.Put(cmn.NewKey(1), cmn.BlobData{Timestamp: 0, Value: []byte("a")}))
	tassert.CheckFatal(t, g.Put(cmn.NewKey(2), cmn.BlobData{Timestamp: 100, Value: []byte("b")}))
	tassert.CheckFatal(t, g.Put(cmn.NewKey(3), cmn.BlobData{Timestamp: 200, Value: []byte("c")}))

	before := g.Holders()
	tassert.Fatalf(t, len(before) == 3, "expected 3 holders, got %d", len(before))
	for _, h := range before {
		tassert.Errorf(t, h.ActiveBlobMemoryUsage() > 0, "expected active blob buffer before cleanup")
	}

	c := New(&fakeSource{groups: []*group.Group{g}}, Config{SoftOpenBlobs: 1, HardOpenBlobs: 2})
	c.runSlowPass()

	holders := g.Holders()
	tassert.Errorf(t, holders[0].ActiveBlobMemoryUsage() == 0, "expected oldest holder's active blob closed")

	// read correctness is unaffected by closing the active blob buffer.
	got, err := g.Get(cmn.NewKey(1))
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, string(got.Value) == "a", "got %q", got.Value)
}

func TestCleanerEvictsBloomFiltersOldestFirst(t *testing.T) {
	g := newTestGroup(t)
	tassert.CheckFatal(t, g.Put(cmn.NewKey(1), cmn.BlobData{Timestamp: 0, Value: []byte("a")}))
	tassert.CheckFatal(t, g.Put(cmn.NewKey(2), cmn.BlobData{Timestamp: 100, Value: []byte("b")}))

	holders := g.Holders()
	var total int64
	for _, h := range holders {
		total += h.FilterMemoryUsage()
	}
	tassert.Fatalf(t, total > 0, "expected nonzero bloom memory before eviction")

	c := New(&fakeSource{groups: []*group.Group{g}}, Config{BloomFilterMemoryLimit: 1})
	c.runSlowPass()

	tassert.Errorf(t, !holders[0].FilterLoaded(), "expected oldest holder's filter evicted")
	// exist still resolves correctly by falling through to the index.
	ok, err := g.Exist(cmn.NewKey(1))
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, ok, "expected exist true even with filter offloaded")
}

func TestCleanerFastPassDebounce(t *testing.T) {
	g := newTestGroup(t)
	c := New(&fakeSource{groups: []*group.Group{g}}, Config{IndexMemoryLimit: 1})
	c.RequestIndexCleanup()
	c.RequestIndexCleanup() // duplicate while pending is a no-op, not a second timer
}

func TestIndexMemoryLimitSoftDefaultsToTenNinths(t *testing.T) {
	c := New(&fakeSource{}, Config{IndexMemoryLimit: 900})
	tassert.Errorf(t, c.cfg.IndexMemoryLimitSoft == 1000, "expected soft limit 1000, got %d", c.cfg.IndexMemoryLimitSoft)
}
