package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/devtools/tassert"
	"github.com/bobstore/bob/group"
)

func TestCountersRecordResult(t *testing.T) {
	c := NewCounters("n1")
	c.RecordResult("put", nil)
	c.RecordResult("get", nil)
	c.RecordResult("get", cmn.NewKeyNotFound(nil))
	c.RecordResult("delete", cmn.NewInternal("boom"))

	s := c.Snapshot()
	tassert.Errorf(t, s.Put == 1, "expected put=1, got %d", s.Put)
	tassert.Errorf(t, s.Get == 2, "expected get=2, got %d", s.Get)
	tassert.Errorf(t, s.KeyNotFound == 1, "expected key_not_found=1, got %d", s.KeyNotFound)
	tassert.Errorf(t, s.Delete == 1, "expected delete=1, got %d", s.Delete)
	tassert.Errorf(t, s.Errors == 1, "expected errors=1, got %d", s.Errors)
}

func TestRunnerShutdownOnContextCancel(t *testing.T) {
	c := NewCounters("n1")
	called := make(chan struct{}, 1)
	r := NewRunner(c, func() { called <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("expected onShutdown to be called")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Start to return")
	}
}

func TestRunnerLogsOnTick(t *testing.T) {
	c := NewCounters("n1")
	c.RecordResult("put", nil)
	r := NewRunner(c, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.Start(ctx, 10*time.Millisecond)
	// no assertions beyond "doesn't hang/panic" — logCounts writes to glog.
}

type fakeGroupSource struct{ groups []*group.Group }

func (s *fakeGroupSource) Groups() []*group.Group { return s.groups }

func TestShutdownClosesEveryHolder(t *testing.T) {
	bloom := cmn.BloomConf{Elements: 100, HashersCount: 3, MaxBufBitsCount: 8192, BufIncreaseStep: 256, PreferredFalsePositiveRate: 0.01}
	g := group.New(0, "n1", "d1", t.TempDir(), 100, bloom, true)
	tassert.CheckFatal(t, g.Put(cmn.NewKey(1), cmn.BlobData{Timestamp: 0, Value: []byte("a")}))

	// Shutdown should not panic even though Holder.Close doesn't expose an
	// observable "closed" flag; this exercises the deterministic pass.
	Shutdown(&fakeGroupSource{groups: []*group.Group{g}})
}
