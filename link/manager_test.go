package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/devtools/tassert"
)

type recordingHandler struct {
	mu   sync.Mutex
	puts int
}

func (h *recordingHandler) HandlePut(cmn.Key, cmn.BlobData, bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.puts++
	return nil
}
func (h *recordingHandler) HandleGet(key cmn.Key, _ bool) (cmn.BlobData, error) {
	return cmn.BlobData{}, cmn.NewKeyNotFound(key[:])
}
func (h *recordingHandler) HandleExist(keys []cmn.Key, _ bool) ([]bool, error) {
	return make([]bool, len(keys)), nil
}
func (h *recordingHandler) HandlePutAlien(cmn.Key, cmn.BlobData, string) error { return nil }
func (h *recordingHandler) HandleGetAlien(key cmn.Key, _ string) (cmn.BlobData, error) {
	return cmn.BlobData{}, cmn.NewKeyNotFound(key[:])
}

func newTestManager(t *testing.T) (*Manager, *FakeTransport) {
	tr := NewFakeTransport()
	tr.Register("n2", &recordingHandler{})
	m := New(tr, map[string]string{"n2": "n2"}, time.Second)
	return m, tr
}

func TestManagerPutRoutesToRegisteredNode(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Put("n2", cmn.NewKey(1), cmn.BlobData{Timestamp: 1, Value: []byte("v")})
	tassert.CheckFatal(t, err)
}

func TestManagerUnknownNodeIsInternal(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Put("n9", cmn.NewKey(1), cmn.BlobData{Timestamp: 1})
	tassert.Fatalf(t, err != nil, "expected unknown-node error")
	tassert.Errorf(t, cmn.KindOf(err) == cmn.KindInternal, "wrong kind: %v", err)
}

func TestManagerPutFailureRequestsReconnect(t *testing.T) {
	m, tr := newTestManager(t)
	tr.SetDown("n2", true)
	err := m.Put("n2", cmn.NewKey(1), cmn.BlobData{Timestamp: 1})
	tassert.Fatalf(t, err != nil, "expected failure against a down node")
	select {
	case name := <-m.reconnect:
		tassert.Errorf(t, name == "n2", "unexpected reconnect target %q", name)
	default:
		t.Fatal("expected an eager reconnect request to be queued")
	}
}

func TestManagerCheckerUpdatesAvailability(t *testing.T) {
	m, tr := newTestManager(t)
	var mu sync.Mutex
	seen := map[string]bool{}
	m.SetAvailabilityListener(func(node string, ok bool) {
		mu.Lock()
		seen[node] = ok
		mu.Unlock()
	})

	tassert.Errorf(t, m.Available("n2"), "nodes start out presumed available")

	tr.SetDown("n2", true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.pingAll(ctx)
	tassert.Errorf(t, !m.Available("n2"), "expected n2 marked unavailable after failed ping")
	mu.Lock()
	down, ok := seen["n2"]
	mu.Unlock()
	tassert.Errorf(t, ok && !down, "expected listener told n2 is down")

	tr.SetDown("n2", false)
	m.pingAll(ctx)
	tassert.Errorf(t, m.Available("n2"), "expected n2 available again after successful ping")
}

func TestManagerReconnectQueueDropsWhenFull(t *testing.T) {
	m, _ := newTestManager(t)
	for i := 0; i < 200; i++ {
		m.RequestReconnect("n2") // never blocks, even past queue capacity
	}
}
