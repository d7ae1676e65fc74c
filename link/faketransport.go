package link

import (
	"context"
	"sync"

	"github.com/bobstore/bob/cmn"
)

// RPCHandler is what a node exposes to a peer's Transport: PUT, GET and
// EXIST of the wire API plus the alien PUT and GET variants. DELETE is not
// part of it, and there is no liveness probe method: Ping is answered by
// the transport itself. node.Server implements this.
type RPCHandler interface {
	HandlePut(key cmn.Key, data cmn.BlobData, forceNode bool) error
	HandleGet(key cmn.Key, forceNode bool) (cmn.BlobData, error)
	HandleExist(keys []cmn.Key, forceNode bool) ([]bool, error)
	HandlePutAlien(key cmn.Key, data cmn.BlobData, remoteNode string) error
	HandleGetAlien(key cmn.Key, remoteNode string) (cmn.BlobData, error)
}

// FakeTransport dispatches directly to in-process RPCHandlers keyed by
// address, letting tests exercise the full quorum/backend/disk stack
// across a simulated multi-node cluster without a real network.
type FakeTransport struct {
	mu       sync.RWMutex
	handlers map[string]RPCHandler
	down     map[string]bool
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{handlers: make(map[string]RPCHandler), down: make(map[string]bool)}
}

func (f *FakeTransport) Register(addr string, h RPCHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[addr] = h
}

// SetDown simulates killing/reviving a node.
func (f *FakeTransport) SetDown(addr string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[addr] = down
}

func (f *FakeTransport) resolve(addr string) (RPCHandler, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.down[addr] {
		return nil, cmn.NewTimeout()
	}
	h, ok := f.handlers[addr]
	if !ok {
		return nil, cmn.NewInternal("fake transport: unknown address " + addr)
	}
	return h, nil
}

func (f *FakeTransport) Ping(_ context.Context, addr string) error {
	_, err := f.resolve(addr)
	return err
}

func (f *FakeTransport) Put(_ context.Context, addr string, key cmn.Key, data cmn.BlobData) error {
	h, err := f.resolve(addr)
	if err != nil {
		return err
	}
	return h.HandlePut(key, data, true)
}

func (f *FakeTransport) Get(_ context.Context, addr string, key cmn.Key) (cmn.BlobData, error) {
	h, err := f.resolve(addr)
	if err != nil {
		return cmn.BlobData{}, err
	}
	return h.HandleGet(key, true)
}

func (f *FakeTransport) Exist(_ context.Context, addr string, keys []cmn.Key) ([]bool, error) {
	h, err := f.resolve(addr)
	if err != nil {
		return nil, err
	}
	return h.HandleExist(keys, true)
}

func (f *FakeTransport) PutAlien(_ context.Context, addr string, key cmn.Key, data cmn.BlobData, remoteNode string) error {
	h, err := f.resolve(addr)
	if err != nil {
		return err
	}
	return h.HandlePutAlien(key, data, remoteNode)
}

func (f *FakeTransport) GetAlien(_ context.Context, addr string, key cmn.Key, remoteNode string) (cmn.BlobData, error) {
	h, err := f.resolve(addr)
	if err != nil {
		return cmn.BlobData{}, err
	}
	return h.HandleGetAlien(key, remoteNode)
}
