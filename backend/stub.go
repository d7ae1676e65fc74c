package backend

import (
	"github.com/golang/glog"

	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/group"
)

// Stub is the no-op backend variant: writes are acknowledged and
// dropped, reads always miss. Useful for protocol-level load testing
// where storage cost must be excluded.
type Stub struct{}

var _ Store = (*Stub)(nil)

func NewStub() *Stub { return &Stub{} }

func (*Stub) Put(key cmn.Key, _ cmn.BlobData, _ PutOptions) error {
	glog.V(cmn.SmoduleTrace).Infof("stub: put %s", key)
	return nil
}

func (*Stub) Get(key cmn.Key) (cmn.BlobData, error) {
	return cmn.BlobData{}, cmn.NewKeyNotFound(key[:])
}

func (*Stub) PutAlien(key cmn.Key, _ cmn.BlobData, remoteNode string) error {
	glog.V(cmn.SmoduleTrace).Infof("stub: put_alien %s for %s", key, remoteNode)
	return nil
}

func (*Stub) GetAlien(key cmn.Key, _ string) (cmn.BlobData, error) {
	return cmn.BlobData{}, cmn.NewKeyNotFound(key[:])
}

func (*Stub) Exist(keys []cmn.Key) ([]bool, error) {
	return make([]bool, len(keys)), nil
}

func (*Stub) Groups() []*group.Group { return nil }
