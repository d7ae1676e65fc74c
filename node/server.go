// Package node implements the Node Server: thin
// dispatch from request envelopes to the Quorum Cluster, with a narrow
// auth-check seam. The wire transport and concrete authentication are
// explicit external collaborators; this package owns only the dispatch
// and the interface the collaborator plugs into.
package node

import (
	"github.com/golang/glog"

	"github.com/bobstore/bob/backend"
	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/link"
)

// Authorizer is the narrow seam the excluded credential/role-check
// collaborator implements. Server calls it before every dispatch;
// concrete bcrypt/JWT wiring is out of scope.
type Authorizer interface {
	Authorize(key cmn.Key, op string) error
}

// AllowAll is the zero-value Authorizer used when no collaborator is
// wired in (tests, single-tenant deployments).
type AllowAll struct{}

func (AllowAll) Authorize(cmn.Key, string) error { return nil }

// Cluster is the subset of *quorum.Cluster the node server dispatches
// to.
type Cluster interface {
	Put(key cmn.Key, data cmn.BlobData) error
	Get(key cmn.Key) (cmn.BlobData, error)
	Exist(keys []cmn.Key) ([]bool, error)
	Delete(key cmn.Key, timestamp uint64, meta []byte) error
}

// LocalBackend is the subset of *backend.Backend needed to serve
// force_node requests and alien RPCs locally without re-entering the
// quorum protocol.
type LocalBackend interface {
	Put(key cmn.Key, data cmn.BlobData, opts backend.PutOptions) error
	Get(key cmn.Key) (cmn.BlobData, error)
	GetAlien(key cmn.Key, remoteNode string) (cmn.BlobData, error)
	PutAlien(key cmn.Key, data cmn.BlobData, remoteNode string) error
	Exist(keys []cmn.Key) ([]bool, error)
}

// Recorder counts per-operation outcomes; tasks.Counters implements it.
type Recorder interface {
	RecordResult(op string, err error)
}

// Server implements link.RPCHandler, dispatching each of the four
// wire RPCs to the quorum cluster, or to the local backend directly
// when the caller sets force_node (peer-to-peer calls).
type Server struct {
	auth    Authorizer
	cluster Cluster
	local   LocalBackend
	rec     Recorder
}

func New(auth Authorizer, cluster Cluster, local LocalBackend) *Server {
	if auth == nil {
		auth = AllowAll{}
	}
	return &Server{auth: auth, cluster: cluster, local: local}
}

// SetRecorder wires the per-operation counters.
func (s *Server) SetRecorder(rec Recorder) { s.rec = rec }

func (s *Server) record(op string, err error) {
	if s.rec != nil {
		s.rec.RecordResult(op, err)
	}
}

var _ link.RPCHandler = (*Server)(nil)

// HandlePut implements the Put RPC. forceNode routes directly to
// the local backend; otherwise the full quorum PUT protocol runs.
func (s *Server) HandlePut(key cmn.Key, data cmn.BlobData, forceNode bool) (err error) {
	if err := s.auth.Authorize(key, "put"); err != nil {
		return err
	}
	defer func() { s.record("put", err) }()
	if forceNode {
		return s.local.Put(key, data, backend.PutOptions{})
	}
	return s.cluster.Put(key, data)
}

// HandleGet implements the Get RPC.
func (s *Server) HandleGet(key cmn.Key, forceNode bool) (bd cmn.BlobData, err error) {
	if err := s.auth.Authorize(key, "get"); err != nil {
		return cmn.BlobData{}, err
	}
	defer func() { s.record("get", err) }()
	if forceNode {
		return s.local.Get(key)
	}
	return s.cluster.Get(key)
}

// HandleExist implements the Exist RPC's batch form: one boolean per
// input key, order preserved. forceNode answers from local storage only,
// the way peer-to-peer probes from the quorum layer arrive.
func (s *Server) HandleExist(keys []cmn.Key, forceNode bool) (out []bool, err error) {
	for _, k := range keys {
		if err := s.auth.Authorize(k, "exist"); err != nil {
			return nil, err
		}
	}
	defer func() { s.record("exist", err) }()
	if forceNode {
		return s.local.Exist(keys)
	}
	return s.cluster.Exist(keys)
}

// HandlePutAlien implements a peer's hinted-handoff write request: always
// served locally (it addresses this node's own alien storage, never
// re-routed through quorum).
func (s *Server) HandlePutAlien(key cmn.Key, data cmn.BlobData, remoteNode string) (err error) {
	if err := s.auth.Authorize(key, "put_alien"); err != nil {
		return err
	}
	defer func() { s.record("alien", err) }()
	return s.local.PutAlien(key, data, remoteNode)
}

// HandleGetAlien implements a peer's hinted-handoff read request.
func (s *Server) HandleGetAlien(key cmn.Key, remoteNode string) (cmn.BlobData, error) {
	if err := s.auth.Authorize(key, "get_alien"); err != nil {
		return cmn.BlobData{}, err
	}
	return s.local.GetAlien(key, remoteNode)
}

// Delete implements the Delete RPC.
func (s *Server) Delete(key cmn.Key, timestamp uint64, meta []byte) error {
	if err := s.auth.Authorize(key, "delete"); err != nil {
		return err
	}
	err := s.cluster.Delete(key, timestamp, meta)
	s.record("delete", err)
	if err != nil {
		glog.Warningf("node: delete %s failed: %v", key, err)
	}
	return err
}
