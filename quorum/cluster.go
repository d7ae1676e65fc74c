// Package quorum implements the Quorum Cluster: replicated
// PUT/GET/EXIST/DELETE with at-least-quorum durability, background
// completion of stragglers, and fall-back to alien hinted handoff.
package quorum

import (
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/teris-io/shortid"

	"github.com/bobstore/bob/backend"
	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/link"
	"github.com/bobstore/bob/placement"
)

// Cluster orchestrates the four RPCs against the local backend and the
// link manager's remote node clients.
type Cluster struct {
	localNode string
	quorum    int
	mapper    *placement.Mapper
	backend   backend.Store
	link      *link.Manager
}

func New(localNode string, quorum int, mapper *placement.Mapper, be backend.Store, lm *link.Manager) *Cluster {
	return &Cluster{localNode: localNode, quorum: quorum, mapper: mapper, backend: be, link: lm}
}

func (c *Cluster) isLocal(node string) bool { return node == c.localNode }

// Put implements the replicated PUT protocol. All target writes are fired
// concurrently; the caller is unblocked the moment quorum acks arrive,
// with a background task tracking any stragglers.
func (c *Cluster) Put(key cmn.Key, data cmn.BlobData) error {
	targets := c.mapper.GetTargetNodes(key)

	state := &putState{}
	signal := make(chan struct{}, len(targets))
	var wg sync.WaitGroup
	for _, node := range targets {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if c.isLocal(node) {
				err = c.backend.Put(key, data, backend.PutOptions{})
			} else {
				err = c.link.Put(node, key, data)
			}
			state.record(node, err)
			signal <- struct{}{}
		}()
	}

	remaining := len(targets)
	for remaining > 0 {
		if state.acks() >= c.quorum {
			break
		}
		<-signal
		remaining--
	}

	if state.acks() >= c.quorum {
		// outstanding tasks or already-known remote failures both need the
		// background completion pass.
		if remaining > 0 || len(state.failedNodes()) > 0 {
			id := shortid.MustGenerate()
			go func() {
				wg.Wait()
				c.finishPutInBackground(id, key, data, state)
			}()
		}
		return nil
	}

	wg.Wait() // every target has now reported
	if _, err := c.alienPhase(key, data, state.failedNodes()); err != nil {
		return cmn.NewInternal("quorum not reached and alien phase failed: " + err.Error())
	}
	return nil
}

// putState tracks per-target outcomes under a mutex; shared between the
// foreground quorum check and the background straggler task.
type putState struct {
	mu     sync.Mutex
	acksN  int
	failed []string
}

func (s *putState) record(node string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil || cmn.KindOf(err) == cmn.KindDuplicateKey {
		s.acksN++
	} else {
		s.failed = append(s.failed, node)
	}
}

func (s *putState) acks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acksN
}

func (s *putState) failedNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.failed...)
}

// finishPutInBackground runs once every target write has completed;
// errors are logged only, never returned to the client.
func (c *Cluster) finishPutInBackground(taskID string, key cmn.Key, data cmn.BlobData, state *putState) {
	failed := state.failedNodes()
	if len(failed) == 0 {
		return
	}
	if _, err := c.alienPhase(key, data, failed); err != nil {
		glog.Warningf("quorum[%s]: background alien phase failed: %v", taskID, err)
	}
}

// alienPhase writes the record to min(|failed|, |support_nodes|) support
// nodes tagged with the corresponding failed target's name; any failed
// targets still missing are recorded locally as alien under the target's
// own name.
func (c *Cluster) alienPhase(key cmn.Key, data cmn.BlobData, failed []string) (usedSupports []string, err error) {
	if len(failed) == 0 {
		return nil, nil
	}
	support := c.mapper.GetSupportNodes(key, len(failed))

	var lastErr error
	okAny := false
	for i, target := range failed {
		if i < len(support) {
			supportNode := support[i]
			var serr error
			if c.isLocal(supportNode) {
				serr = c.backend.Put(key, data, backend.PutOptions{RemoteNodes: []string{target}})
			} else {
				serr = c.link.PutAlien(supportNode, key, data, target)
			}
			if serr != nil {
				// support write failure is an ordinary failure: fall back
				// to local alien for this target too.
				lastErr = serr
			} else {
				okAny = true
				usedSupports = append(usedSupports, supportNode)
				continue
			}
		}
		if aerr := c.backend.PutAlien(key, data, target); aerr != nil {
			lastErr = aerr
		} else {
			okAny = true
		}
	}
	if okAny {
		return usedSupports, nil
	}
	return usedSupports, lastErr
}

// Get implements the multi-tier GET protocol: query every target's
// normal storage and return the max-timestamp copy (the freshest replica
// wins, even when a stale local copy answers first), falling through to
// alien storage only when no target answers at all.
func (c *Cluster) Get(key cmn.Key) (cmn.BlobData, error) {
	targets := c.mapper.GetTargetNodes(key)
	isTarget := make(map[string]bool, len(targets))
	for _, t := range targets {
		isTarget[t] = true
	}

	var best cmn.BlobData
	found := false
	for _, node := range targets {
		var bd cmn.BlobData
		var err error
		if c.isLocal(node) {
			bd, err = c.backend.Get(key)
		} else {
			bd, err = c.link.Get(node, key)
		}
		if err != nil {
			continue
		}
		if !found || bd.Timestamp > best.Timestamp {
			best, found = bd, true
		}
	}
	if found {
		return best, nil
	}

	// local alien: this node may hold a hinted copy either because it
	// stood in as a support node for a failed target (tagged by that
	// target's name) or because its own local write once failed and F
	// compensated under its own name.
	aliasTags := append(append([]string(nil), targets...), c.localNode)
	for _, tag := range aliasTags {
		if bd, err := c.backend.GetAlien(key, tag); err == nil {
			return bd, nil
		}
	}

	for _, node := range c.mapper.Nodes() {
		if isTarget[node.Name] || c.isLocal(node.Name) {
			continue
		}
		for _, tag := range targets {
			if bd, err := c.link.GetAlien(node.Name, key, tag); err == nil {
				return bd, nil
			}
		}
	}
	return cmn.BlobData{}, cmn.NewKeyNotFound(key[:])
}

// Exist implements the replicated EXIST protocol: group keys by exact
// target-node set, issue one batched call per node per group, and OR the
// boolean vectors back into the input-sized result. Unreachable nodes
// contribute no true bits but are not fatal.
func (c *Cluster) Exist(keys []cmn.Key) ([]bool, error) {
	out := make([]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	type keyGroup struct {
		targets []string
		indices []int
	}
	grouped := make(map[string]*keyGroup)
	for i, key := range keys {
		targets := c.mapper.GetTargetNodes(key)
		sig := strings.Join(targets, "\x00")
		g, ok := grouped[sig]
		if !ok {
			g = &keyGroup{targets: targets}
			grouped[sig] = g
		}
		g.indices = append(g.indices, i)
	}
	for _, g := range grouped {
		sub := make([]cmn.Key, len(g.indices))
		for j, idx := range g.indices {
			sub[j] = keys[idx]
		}
		for _, node := range g.targets {
			var vec []bool
			var err error
			if c.isLocal(node) {
				vec, err = c.backend.Exist(sub)
			} else {
				vec, err = c.link.Exist(node, sub)
			}
			if err != nil {
				continue
			}
			for j := 0; j < len(vec) && j < len(g.indices); j++ {
				if vec[j] {
					out[g.indices[j]] = true
				}
			}
		}
	}
	return out, nil
}

// Delete implements the replicated DELETE protocol: a tombstone write,
// alien handling for failed targets identical to PUT's, plus a broadcast
// invalidation to non-target/non-support remote alien nodes.
func (c *Cluster) Delete(key cmn.Key, timestamp uint64, meta []byte) error {
	tombstone := cmn.BlobData{Timestamp: timestamp, Value: nil, Meta: meta}
	targets := c.mapper.GetTargetNodes(key)

	var failed []string
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, node := range targets {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if c.isLocal(node) {
				err = c.backend.Put(key, tombstone, backend.PutOptions{})
			} else {
				err = c.link.Put(node, key, tombstone)
			}
			if err != nil && cmn.KindOf(err) != cmn.KindDuplicateKey {
				mu.Lock()
				failed = append(failed, node)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	var supports []string
	if len(failed) > 0 {
		used, err := c.alienPhase(key, tombstone, failed)
		if err != nil {
			return cmn.NewInternal("delete alien phase failed: " + err.Error())
		}
		supports = used
	}

	// broadcast the tombstone to every non-target, non-support remote
	// node, tagged per target name, so prior hinted copies are
	// invalidated. Failures here are logged, not fatal.
	skip := make(map[string]bool, len(targets)+len(supports))
	for _, t := range targets {
		skip[t] = true
	}
	for _, s := range supports {
		skip[s] = true
	}
	for _, node := range c.mapper.Nodes() {
		if skip[node.Name] || c.isLocal(node.Name) {
			continue
		}
		for _, tag := range targets {
			if err := c.link.PutAlien(node.Name, key, tombstone, tag); err != nil {
				glog.Warningf("quorum: tombstone broadcast to %s failed: %v", node.Name, err)
			}
		}
	}
	return nil
}
