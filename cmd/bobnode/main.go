// Command bobnode starts one bob cluster node: it loads the cluster and
// node config documents, wires the placement/disk/backend/quorum/link
// stack, and serves until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"

	"github.com/bobstore/bob/backend"
	"github.com/bobstore/bob/cmn"
	"github.com/bobstore/bob/disk"
	"github.com/bobstore/bob/governor"
	"github.com/bobstore/bob/link"
	"github.com/bobstore/bob/node"
	"github.com/bobstore/bob/placement"
	"github.com/bobstore/bob/quorum"
	"github.com/bobstore/bob/tasks"
)

func main() {
	clusterConfigPath := flag.String("cluster-config", "", "path to the cluster config YAML document")
	nodeConfigPath := flag.String("node-config", "", "path to the node config YAML document")
	listenAddr := flag.String("listen", "", "address to serve the RPC endpoints on")
	flag.Parse()

	if err := run(*clusterConfigPath, *nodeConfigPath, *listenAddr); err != nil {
		glog.Errorf("bobnode: %v", err)
		os.Exit(1)
	}
}

func run(clusterConfigPath, nodeConfigPath, listenAddr string) error {
	clusterCfg, err := loadClusterConfig(clusterConfigPath)
	if err != nil {
		return err
	}
	nodeCfg, err := loadNodeConfig(nodeConfigPath)
	if err != nil {
		return err
	}

	var self *cmn.NodeEntry
	for i := range clusterCfg.Nodes {
		if clusterCfg.Nodes[i].Name == nodeCfg.Name {
			self = &clusterCfg.Nodes[i]
			break
		}
	}
	if self == nil {
		return fmt.Errorf("bobnode: node %q not present in cluster config", nodeCfg.Name)
	}
	if err := clusterCfg.ValidateQuorum(nodeCfg.Quorum); err != nil {
		return err
	}

	mapper := buildMapper(nodeCfg.Name, clusterCfg, nodeCfg.Placement.Distribution)

	diskCfg := disk.Config{
		Period:              uint64(nodeCfg.Pearl.Settings.TimestampPeriod.Seconds()),
		Bloom:               nodeCfg.Pearl.Bloom,
		AllowDuplicates:     nodeCfg.Pearl.AllowDuplicates,
		CompressValues:      nodeCfg.Pearl.CompressValues,
		ValidateEvery:       nodeCfg.Pearl.ValidateEvery,
		BlobFileNamePrefix:  nodeCfg.Pearl.BlobFileNamePrefix,
		RootDirName:         nodeCfg.Pearl.Settings.RootDirName,
		DiskAccessParDegree: nodeCfg.DiskAccessParDegree,
		InitParDegree:       nodeCfg.InitParDegree,
	}

	var (
		disks map[string]*disk.Controller
		alien *disk.Controller
	)
	if nodeCfg.BackendType == "pearl" {
		disks = make(map[string]*disk.Controller, len(self.Disks))
		for _, d := range self.Disks {
			c := disk.New(d.Name, d.Path, false, diskCfg)
			if err := c.Init(); err != nil {
				return fmt.Errorf("bobnode: init disk %q: %w", d.Name, err)
			}
			c.GroupsRun()
			c.StartMonitor(context.Background(), nodeCfg.CheckInterval)
			disks[d.Name] = c
		}

		alienCfg := diskCfg
		alienCfg.RootDirName = nodeCfg.Pearl.Settings.AlienRootDirName
		alienWorkDir := nodeCfg.Pearl.AlienDisk
		if alienWorkDir == "" {
			alienWorkDir = nodeCfg.Pearl.Settings.AlienRootDirName
		}
		alien = disk.New("alien", alienWorkDir, true, alienCfg)
		if err := alien.Init(); err != nil {
			return fmt.Errorf("bobnode: init alien disk: %w", err)
		}
		alien.GroupsRun()
	}

	be, err := backend.NewStore(nodeCfg.BackendType, nodeCfg.Name, mapper, disks, alien)
	if err != nil {
		return err
	}

	addrs := make(map[string]string, len(clusterCfg.Nodes))
	for _, n := range clusterCfg.Nodes {
		if n.Name != nodeCfg.Name {
			addrs[n.Name] = n.Address
		}
	}
	transport := link.NewFastHTTPTransport()
	lm := link.New(transport, addrs, nodeCfg.OperationTimeout)
	lm.SetAvailabilityListener(mapper.SetConnAvailable)
	lm.StartChecker(context.Background(), nodeCfg.CheckInterval)

	cluster := quorum.New(nodeCfg.Name, nodeCfg.Quorum, mapper, be, lm)

	srv := node.New(nil, cluster, be)
	go func() {
		if err := link.Serve(listenAddr, srv); err != nil {
			glog.Errorf("bobnode: http listener stopped: %v", err)
		}
	}()

	cleaner := governor.New(be, governor.Config{
		SoftOpenBlobs:          nodeCfg.Memory.SoftOpenBlobs,
		HardOpenBlobs:          nodeCfg.Memory.HardOpenBlobs,
		BloomFilterMemoryLimit: nodeCfg.Memory.BloomFilterMemoryLimit,
		IndexMemoryLimit:       nodeCfg.Memory.IndexMemoryLimit,
		IndexMemoryLimitSoft:   nodeCfg.Memory.IndexMemoryLimitSoft,
	})
	cleaner.Start(context.Background(), nodeCfg.CleanupInterval)

	counters := tasks.NewCounters(nodeCfg.Name)
	srv.SetRecorder(counters)
	runner := tasks.NewRunner(counters, func() {
		cleaner.Stop()
		lm.StopChecker()
		tasks.Shutdown(be)
		for _, c := range disks {
			c.Stop()
		}
		if alien != nil {
			alien.Stop()
		}
	})
	runner.SetGroupSource(be)

	glog.Infof("bobnode: %s serving on %s (%d disks, quorum=%d)", nodeCfg.Name, listenAddr, len(disks), nodeCfg.Quorum)
	runner.Start(context.Background(), nodeCfg.CountInterval)
	return nil
}

func loadClusterConfig(path string) (*cmn.ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bobnode: read cluster config: %w", err)
	}
	return cmn.LoadClusterConfig(data)
}

func loadNodeConfig(path string) (*cmn.NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bobnode: read node config: %w", err)
	}
	return cmn.LoadNodeConfig(data)
}

// buildMapper derives the placement.Mapper's node/vdisk tables from the
// cluster config's declarative YAML, assigning each node a stable
// index in declaration order.
func buildMapper(localNode string, cfg *cmn.ClusterConfig, distribution string) *placement.Mapper {
	nodes := make([]placement.NodeInfo, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		nodes[i] = placement.NodeInfo{Name: n.Name, Address: n.Address, Index: uint16(i)}
	}
	vdisks := make([]placement.VDisk, len(cfg.VDisks))
	for i, v := range cfg.VDisks {
		replicas := make([]placement.Replica, len(v.Replicas))
		for j, r := range v.Replicas {
			replicas[j] = placement.Replica{Node: r.Node, Disk: r.Disk}
		}
		vdisks[i] = placement.VDisk{ID: v.ID, Replicas: replicas}
	}
	var d placement.Distributor = placement.PolyModDistributor{}
	if distribution == "xxhash" {
		d = placement.XXHashDistributor{}
	}
	return placement.New(localNode, nodes, vdisks, d)
}
