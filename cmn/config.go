// Package cmn provides common low-level types and utilities shared by every
// bob package: cluster/node configuration, the error taxonomy, and small
// assertion/logging helpers.
package cmn

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v2"
)

type (
	Validator interface {
		Validate() error
	}

	// ClusterConfig is the static placement document described by
	// the "Cluster config (YAML)" interface: nodes, their disks, and the
	// vdisk replica map.
	ClusterConfig struct {
		Nodes  []NodeEntry  `yaml:"nodes"`
		VDisks []VDiskEntry `yaml:"vdisks"`
	}

	NodeEntry struct {
		Name    string      `yaml:"name"`
		Address string      `yaml:"address"`
		Disks   []DiskEntry `yaml:"disks"`
	}

	DiskEntry struct {
		Name string `yaml:"name"`
		Path string `yaml:"path"`
	}

	VDiskEntry struct {
		ID       uint32         `yaml:"id"`
		Replicas []ReplicaEntry `yaml:"replicas"`
	}

	ReplicaEntry struct {
		Node string `yaml:"node"`
		Disk string `yaml:"disk"`
	}
)

// Validate checks referential integrity of the cluster config: every
// replica names a node and disk that actually exist, no duplicate node or
// vdisk ids, every vdisk has at least one replica, no duplicate replica
// within a vdisk.
func (c *ClusterConfig) Validate() error {
	nodeDisks := make(map[string]map[string]bool, len(c.Nodes))
	seenNode := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("cmn: node with empty name")
		}
		if seenNode[n.Name] {
			return fmt.Errorf("cmn: duplicate node name %q", n.Name)
		}
		seenNode[n.Name] = true
		disks := make(map[string]bool, len(n.Disks))
		for _, d := range n.Disks {
			if disks[d.Name] {
				return fmt.Errorf("cmn: node %q has duplicate disk %q", n.Name, d.Name)
			}
			disks[d.Name] = true
		}
		nodeDisks[n.Name] = disks
	}
	seenVDisk := make(map[uint32]bool, len(c.VDisks))
	for _, v := range c.VDisks {
		if seenVDisk[v.ID] {
			return fmt.Errorf("cmn: duplicate vdisk id %d", v.ID)
		}
		seenVDisk[v.ID] = true
		if len(v.Replicas) == 0 {
			return fmt.Errorf("cmn: vdisk %d has no replicas", v.ID)
		}
		seenReplica := make(map[ReplicaEntry]bool, len(v.Replicas))
		for _, r := range v.Replicas {
			if seenReplica[r] {
				return fmt.Errorf("cmn: vdisk %d has duplicate replica %+v", v.ID, r)
			}
			seenReplica[r] = true
			disks, ok := nodeDisks[r.Node]
			if !ok {
				return fmt.Errorf("cmn: vdisk %d references unknown node %q", v.ID, r.Node)
			}
			if !disks[r.Disk] {
				return fmt.Errorf("cmn: vdisk %d references unknown disk %q on node %q", v.ID, r.Disk, r.Node)
			}
		}
	}
	return nil
}

// ValidateQuorum cross-checks a node's quorum against the cluster
// document: a quorum larger than some vdisk's replica count could never
// be reached on writes to that vdisk, so the node must fail fast at
// startup instead.
func (c *ClusterConfig) ValidateQuorum(quorum int) error {
	for _, v := range c.VDisks {
		if quorum > len(v.Replicas) {
			return fmt.Errorf("cmn: quorum %d exceeds vdisk %d replica count %d",
				quorum, v.ID, len(v.Replicas))
		}
	}
	return nil
}

// LoadClusterConfig unmarshals and validates a cluster config document.
func LoadClusterConfig(data []byte) (*ClusterConfig, error) {
	c := &ClusterConfig{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("cmn: parse cluster config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

type (
	// NodeConfig holds everything the core consumes from the per-node
	// YAML document: identity, quorum/timeout knobs, the pearl
	// backend sub-block, and the governor's memory-limit knobs.
	NodeConfig struct {
		Name             string        `yaml:"name"`
		Quorum           int           `yaml:"quorum"`
		OperationTimeout time.Duration `yaml:"-"`
		CheckInterval    time.Duration `yaml:"-"`
		CleanupInterval  time.Duration `yaml:"-"`
		CountInterval    time.Duration `yaml:"-"`

		OperationTimeoutStr string `yaml:"operation_timeout"`
		CheckIntervalStr    string `yaml:"check_interval"`
		CleanupIntervalStr  string `yaml:"cleanup_interval"`
		CountIntervalStr    string `yaml:"count_interval"`

		BackendType string        `yaml:"backend_type"` // in_memory | stub | pearl
		Pearl       PearlConf     `yaml:"pearl"`
		Memory      MemoryConf    `yaml:"memory"`
		Placement   PlacementConf `yaml:"placement"`

		DiskAccessParDegree int `yaml:"disk_access_par_degree"`
		InitParDegree       int `yaml:"init_par_degree"`
	}

	PlacementConf struct {
		Distribution string `yaml:"distribution"` // poly_mod | xxhash
	}

	PearlConf struct {
		MaxBlobSize        int64  `yaml:"max_blob_size"`
		MaxDataInBlob      int64  `yaml:"max_data_in_blob"`
		BlobFileNamePrefix string `yaml:"blob_file_name_prefix"`
		FailRetryTimeout   time.Duration `yaml:"-"`
		FailRetryTimeoutStr string       `yaml:"fail_retry_timeout"`
		AlienDisk          string `yaml:"alien_disk"`
		AllowDuplicates    bool   `yaml:"allow_duplicates"`
		CompressValues     bool   `yaml:"compress_values"`
		ValidateEvery      int    `yaml:"validate_every"`
		Settings           PearlSettings `yaml:"settings"`
		Bloom              BloomConf     `yaml:"bloom"`
	}

	PearlSettings struct {
		RootDirName      string        `yaml:"root_dir_name"`
		AlienRootDirName string        `yaml:"alien_root_dir_name"`
		TimestampPeriod  time.Duration `yaml:"-"`
		TimestampPeriodStr string      `yaml:"timestamp_period"`
	}

	BloomConf struct {
		Elements                  uint64  `yaml:"elements"`
		HashersCount               uint64  `yaml:"hashers_count"`
		MaxBufBitsCount             uint64  `yaml:"max_buf_bits_count"`
		BufIncreaseStep             uint64  `yaml:"buf_increase_step"`
		PreferredFalsePositiveRate float64 `yaml:"preferred_false_positive_rate"`
	}

	MemoryConf struct {
		SoftOpenBlobs            int   `yaml:"soft_open_blobs"`
		HardOpenBlobs            int   `yaml:"hard_open_blobs"`
		BloomFilterMemoryLimit   int64 `yaml:"bloom_filter_memory_limit"`
		IndexMemoryLimit         int64 `yaml:"index_memory_limit"`
		IndexMemoryLimitSoft     int64 `yaml:"index_memory_limit_soft"`
	}
)

const maxTimestampPeriod = 7 * 24 * time.Hour

// Validate parses the duration-string twins and checks cross-field
// constraints.
func (c *NodeConfig) Validate() (err error) {
	if c.Name == "" {
		return fmt.Errorf("cmn: node config missing name")
	}
	if c.Quorum <= 0 {
		return fmt.Errorf("cmn: quorum must be positive, got %d", c.Quorum)
	}
	if c.OperationTimeout, err = time.ParseDuration(c.OperationTimeoutStr); err != nil {
		return fmt.Errorf("cmn: invalid operation_timeout %q: %w", c.OperationTimeoutStr, err)
	}
	if c.CheckInterval, err = time.ParseDuration(c.CheckIntervalStr); err != nil {
		return fmt.Errorf("cmn: invalid check_interval %q: %w", c.CheckIntervalStr, err)
	}
	if c.CleanupInterval, err = time.ParseDuration(c.CleanupIntervalStr); err != nil {
		return fmt.Errorf("cmn: invalid cleanup_interval %q: %w", c.CleanupIntervalStr, err)
	}
	if c.CountIntervalStr != "" {
		if c.CountInterval, err = time.ParseDuration(c.CountIntervalStr); err != nil {
			return fmt.Errorf("cmn: invalid count_interval %q: %w", c.CountIntervalStr, err)
		}
	}
	switch c.BackendType {
	case "in_memory", "stub", "pearl":
	default:
		return fmt.Errorf("cmn: unknown backend_type %q", c.BackendType)
	}
	if c.BackendType == "pearl" {
		if err := c.Pearl.Validate(); err != nil {
			return err
		}
	}
	switch c.Placement.Distribution {
	case "", "poly_mod", "xxhash":
	default:
		return fmt.Errorf("cmn: unknown placement.distribution %q", c.Placement.Distribution)
	}
	if c.DiskAccessParDegree <= 0 {
		c.DiskAccessParDegree = 1
	}
	if c.InitParDegree <= 0 {
		c.InitParDegree = 1
	}
	return nil
}

func (p *PearlConf) Validate() (err error) {
	if p.MaxBlobSize <= 0 {
		return fmt.Errorf("cmn: pearl.max_blob_size must be positive")
	}
	if p.BlobFileNamePrefix == "" {
		p.BlobFileNamePrefix = "bob"
	}
	if p.FailRetryTimeoutStr != "" {
		if p.FailRetryTimeout, err = time.ParseDuration(p.FailRetryTimeoutStr); err != nil {
			return fmt.Errorf("cmn: invalid pearl.fail_retry_timeout %q: %w", p.FailRetryTimeoutStr, err)
		}
	}
	if p.ValidateEvery < 0 {
		return fmt.Errorf("cmn: pearl.validate_every must be non-negative")
	}
	if p.Settings.RootDirName == "" {
		p.Settings.RootDirName = "bob"
	}
	if p.Settings.AlienRootDirName == "" {
		p.Settings.AlienRootDirName = "alien"
	}
	if p.Settings.TimestampPeriodStr == "" {
		return fmt.Errorf("cmn: pearl.settings.timestamp_period is required")
	}
	period, err := time.ParseDuration(p.Settings.TimestampPeriodStr)
	if err != nil {
		return fmt.Errorf("cmn: invalid pearl.settings.timestamp_period %q: %w", p.Settings.TimestampPeriodStr, err)
	}
	if period <= 0 {
		return fmt.Errorf("cmn: pearl.settings.timestamp_period must be positive")
	}
	if period > maxTimestampPeriod {
		return fmt.Errorf("cmn: pearl.settings.timestamp_period %s exceeds the one-week cap", period)
	}
	p.Settings.TimestampPeriod = period
	return p.Bloom.Validate()
}

func (b *BloomConf) Validate() error {
	if b.Elements == 0 {
		return fmt.Errorf("cmn: bloom.elements must be positive")
	}
	if b.HashersCount == 0 {
		b.HashersCount = 2
	}
	if b.MaxBufBitsCount == 0 {
		b.MaxBufBitsCount = 8 * 1024 * 1024
	}
	if b.BufIncreaseStep == 0 {
		b.BufIncreaseStep = 64 * 1024
	}
	if b.PreferredFalsePositiveRate <= 0 || b.PreferredFalsePositiveRate >= 1 {
		b.PreferredFalsePositiveRate = 0.001
	}
	return nil
}

// LoadNodeConfig unmarshals and validates the per-node YAML document.
func LoadNodeConfig(data []byte) (*NodeConfig, error) {
	c := &NodeConfig{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("cmn: parse node config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
