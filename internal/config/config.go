package config

import (
	"errors"
	"fmt"
	"time"
)

// Table kinds understood by the silo bootstrap.
const (
	TableMemory    = "memory"
	TableZooKeeper = "zookeeper"
	TableEtcd      = "etcd"
	TableRaft      = "raft"
)

// Config - корневая структура конфигурации silo.
type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Server     ServerConfig     `yaml:"http-server"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Membership MembershipConfig `yaml:"membership"`
	Directory  DirectoryConfig  `yaml:"directory"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ClusterConfig describes the identity of this silo inside a cluster.
type ClusterConfig struct {
	ClusterID string `yaml:"cluster_id"`
	// Host is the address peers use to reach this silo.
	Host     string `yaml:"host"`
	SiloName string `yaml:"silo_name"`
	// Generation is normally left at zero and derived from the start time.
	Generation int64 `yaml:"generation"`
}

// MembershipConfig holds the failure detector tunables. The defaults trade
// detection speed for a low false positive rate; see DESIGN.md.
type MembershipConfig struct {
	Table TableConfig `yaml:"table"`

	ProbePeriod                 time.Duration `yaml:"probe_period"`
	ProbeTimeout                time.Duration `yaml:"probe_timeout"`
	NumMissedProbesLimit        int           `yaml:"num_missed_probes_limit"`
	NumProbedSilos              int           `yaml:"num_probed_silos"`
	NumVotesForDeathDeclaration int           `yaml:"num_votes_for_death_declaration"`
	DeathVoteExpiration         time.Duration `yaml:"death_vote_expiration"`
	IAmAlivePeriod              time.Duration `yaml:"i_am_alive_period"`
	TableRefreshPeriod          time.Duration `yaml:"table_refresh_period"`
	DefunctCleanupPeriod        time.Duration `yaml:"defunct_cleanup_period"`
	DefunctRetention            time.Duration `yaml:"defunct_retention"`
	TableTimeout                time.Duration `yaml:"table_timeout"`
	MaxWriteAttempts            int           `yaml:"max_write_attempts"`
	RetryBackoff                time.Duration `yaml:"retry_backoff"`
	GossipEnabled               bool          `yaml:"gossip_enabled"`
}

type TableConfig struct {
	Kind      string          `yaml:"kind"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Raft      RaftConfig      `yaml:"raft"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// Root is the znode under which every cluster gets its own subtree.
	Root string `yaml:"root"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Prefix      string        `yaml:"prefix"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

// RaftConfig configures the raft group that replicates the membership table
// when no external store is available.
type RaftConfig struct {
	ID                        uint64           `yaml:"id"`
	ElectionTick              int              `yaml:"election_tick"`
	HeartbeatTick             int              `yaml:"heartbeat_tick"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	TickInterval              time.Duration    `yaml:"tick_interval"`
	SnapshotEvery             uint64           `yaml:"snapshot_every"`
	Peers                     []RaftPeerConfig `yaml:"peers"`
}

type DirectoryConfig struct {
	ReplicationFactor  int           `yaml:"replication_factor"`
	VirtualNodes       int           `yaml:"virtual_nodes"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ReplicationTimeout time.Duration `yaml:"replication_timeout"`
	MaxForwardHops     int           `yaml:"max_forward_hops"`
	HandoffChunkSize   int           `yaml:"handoff_chunk_size"`

	// LookupCacheSize bounds the cache of grains owned by other silos; 0 disables it.
	LookupCacheSize       int           `yaml:"lookup_cache_size"`
	LookupCacheInitialTTL time.Duration `yaml:"lookup_cache_initial_ttl"`
	LookupCacheMaxTTL     time.Duration `yaml:"lookup_cache_max_ttl"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              11111,
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Cluster: ClusterConfig{
			ClusterID: "dev",
			Host:      "127.0.0.1",
			SiloName:  "silo",
		},
		Membership: DefaultMembership(),
		Directory:  DefaultDirectory(),
	}
}

func DefaultMembership() MembershipConfig {
	return MembershipConfig{
		Table: TableConfig{
			Kind: TableMemory,
			ZooKeeper: ZooKeeperConfig{
				SessionTimeout: 5 * time.Second,
				Root:           "/grainrt",
			},
			Etcd: EtcdConfig{
				DialTimeout: 5 * time.Second,
				Prefix:      "/grainrt",
			},
			Raft: RaftConfig{
				ElectionTick:              10,
				HeartbeatTick:             1,
				MaxSizePerMsg:             1024 * 1024,
				MaxCommittedSizePerReady:  4 * 1024 * 1024,
				MaxUncommittedEntriesSize: 1 << 30,
				MaxInflightMsgs:           256,
				CheckQuorum:               true,
				PreVote:                   true,
				TickInterval:              100 * time.Millisecond,
				SnapshotEvery:             1000,
			},
		},
		ProbePeriod:                 10 * time.Second,
		ProbeTimeout:                5 * time.Second,
		NumMissedProbesLimit:        3,
		NumProbedSilos:              3,
		NumVotesForDeathDeclaration: 2,
		DeathVoteExpiration:         2 * time.Minute,
		IAmAlivePeriod:              30 * time.Second,
		TableRefreshPeriod:          60 * time.Second,
		DefunctCleanupPeriod:        time.Hour,
		DefunctRetention:            7 * 24 * time.Hour,
		TableTimeout:                5 * time.Second,
		MaxWriteAttempts:            5,
		RetryBackoff:                200 * time.Millisecond,
		GossipEnabled:               true,
	}
}

func DefaultDirectory() DirectoryConfig {
	return DirectoryConfig{
		ReplicationFactor:  2,
		VirtualNodes:       1,
		RequestTimeout:     5 * time.Second,
		ReplicationTimeout: 2 * time.Second,
		MaxForwardHops:     2,
		HandoffChunkSize:   500,

		LookupCacheSize:       100_000,
		LookupCacheInitialTTL: 30 * time.Second,
		LookupCacheMaxTTL:     240 * time.Second,
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "http-server.port: %d out of range", c.Server.Port)
	check(c.Cluster.ClusterID != "", "cluster.cluster_id: required")
	check(c.Cluster.Host != "", "cluster.host: required")

	m := c.Membership
	check(m.ProbePeriod > 0, "membership.probe_period: must be positive")
	check(m.ProbeTimeout > 0, "membership.probe_timeout: must be positive")
	check(m.NumMissedProbesLimit >= 1, "membership.num_missed_probes_limit: must be >= 1")
	check(m.NumProbedSilos >= 1, "membership.num_probed_silos: must be >= 1")
	check(m.NumVotesForDeathDeclaration >= 1, "membership.num_votes_for_death_declaration: must be >= 1")
	check(m.NumVotesForDeathDeclaration <= m.NumProbedSilos,
		"membership.num_votes_for_death_declaration: %d exceeds num_probed_silos %d", m.NumVotesForDeathDeclaration, m.NumProbedSilos)
	check(m.DeathVoteExpiration > 0, "membership.death_vote_expiration: must be positive")
	check(m.IAmAlivePeriod > 0, "membership.i_am_alive_period: must be positive")
	check(m.TableRefreshPeriod > 0, "membership.table_refresh_period: must be positive")
	check(m.MaxWriteAttempts >= 1, "membership.max_write_attempts: must be >= 1")

	switch m.Table.Kind {
	case TableMemory:
	case TableZooKeeper:
		check(len(m.Table.ZooKeeper.Servers) > 0, "membership.table.zookeeper.servers: required")
	case TableEtcd:
		check(len(m.Table.Etcd.Endpoints) > 0, "membership.table.etcd.endpoints: required")
	case TableRaft:
		check(m.Table.Raft.ID != 0, "membership.table.raft.id: required")
		check(len(m.Table.Raft.Peers) > 0, "membership.table.raft.peers: required")
	default:
		errs = append(errs, fmt.Errorf("membership.table.kind: unknown %q", m.Table.Kind))
	}

	d := c.Directory
	check(d.ReplicationFactor >= 1, "directory.replication_factor: must be >= 1")
	check(d.VirtualNodes >= 1, "directory.virtual_nodes: must be >= 1")
	check(d.RequestTimeout > 0, "directory.request_timeout: must be positive")
	check(d.MaxForwardHops >= 1, "directory.max_forward_hops: must be >= 1")
	check(d.HandoffChunkSize >= 1, "directory.handoff_chunk_size: must be >= 1")
	check(d.LookupCacheSize >= 0, "directory.lookup_cache_size: must be >= 0")
	if d.LookupCacheSize > 0 {
		check(d.LookupCacheInitialTTL > 0, "directory.lookup_cache_initial_ttl: must be positive")
		check(d.LookupCacheMaxTTL >= d.LookupCacheInitialTTL,
			"directory.lookup_cache_max_ttl: %s is below lookup_cache_initial_ttl %s", d.LookupCacheMaxTTL, d.LookupCacheInitialTTL)
	}

	return errors.Join(errs...)
}
