package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"grainrt/internal/config"
)

func TestInitConfig_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := initConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != config.Default().Server.Port {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
}

func TestInitConfig_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silo.yaml")
	data := `
cluster:
  cluster_id: prod
  host: 10.1.0.5
membership:
  probe_period: 2s
  table:
    kind: etcd
    etcd:
      endpoints: ["etcd-1:2379", "etcd-2:2379"]
directory:
  replication_factor: 3
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := initConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cluster.ClusterID != "prod" || cfg.Membership.ProbePeriod != 2*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg.Cluster)
	}
	if len(cfg.Membership.Table.Etcd.Endpoints) != 2 || cfg.Directory.ReplicationFactor != 3 {
		t.Fatalf("nested overrides not applied: %+v", cfg.Membership.Table)
	}
	// поля, которых нет в файле, остаются по умолчанию
	if cfg.Membership.IAmAlivePeriod != config.DefaultMembership().IAmAlivePeriod {
		t.Fatalf("i_am_alive_period = %v", cfg.Membership.IAmAlivePeriod)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestSiloAddress_FromEnv(t *testing.T) {
	t.Setenv(envSiloAddr, "10.2.0.7:22222")
	cfg := config.Default()
	cfg.Cluster.Generation = 42

	addr, err := siloAddress(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	if addr.Host != "10.2.0.7" || addr.Port != 22222 || addr.Generation != 42 {
		t.Fatalf("addr = %+v", addr)
	}
	if cfg.Server.Port != 22222 {
		t.Fatal("server port not taken from the silo address")
	}

	t.Setenv(envSiloAddr, "no-port")
	if _, err := siloAddress(&cfg); err == nil {
		t.Fatal("bad address accepted")
	}
}
