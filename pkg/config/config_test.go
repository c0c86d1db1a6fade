package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesBootstrapFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.yaml")
	data := `
cluster_name: test-cluster
instance_name: i1
advertise_addr: 127.0.0.1:3301
tier: default
failure_domain:
  dc: a
data_dir: /var/lib/meshdb
tiers:
  - name: default
    replication_factor: 3
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	b, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "test-cluster", b.ClusterName)
	require.Equal(t, "i1", b.InstanceName)
	require.Len(t, b.Tiers, 1)
	require.Equal(t, 3, b.Tiers[0].ReplicationFactor)

	fd := b.FailureDomainTyped()
	require.Equal(t, "A", fd["DC"])
}

func TestLoadRejectsMissingClusterName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instance_name: i1\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
