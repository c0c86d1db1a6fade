// Package config loads the on-disk cluster bootstrap file and exposes the
// dotted-path DbConfig introspection table used by proc_cas callers that
// set or read a cluster-wide tunable.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/meshdb/pkg/types"
	"gopkg.in/yaml.v3"
)

// TierSpec describes one tier entry in the bootstrap file.
type TierSpec struct {
	Name              string  `yaml:"name"`
	ReplicationFactor int     `yaml:"replication_factor"`
	Weight            float64 `yaml:"weight,omitempty"`
}

// Bootstrap is the on-disk shape of a cluster's bootstrap configuration:
// the seed instance's identity, the tiers to create, and where to persist
// Raft/catalog state.
type Bootstrap struct {
	ClusterName    string            `yaml:"cluster_name"`
	InstanceName   string            `yaml:"instance_name"`
	AdvertiseAddr  string            `yaml:"advertise_addr"`
	Tier           string            `yaml:"tier"`
	FailureDomain  map[string]string `yaml:"failure_domain,omitempty"`
	DataDir        string            `yaml:"data_dir"`
	Tiers          []TierSpec        `yaml:"tiers"`
	AdminPasswdEnv string            `yaml:"admin_password_env,omitempty"`
}

// Load reads and parses a Bootstrap file from path.
func Load(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if b.ClusterName == "" {
		return nil, fmt.Errorf("config: %s: cluster_name is required", path)
	}
	return &b, nil
}

// FailureDomainTyped converts the yaml-loaded map into a types.FailureDomain,
// uppercasing keys and values per the catalog's failure-domain invariant.
func (b *Bootstrap) FailureDomainTyped() types.FailureDomain {
	fd := make(types.FailureDomain, len(b.FailureDomain))
	for k, v := range b.FailureDomain {
		fd[strings.ToUpper(k)] = strings.ToUpper(v)
	}
	return fd
}
