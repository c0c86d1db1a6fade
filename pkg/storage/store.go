package storage

import (
	"github.com/cuemby/meshdb/pkg/types"
)

// Store defines the catalog persistence interface the FSM writes through
// and every reader (governor, sentinel, sharding, CLI) reads from.
type Store interface {
	// Instances
	CreateInstance(instance *types.Instance) error
	GetInstance(name string) (*types.Instance, error)
	GetInstanceByRaftID(raftID uint64) (*types.Instance, error)
	ListInstances() ([]*types.Instance, error)
	ListInstancesByReplicaset(replicasetName string) ([]*types.Instance, error)
	ListInstancesByTier(tier string) ([]*types.Instance, error)
	UpdateInstance(instance *types.Instance) error
	DeleteInstance(name string) error

	// Replicasets
	CreateReplicaset(rs *types.Replicaset) error
	GetReplicaset(name string) (*types.Replicaset, error)
	ListReplicasets() ([]*types.Replicaset, error)
	ListReplicasetsByTier(tier string) ([]*types.Replicaset, error)
	UpdateReplicaset(rs *types.Replicaset) error
	DeleteReplicaset(name string) error

	// Tiers
	CreateTier(tier *types.Tier) error
	GetTier(name string) (*types.Tier, error)
	ListTiers() ([]*types.Tier, error)
	UpdateTier(tier *types.Tier) error
	DeleteTier(name string) error

	// Addresses
	SetAddress(addr *types.PeerAddress) error
	GetAddress(raftID uint64) (*types.PeerAddress, error)
	ListAddresses() ([]*types.PeerAddress, error)
	DeleteAddress(raftID uint64) error

	// Properties
	SetProperty(prop *types.Property) error
	GetProperty(key string) (*types.Property, error)
	ListProperties() ([]*types.Property, error)

	// DbConfig
	SetDbConfig(cfg *types.DbConfig) error
	GetDbConfig(path string) (*types.DbConfig, error)
	ListDbConfig() ([]*types.DbConfig, error)

	// Users
	CreateUser(user *types.User) error
	GetUser(name string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	UpdateUser(user *types.User) error
	DeleteUser(name string) error

	// Privileges
	GrantPrivilege(priv *types.Privilege) error
	RevokePrivilege(grantee, kind, object string) error
	ListPrivilegesByGrantee(grantee string) ([]*types.Privilege, error)

	// Tables
	CreateTable(table *types.Table) error
	GetTable(name string) (*types.Table, error)
	ListTables() ([]*types.Table, error)
	DeleteTable(name string) error

	// Indexes
	CreateIndex(idx *types.Index) error
	GetIndex(table, name string) (*types.Index, error)
	ListIndexesByTable(table string) ([]*types.Index, error)
	DeleteIndex(table, name string) error

	// Utility
	Close() error
}
