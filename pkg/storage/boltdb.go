// Package storage persists the cluster catalog in an embedded BoltDB file,
// one bucket per entity, rows JSON-encoded and keyed by their natural name.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/meshdb/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketInstances   = []byte("_pico_instance")
	bucketReplicasets = []byte("_pico_replicaset")
	bucketTiers       = []byte("_pico_tier")
	bucketAddresses   = []byte("_pico_address")
	bucketProperties  = []byte("_pico_property")
	bucketDbConfig    = []byte("_pico_db_config")
	bucketUsers       = []byte("_pico_user")
	bucketPrivileges  = []byte("_pico_priv")
	bucketTables      = []byte("_pico_table")
	bucketIndexes     = []byte("_pico_index")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "meshdb.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketInstances,
			bucketReplicasets,
			bucketTiers,
			bucketAddresses,
			bucketProperties,
			bucketDbConfig,
			bucketUsers,
			bucketPrivileges,
			bucketTables,
			bucketIndexes,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func raftIDKey(raftID uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, raftID)
	return key
}

// Instances

func (s *BoltStore) CreateInstance(instance *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(instance)
		if err != nil {
			return err
		}
		return b.Put([]byte(instance.Name), data)
	})
}

func (s *BoltStore) GetInstance(name string) (*types.Instance, error) {
	var instance types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("instance not found: %s", name)
		}
		return json.Unmarshal(data, &instance)
	})
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (s *BoltStore) GetInstanceByRaftID(raftID uint64) (*types.Instance, error) {
	instances, err := s.ListInstances()
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.RaftID == raftID {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("instance not found for raft_id: %d", raftID)
}

func (s *BoltStore) ListInstances() ([]*types.Instance, error) {
	var instances []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var instance types.Instance
			if err := json.Unmarshal(v, &instance); err != nil {
				return err
			}
			instances = append(instances, &instance)
			return nil
		})
	})
	return instances, err
}

func (s *BoltStore) ListInstancesByReplicaset(replicasetName string) ([]*types.Instance, error) {
	instances, err := s.ListInstances()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Instance
	for _, inst := range instances {
		if inst.ReplicasetName == replicasetName {
			filtered = append(filtered, inst)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListInstancesByTier(tier string) ([]*types.Instance, error) {
	instances, err := s.ListInstances()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Instance
	for _, inst := range instances {
		if inst.Tier == tier {
			filtered = append(filtered, inst)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateInstance(instance *types.Instance) error {
	return s.CreateInstance(instance) // upsert
}

func (s *BoltStore) DeleteInstance(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.Delete([]byte(name))
	})
}

// Replicasets

func (s *BoltStore) CreateReplicaset(rs *types.Replicaset) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicasets)
		data, err := json.Marshal(rs)
		if err != nil {
			return err
		}
		return b.Put([]byte(rs.Name), data)
	})
}

func (s *BoltStore) GetReplicaset(name string) (*types.Replicaset, error) {
	var rs types.Replicaset
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicasets)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("replicaset not found: %s", name)
		}
		return json.Unmarshal(data, &rs)
	})
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

func (s *BoltStore) ListReplicasets() ([]*types.Replicaset, error) {
	var rss []*types.Replicaset
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicasets)
		return b.ForEach(func(k, v []byte) error {
			var rs types.Replicaset
			if err := json.Unmarshal(v, &rs); err != nil {
				return err
			}
			rss = append(rss, &rs)
			return nil
		})
	})
	return rss, err
}

func (s *BoltStore) ListReplicasetsByTier(tier string) ([]*types.Replicaset, error) {
	rss, err := s.ListReplicasets()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Replicaset
	for _, rs := range rss {
		if rs.Tier == tier {
			filtered = append(filtered, rs)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateReplicaset(rs *types.Replicaset) error {
	return s.CreateReplicaset(rs)
}

func (s *BoltStore) DeleteReplicaset(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicasets)
		return b.Delete([]byte(name))
	})
}

// Tiers

func (s *BoltStore) CreateTier(tier *types.Tier) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTiers)
		data, err := json.Marshal(tier)
		if err != nil {
			return err
		}
		return b.Put([]byte(tier.Name), data)
	})
}

func (s *BoltStore) GetTier(name string) (*types.Tier, error) {
	var tier types.Tier
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTiers)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("tier not found: %s", name)
		}
		return json.Unmarshal(data, &tier)
	})
	if err != nil {
		return nil, err
	}
	return &tier, nil
}

func (s *BoltStore) ListTiers() ([]*types.Tier, error) {
	var tiers []*types.Tier
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTiers)
		return b.ForEach(func(k, v []byte) error {
			var tier types.Tier
			if err := json.Unmarshal(v, &tier); err != nil {
				return err
			}
			tiers = append(tiers, &tier)
			return nil
		})
	})
	return tiers, err
}

func (s *BoltStore) UpdateTier(tier *types.Tier) error {
	return s.CreateTier(tier)
}

func (s *BoltStore) DeleteTier(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTiers)
		return b.Delete([]byte(name))
	})
}

// Addresses

func (s *BoltStore) SetAddress(addr *types.PeerAddress) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAddresses)
		data, err := json.Marshal(addr)
		if err != nil {
			return err
		}
		return b.Put(raftIDKey(addr.RaftID), data)
	})
}

func (s *BoltStore) GetAddress(raftID uint64) (*types.PeerAddress, error) {
	var addr types.PeerAddress
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAddresses)
		data := b.Get(raftIDKey(raftID))
		if data == nil {
			return fmt.Errorf("address not found for raft_id: %d", raftID)
		}
		return json.Unmarshal(data, &addr)
	})
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

func (s *BoltStore) ListAddresses() ([]*types.PeerAddress, error) {
	var addrs []*types.PeerAddress
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAddresses)
		return b.ForEach(func(k, v []byte) error {
			var addr types.PeerAddress
			if err := json.Unmarshal(v, &addr); err != nil {
				return err
			}
			addrs = append(addrs, &addr)
			return nil
		})
	})
	return addrs, err
}

func (s *BoltStore) DeleteAddress(raftID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAddresses)
		return b.Delete(raftIDKey(raftID))
	})
}

// Properties

func (s *BoltStore) SetProperty(prop *types.Property) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProperties)
		data, err := json.Marshal(prop)
		if err != nil {
			return err
		}
		return b.Put([]byte(prop.Key), data)
	})
}

func (s *BoltStore) GetProperty(key string) (*types.Property, error) {
	var prop types.Property
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProperties)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("property not found: %s", key)
		}
		return json.Unmarshal(data, &prop)
	})
	if err != nil {
		return nil, err
	}
	return &prop, nil
}

func (s *BoltStore) ListProperties() ([]*types.Property, error) {
	var props []*types.Property
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProperties)
		return b.ForEach(func(k, v []byte) error {
			var prop types.Property
			if err := json.Unmarshal(v, &prop); err != nil {
				return err
			}
			props = append(props, &prop)
			return nil
		})
	})
	return props, err
}

// DbConfig

func (s *BoltStore) SetDbConfig(cfg *types.DbConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDbConfig)
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(cfg.Path), data)
	})
}

func (s *BoltStore) GetDbConfig(path string) (*types.DbConfig, error) {
	var cfg types.DbConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDbConfig)
		data := b.Get([]byte(path))
		if data == nil {
			return fmt.Errorf("db config not found: %s", path)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) ListDbConfig() ([]*types.DbConfig, error) {
	var cfgs []*types.DbConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDbConfig)
		return b.ForEach(func(k, v []byte) error {
			var cfg types.DbConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			cfgs = append(cfgs, &cfg)
			return nil
		})
	})
	return cfgs, err
}

// Users

func (s *BoltStore) CreateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put([]byte(user.Name), data)
	})
}

func (s *BoltStore) GetUser(name string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("user not found: %s", name)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, &user)
			return nil
		})
	})
	return users, err
}

func (s *BoltStore) UpdateUser(user *types.User) error {
	return s.CreateUser(user)
}

func (s *BoltStore) DeleteUser(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.Delete([]byte(name))
	})
}

// Privileges

func privilegeKey(grantee, kind, object string) []byte {
	return []byte(grantee + "\x00" + kind + "\x00" + object)
}

func (s *BoltStore) GrantPrivilege(priv *types.Privilege) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrivileges)
		data, err := json.Marshal(priv)
		if err != nil {
			return err
		}
		return b.Put(privilegeKey(priv.Grantee, priv.Kind, priv.Object), data)
	})
}

func (s *BoltStore) RevokePrivilege(grantee, kind, object string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrivileges)
		return b.Delete(privilegeKey(grantee, kind, object))
	})
}

func (s *BoltStore) ListPrivilegesByGrantee(grantee string) ([]*types.Privilege, error) {
	var privs []*types.Privilege
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrivileges)
		return b.ForEach(func(k, v []byte) error {
			var priv types.Privilege
			if err := json.Unmarshal(v, &priv); err != nil {
				return err
			}
			if priv.Grantee == grantee {
				privs = append(privs, &priv)
			}
			return nil
		})
	})
	return privs, err
}

// Tables

func (s *BoltStore) CreateTable(table *types.Table) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTables)
		data, err := json.Marshal(table)
		if err != nil {
			return err
		}
		return b.Put([]byte(table.Name), data)
	})
}

func (s *BoltStore) GetTable(name string) (*types.Table, error) {
	var table types.Table
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTables)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("table not found: %s", name)
		}
		return json.Unmarshal(data, &table)
	})
	if err != nil {
		return nil, err
	}
	return &table, nil
}

func (s *BoltStore) ListTables() ([]*types.Table, error) {
	var tables []*types.Table
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTables)
		return b.ForEach(func(k, v []byte) error {
			var table types.Table
			if err := json.Unmarshal(v, &table); err != nil {
				return err
			}
			tables = append(tables, &table)
			return nil
		})
	})
	return tables, err
}

func (s *BoltStore) DeleteTable(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTables)
		return b.Delete([]byte(name))
	})
}

// Indexes

func indexKey(table, name string) []byte {
	return []byte(table + "\x00" + name)
}

func (s *BoltStore) CreateIndex(idx *types.Index) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndexes)
		data, err := json.Marshal(idx)
		if err != nil {
			return err
		}
		return b.Put(indexKey(idx.Table, idx.Name), data)
	})
}

func (s *BoltStore) GetIndex(table, name string) (*types.Index, error) {
	var idx types.Index
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndexes)
		data := b.Get(indexKey(table, name))
		if data == nil {
			return fmt.Errorf("index not found: %s.%s", table, name)
		}
		return json.Unmarshal(data, &idx)
	})
	if err != nil {
		return nil, err
	}
	return &idx, nil
}

func (s *BoltStore) ListIndexesByTable(table string) ([]*types.Index, error) {
	var idxs []*types.Index
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndexes)
		return b.ForEach(func(k, v []byte) error {
			var idx types.Index
			if err := json.Unmarshal(v, &idx); err != nil {
				return err
			}
			if idx.Table == table {
				idxs = append(idxs, &idx)
			}
			return nil
		})
	})
	return idxs, err
}

func (s *BoltStore) DeleteIndex(table, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndexes)
		return b.Delete(indexKey(table, name))
	})
}
