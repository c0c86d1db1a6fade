package config

import "fmt"

// dbConfigEntry is one row of the dotted-path introspection table: a
// cluster tunable's default value plus get/set closures over whatever Go
// value backs it. Nested groups register their children at a "group."
// prefix rather than through reflection.
type dbConfigEntry struct {
	path string
	def  string
	get  func() string
	set  func(string) error
}

// DbConfigTable is the hand-written equivalent of a derive-macro-generated
// dotted-path accessor table: given a path like
// "instance.memtx.checkpoint_interval", Get/Set/Default operate on the Go
// field it names without the caller seeing reflection.
type DbConfigTable struct {
	entries map[string]*dbConfigEntry
	order   []string
}

// NewDbConfigTable builds an empty table. Callers register entries with
// Register before loading or querying it.
func NewDbConfigTable() *DbConfigTable {
	return &DbConfigTable{entries: make(map[string]*dbConfigEntry)}
}

// Register adds one dotted-path entry. def is the compiled-in default,
// get/set bind the path to whatever struct field backs it.
func (t *DbConfigTable) Register(path, def string, get func() string, set func(string) error) {
	if _, exists := t.entries[path]; !exists {
		t.order = append(t.order, path)
	}
	t.entries[path] = &dbConfigEntry{path: path, def: def, get: get, set: set}
}

// Paths returns every registered dotted path in registration order.
func (t *DbConfigTable) Paths() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Get returns the current value at path.
func (t *DbConfigTable) Get(path string) (string, error) {
	e, ok := t.entries[path]
	if !ok {
		return "", fmt.Errorf("config: no such db_config path %q", path)
	}
	return e.get(), nil
}

// Set writes value at path.
func (t *DbConfigTable) Set(path, value string) error {
	e, ok := t.entries[path]
	if !ok {
		return fmt.Errorf("config: no such db_config path %q", path)
	}
	return e.set(value)
}

// Default returns the compiled-in default for path.
func (t *DbConfigTable) Default(path string) (string, error) {
	e, ok := t.entries[path]
	if !ok {
		return "", fmt.Errorf("config: no such db_config path %q", path)
	}
	return e.def, nil
}

// ClusterDbConfig holds the tunables a fresh cluster's bootstrap sequence
// seeds into _pico_db_config (spec.md §6 step 3). Each field backs one
// dotted path, e.g. CheckpointIntervalSec backs
// "instance.memtx.checkpoint_interval".
type ClusterDbConfig struct {
	CheckpointIntervalSec int
	GovernorLoopMS        int
	SentinelLoopMS        int
	PlanCacheSize         int
}

// DefaultClusterDbConfig is the compiled-in default set used when no
// DbConfig rows exist yet for a path.
func DefaultClusterDbConfig() ClusterDbConfig {
	return ClusterDbConfig{
		CheckpointIntervalSec: 3600,
		GovernorLoopMS:        200,
		SentinelLoopMS:        200,
		PlanCacheSize:         512,
	}
}

// NewClusterDbConfigTable registers cfg's fields under their dotted paths.
// Nested groups (memtx, governor, sentinel, sql) register at a prefix the
// way a derived table would recurse into nested structs.
func NewClusterDbConfigTable(cfg *ClusterDbConfig) *DbConfigTable {
	t := NewDbConfigTable()
	def := DefaultClusterDbConfig()

	t.Register("instance.memtx.checkpoint_interval",
		itoa(def.CheckpointIntervalSec),
		func() string { return itoa(cfg.CheckpointIntervalSec) },
		func(v string) error { return setIntField(&cfg.CheckpointIntervalSec, v) },
	)
	t.Register("governor.loop_interval_ms",
		itoa(def.GovernorLoopMS),
		func() string { return itoa(cfg.GovernorLoopMS) },
		func(v string) error { return setIntField(&cfg.GovernorLoopMS, v) },
	)
	t.Register("sentinel.loop_interval_ms",
		itoa(def.SentinelLoopMS),
		func() string { return itoa(cfg.SentinelLoopMS) },
		func(v string) error { return setIntField(&cfg.SentinelLoopMS, v) },
	)
	t.Register("sql.plan_cache_size",
		itoa(def.PlanCacheSize),
		func() string { return itoa(cfg.PlanCacheSize) },
		func(v string) error { return setIntField(&cfg.PlanCacheSize, v) },
	)

	return t
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

func setIntField(field *int, v string) error {
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fmt.Errorf("config: %q is not an integer", v)
	}
	*field = n
	return nil
}
