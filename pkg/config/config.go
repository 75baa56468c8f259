/*
Package config holds the immutable configuration options passed to every
task at deploy time (spec.md section 6's Configuration options table).
Options are loaded once from a YAML file and never mutated afterward; per
the design notes, configuration is an immutable struct, not process-global
mutable state.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario selects the reconfig planner strategy.
type Scenario string

const (
	ScenarioShuffle         Scenario = "shuffle"
	ScenarioLoadBalance     Scenario = "load_balance"
	ScenarioLoadBalanceZipf Scenario = "load_balance_zipf"
	ScenarioProfiling       Scenario = "profiling"
	ScenarioStatic          Scenario = "static"
)

// OrderFunction selects the order in which migrating key-groups are
// drained at a destination.
type OrderFunction string

const (
	OrderDefault OrderFunction = "default"
	OrderReverse OrderFunction = "reverse"
	OrderRandom  OrderFunction = "random"
)

// Options is the immutable, per-task configuration struct.
type Options struct {
	Reconfig struct {
		Scenario      Scenario      `yaml:"scenario"`
		AffectedKeys  int           `yaml:"affected_keys"`
		AffectedTasks int           `yaml:"affected_tasks"`
		SyncKeys      int           `yaml:"sync_keys"`
		OrderFunction OrderFunction `yaml:"order_function"`
		TimeoutMS     int           `yaml:"timeout_ms"`
	} `yaml:"reconfig"`

	ReplicateKeysFilter int `yaml:"replicate_keys_filter"`

	Replicate struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"replicate"`

	Snapshot struct {
		ChangelogEnabled bool `yaml:"changelog_enabled"`
	} `yaml:"snapshot"`

	StateBackend struct {
		Async bool `yaml:"async"`
	} `yaml:"state_backend"`

	Netty struct {
		StateTransmissionEnabled bool `yaml:"state_transmission_enabled"`
		ChunkedEnabled           bool `yaml:"chunked_enabled"`
		ChunkSizeBytes           int  `yaml:"chunk_size_bytes"`
	} `yaml:"netty"`

	Controller struct {
		TargetOperators string `yaml:"target_operators"`
	} `yaml:"controller"`
}

// Default returns the option set's documented defaults.
func Default() *Options {
	o := &Options{}
	o.Reconfig.Scenario = ScenarioStatic
	o.Reconfig.AffectedKeys = 0
	o.Reconfig.AffectedTasks = 0
	o.Reconfig.SyncKeys = 0
	o.Reconfig.OrderFunction = OrderDefault
	o.Reconfig.TimeoutMS = 30_000
	o.ReplicateKeysFilter = 0
	o.Replicate.Interval = 10 * time.Second
	o.Snapshot.ChangelogEnabled = true
	o.StateBackend.Async = true
	o.Netty.StateTransmissionEnabled = true
	o.Netty.ChunkedEnabled = false
	o.Netty.ChunkSizeBytes = 64 * 1024
	o.Controller.TargetOperators = ""
	return o
}

// Load reads YAML configuration from path, overlaying it onto Default().
func Load(path string) (*Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return opts, nil
}

// ReplicatesKeyGroup reports whether kg should be shipped to standby
// replicas under the configured replicate_keys_filter policy: 0 disables
// replication, N>0 replicates kgs where kg mod N == 0, 1 replicates all.
func (o *Options) ReplicatesKeyGroup(kg int32) bool {
	n := o.ReplicateKeysFilter
	if n <= 0 {
		return false
	}
	return int(kg)%n == 0
}
