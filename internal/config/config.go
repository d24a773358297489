// Package config loads the daemon-side settings of netconverge from an
// HCL file.
//
// The file is optional; every block and attribute has a default. Values
// may reference the environment through the env object:
//
//	log {
//	  level = "debug"
//	}
//
//	checkpoint {
//	  timeout   = "90s"
//	  extend_by = "30s"
//	}
//
//	backend {
//	  netns = env.NETCONVERGE_NETNS
//	}
//
// Desired network state is not part of this file; it is passed to the
// apply command as a YAML document.
package config

import (
	"time"

	"grimm.is/netconverge/internal/brand"
)

// Config is the top-level structure of the configuration file.
type Config struct {
	Log        *LogConfig        `hcl:"log,block"`
	Checkpoint *CheckpointConfig `hcl:"checkpoint,block"`
	Verify     *VerifyConfig     `hcl:"verify,block"`
	Backend    *BackendConfig    `hcl:"backend,block"`
	OvsDB      *OvsDBConfig      `hcl:"ovsdb,block"`
	History    *HistoryConfig    `hcl:"history,block"`
	Metrics    *MetricsConfig    `hcl:"metrics,block"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `hcl:"level,optional" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `hcl:"json,optional"`
	// Syslog forwards every line to a remote collector, e.g. "udp://10.0.0.1:514".
	Syslog string `hcl:"syslog,optional" validate:"omitempty,url"`
}

// CheckpointConfig controls the rollback window of an apply.
type CheckpointConfig struct {
	Timeout  string `hcl:"timeout,optional" validate:"omitempty,duration"`
	ExtendBy string `hcl:"extend_by,optional" validate:"omitempty,duration"`
	// PhaseEstimate is the time each phase is expected to need.
	PhaseEstimate string `hcl:"phase_estimate,optional" validate:"omitempty,duration"`
	// ApplyTimeout bounds a whole apply. Unset means no limit.
	ApplyTimeout string `hcl:"apply_timeout,optional" validate:"omitempty,duration"`
}

// VerifyConfig controls post-apply verification.
type VerifyConfig struct {
	Retries             int    `hcl:"retries,optional" validate:"gte=0,lte=100"`
	Interval            string `hcl:"interval,optional" validate:"omitempty,duration"`
	AllowKernelRounding bool   `hcl:"allow_kernel_rounding,optional"`
}

// BackendConfig selects and tunes the backends.
type BackendConfig struct {
	// KernelOnly skips NetworkManager and checkpoints with kernel snapshots.
	KernelOnly  bool   `hcl:"kernel_only,optional"`
	CallTimeout string `hcl:"call_timeout,optional" validate:"omitempty,duration"`
	// Netns names a network namespace under /var/run/netns to operate in.
	Netns string `hcl:"netns,optional" validate:"omitempty,max=255,excludes=/"`
}

// OvsDBConfig locates the OVS database.
type OvsDBConfig struct {
	// Socket is an OVSDB endpoint, "unix:/path" or "tcp:host:port".
	// Empty disables OVSDB support.
	Socket string `hcl:"socket,optional" validate:"omitempty,startswith=unix:|startswith=tcp:|startswith=ssl:"`
}

// HistoryConfig locates the apply journal.
type HistoryConfig struct {
	Enabled *bool  `hcl:"enabled,optional"`
	Path    string `hcl:"path,optional"`
	Retain  int    `hcl:"retain,optional" validate:"gte=0"`
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	// Textfile is written after each command for the node exporter's
	// textfile collector.
	Textfile string `hcl:"textfile,optional"`
}

const (
	DefaultTimeout       = 60 * time.Second
	DefaultExtendBy      = 30 * time.Second
	DefaultPhaseEstimate = 10 * time.Second
	DefaultRetries       = 5
	DefaultInterval      = time.Second
	DefaultCallTimeout   = 10 * time.Second
	DefaultOvsDBSocket   = "unix:/run/openvswitch/db.sock"
	DefaultRetain        = 500
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Checkpoint == nil {
		c.Checkpoint = &CheckpointConfig{}
	}
	if c.Checkpoint.Timeout == "" {
		c.Checkpoint.Timeout = DefaultTimeout.String()
	}
	if c.Checkpoint.ExtendBy == "" {
		c.Checkpoint.ExtendBy = DefaultExtendBy.String()
	}
	if c.Checkpoint.PhaseEstimate == "" {
		c.Checkpoint.PhaseEstimate = DefaultPhaseEstimate.String()
	}
	if c.Verify == nil {
		c.Verify = &VerifyConfig{}
	}
	if c.Verify.Retries == 0 {
		c.Verify.Retries = DefaultRetries
	}
	if c.Verify.Interval == "" {
		c.Verify.Interval = DefaultInterval.String()
	}
	if c.Backend == nil {
		c.Backend = &BackendConfig{}
	}
	if c.Backend.CallTimeout == "" {
		c.Backend.CallTimeout = DefaultCallTimeout.String()
	}
	// An explicit ovsdb block with an empty socket disables OVSDB.
	if c.OvsDB == nil {
		c.OvsDB = &OvsDBConfig{Socket: DefaultOvsDBSocket}
	}
	if c.History == nil {
		c.History = &HistoryConfig{}
	}
	if c.History.Enabled == nil {
		enabled := true
		c.History.Enabled = &enabled
	}
	if c.History.Path == "" {
		c.History.Path = brand.GetStateDir() + "/history.db"
	}
	if c.History.Retain == 0 {
		c.History.Retain = DefaultRetain
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
}

// CheckpointTimeout returns the parsed checkpoint timeout.
func (c *Config) CheckpointTimeout() time.Duration {
	return duration(c.Checkpoint.Timeout, DefaultTimeout)
}

// ExtendBy returns the parsed minimum checkpoint extension.
func (c *Config) ExtendBy() time.Duration {
	return duration(c.Checkpoint.ExtendBy, DefaultExtendBy)
}

// PhaseEstimate returns the parsed per-phase budget.
func (c *Config) PhaseEstimate() time.Duration {
	return duration(c.Checkpoint.PhaseEstimate, DefaultPhaseEstimate)
}

// ApplyTimeout returns the parsed apply deadline, or zero for none.
func (c *Config) ApplyTimeout() time.Duration {
	return duration(c.Checkpoint.ApplyTimeout, 0)
}

// VerifyInterval returns the parsed pause between verification attempts.
func (c *Config) VerifyInterval() time.Duration {
	return duration(c.Verify.Interval, DefaultInterval)
}

// CallTimeout returns the parsed per-call backend timeout.
func (c *Config) CallTimeout() time.Duration {
	return duration(c.Backend.CallTimeout, DefaultCallTimeout)
}

// HistoryEnabled reports whether applies are journaled.
func (c *Config) HistoryEnabled() bool {
	return c.History.Enabled == nil || *c.History.Enabled
}

func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
