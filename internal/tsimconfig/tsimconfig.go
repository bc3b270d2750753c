// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tsimconfig loads the daemon configuration: environment
// variables override any path also settable in the HCL config file, the
// ambient configuration layer this codebase's sibling tools use.
package tsimconfig

import (
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	tsimerrors "grimm.is/tsim/internal/errors"
)

// SchedulerConfig tunes the leader loop and worker pool.
type SchedulerConfig struct {
	PollIntervalMS int `hcl:"poll_interval_ms,optional" json:"poll_interval_ms,omitempty"`
	WorkerCapacity int `hcl:"worker_capacity,optional" json:"worker_capacity,omitempty"`
}

// ProbeConfig sets the probe timeouts and hop cap defaults.
type ProbeConfig struct {
	PingTimeoutMS    int `hcl:"ping_timeout_ms,optional" json:"ping_timeout_ms,omitempty"`
	ServiceTimeoutMS int `hcl:"service_timeout_ms,optional" json:"service_timeout_ms,omitempty"`
	OverallDeadlineS int `hcl:"overall_deadline_s,optional" json:"overall_deadline_s,omitempty"`
	HopCap           int `hcl:"hop_cap,optional" json:"hop_cap,omitempty"`
}

// APIConfig configures the HTTP front door.
type APIConfig struct {
	ListenAddr string `hcl:"listen_addr,optional" json:"listen_addr,omitempty"`
}

// Config is the root of tsimd's HCL configuration file, one block per
// subsystem matching the teacher's `grimm.is/flywall/internal/config`
// top-level-struct-of-block-pointers shape.
type Config struct {
	FactsDir string `hcl:"facts_dir,optional" json:"facts_dir,omitempty"`
	DataDir  string `hcl:"data_dir,optional" json:"data_dir,omitempty"`
	LogDir   string `hcl:"log_dir,optional" json:"log_dir,omitempty"`
	LockDir  string `hcl:"lock_dir,optional" json:"lock_dir,omitempty"`

	Scheduler *SchedulerConfig `hcl:"scheduler,block" json:"scheduler,omitempty"`
	Probe     *ProbeConfig     `hcl:"probe,block" json:"probe,omitempty"`
	API       *APIConfig       `hcl:"api,block" json:"api,omitempty"`
}

// Default returns a Config with every field set to the value tsimd runs
// with if neither the config file nor an environment variable overrides it.
func Default() Config {
	return Config{
		FactsDir: "/etc/tsim/facts",
		DataDir:  "/var/lib/tsim",
		LogDir:   "/var/log/tsim",
		LockDir:  "/run/tsim/lock",
		Scheduler: &SchedulerConfig{
			PollIntervalMS: 500,
			WorkerCapacity: 33,
		},
		Probe: &ProbeConfig{
			PingTimeoutMS:    1000,
			ServiceTimeoutMS: 60000,
			OverallDeadlineS: 600,
			HopCap:           30,
		},
		API: &APIConfig{
			ListenAddr: ":8080",
		},
	}
}

// Load reads path as HCL into Default()'s base, then applies the
// TSIM_FACTS_DIR/TSIM_DATA_DIR/TSIM_LOG_DIR/TSIM_LOCK_DIR environment
// variables on top, since env vars are the outermost override. An empty
// path skips the file read and starts from Default() plus env.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
			return Config{}, tsimerrors.Wrapf(err, tsimerrors.KindValidation, "decode config %s", path)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TSIM_FACTS_DIR"); v != "" {
		cfg.FactsDir = v
	}
	if v := os.Getenv("TSIM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TSIM_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("TSIM_LOCK_DIR"); v != "" {
		cfg.LockDir = v
	}
}

// PingTimeout, ServiceTimeout, OverallDeadline and PollInterval translate
// the config's millisecond/second ints into time.Duration for callers that
// wire scheduler/orchestrator/svcrunner together.
func (c Config) PingTimeout() time.Duration {
	return time.Duration(c.Probe.PingTimeoutMS) * time.Millisecond
}

func (c Config) ServiceTimeout() time.Duration {
	return time.Duration(c.Probe.ServiceTimeoutMS) * time.Millisecond
}

func (c Config) OverallDeadline() time.Duration {
	return time.Duration(c.Probe.OverallDeadlineS) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalMS) * time.Millisecond
}
