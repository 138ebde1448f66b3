/*
   Copyright The grimoire Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package config holds the daemon configuration. Pattern definitions are
// compiled in; this file only carries policy and sizing.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/containerd/errdefs"
	"github.com/pelletier/go-toml/v2"

	"github.com/grimoire-host/grimoire/core/pattern"
	"github.com/grimoire-host/grimoire/defaults"
)

// Config is the daemon's TOML configuration.
type Config struct {
	// Enable gates the kernel probe's global flag; false runs the
	// daemon with the probe loaded but silent.
	Enable bool `toml:"enable"`

	// Enforce turns matched verdicts at or above the enforcement
	// severity into SIGKILL; false is shadow mode.
	Enforce bool `toml:"enforce"`

	MinLogSeverity     string `toml:"min_log_severity"`
	MinEnforceSeverity string `toml:"min_enforce_severity"`

	// LogPath receives one JSON alert line per match.
	LogPath string `toml:"log_path"`

	// BPFObjectPath is the compiled kernel probe.
	BPFObjectPath string `toml:"bpf_object_path"`

	RingBufferBytes uint32 `toml:"ring_buffer_bytes"`
	ProcessTableCap int    `toml:"process_table_cap"`

	// GlobalProcessWhitelist is union'd with every pattern's own
	// whitelist.
	GlobalProcessWhitelist []string `toml:"global_process_whitelist"`

	// MetricsAddress serves /metrics and /v1/health; empty disables the
	// listener.
	MetricsAddress string `toml:"metrics_address"`
}

// Default returns the shipped configuration: shadow mode, info logging,
// critical-only enforcement.
func Default() *Config {
	return &Config{
		Enable:             true,
		Enforce:            false,
		MinLogSeverity:     pattern.SeverityInfo.String(),
		MinEnforceSeverity: pattern.SeverityCritical.String(),
		LogPath:            defaults.DefaultLogPath,
		BPFObjectPath:      defaults.DefaultBPFObjectPath,
		RingBufferBytes:    defaults.DefaultRingBufferBytes,
		ProcessTableCap:    defaults.DefaultProcessTableCap,
		MetricsAddress:     defaults.DefaultMetricsAddress,
	}
}

// LoadFile merges the TOML file at path over c. A missing file is only
// an error when the operator named it explicitly.
func LoadFile(path string, c *Config, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w: %w", path, err, errdefs.ErrInvalidArgument)
	}
	return nil
}

// Validate checks the configuration; failures are fatal at startup, no
// partial state is built from an invalid config.
func (c *Config) Validate() error {
	if _, err := pattern.ParseSeverity(c.MinLogSeverity); err != nil {
		return fmt.Errorf("min_log_severity: %w", err)
	}
	if _, err := pattern.ParseSeverity(c.MinEnforceSeverity); err != nil {
		return fmt.Errorf("min_enforce_severity: %w", err)
	}
	if c.LogPath == "" {
		return fmt.Errorf("log_path must be set: %w", errdefs.ErrInvalidArgument)
	}
	if c.BPFObjectPath == "" {
		return fmt.Errorf("bpf_object_path must be set: %w", errdefs.ErrInvalidArgument)
	}
	if c.RingBufferBytes == 0 {
		return fmt.Errorf("ring_buffer_bytes must be positive: %w", errdefs.ErrInvalidArgument)
	}
	if c.ProcessTableCap <= 0 {
		return fmt.Errorf("process_table_cap must be positive: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}

// Severities returns the parsed thresholds; call Validate first.
func (c *Config) Severities() (minLog, minEnforce pattern.Severity) {
	minLog, _ = pattern.ParseSeverity(c.MinLogSeverity)
	minEnforce, _ = pattern.ParseSeverity(c.MinEnforceSeverity)
	return minLog, minEnforce
}
