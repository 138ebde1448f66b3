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

// Package defaults holds the paths and sizing knobs shared between the
// daemon command and the configuration package.
package defaults

import "time"

const (
	// DefaultConfigPath is the location of the daemon configuration file.
	DefaultConfigPath = "/etc/grimoire/config.toml"

	// DefaultLogPath is where JSON alert lines are appended.
	DefaultLogPath = "/var/log/grimoire/alerts.json"

	// DefaultBPFObjectPath is the compiled kernel probe consumed at load.
	DefaultBPFObjectPath = "/usr/lib/grimoire/grimoire.bpf.o"

	// DefaultMetricsAddress is the listener serving /metrics and /v1/health.
	DefaultMetricsAddress = "127.0.0.1:13613"

	// DefaultRingBufferBytes sizes the kernel event ring buffer.
	DefaultRingBufferBytes = 1 << 20

	// DefaultProcessTableCap bounds the engine's process table; hitting the
	// cap evicts the least recently seen PID.
	DefaultProcessTableCap = 8192

	// DefaultPollTimeout bounds a single ring-buffer poll.
	DefaultPollTimeout = 100 * time.Millisecond

	// DefaultDrainTimeout bounds the final ring-buffer drain at shutdown.
	DefaultDrainTimeout = 250 * time.Millisecond

	// MaxAlertLineBytes caps a JSON alert line so the append write stays
	// atomic (PIPE_BUF).
	MaxAlertLineBytes = 4096

	// MaxUserStringBytes bounds a best-effort read of a NUL-terminated
	// string from a traced process.
	MaxUserStringBytes = 256
)
