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

package verdict

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"

	"github.com/grimoire-host/grimoire/defaults"
)

// Alert is the forensic record written as one JSON line per match. Field
// order is part of the on-disk format.
type Alert struct {
	TimestampNs uint64      `json:"timestamp_ns"`
	WallTime    string      `json:"wall_time"`
	PatternID   string      `json:"pattern_id"`
	PatternName string      `json:"pattern_name"`
	Severity    string      `json:"severity"`
	HostPID     uint32      `json:"host_pid"`
	PidNsInum   uint64      `json:"pid_ns_inum"`
	Binary      string      `json:"binary"`
	Action      string      `json:"action"`
	Errno       *int32      `json:"errno"`
	Steps       []AlertStep `json:"steps"`
}

// AlertStep is one matched event in the alert's step trace.
type AlertStep struct {
	SyscallNr   uint32    `json:"syscall_nr"`
	TimestampNs uint64    `json:"timestamp_ns"`
	Args        [6]uint64 `json:"args"`
}

// AlertWriter appends alert lines to a file. Each record goes out in a
// single write so concurrent writers stay line-atomic; a line is capped
// at defaults.MaxAlertLineBytes to stay under PIPE_BUF.
type AlertWriter struct {
	f             *os.File
	logWriteFails uint64
}

// NewAlertWriter opens (creating if needed) the alert log in append mode.
func NewAlertWriter(path string) (*AlertWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create alert log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open alert log %s: %w", path, err)
	}
	return &AlertWriter{f: f}, nil
}

// Write appends one alert line. On overflow the pattern name is truncated
// until the line fits; numeric fields and severity are never cut. A
// failed write is retried once, then counted and dropped.
func (w *AlertWriter) Write(a *Alert) error {
	line, err := marshalLine(a)
	if err != nil {
		w.logWriteFails++
		return err
	}
	if _, err := w.f.Write(line); err != nil {
		if _, err = w.f.Write(line); err != nil {
			w.logWriteFails++
			log.L.WithError(err).Warn("alert write failed twice, dropping record")
			return err
		}
	}
	return nil
}

func marshalLine(a *Alert) ([]byte, error) {
	buf, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	for len(buf)+1 > defaults.MaxAlertLineBytes && a.PatternName != "" {
		over := len(buf) + 1 - defaults.MaxAlertLineBytes
		if over >= len(a.PatternName) {
			a.PatternName = ""
		} else {
			a.PatternName = a.PatternName[:len(a.PatternName)-over]
		}
		if buf, err = json.Marshal(a); err != nil {
			return nil, err
		}
	}
	return append(buf, '\n'), nil
}

// LogWriteFails is the count of records dropped after the retry.
func (w *AlertWriter) LogWriteFails() uint64 { return w.logWriteFails }

// Sync flushes the log to stable storage; used at shutdown.
func (w *AlertWriter) Sync() error { return w.f.Sync() }

// Close syncs and closes the log file.
func (w *AlertWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
