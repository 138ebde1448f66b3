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

// Package procinfo is the running-process metadata surface: best-effort
// reads of binary name, PID-namespace identity, and parent PID for a host
// PID. A process that exited between the match and the lookup yields
// degraded fields, never an error on the event path.
package procinfo

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// UnknownBinary is reported when the binary name cannot be resolved.
const UnknownBinary = "?"

const maxNameLen = 64

// Meta is the per-PID snapshot the verdict pipeline enriches alerts with.
type Meta struct {
	BinaryName string
	PidNsInum  uint64
	ParentPID  uint32
}

// Resolver reads the kernel's per-PID information directory. ProcRoot is
// overridable for tests and for running inside a container with the host
// /proc bind-mounted.
type Resolver struct {
	ProcRoot string
}

// NewResolver returns a resolver over /proc.
func NewResolver() *Resolver {
	return &Resolver{ProcRoot: "/proc"}
}

func (r *Resolver) pidPath(pid uint32, parts ...string) string {
	return filepath.Join(append([]string{r.ProcRoot, strconv.FormatUint(uint64(pid), 10)}, parts...)...)
}

// Meta resolves the metadata snapshot for pid. Every field degrades
// independently; a vanished process yields BinaryName "?" and zero
// fields.
func (r *Resolver) Meta(pid uint32) Meta {
	m := Meta{BinaryName: r.BinaryName(pid)}
	if ino, err := nsInum(r.pidPath(pid, "ns", "pid")); err == nil {
		m.PidNsInum = ino
	}
	if ppid, err := r.parentPID(pid); err == nil {
		m.ParentPID = ppid
	}
	return m
}

// BinaryName resolves the process's short name from comm, falling back to
// the first cmdline element. Returns "?" when nothing is readable.
func (r *Resolver) BinaryName(pid uint32) string {
	if data, err := os.ReadFile(r.pidPath(pid, "comm")); err == nil {
		if name := sanitizeName(strings.TrimSpace(string(data))); name != "" {
			return name
		}
	}
	if data, err := os.ReadFile(r.pidPath(pid, "cmdline")); err == nil {
		argv0, _, _ := strings.Cut(string(data), "\x00")
		if name := sanitizeName(filepath.Base(argv0)); name != "" && name != "." {
			return name
		}
	}
	return UnknownBinary
}

// BinaryHash returns the SHA-256 of the process's executable truncated to
// 64 bits, or 0 when the executable is unreadable. Zero is never a valid
// whitelist entry, so failure cannot whitelist anything.
func (r *Resolver) BinaryHash(pid uint32) uint64 {
	f, err := os.Open(r.pidPath(pid, "exe"))
	if err != nil {
		return 0
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

func (r *Resolver) parentPID(pid uint32) (uint32, error) {
	f, err := os.Open(r.pidPath(pid, "status"))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, "PPid:"); ok {
			ppid, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 32)
			if err != nil {
				return 0, err
			}
			return uint32(ppid), nil
		}
	}
	return 0, fmt.Errorf("no PPid line for pid %d", pid)
}

func nsInum(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return st.Ino, nil
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= maxNameLen {
			break
		}
	}
	return b.String()
}
