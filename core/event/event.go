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

// Package event defines the fixed-layout syscall record emitted by the
// kernel probe and its user-space decoding.
package event

import (
	"encoding/binary"
	"fmt"

	"github.com/containerd/errdefs"
)

// WireSize is the exact size of a record in the kernel ring buffer. The
// layout is shared with bpf/grimoire.bpf.c; changing it is a breaking
// protocol change.
const WireSize = 64

// SyscallEvent is one sampled syscall entry.
//
// HostPID is resolved in the init PID namespace. A zero HostPID means the
// probe could not translate the task's PID; the event is still delivered
// with PidNsInum intact.
type SyscallEvent struct {
	SyscallNr   uint32
	HostPID     uint32
	PidNsInum   uint64
	TimestampNs uint64
	Args        [6]uint64
}

// Decode parses a raw ring-buffer record. Records are written whole by the
// probe, so a short sample indicates a protocol mismatch rather than a
// partial write.
func Decode(raw []byte) (SyscallEvent, error) {
	var ev SyscallEvent
	if len(raw) < WireSize {
		return ev, fmt.Errorf("event record is %d bytes, want %d: %w", len(raw), WireSize, errdefs.ErrInvalidArgument)
	}
	ev.SyscallNr = binary.NativeEndian.Uint32(raw[0:4])
	ev.HostPID = binary.NativeEndian.Uint32(raw[4:8])
	ev.PidNsInum = binary.NativeEndian.Uint64(raw[8:16])
	ev.TimestampNs = binary.NativeEndian.Uint64(raw[16:24])
	for i := range ev.Args {
		ev.Args[i] = binary.NativeEndian.Uint64(raw[24+8*i : 32+8*i])
	}
	return ev, nil
}

// Encode packs the event into the wire layout. The consumer never encodes
// in production; this exists for tests and synthetic replay.
func Encode(ev SyscallEvent) []byte {
	raw := make([]byte, WireSize)
	binary.NativeEndian.PutUint32(raw[0:4], ev.SyscallNr)
	binary.NativeEndian.PutUint32(raw[4:8], ev.HostPID)
	binary.NativeEndian.PutUint64(raw[8:16], ev.PidNsInum)
	binary.NativeEndian.PutUint64(raw[16:24], ev.TimestampNs)
	for i, a := range ev.Args {
		binary.NativeEndian.PutUint64(raw[24+8*i:32+8*i], a)
	}
	return raw
}
