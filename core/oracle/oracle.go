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

//go:build linux

// Package oracle loads the kernel probe, attaches it to the raw syscall
// entry tracepoint, and owns the maps shared with it. The probe is pure
// except for these maps: enable flag, monitored-syscall set, counters,
// and the event ring buffer.
package oracle

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/containerd/log"
)

// Map and program names shared with bpf/grimoire.bpf.c.
const (
	mapEnable    = "grimoire_enable"
	mapMonitored = "monitored_syscalls"
	mapCounters  = "grimoire_counters"
	mapEvents    = "events"
	progSysEnter = "grimoire_sys_enter"
)

// Sentinel failures the daemon maps to distinct exit codes.
var (
	// ErrKernelLoad covers probe load and attach failures.
	ErrKernelLoad = errors.New("kernel probe load failed")
	// ErrRingBuffer covers event ring-buffer allocation failures.
	ErrRingBuffer = errors.New("ring buffer allocation failed")
)

// Counters mirrors the probe's four accounting cells. All monotonic,
// reset only when the probe is reloaded.
type Counters struct {
	Seen         uint64
	FilterPassed uint64
	Emitted      uint64
	Dropped      uint64
}

// Oracle is the loaded and attached probe.
type Oracle struct {
	coll   *ebpf.Collection
	tp     link.Link
	reader *ringbuf.Reader
}

// roundUpPow2 rounds n up to the next power of two; ring-buffer maps must
// be a power-of-2 multiple of the page size.
func roundUpPow2(n uint32) uint32 {
	if n < 4096 {
		return 4096
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}

// Load reads the compiled probe object, sizes the ring buffer, loads the
// collection, attaches to raw_syscalls sys_enter, and opens the reader.
func Load(objPath string, ringBytes uint32) (*Oracle, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		log.L.WithError(err).Warn("failed to remove memlock rlimit")
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("load probe object %s: %w: %w", objPath, err, ErrKernelLoad)
	}
	events, ok := spec.Maps[mapEvents]
	if !ok {
		return nil, fmt.Errorf("probe object has no %q map: %w", mapEvents, ErrKernelLoad)
	}
	events.MaxEntries = roundUpPow2(ringBytes)

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("load probe collection: %w: %w", err, ErrKernelLoad)
	}

	prog, ok := coll.Programs[progSysEnter]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("probe object has no %q program: %w", progSysEnter, ErrKernelLoad)
	}
	tp, err := link.AttachRawTracepoint(link.RawTracepointOptions{
		Name:    "sys_enter",
		Program: prog,
	})
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("attach raw tracepoint sys_enter: %w: %w", err, ErrKernelLoad)
	}

	reader, err := ringbuf.NewReader(coll.Maps[mapEvents])
	if err != nil {
		tp.Close()
		coll.Close()
		return nil, fmt.Errorf("open event ring buffer: %w: %w", err, ErrRingBuffer)
	}

	log.L.WithField("object", objPath).WithField("ring_bytes", events.MaxEntries).Info("kernel probe attached")
	return &Oracle{coll: coll, tp: tp, reader: reader}, nil
}

// SetEnabled flips the probe's global gate. With the gate down the probe
// still counts events seen but emits nothing.
func (o *Oracle) SetEnabled(enabled bool) error {
	var v uint32
	if enabled {
		v = 1
	}
	key := uint32(0)
	if err := o.coll.Maps[mapEnable].Put(&key, &v); err != nil {
		return fmt.Errorf("update enable flag: %w", err)
	}
	return nil
}

// SetMonitored replaces the kernel filter set with exactly nrs. New
// entries go in before stale ones come out, so concurrent probe lookups
// never observe a transient gap.
func (o *Oracle) SetMonitored(nrs []uint32) error {
	m := o.coll.Maps[mapMonitored]
	want := make(map[uint32]struct{}, len(nrs))
	one := uint8(1)
	for _, nr := range nrs {
		nr := nr
		if err := m.Put(&nr, &one); err != nil {
			return fmt.Errorf("add syscall %d to monitored set: %w", nr, err)
		}
		want[nr] = struct{}{}
	}

	var stale []uint32
	var key uint32
	var val uint8
	it := m.Iterate()
	for it.Next(&key, &val) {
		if _, ok := want[key]; !ok {
			stale = append(stale, key)
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("iterate monitored set: %w", err)
	}
	for _, nr := range stale {
		nr := nr
		if err := m.Delete(&nr); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("remove syscall %d from monitored set: %w", nr, err)
		}
	}
	return nil
}

// Counters reads the probe's accounting cells.
func (o *Oracle) Counters() (Counters, error) {
	m := o.coll.Maps[mapCounters]
	var c Counters
	cells := [...]*uint64{&c.Seen, &c.FilterPassed, &c.Emitted, &c.Dropped}
	for i, cell := range cells {
		key := uint32(i)
		if err := m.Lookup(&key, cell); err != nil {
			return c, fmt.Errorf("read counter %d: %w", i, err)
		}
	}
	return c, nil
}

// ReadRecord blocks until a record arrives or the deadline passes; a
// deadline miss surfaces os.ErrDeadlineExceeded.
func (o *Oracle) ReadRecord(deadline time.Time) ([]byte, error) {
	o.reader.SetDeadline(deadline)
	rec, err := o.reader.Read()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, os.ErrDeadlineExceeded
		}
		return nil, err
	}
	return rec.RawSample, nil
}

// Close detaches the probe and releases the maps. The ring buffer reader
// goes first so a blocked read unsticks.
func (o *Oracle) Close() error {
	var firstErr error
	if err := o.reader.Close(); err != nil {
		firstErr = err
	}
	if err := o.tp.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	o.coll.Close()
	return firstErr
}
