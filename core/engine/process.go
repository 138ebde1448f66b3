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

package engine

import (
	"container/list"

	"github.com/containerd/log"

	"github.com/grimoire-host/grimoire/core/event"
	"github.com/grimoire-host/grimoire/core/pattern"
)

// matchState tracks one process's progress through one pattern. States
// live in a dense per-process array indexed by pattern, so lookup is O(1)
// and advancing allocates nothing.
type matchState struct {
	active          bool
	currentStep     uint8
	sequenceStartNs uint64
	lastStepNs      uint64
	lastStepCounter uint64
	trace           [pattern.MaxSteps]event.SyscallEvent
}

// process is the engine's per-host-PID record. The host PID is the only
// table key; namespace-local PIDs are carried for forensics but never
// index anything.
type process struct {
	hostPID     uint32
	pidNsInum   uint64
	binaryName  string
	counter     uint64
	createdAtNs uint64
	lastSeenNs  uint64

	states       []matchState
	activeStates int

	elem *list.Element
}

func (e *Engine) lookup(pid uint32) *process {
	return e.procs[pid]
}

// fetch returns the process record for the event's PID, creating it on
// first sight and evicting the least recently seen PID when the table is
// full. Eviction discards the victim's in-flight match states.
func (e *Engine) fetch(ev event.SyscallEvent) *process {
	if p, ok := e.procs[ev.HostPID]; ok {
		e.lru.MoveToFront(p.elem)
		return p
	}
	if len(e.procs) >= e.tableCap {
		e.evictOldest()
	}
	p := &process{
		hostPID:     ev.HostPID,
		pidNsInum:   ev.PidNsInum,
		createdAtNs: ev.TimestampNs,
		states:      make([]matchState, e.catalog.Len()),
	}
	p.elem = e.lru.PushFront(p)
	e.procs[ev.HostPID] = p
	return p
}

func (e *Engine) evictOldest() {
	back := e.lru.Back()
	if back == nil {
		return
	}
	victim := back.Value.(*process)
	e.remove(victim)
	e.evictions++
	log.L.WithField("host_pid", victim.hostPID).Debug("process table full, evicted oldest entry")
}

func (e *Engine) remove(p *process) {
	e.totalStates -= p.activeStates
	e.lru.Remove(p.elem)
	delete(e.procs, p.hostPID)
}

// clearState drops one match state and keeps the active counters honest.
func (e *Engine) clearState(p *process, idx int) {
	if p.states[idx].active {
		p.states[idx] = matchState{}
		p.activeStates--
		e.totalStates--
	}
}

// Expire is periodic housekeeping: drop match states whose window has
// passed and remove processes idle past the TTL that hold no in-flight
// sequences. nowNs is the most recent event timestamp known to the
// caller.
func (e *Engine) Expire(nowNs uint64) {
	var stale []*process
	for el := e.lru.Back(); el != nil; el = el.Prev() {
		p := el.Value.(*process)
		e.expireStates(p, nowNs)
		if p.activeStates == 0 && p.lastSeenNs+e.ttlNs < nowNs {
			stale = append(stale, p)
		}
	}
	for _, p := range stale {
		e.remove(p)
	}
}

func (e *Engine) expireStates(p *process, nowNs uint64) {
	for i := range p.states {
		st := &p.states[i]
		if !st.active {
			continue
		}
		if st.sequenceStartNs+e.catalog.At(i).MaxWindowNs < nowNs {
			e.clearState(p, i)
		}
	}
}

// CacheBinaryName stores the first successful binary-name resolution for
// a PID so the verdict pipeline resolves each process at most once.
func (e *Engine) CacheBinaryName(pid uint32, name string) {
	if p := e.lookup(pid); p != nil && p.binaryName == "" {
		p.binaryName = name
	}
}

// CachedBinaryName returns the previously resolved binary name, if any.
func (e *Engine) CachedBinaryName(pid uint32) (string, bool) {
	if p := e.lookup(pid); p != nil && p.binaryName != "" {
		return p.binaryName, true
	}
	return "", false
}
