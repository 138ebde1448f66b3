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

// Package engine consumes the kernel's syscall event stream and matches
// it against the pattern catalog.
//
// The engine is single-owner state: one goroutine feeds it events and
// nothing else touches its tables. Sharding, if ever needed, is done by
// partitioning PIDs across independent engines, not by locking this one.
package engine

import (
	"container/list"

	"github.com/grimoire-host/grimoire/core/event"
	"github.com/grimoire-host/grimoire/core/pattern"
)

// Config sizes the engine's mutable world.
type Config struct {
	// ProcessTableCap bounds the number of tracked PIDs; 0 uses
	// DefaultProcessTableCap.
	ProcessTableCap int

	// ProcessTTLNs removes idle PIDs with no in-flight sequences; 0
	// derives 10x the largest pattern window.
	ProcessTTLNs uint64
}

// DefaultProcessTableCap matches the recommended deployment sizing.
const DefaultProcessTableCap = 8192

// MatchResult is the immutable outcome of a completed sequence. It
// references the catalog by index; the pattern pointer stays valid for
// the process lifetime.
type MatchResult struct {
	PatternIndex int
	Pattern      *pattern.Pattern
	HostPID      uint32
	PidNsInum    uint64
	MatchedAtNs  uint64

	// Steps is a copy of the events that drove the match, one per
	// pattern step, in order.
	Steps []event.SyscallEvent
}

// Stats is the engine side of the health surface.
type Stats struct {
	ActiveProcesses        int
	ActiveMatchStates      int
	Evictions              uint64
	RelationshipAdvisories uint64
	StringReadFailures     uint64
}

// Engine owns the process table and all match states.
type Engine struct {
	catalog *pattern.Catalog
	strings StringReader

	tableCap int
	ttlNs    uint64

	procs map[uint32]*process
	lru   *list.List

	totalStates     int
	evictions       uint64
	advisories      uint64
	stringReadFails uint64
}

// New builds an engine over the given catalog. strings resolves path
// constraints; it must never block for long since it runs on the event
// path.
func New(catalog *pattern.Catalog, strings StringReader, cfg Config) *Engine {
	tableCap := cfg.ProcessTableCap
	if tableCap <= 0 {
		tableCap = DefaultProcessTableCap
	}
	ttl := cfg.ProcessTTLNs
	if ttl == 0 {
		ttl = 10 * catalog.MaxWindowNs()
	}
	return &Engine{
		catalog:  catalog,
		strings:  strings,
		tableCap: tableCap,
		ttlNs:    ttl,
		procs:    make(map[uint32]*process),
		lru:      list.New(),
	}
}

// Stats snapshots the engine counters. Call from the consumer goroutine
// only.
func (e *Engine) Stats() Stats {
	return Stats{
		ActiveProcesses:        len(e.procs),
		ActiveMatchStates:      e.totalStates,
		Evictions:              e.evictions,
		RelationshipAdvisories: e.advisories,
		StringReadFailures:     e.stringReadFails,
	}
}

// ProcessEvent ingests one event and returns at most one completed match.
// When several patterns complete on the same event the highest severity
// wins, ties broken by the smaller pattern id; the losers' states are
// consumed without emission.
func (e *Engine) ProcessEvent(ev event.SyscallEvent) *MatchResult {
	p := e.fetch(ev)
	p.counter++
	p.lastSeenNs = ev.TimestampNs
	if p.pidNsInum == 0 {
		p.pidNsInum = ev.PidNsInum
	}

	e.expireStates(p, ev.TimestampNs)

	completed := e.advance(p, ev)
	e.startNew(p, ev, &completed)

	if len(completed) == 0 {
		return nil
	}
	winner := completed[0]
	for _, idx := range completed[1:] {
		if better(e.catalog.At(idx), e.catalog.At(winner)) {
			winner = idx
		}
	}
	res := e.buildResult(p, winner, ev.TimestampNs)
	for _, idx := range completed {
		e.clearState(p, idx)
	}
	return res
}

func better(a, b *pattern.Pattern) bool {
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	return a.IDHash < b.IDHash
}

// advance walks the in-flight states. An event that does not select the
// next step is a no-op for that state (it still burns step distance); an
// event that selects the step but misses a budget or a constraint resets
// the sequence outright. There is no rewinding to an earlier step.
func (e *Engine) advance(p *process, ev event.SyscallEvent) []int {
	var completed []int
	for idx := range p.states {
		st := &p.states[idx]
		if !st.active {
			continue
		}
		pat := e.catalog.At(idx)
		k := st.currentStep
		step := &pat.Steps[k]

		if !stepSelects(step, ev.SyscallNr) {
			continue
		}
		if step.Relationship != pattern.SameProcess {
			e.advisories++
		}
		if step.MaxTimeDeltaNs != 0 && ev.TimestampNs-st.lastStepNs > step.MaxTimeDeltaNs {
			e.clearState(p, idx)
			continue
		}
		if ev.TimestampNs-st.sequenceStartNs > pat.MaxWindowNs {
			e.clearState(p, idx)
			continue
		}
		if p.counter-st.lastStepCounter-1 > step.MaxStepDistance {
			e.clearState(p, idx)
			continue
		}
		if !e.evalStep(step, ev) {
			e.clearState(p, idx)
			continue
		}

		st.trace[k] = ev
		st.currentStep = k + 1
		st.lastStepNs = ev.TimestampNs
		st.lastStepCounter = p.counter
		if st.currentStep == pat.StepCount {
			completed = append(completed, idx)
		}
	}
	return completed
}

// startNew opens a sequence for every pattern whose first step matches
// this event and has no state in flight. A step-0 re-match while a state
// is in flight is ignored; the older sequence is preserved.
func (e *Engine) startNew(p *process, ev event.SyscallEvent, completed *[]int) {
	for idx := 0; idx < e.catalog.Len(); idx++ {
		pat := e.catalog.At(idx)
		if !pat.Enabled || p.states[idx].active {
			continue
		}
		step := &pat.Steps[0]
		if !stepSelects(step, ev.SyscallNr) || !e.evalStep(step, ev) {
			continue
		}
		if step.Relationship != pattern.SameProcess {
			e.advisories++
		}
		st := &p.states[idx]
		st.active = true
		st.currentStep = 1
		st.sequenceStartNs = ev.TimestampNs
		st.lastStepNs = ev.TimestampNs
		st.lastStepCounter = p.counter
		st.trace[0] = ev
		p.activeStates++
		e.totalStates++
		if st.currentStep == pat.StepCount {
			*completed = append(*completed, idx)
		}
	}
}

func (e *Engine) buildResult(p *process, idx int, nowNs uint64) *MatchResult {
	pat := e.catalog.At(idx)
	st := &p.states[idx]
	steps := make([]event.SyscallEvent, pat.StepCount)
	copy(steps, st.trace[:pat.StepCount])
	return &MatchResult{
		PatternIndex: idx,
		Pattern:      pat,
		HostPID:      p.hostPID,
		PidNsInum:    p.pidNsInum,
		MatchedAtNs:  nowNs,
		Steps:        steps,
	}
}
