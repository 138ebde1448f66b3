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

// Package verdict turns completed matches into forensic records and,
// when configured, enforcement. The consumer loop calls it directly for
// every match; it also implements the go-events Sink so it can be placed
// on a match broadcaster.
package verdict

import (
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
	goevents "github.com/docker/go-events"
	"golang.org/x/sys/unix"

	"github.com/grimoire-host/grimoire/core/engine"
	"github.com/grimoire-host/grimoire/core/pattern"
	"github.com/grimoire-host/grimoire/pkg/procinfo"
)

// Action is what actually happened to the offending process.
type Action uint8

const (
	ActionLogged Action = iota
	ActionTerminated
	ActionTerminateFailed
)

func (a Action) String() string {
	switch a {
	case ActionLogged:
		return "logged"
	case ActionTerminated:
		return "terminated"
	case ActionTerminateFailed:
		return "terminate_failed"
	}
	return "unknown"
}

// SuppressReason says why a match produced no record.
type SuppressReason uint8

const (
	ReasonNone SuppressReason = iota
	ReasonWhitelist
	ReasonBelowLogThreshold
)

// Outcome reports what the pipeline did with one match.
type Outcome struct {
	Suppressed bool
	Reason     SuppressReason
	Action     Action
	Errno      int32
	Severity   pattern.Severity
}

// Resolver is the process metadata surface the pipeline enriches with.
type Resolver interface {
	Meta(pid uint32) procinfo.Meta
	BinaryHash(pid uint32) uint64
}

// NameCache lets the pipeline reuse the engine's per-process binary-name
// cache so each process is resolved at most once.
type NameCache interface {
	CachedBinaryName(pid uint32) (string, bool)
	CacheBinaryName(pid uint32, name string)
}

// Config is the enforcement policy.
type Config struct {
	Enforce            bool
	MinLogSeverity     pattern.Severity
	MinEnforceSeverity pattern.Severity

	// GlobalWhitelist is union'd with every pattern's name whitelist.
	GlobalWhitelist []string
}

// Stats is the verdict side of the health surface.
type Stats struct {
	MatchesTotal       uint64
	MatchesBySeverity  [pattern.SeverityCritical + 1]uint64
	Terminations       uint64
	TerminationsFailed uint64
	LogWriteFails      uint64
}

// Pipeline applies whitelists and thresholds, writes the alert, and
// delivers SIGKILL in enforcement mode.
type Pipeline struct {
	cfg      Config
	writer   *AlertWriter
	resolver Resolver
	names    NameCache
	global   map[string]struct{}

	// kill is swappable for tests; production sends SIGKILL.
	kill func(pid uint32) error

	now func() time.Time

	matchesTotal       uint64
	bySeverity         [pattern.SeverityCritical + 1]uint64
	terminations       uint64
	terminationsFailed uint64
}

// NewPipeline wires the pipeline over an open alert writer.
func NewPipeline(cfg Config, writer *AlertWriter, resolver Resolver, names NameCache) *Pipeline {
	global := make(map[string]struct{}, len(cfg.GlobalWhitelist))
	for _, name := range cfg.GlobalWhitelist {
		if name != "" {
			global[name] = struct{}{}
		}
	}
	return &Pipeline{
		cfg:      cfg,
		writer:   writer,
		resolver: resolver,
		names:    names,
		global:   global,
		kill: func(pid uint32) error {
			return unix.Kill(int(pid), unix.SIGKILL)
		},
		now: time.Now,
	}
}

// Stats snapshots the pipeline counters. Call from the consumer
// goroutine only.
func (p *Pipeline) Stats() Stats {
	return Stats{
		MatchesTotal:       p.matchesTotal,
		MatchesBySeverity:  p.bySeverity,
		Terminations:       p.terminations,
		TerminationsFailed: p.terminationsFailed,
		LogWriteFails:      p.writer.LogWriteFails(),
	}
}

// Handle processes one completed match end to end. Enforcement is
// best-effort and not transactional: the alert records the intended and
// actual action distinctly, and a failed kill never blocks the record.
func (p *Pipeline) Handle(res *engine.MatchResult) Outcome {
	pat := res.Pattern
	out := Outcome{Severity: pat.Severity}

	binary := p.resolveBinary(res.HostPID)
	if p.whitelisted(pat, res.HostPID, binary) {
		out.Suppressed = true
		out.Reason = ReasonWhitelist
		return out
	}

	p.matchesTotal++
	p.bySeverity[pat.Severity]++

	if pat.Severity < p.cfg.MinLogSeverity {
		out.Suppressed = true
		out.Reason = ReasonBelowLogThreshold
		return out
	}

	var errno *int32
	out.Action = ActionLogged
	if p.cfg.Enforce && pat.Severity >= p.cfg.MinEnforceSeverity && res.HostPID != 0 {
		if err := p.kill(res.HostPID); err != nil {
			out.Action = ActionTerminateFailed
			out.Errno = errnoOf(err)
			errno = &out.Errno
			p.terminationsFailed++
			log.L.WithError(err).WithField("host_pid", res.HostPID).Warn("failed to terminate matched process")
		} else {
			out.Action = ActionTerminated
			p.terminations++
		}
	}

	if err := p.writer.Write(p.buildAlert(res, binary, out.Action, errno)); err != nil {
		log.L.WithError(err).WithField("pattern", pat.Name).Warn("alert record lost")
	}
	return out
}

func (p *Pipeline) resolveBinary(pid uint32) string {
	if name, ok := p.names.CachedBinaryName(pid); ok {
		return name
	}
	name := p.resolver.Meta(pid).BinaryName
	if name != procinfo.UnknownBinary {
		p.names.CacheBinaryName(pid, name)
	}
	return name
}

func (p *Pipeline) whitelisted(pat *pattern.Pattern, pid uint32, binary string) bool {
	if pat.WhitelistedName(binary) {
		return true
	}
	if _, ok := p.global[binary]; ok {
		return true
	}
	return pat.WhitelistedHash(p.resolver.BinaryHash(pid))
}

func (p *Pipeline) buildAlert(res *engine.MatchResult, binary string, action Action, errno *int32) *Alert {
	steps := make([]AlertStep, len(res.Steps))
	for i, ev := range res.Steps {
		steps[i] = AlertStep{
			SyscallNr:   ev.SyscallNr,
			TimestampNs: ev.TimestampNs,
			Args:        ev.Args,
		}
	}
	return &Alert{
		TimestampNs: res.MatchedAtNs,
		WallTime:    p.now().UTC().Format(time.RFC3339Nano),
		PatternID:   fmt.Sprintf("0x%016x", res.Pattern.IDHash),
		PatternName: res.Pattern.Name,
		Severity:    res.Pattern.Severity.String(),
		HostPID:     res.HostPID,
		PidNsInum:   res.PidNsInum,
		Binary:      binary,
		Action:      action.String(),
		Errno:       errno,
		Steps:       steps,
	}
}

func errnoOf(err error) int32 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int32(errno)
	}
	return -1
}

// Write implements the go-events Sink so the pipeline can sit on the
// match broadcaster. Non-match events are ignored.
func (p *Pipeline) Write(ev goevents.Event) error {
	if res, ok := ev.(*engine.MatchResult); ok {
		p.Handle(res)
	}
	return nil
}

// Close implements the go-events Sink; the alert writer is not closed
// here, it stays with whoever opened it (the daemon command).
func (p *Pipeline) Close() error { return nil }
