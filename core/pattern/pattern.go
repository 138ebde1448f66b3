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

// Package pattern holds the immutable catalog of behavioral syscall
// sequences ("forbidden incantations") matched by the engine.
//
// The catalog is a contiguous fixed array built once at startup. Patterns
// hold their steps inline; nothing in the hot matching path chases a heap
// pointer per step. MatchResults reference patterns by index into the
// catalog, never by copy.
package pattern

import (
	"fmt"
	"hash/fnv"

	"github.com/containerd/errdefs"

	"github.com/grimoire-host/grimoire/pkg/identifiers"
)

// Severity orders verdicts for logging and enforcement thresholds.
type Severity uint8

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"debug", "info", "warning", "high", "critical"}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("severity(%d)", uint8(s))
}

// ParseSeverity maps a configuration string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if s == name {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q: %w", s, errdefs.ErrInvalidArgument)
}

// ConstraintKind selects how an argument constraint is evaluated.
type ConstraintKind uint8

const (
	// ConstraintUnset marks an empty constraint slot.
	ConstraintUnset ConstraintKind = iota
	Equals
	NotEquals
	GreaterThan
	LessThan
	BitmaskAny
	BitmaskAll
	PathContains
	PathStartsWith
	PathEquals
	PathEndsWith
)

// IsPath reports whether the kind compares against a user-space string
// rather than the raw argument value.
func (k ConstraintKind) IsPath() bool {
	return k >= PathContains
}

// PathArgBySyscall is the sentinel ArgIndex directing path constraints to
// the syscall's path argument (arg 0 for open and execve, arg 1 for the
// *at variants).
const PathArgBySyscall = 0xFF

// ArgConstraint restricts one syscall argument of a step. Numeric kinds
// compare against Value. Path kinds resolve the argument as a
// NUL-terminated user string and compare against Path, or AltPath when
// set; if the string cannot be read the constraint is false, never true.
type ArgConstraint struct {
	ArgIndex uint8
	Kind     ConstraintKind
	Value    uint64
	Path     string
	AltPath  string
}

// Relationship scopes a step to processes related to the sequence starter.
// Only SameProcess is matched precisely; Child and AnyInTree are
// approximated by SameProcess and surfaced through an advisory counter.
type Relationship uint8

const (
	SameProcess Relationship = iota
	Child
	AnyInTree
)

// NrUnset marks a step that selects by class only.
const NrUnset int32 = -1

// Step is one position in a pattern's syscall sequence.
//
// A step matches an event when the syscall predicate holds: the event's
// syscall number equals Nr or AltNr, or Class classifies it. AltNr exists
// for pairs like open/openat that the catalog treats as one incantation
// step.
type Step struct {
	Nr    int32
	AltNr int32
	Class Class

	Relationship Relationship

	// MaxTimeDeltaNs bounds the gap since the previous step; zero means
	// only the pattern-global window applies.
	MaxTimeDeltaNs uint64

	// MaxStepDistance is how many monitored syscalls of the same process
	// may intervene between the previous step and this one; zero means
	// the very next monitored syscall must match.
	MaxStepDistance uint64

	Constraints [4]ArgConstraint
}

const (
	// MaxSteps is the per-pattern step capacity.
	MaxSteps = 8
	// MaxNameLen bounds the pattern name.
	MaxNameLen = 32
	// MaxWhitelistNames is the per-pattern process-name whitelist capacity.
	MaxWhitelistNames = 8
	// MaxWhitelistHashes is the per-pattern binary-hash whitelist capacity.
	MaxWhitelistHashes = 4
)

// Pattern is one forbidden incantation. All sequence state lives inline so
// the enabled catalog stays cache resident.
type Pattern struct {
	// IDHash is the FNV-1a of Name; it is the stable identity written to
	// alerts and survives a release as long as the name does.
	IDHash uint64

	Name     string
	Severity Severity

	// MaxWindowNs bounds the whole sequence from its first step.
	MaxWindowNs uint64

	StepCount uint8
	Steps     [MaxSteps]Step

	// WhitelistNames suppresses matches from these binaries entirely.
	// Empty slots are "".
	WhitelistNames [MaxWhitelistNames]string

	// WhitelistHashes holds SHA-256 binary hashes truncated to 64 bits;
	// zero is an unused slot.
	WhitelistHashes [MaxWhitelistHashes]uint64

	Enabled bool
}

// NameHash is the stable 64-bit FNV-1a identity of a pattern name.
func NameHash(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// WhitelistedName reports whether binary is on the pattern's name
// whitelist.
func (p *Pattern) WhitelistedName(binary string) bool {
	if binary == "" {
		return false
	}
	for _, w := range p.WhitelistNames {
		if w != "" && w == binary {
			return true
		}
	}
	return false
}

// WhitelistedHash reports whether the truncated binary hash is on the
// pattern's hash whitelist. A zero hash never matches.
func (p *Pattern) WhitelistedHash(h uint64) bool {
	if h == 0 {
		return false
	}
	for _, w := range p.WhitelistHashes {
		if w != 0 && w == h {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a pattern before it enters
// the catalog.
func (p *Pattern) Validate() error {
	if err := identifiers.Validate(p.Name); err != nil {
		return fmt.Errorf("pattern name: %w", err)
	}
	if p.StepCount == 0 || p.StepCount > MaxSteps {
		return fmt.Errorf("pattern %q has %d steps, want 1..%d: %w", p.Name, p.StepCount, MaxSteps, errdefs.ErrInvalidArgument)
	}
	if p.MaxWindowNs == 0 {
		return fmt.Errorf("pattern %q has no sequence window: %w", p.Name, errdefs.ErrInvalidArgument)
	}
	for i := 0; i < int(p.StepCount); i++ {
		s := &p.Steps[i]
		if s.Nr == NrUnset && s.AltNr != NrUnset {
			return fmt.Errorf("pattern %q step %d sets an alternate syscall without a primary: %w", p.Name, i, errdefs.ErrInvalidArgument)
		}
		if s.Nr == NrUnset && s.Class == ClassNone {
			return fmt.Errorf("pattern %q step %d selects neither a syscall nor a class: %w", p.Name, i, errdefs.ErrInvalidArgument)
		}
		for _, c := range s.Constraints {
			if c.Kind == ConstraintUnset {
				continue
			}
			if c.ArgIndex > 5 && c.ArgIndex != PathArgBySyscall {
				return fmt.Errorf("pattern %q step %d constrains argument %d: %w", p.Name, i, c.ArgIndex, errdefs.ErrInvalidArgument)
			}
			if c.Kind.IsPath() && c.Path == "" {
				return fmt.Errorf("pattern %q step %d has a path constraint without a pattern: %w", p.Name, i, errdefs.ErrInvalidArgument)
			}
			if c.ArgIndex == PathArgBySyscall && !c.Kind.IsPath() {
				return fmt.Errorf("pattern %q step %d uses the path-argument sentinel on a numeric constraint: %w", p.Name, i, errdefs.ErrInvalidArgument)
			}
		}
	}
	return nil
}
