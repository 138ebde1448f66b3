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
	"strings"

	"github.com/grimoire-host/grimoire/core/event"
	"github.com/grimoire-host/grimoire/core/pattern"
)

// StringReader resolves a NUL-terminated string from a traced process's
// address space. Reads are best-effort and bounded; ok is false when the
// process is gone or the address unreadable.
type StringReader interface {
	ReadString(pid uint32, addr uint64) (s string, ok bool)
}

// evalStep checks every set constraint of a step against the event's
// arguments. Path constraints that cannot resolve their string are false,
// never true, and are not retried.
func (e *Engine) evalStep(s *pattern.Step, ev event.SyscallEvent) bool {
	for i := range s.Constraints {
		c := &s.Constraints[i]
		if c.Kind == pattern.ConstraintUnset {
			continue
		}
		if c.Kind.IsPath() {
			if !e.evalPath(c, ev) {
				return false
			}
			continue
		}
		if !evalNumeric(c, ev.Args[c.ArgIndex]) {
			return false
		}
	}
	return true
}

func evalNumeric(c *pattern.ArgConstraint, v uint64) bool {
	switch c.Kind {
	case pattern.Equals:
		return v == c.Value
	case pattern.NotEquals:
		return v != c.Value
	case pattern.GreaterThan:
		return v > c.Value
	case pattern.LessThan:
		return v < c.Value
	case pattern.BitmaskAny:
		return v&c.Value != 0
	case pattern.BitmaskAll:
		return v&c.Value == c.Value
	}
	return false
}

func (e *Engine) evalPath(c *pattern.ArgConstraint, ev event.SyscallEvent) bool {
	idx, ok := c.PathArg(ev.SyscallNr)
	if !ok || idx > 5 {
		return false
	}
	addr := ev.Args[idx]
	if addr == 0 {
		return false
	}
	path, ok := e.strings.ReadString(ev.HostPID, addr)
	if !ok {
		e.stringReadFails++
		return false
	}
	if matchPath(c.Kind, path, c.Path) {
		return true
	}
	return c.AltPath != "" && matchPath(c.Kind, path, c.AltPath)
}

func matchPath(kind pattern.ConstraintKind, path, want string) bool {
	switch kind {
	case pattern.PathContains:
		return strings.Contains(path, want)
	case pattern.PathStartsWith:
		return strings.HasPrefix(path, want)
	case pattern.PathEndsWith:
		return strings.HasSuffix(path, want)
	case pattern.PathEquals:
		return path == want
	}
	return false
}

// stepSelects is the syscall predicate: the step's literal number (or its
// alternate) equals the event's, or the step's class covers it.
func stepSelects(s *pattern.Step, nr uint32) bool {
	if s.Nr != pattern.NrUnset && uint32(s.Nr) == nr {
		return true
	}
	if s.AltNr != pattern.NrUnset && uint32(s.AltNr) == nr {
		return true
	}
	return s.Class.Classifies(nr)
}
