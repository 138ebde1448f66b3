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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimoire-host/grimoire/core/event"
	"github.com/grimoire-host/grimoire/core/pattern"
)

// fakeStrings resolves user pointers from a fixed table; addresses not in
// the table behave like unreadable memory.
type fakeStrings map[uint64]string

func (f fakeStrings) ReadString(pid uint32, addr uint64) (string, bool) {
	s, ok := f[addr]
	return s, ok
}

func defaultEngine(t *testing.T, strings StringReader) *Engine {
	t.Helper()
	catalog, err := pattern.Default()
	require.NoError(t, err)
	if strings == nil {
		strings = fakeStrings{}
	}
	return New(catalog, strings, Config{})
}

func ev(pid uint32, nr uint32, ts uint64, args ...uint64) event.SyscallEvent {
	e := event.SyscallEvent{SyscallNr: nr, HostPID: pid, PidNsInum: 4026531836, TimestampNs: ts}
	copy(e.Args[:], args)
	return e
}

const ms = uint64(1e6)

func TestReverseShellMatch(t *testing.T) {
	e := defaultEngine(t, nil)

	require.Nil(t, e.ProcessEvent(ev(1001, pattern.SysSocket, 0, 2, 1, 0)))
	require.Nil(t, e.ProcessEvent(ev(1001, pattern.SysDup2, 1*ms, 3, 0)))
	require.Nil(t, e.ProcessEvent(ev(1001, pattern.SysDup2, 2*ms, 3, 1)))
	res := e.ProcessEvent(ev(1001, pattern.SysExecve, 3*ms, 0x7f0000000000))

	require.NotNil(t, res)
	assert.Equal(t, "reverse_shell_classic", res.Pattern.Name)
	assert.Equal(t, pattern.SeverityCritical, res.Pattern.Severity)
	assert.Equal(t, uint32(1001), res.HostPID)
	assert.Equal(t, uint64(4026531836), res.PidNsInum)
	assert.Equal(t, uint64(3*ms), res.MatchedAtNs)
	require.Len(t, res.Steps, 4)
	assert.Equal(t, pattern.SysSocket, res.Steps[0].SyscallNr)
	assert.Equal(t, pattern.SysExecve, res.Steps[3].SyscallNr)
}

func TestReverseShellWrongFdResets(t *testing.T) {
	e := defaultEngine(t, nil)

	require.Nil(t, e.ProcessEvent(ev(1001, pattern.SysSocket, 0)))
	// dup2 onto fd 5: selects the step but fails arg1 == 0, so the
	// sequence resets rather than waiting for a later dup2.
	require.Nil(t, e.ProcessEvent(ev(1001, pattern.SysDup2, 1*ms, 3, 5)))
	require.Nil(t, e.ProcessEvent(ev(1001, pattern.SysDup2, 2*ms, 3, 0)))
	require.Nil(t, e.ProcessEvent(ev(1001, pattern.SysDup2, 3*ms, 3, 1)))
	assert.Nil(t, e.ProcessEvent(ev(1001, pattern.SysExecve, 4*ms)))
}

func TestStepZeroRematchIgnoredWhileInFlight(t *testing.T) {
	e := defaultEngine(t, nil)

	require.Nil(t, e.ProcessEvent(ev(1001, pattern.SysSocket, 0)))
	require.Nil(t, e.ProcessEvent(ev(1001, pattern.SysSocket, 1*ms)))
	require.Nil(t, e.ProcessEvent(ev(1001, pattern.SysDup2, 2*ms, 3, 0)))
	require.Nil(t, e.ProcessEvent(ev(1001, pattern.SysDup2, 3*ms, 3, 1)))
	res := e.ProcessEvent(ev(1001, pattern.SysExecve, 4*ms))

	require.NotNil(t, res)
	// The original sequence is preserved: step 0 is the first socket.
	assert.Equal(t, uint64(0), res.Steps[0].TimestampNs)
}

func TestCrossPIDIsolation(t *testing.T) {
	e := defaultEngine(t, nil)

	require.Nil(t, e.ProcessEvent(ev(1001, pattern.SysSocket, 0)))
	require.Nil(t, e.ProcessEvent(ev(2002, pattern.SysDup2, 1*ms, 3, 0)))
	require.Nil(t, e.ProcessEvent(ev(2002, pattern.SysDup2, 2*ms, 3, 1)))
	assert.Nil(t, e.ProcessEvent(ev(2002, pattern.SysExecve, 3*ms)), "steps from another PID must not complete the sequence")
}

func TestForkBombWindowEdges(t *testing.T) {
	t.Run("five clones in 400ms match", func(t *testing.T) {
		e := defaultEngine(t, nil)
		var res *MatchResult
		for i := uint64(0); i < 5; i++ {
			res = e.ProcessEvent(ev(2002, pattern.SysClone, i*100*ms))
		}
		require.NotNil(t, res)
		assert.Equal(t, "fork_bomb_rapid", res.Pattern.Name)
		require.Len(t, res.Steps, 5)
	})

	t.Run("fifth clone at 440ms matches", func(t *testing.T) {
		e := defaultEngine(t, nil)
		var res *MatchResult
		for i := uint64(0); i < 5; i++ {
			res = e.ProcessEvent(ev(2002, pattern.SysClone, i*110*ms))
		}
		require.NotNil(t, res)
		assert.Equal(t, "fork_bomb_rapid", res.Pattern.Name)
	})

	t.Run("fifth clone at 600ms exceeds the window", func(t *testing.T) {
		e := defaultEngine(t, nil)
		var res *MatchResult
		for i := uint64(0); i < 5; i++ {
			res = e.ProcessEvent(ev(2002, pattern.SysClone, i*150*ms))
		}
		assert.Nil(t, res)
	})
}

func twoStepCatalog(t *testing.T, distance uint64) *pattern.Catalog {
	t.Helper()
	p := pattern.Pattern{
		Name:        "socket_then_dup",
		Severity:    pattern.SeverityHigh,
		MaxWindowNs: uint64(5e9),
		StepCount:   2,
		Enabled:     true,
	}
	p.Steps[0] = pattern.Step{Nr: int32(pattern.SysSocket), AltNr: pattern.NrUnset}
	p.Steps[1] = pattern.Step{Nr: int32(pattern.SysDup2), AltNr: pattern.NrUnset, MaxStepDistance: distance}
	c, err := pattern.New([]pattern.Pattern{p})
	require.NoError(t, err)
	return c
}

func TestStepDistanceBudget(t *testing.T) {
	t.Run("distance zero rejects one interleaver", func(t *testing.T) {
		e := New(twoStepCatalog(t, 0), fakeStrings{}, Config{})
		require.Nil(t, e.ProcessEvent(ev(3003, pattern.SysSocket, 0)))
		require.Nil(t, e.ProcessEvent(ev(3003, pattern.SysRead, 1*ms)))
		assert.Nil(t, e.ProcessEvent(ev(3003, pattern.SysDup2, 2*ms)))
	})

	t.Run("distance one admits the same stream", func(t *testing.T) {
		e := New(twoStepCatalog(t, 1), fakeStrings{}, Config{})
		require.Nil(t, e.ProcessEvent(ev(3003, pattern.SysSocket, 0)))
		require.Nil(t, e.ProcessEvent(ev(3003, pattern.SysRead, 1*ms)))
		res := e.ProcessEvent(ev(3003, pattern.SysDup2, 2*ms))
		require.NotNil(t, res)
		assert.Equal(t, "socket_then_dup", res.Pattern.Name)
	})

	t.Run("distance zero admits adjacent step", func(t *testing.T) {
		e := New(twoStepCatalog(t, 0), fakeStrings{}, Config{})
		require.Nil(t, e.ProcessEvent(ev(3003, pattern.SysSocket, 0)))
		res := e.ProcessEvent(ev(3003, pattern.SysDup2, 1*ms))
		require.NotNil(t, res)
	})
}

func TestWindowBoundary(t *testing.T) {
	const window = uint64(5e9)

	t.Run("candidate exactly at the window matches", func(t *testing.T) {
		e := New(twoStepCatalog(t, 64), fakeStrings{}, Config{})
		require.Nil(t, e.ProcessEvent(ev(7, pattern.SysSocket, 100)))
		res := e.ProcessEvent(ev(7, pattern.SysDup2, 100+window))
		require.NotNil(t, res)
	})

	t.Run("candidate one past the window is rejected", func(t *testing.T) {
		e := New(twoStepCatalog(t, 64), fakeStrings{}, Config{})
		require.Nil(t, e.ProcessEvent(ev(7, pattern.SysSocket, 100)))
		assert.Nil(t, e.ProcessEvent(ev(7, pattern.SysDup2, 100+window+1)))
	})
}

func TestStepTimeDelta(t *testing.T) {
	p := pattern.Pattern{
		Name:        "tight_pair",
		Severity:    pattern.SeverityHigh,
		MaxWindowNs: uint64(10e9),
		StepCount:   2,
		Enabled:     true,
	}
	p.Steps[0] = pattern.Step{Nr: int32(pattern.SysSocket), AltNr: pattern.NrUnset}
	p.Steps[1] = pattern.Step{Nr: int32(pattern.SysDup2), AltNr: pattern.NrUnset, MaxTimeDeltaNs: uint64(1e9), MaxStepDistance: 64}
	c, err := pattern.New([]pattern.Pattern{p})
	require.NoError(t, err)

	e := New(c, fakeStrings{}, Config{})
	require.Nil(t, e.ProcessEvent(ev(8, pattern.SysSocket, 0)))
	assert.Nil(t, e.ProcessEvent(ev(8, pattern.SysDup2, uint64(1e9)+1)), "per-step delta exceeded")

	e = New(c, fakeStrings{}, Config{})
	require.Nil(t, e.ProcessEvent(ev(8, pattern.SysSocket, 0)))
	require.NotNil(t, e.ProcessEvent(ev(8, pattern.SysDup2, uint64(1e9))))
}

func TestPathConstraints(t *testing.T) {
	strings := fakeStrings{
		0x1000: "/etc/shadow",
		0x2000: "/home/u/notes.txt",
		0x3000: "/root/.bashrc",
	}
	catalog, err := pattern.Default()
	require.NoError(t, err)
	e := New(catalog, strings, Config{})

	// openat with a /etc/ path starts privesc_setuid_root; setuid(0) and
	// execve complete it.
	require.Nil(t, e.ProcessEvent(ev(9, pattern.SysOpenat, 0, 0xffffff9c, 0x1000)))
	require.Nil(t, e.ProcessEvent(ev(9, pattern.SysSetuid, 1*ms, 0)))
	res := e.ProcessEvent(ev(9, pattern.SysExecve, 2*ms, 0x2000))
	require.NotNil(t, res)
	assert.Equal(t, "privesc_setuid_root", res.Pattern.Name)
}

func TestPathConstraintAlternate(t *testing.T) {
	strings := fakeStrings{0x3000: "/root/.ssh/id_rsa"}
	catalog, err := pattern.Default()
	require.NoError(t, err)
	e := New(catalog, strings, Config{})

	// /root/ satisfies the alternate of the contains constraint.
	require.Nil(t, e.ProcessEvent(ev(9, pattern.SysOpenat, 0, 0xffffff9c, 0x3000)))
	require.Nil(t, e.ProcessEvent(ev(9, pattern.SysSetuid, 1*ms, 0)))
	require.NotNil(t, e.ProcessEvent(ev(9, pattern.SysExecve, 2*ms)))
}

func TestPathReadFailureIsFalse(t *testing.T) {
	catalog, err := pattern.Default()
	require.NoError(t, err)
	e := New(catalog, fakeStrings{}, Config{})

	// The pointer is unreadable: the constraint is false and no
	// sequence starts.
	require.Nil(t, e.ProcessEvent(ev(9, pattern.SysOpenat, 0, 0xffffff9c, 0xdead)))
	require.Nil(t, e.ProcessEvent(ev(9, pattern.SysSetuid, 1*ms, 0)))
	assert.Nil(t, e.ProcessEvent(ev(9, pattern.SysExecve, 2*ms)))
	assert.NotZero(t, e.Stats().StringReadFailures)
}

func TestKernelModuleLoadSuffix(t *testing.T) {
	strings := fakeStrings{
		0x10: "/lib/modules/evil.ko",
		0x20: "/lib/modules/readme.txt",
	}
	catalog, err := pattern.Default()
	require.NoError(t, err)

	e := New(catalog, strings, Config{})
	require.Nil(t, e.ProcessEvent(ev(10, pattern.SysOpenat, 0, 0xffffff9c, 0x10)))
	res := e.ProcessEvent(ev(10, pattern.SysFinitModule, 1*ms))
	require.NotNil(t, res)
	assert.Equal(t, "kernel_module_load", res.Pattern.Name)

	e = New(catalog, strings, Config{})
	require.Nil(t, e.ProcessEvent(ev(11, pattern.SysOpenat, 0, 0xffffff9c, 0x20)))
	assert.Nil(t, e.ProcessEvent(ev(11, pattern.SysFinitModule, 1*ms)))
}

func tieCatalog(t *testing.T) *pattern.Catalog {
	t.Helper()
	mk := func(name string, sev pattern.Severity) pattern.Pattern {
		p := pattern.Pattern{Name: name, Severity: sev, MaxWindowNs: uint64(1e9), StepCount: 1, Enabled: true}
		p.Steps[0] = pattern.Step{Nr: int32(pattern.SysSocket), AltNr: pattern.NrUnset}
		return p
	}
	c, err := pattern.New([]pattern.Pattern{
		mk("aa_low", pattern.SeverityInfo),
		mk("bb_high", pattern.SeverityCritical),
		mk("cc_high", pattern.SeverityCritical),
	})
	require.NoError(t, err)
	return c
}

func TestTieBreakSeverityThenID(t *testing.T) {
	c := tieCatalog(t)
	e := New(c, fakeStrings{}, Config{})

	res := e.ProcessEvent(ev(12, pattern.SysSocket, 0))
	require.NotNil(t, res)
	assert.Equal(t, pattern.SeverityCritical, res.Pattern.Severity)

	wantID := pattern.NameHash("bb_high")
	if pattern.NameHash("cc_high") < wantID {
		wantID = pattern.NameHash("cc_high")
	}
	assert.Equal(t, wantID, res.Pattern.IDHash)

	// All completed states were consumed; a quiet event emits nothing.
	assert.Nil(t, e.ProcessEvent(ev(12, pattern.SysRead, 1*ms)))
}

func TestLRUEviction(t *testing.T) {
	e := New(twoStepCatalog(t, 64), fakeStrings{}, Config{ProcessTableCap: 2})

	require.Nil(t, e.ProcessEvent(ev(1, pattern.SysSocket, 0)))
	require.Nil(t, e.ProcessEvent(ev(2, pattern.SysSocket, 1*ms)))
	require.Nil(t, e.ProcessEvent(ev(3, pattern.SysSocket, 2*ms)))

	st := e.Stats()
	assert.Equal(t, 2, st.ActiveProcesses)
	assert.Equal(t, uint64(1), st.Evictions)
	assert.Equal(t, 2, st.ActiveMatchStates, "the evicted PID's in-flight state is discarded")

	// PID 1 was evicted; its half-built sequence must not complete.
	assert.Nil(t, e.ProcessEvent(ev(1, pattern.SysDup2, 3*ms)))
}

func TestProcessTTLExpiry(t *testing.T) {
	e := New(twoStepCatalog(t, 64), fakeStrings{}, Config{ProcessTTLNs: uint64(1e9)})

	require.Nil(t, e.ProcessEvent(ev(42, pattern.SysRead, 0)))
	require.Equal(t, 1, e.Stats().ActiveProcesses)

	e.Expire(uint64(2e9))
	assert.Equal(t, 0, e.Stats().ActiveProcesses)
}

func TestProcessTTLKeepsInFlight(t *testing.T) {
	e := New(twoStepCatalog(t, 64), fakeStrings{}, Config{ProcessTTLNs: uint64(1e9)})

	// The sequence window (5s) outlives the TTL; an in-flight state
	// pins its process.
	require.Nil(t, e.ProcessEvent(ev(42, pattern.SysSocket, 0)))
	e.Expire(uint64(2e9))
	assert.Equal(t, 1, e.Stats().ActiveProcesses)

	// Once the window passes, housekeeping drops state and process.
	e.Expire(uint64(7e9))
	assert.Equal(t, 0, e.Stats().ActiveProcesses)
	assert.Equal(t, 0, e.Stats().ActiveMatchStates)
}

func TestExpiryBeforeProcessing(t *testing.T) {
	e := New(twoStepCatalog(t, 64), fakeStrings{}, Config{})

	require.Nil(t, e.ProcessEvent(ev(5, pattern.SysSocket, 0)))
	require.Equal(t, 1, e.Stats().ActiveMatchStates)

	// The next event for the PID arrives after the window: the stale
	// state is expired before matching, and the dup2 cannot complete it.
	assert.Nil(t, e.ProcessEvent(ev(5, pattern.SysDup2, uint64(6e9))))
	assert.Equal(t, 0, e.Stats().ActiveMatchStates)
}

func TestStateBoundInvariant(t *testing.T) {
	catalog, err := pattern.Default()
	require.NoError(t, err)
	e := New(catalog, fakeStrings{}, Config{ProcessTableCap: 16})

	for pid := uint32(1); pid <= 64; pid++ {
		e.ProcessEvent(ev(pid, pattern.SysSocket, uint64(pid)*ms))
		e.ProcessEvent(ev(pid, pattern.SysClone, uint64(pid)*ms+1))
	}
	st := e.Stats()
	assert.LessOrEqual(t, st.ActiveProcesses, 16)
	assert.LessOrEqual(t, st.ActiveMatchStates, st.ActiveProcesses*catalog.Len())
}

func TestBinaryNameCache(t *testing.T) {
	e := defaultEngine(t, nil)
	require.Nil(t, e.ProcessEvent(ev(77, pattern.SysRead, 0)))

	_, ok := e.CachedBinaryName(77)
	assert.False(t, ok)

	e.CacheBinaryName(77, "nc")
	name, ok := e.CachedBinaryName(77)
	require.True(t, ok)
	assert.Equal(t, "nc", name)

	// First resolution wins.
	e.CacheBinaryName(77, "other")
	name, _ = e.CachedBinaryName(77)
	assert.Equal(t, "nc", name)

	// Unknown PIDs resolve nothing.
	_, ok = e.CachedBinaryName(9999)
	assert.False(t, ok)
}

func TestHostPIDZeroStillMatches(t *testing.T) {
	// Namespace-translation failures emit events with host_pid 0; the
	// engine still tracks them (enforcement is gated elsewhere).
	e := defaultEngine(t, nil)
	require.Nil(t, e.ProcessEvent(ev(0, pattern.SysSocket, 0)))
	require.Nil(t, e.ProcessEvent(ev(0, pattern.SysDup2, 1*ms, 3, 0)))
	require.Nil(t, e.ProcessEvent(ev(0, pattern.SysDup2, 2*ms, 3, 1)))
	res := e.ProcessEvent(ev(0, pattern.SysExecve, 3*ms))
	require.NotNil(t, res)
	assert.Equal(t, uint32(0), res.HostPID)
}
