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

package pattern

import (
	"fmt"
	"sort"
)

// Catalog is the immutable set of patterns the engine matches against.
// It is built once at startup and shared read-only for the process
// lifetime.
type Catalog struct {
	patterns []Pattern
}

// New validates the patterns, stamps their FNV-1a identities, and freezes
// them into a catalog.
func New(patterns []Pattern) (*Catalog, error) {
	ps := make([]Pattern, len(patterns))
	copy(ps, patterns)
	seen := make(map[string]struct{}, len(ps))
	for i := range ps {
		p := &ps[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("duplicate pattern name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		p.IDHash = NameHash(p.Name)
	}
	return &Catalog{patterns: ps}, nil
}

// Len is the number of patterns, enabled or not.
func (c *Catalog) Len() int { return len(c.patterns) }

// At returns the pattern at index i. The pointer stays valid and the
// pattern unchanged for the process lifetime.
func (c *Catalog) At(i int) *Pattern { return &c.patterns[i] }

// MonitoredSet computes the union of syscall numbers referenced by every
// step of every enabled pattern, literals and class expansions alike,
// sorted and without duplicates. This is exactly the set user space
// writes into the kernel filter map.
func (c *Catalog) MonitoredSet() []uint32 {
	set := make(map[uint32]struct{})
	for i := range c.patterns {
		p := &c.patterns[i]
		if !p.Enabled {
			continue
		}
		for s := 0; s < int(p.StepCount); s++ {
			step := &p.Steps[s]
			if step.Nr != NrUnset {
				set[uint32(step.Nr)] = struct{}{}
			}
			if step.AltNr != NrUnset {
				set[uint32(step.AltNr)] = struct{}{}
			}
			for _, nr := range step.Class.Expand() {
				set[nr] = struct{}{}
			}
		}
	}
	nrs := make([]uint32, 0, len(set))
	for nr := range set {
		nrs = append(nrs, nr)
	}
	sort.Slice(nrs, func(i, j int) bool { return nrs[i] < nrs[j] })
	return nrs
}

// MaxWindowNs is the largest sequence window across enabled patterns,
// used to derive the process-table TTL.
func (c *Catalog) MaxWindowNs() uint64 {
	var m uint64
	for i := range c.patterns {
		if p := &c.patterns[i]; p.Enabled && p.MaxWindowNs > m {
			m = p.MaxWindowNs
		}
	}
	return m
}

const (
	second      = uint64(1e9)
	millisecond = uint64(1e6)
)

func step(nr uint32) Step {
	return Step{Nr: int32(nr), AltNr: NrUnset}
}

func stepAlt(nr, alt uint32) Step {
	return Step{Nr: int32(nr), AltNr: int32(alt)}
}

func classStep(c Class) Step {
	return Step{Nr: NrUnset, AltNr: NrUnset, Class: c}
}

func argEquals(idx uint8, v uint64) ArgConstraint {
	return ArgConstraint{ArgIndex: idx, Kind: Equals, Value: v}
}

func pathContains(p, alt string) ArgConstraint {
	return ArgConstraint{ArgIndex: PathArgBySyscall, Kind: PathContains, Path: p, AltPath: alt}
}

// Default builds the shipped catalog.
func Default() (*Catalog, error) {
	return New([]Pattern{
		reverseShellClassic(),
		forkBombRapid(),
		privescSetuidRoot(),
		credentialExfil(),
		kernelModuleLoad(),
	})
}

// reverseShellClassic flags the canonical dup-stdio-onto-socket shell:
// socket, dup2 onto fd 0, dup2 onto fd 1, execve.
func reverseShellClassic() Pattern {
	p := Pattern{
		Name:        "reverse_shell_classic",
		Severity:    SeverityCritical,
		MaxWindowNs: 5 * second,
		StepCount:   4,
		Enabled:     true,
	}
	p.Steps[0] = step(SysSocket)

	p.Steps[1] = stepAlt(SysDup2, SysDup3)
	p.Steps[1].MaxTimeDeltaNs = 5 * second
	p.Steps[1].MaxStepDistance = 64
	p.Steps[1].Constraints[0] = argEquals(1, 0)

	p.Steps[2] = stepAlt(SysDup2, SysDup3)
	p.Steps[2].MaxTimeDeltaNs = 1 * second
	p.Steps[2].MaxStepDistance = 64
	p.Steps[2].Constraints[0] = argEquals(1, 1)

	p.Steps[3] = stepAlt(SysExecve, SysExecveat)
	p.Steps[3].MaxTimeDeltaNs = 1 * second
	p.Steps[3].MaxStepDistance = 64
	return p
}

// forkBombRapid flags five process creations inside half a second from
// the same process, nearly back to back.
func forkBombRapid() Pattern {
	p := Pattern{
		Name:        "fork_bomb_rapid",
		Severity:    SeverityCritical,
		MaxWindowNs: 500 * millisecond,
		StepCount:   5,
		Enabled:     true,
	}
	for i := 0; i < 5; i++ {
		p.Steps[i] = classStep(ClassProcessCreate)
		if i > 0 {
			p.Steps[i].MaxStepDistance = 5
		}
	}
	p.WhitelistNames = [MaxWhitelistNames]string{"make", "gcc", "cargo", "rustc", "ninja", "ld"}
	return p
}

// privescSetuidRoot flags reading system configuration, dropping to uid
// 0, then executing something.
func privescSetuidRoot() Pattern {
	p := Pattern{
		Name:        "privesc_setuid_root",
		Severity:    SeverityCritical,
		MaxWindowNs: 10 * second,
		StepCount:   3,
		Enabled:     true,
	}
	p.Steps[0] = stepAlt(SysOpen, SysOpenat)
	p.Steps[0].Constraints[0] = pathContains("/etc/", "/root/")

	p.Steps[1] = step(SysSetuid)
	p.Steps[1].MaxStepDistance = 128
	p.Steps[1].Constraints[0] = argEquals(0, 0)

	p.Steps[2] = stepAlt(SysExecve, SysExecveat)
	p.Steps[2].MaxStepDistance = 128

	p.WhitelistNames = [MaxWhitelistNames]string{"sudo", "su", "passwd", "pkexec"}
	return p
}

// credentialExfil flags opening a socket, reading key material from
// well-known credential directories, and pushing bytes back out.
func credentialExfil() Pattern {
	p := Pattern{
		Name:        "credential_exfil",
		Severity:    SeverityCritical,
		MaxWindowNs: 10 * second,
		StepCount:   4,
		Enabled:     true,
	}
	p.Steps[0] = step(SysSocket)

	p.Steps[1] = stepAlt(SysOpen, SysOpenat)
	p.Steps[1].MaxStepDistance = 256
	p.Steps[1].Constraints[0] = pathContains(".ssh/", ".aws/")

	p.Steps[2] = step(SysRead)
	p.Steps[2].MaxStepDistance = 256

	p.Steps[3] = stepAlt(SysWrite, SysSendto)
	p.Steps[3].MaxStepDistance = 256

	p.WhitelistNames = [MaxWhitelistNames]string{"ssh", "ssh-agent", "ssh-add", "scp", "sftp"}
	return p
}

// kernelModuleLoad flags opening a .ko object and loading it.
func kernelModuleLoad() Pattern {
	p := Pattern{
		Name:        "kernel_module_load",
		Severity:    SeverityHigh,
		MaxWindowNs: 10 * second,
		StepCount:   2,
		Enabled:     true,
	}
	p.Steps[0] = stepAlt(SysOpen, SysOpenat)
	p.Steps[0].Constraints[0] = ArgConstraint{ArgIndex: PathArgBySyscall, Kind: PathEndsWith, Path: ".ko"}

	p.Steps[1] = stepAlt(SysFinitModule, SysInitModule)
	p.Steps[1].MaxStepDistance = 128

	p.WhitelistNames = [MaxWhitelistNames]string{"modprobe", "insmod", "systemd-modules-load"}
	return p
}
