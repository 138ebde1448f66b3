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

// Syscall numbers for the x86_64 ABI. The probe reports raw numbers from
// the raw_syscalls tracepoint, so the table must match the host ABI;
// x86_64 is the supported architecture for now.
const (
	SysRead        uint32 = 0
	SysWrite       uint32 = 1
	SysOpen        uint32 = 2
	SysClose       uint32 = 3
	SysPread64     uint32 = 17
	SysPwrite64    uint32 = 18
	SysReadv       uint32 = 19
	SysWritev      uint32 = 20
	SysDup2        uint32 = 33
	SysSocket      uint32 = 41
	SysConnect     uint32 = 42
	SysAccept      uint32 = 43
	SysSendto      uint32 = 44
	SysRecvfrom    uint32 = 45
	SysSendmsg     uint32 = 46
	SysBind        uint32 = 49
	SysListen      uint32 = 50
	SysClone       uint32 = 56
	SysFork        uint32 = 57
	SysVfork       uint32 = 58
	SysExecve      uint32 = 59
	SysSetuid      uint32 = 105
	SysSetgid      uint32 = 106
	SysSetresuid   uint32 = 117
	SysSetresgid   uint32 = 119
	SysInitModule  uint32 = 175
	SysOpenat      uint32 = 257
	SysDup3        uint32 = 292
	SysFinitModule uint32 = 313
	SysExecveat    uint32 = 322
	SysClone3      uint32 = 435
	SysOpenat2     uint32 = 437
)

// Class groups syscalls by behavior so a step can select a family instead
// of one number.
type Class uint8

const (
	ClassNone Class = iota
	ClassAny
	ClassNetwork
	ClassFileRead
	ClassFileWrite
	ClassProcessCreate
	ClassPrivilege
	ClassModule
	ClassIORedirect
)

var classNames = [...]string{"none", "any", "network", "file_read", "file_write", "process_create", "privilege", "module", "io_redirect"}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return "unknown"
}

// classSets is the fixed class expansion. The monitored syscall set handed
// to the kernel is the union of these expansions and of every literal step
// number in the enabled catalog.
var classSets = map[Class][]uint32{
	ClassNetwork:       {SysSocket, SysConnect, SysBind, SysSendto, SysSendmsg, SysAccept, SysRecvfrom, SysListen},
	ClassFileRead:      {SysOpen, SysOpenat, SysOpenat2, SysRead, SysPread64, SysReadv},
	ClassFileWrite:     {SysWrite, SysPwrite64, SysWritev},
	ClassProcessCreate: {SysFork, SysVfork, SysClone, SysClone3},
	ClassPrivilege:     {SysSetuid, SysSetgid, SysSetresuid, SysSetresgid},
	ClassModule:        {SysInitModule, SysFinitModule},
	ClassIORedirect:    {SysDup2, SysDup3},
}

var classMembers map[Class]map[uint32]struct{}

func init() {
	classMembers = make(map[Class]map[uint32]struct{}, len(classSets))
	for c, nrs := range classSets {
		m := make(map[uint32]struct{}, len(nrs))
		for _, nr := range nrs {
			m[nr] = struct{}{}
		}
		classMembers[c] = m
	}
}

// Classifies reports whether nr belongs to the class. ClassAny matches
// every monitored syscall; ClassNone matches nothing.
func (c Class) Classifies(nr uint32) bool {
	switch c {
	case ClassNone:
		return false
	case ClassAny:
		return true
	}
	_, ok := classMembers[c][nr]
	return ok
}

// Expand returns the class's member set; nil for ClassNone and ClassAny
// (ClassAny does not widen the monitored set beyond what the catalog
// already names).
func (c Class) Expand() []uint32 {
	return classSets[c]
}

// pathArgIndex resolves the PathArgBySyscall sentinel: which argument
// carries the user-space path for a given syscall.
func pathArgIndex(nr uint32) (int, bool) {
	switch nr {
	case SysOpen, SysExecve:
		return 0, true
	case SysOpenat, SysOpenat2, SysExecveat:
		return 1, true
	}
	return 0, false
}

// PathArg resolves the argument index a path constraint reads for the
// given event syscall. The bool is false when the constraint cannot apply.
func (c *ArgConstraint) PathArg(nr uint32) (int, bool) {
	if c.ArgIndex != PathArgBySyscall {
		return int(c.ArgIndex), true
	}
	return pathArgIndex(nr)
}
