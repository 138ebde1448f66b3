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

package procinfo

import (
	"bytes"

	"golang.org/x/sys/unix"

	"github.com/grimoire-host/grimoire/defaults"
	"github.com/grimoire-host/grimoire/pkg/sys"
)

const pageSize = 4096

// StringReader pulls bounded NUL-terminated strings out of a traced
// process's address space with process_vm_readv. This backs the engine's
// path constraints; a failed read makes the constraint false, it is never
// retried.
type StringReader struct{}

// ReadString reads up to defaults.MaxUserStringBytes at addr in pid's
// address space and returns the bytes up to the first NUL. Reads never
// cross more than one page boundary: the first chunk stops at the end of
// addr's page so a string that fits its page resolves even when the next
// page is unmapped.
func (StringReader) ReadString(pid uint32, addr uint64) (string, bool) {
	buf := make([]byte, defaults.MaxUserStringBytes)
	first := pageSize - int(addr%pageSize)
	if first > len(buf) {
		first = len(buf)
	}
	n, ok := readMem(pid, addr, buf[:first])
	if !ok {
		return "", false
	}
	if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
		return string(buf[:i]), true
	}
	if n < len(buf) {
		if m, ok := readMem(pid, addr+uint64(n), buf[n:]); ok {
			if i := bytes.IndexByte(buf[:n+m], 0); i >= 0 {
				return string(buf[:i]), true
			}
			n += m
		}
	}
	// No terminator inside the bound; treat the window as the string.
	return string(buf[:n]), true
}

func readMem(pid uint32, addr uint64, buf []byte) (int, bool) {
	if len(buf) == 0 {
		return 0, false
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	var n int
	err := sys.IgnoringEINTR(func() error {
		var rerr error
		n, rerr = unix.ProcessVMReadv(int(pid), local, remote, 0)
		return rerr
	})
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
