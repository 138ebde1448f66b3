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

package procinfo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeProc(t *testing.T, pid string, files map[string]string) *Resolver {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return &Resolver{ProcRoot: root}
}

func TestBinaryNameFromComm(t *testing.T) {
	r := fakeProc(t, "123", map[string]string{"comm": "nc\n"})
	assert.Equal(t, "nc", r.BinaryName(123))
}

func TestBinaryNameFallsBackToCmdline(t *testing.T) {
	r := fakeProc(t, "123", map[string]string{
		"cmdline": "/usr/bin/socat\x00TCP:1.2.3.4:4444\x00",
	})
	assert.Equal(t, "socat", r.BinaryName(123))
}

func TestBinaryNameMissingProcess(t *testing.T) {
	r := &Resolver{ProcRoot: t.TempDir()}
	assert.Equal(t, UnknownBinary, r.BinaryName(999))
}

func TestMetaDegradesPerField(t *testing.T) {
	r := fakeProc(t, "123", map[string]string{
		"comm":   "nc\n",
		"status": "Name:\tnc\nPid:\t123\nPPid:\t77\n",
	})
	m := r.Meta(123)
	assert.Equal(t, "nc", m.BinaryName)
	assert.Equal(t, uint32(77), m.ParentPID)
	// No ns directory in the fake: the inum degrades to zero.
	assert.Zero(t, m.PidNsInum)
}

func TestMetaMissingProcess(t *testing.T) {
	r := &Resolver{ProcRoot: t.TempDir()}
	m := r.Meta(424242)
	assert.Equal(t, UnknownBinary, m.BinaryName)
	assert.Zero(t, m.ParentPID)
	assert.Zero(t, m.PidNsInum)
}

func TestBinaryHashKnownContent(t *testing.T) {
	r := fakeProc(t, "123", map[string]string{"exe": "hello"})
	// First 8 bytes of sha256("hello").
	assert.Equal(t, uint64(0x2cf24dba5fb0a30e), r.BinaryHash(123))
}

func TestBinaryHashMissing(t *testing.T) {
	r := &Resolver{ProcRoot: t.TempDir()}
	assert.Zero(t, r.BinaryHash(123))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "nc", sanitizeName("nc"))
	assert.Equal(t, "evil", sanitizeName("ev\x00il\x1b"))
	long := sanitizeName(strings.Repeat("a", 200))
	assert.LessOrEqual(t, len(long), maxNameLen)
}
