// Copyright 2026 The Wallcap Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wallcap/internal/jitdump"
	"wallcap/pkg/types"
)

func bias(v uint64) *uint64 { return &v }

func symsOf(t *testing.T, names ...string) *types.ModuleSymbols {
	t.Helper()
	var raw []types.Symbol
	for i, n := range names {
		raw = append(raw, types.Symbol{Addr: uint64(i * 0x100), Size: 0x10, Name: n})
	}
	syms, err := types.NewModuleSymbols(raw)
	require.NoError(t, err)
	return syms
}

func TestSaveSymbolsWritesOncePerPathAndMapsByPID(t *testing.T) {
	dir := t.TempDir()
	m := types.NewLoadedModule("/usr/lib/libfoo.so")
	m.Symbols = symsOf(t, "foo_fn")
	m.ByPID = map[int]*types.ProcessLoadedModule{
		101: {SymbolsLoadBias: bias(0x1000)},
		102: {SymbolsLoadBias: bias(0x2000)},
	}

	w := NewWriter(dir)
	out, err := w.SaveSymbols([]*types.LoadedModule{m})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "0__libfoo.so", out[101][0].PathKey)
	require.Equal(t, uint64(0x1000), *out[101][0].LoadBias)

	data, err := os.ReadFile(filepath.Join(dir, "0__libfoo.so.symbols.map"))
	require.NoError(t, err)
	require.Contains(t, string(data), "foo_fn")
}

func TestSaveUnwindDataAppendsJitKeysAfterStaticKeys(t *testing.T) {
	dir := t.TempDir()
	staticMod := types.NewLoadedModule("/usr/lib/libbar.so")
	staticMod.Unwind = &types.UnwindData{Path: staticMod.Path, BaseSVMA: 0x400000}
	staticMod.ByPID = map[int]*types.ProcessLoadedModule{
		7: {Unwind: &types.ProcessUnwindData{AVMARange: types.AddrRange{Start: 1, End: 2}, BaseAVMA: 0x7f0000}},
	}

	w := NewWriter(dir)
	_, err := w.SaveSymbols([]*types.LoadedModule{staticMod}) // assigns key 0 first
	require.NoError(t, err)

	jitEntries := map[int][]jitdump.PidUnwindEntry{
		7: {{
			Module:  types.UnwindData{Path: "/tmp/jit-7/jitted-1", BaseSVMA: 0},
			Process: types.ProcessUnwindData{AVMARange: types.AddrRange{Start: 10, End: 20}, BaseAVMA: 0},
		}},
	}

	out, err := w.SaveUnwindData([]*types.LoadedModule{staticMod}, jitEntries)
	require.NoError(t, err)
	require.Len(t, out[7], 2)

	var keys []string
	for _, e := range out[7] {
		keys = append(keys, e.UnwindDataKey)
	}
	require.Contains(t, keys, "0__libbar.so")
	require.Contains(t, keys, "1__jitted-1")

	require.FileExists(t, filepath.Join(dir, "0__libbar.so.unwind_data"))
	require.FileExists(t, filepath.Join(dir, "1__jitted-1.unwind_data"))
}

func TestSaveDebugInfoSkipsModulesWithoutSymbols(t *testing.T) {
	dir := t.TempDir()
	withSyms := types.NewLoadedModule("/usr/lib/libbaz.so")
	withSyms.Symbols = symsOf(t, "baz_fn")
	withSyms.DebugInfo = &types.ModuleDebugInfo{BuildID: "abc123", Arch: "x86_64"}
	withSyms.ByPID = map[int]*types.ProcessLoadedModule{9: {SymbolsLoadBias: bias(0x5000)}}

	noSyms := types.NewLoadedModule("/usr/lib/libnosym.so")
	noSyms.DebugInfo = &types.ModuleDebugInfo{BuildID: "def456", Arch: "x86_64"}

	w := NewWriter(dir)
	debugByKey, mappings := w.SaveDebugInfo([]*types.LoadedModule{withSyms, noSyms})
	require.Len(t, debugByKey, 1)
	require.Len(t, mappings[9], 1)
}

func TestCollectIgnoredModulesMatchesListAndPythonBasename(t *testing.T) {
	libc := types.NewLoadedModule("/usr/lib/libc.so.6")
	libc.ByPID = map[int]*types.ProcessLoadedModule{5: {AVMARange: types.AddrRange{Start: 0x1000, End: 0x2000}}}
	python := types.NewLoadedModule("/usr/bin/python3.11")
	python.ByPID = map[int]*types.ProcessLoadedModule{5: {AVMARange: types.AddrRange{Start: 0x3000, End: 0x4000}}}
	other := types.NewLoadedModule("/usr/lib/libfoo.so")
	other.ByPID = map[int]*types.ProcessLoadedModule{5: {AVMARange: types.AddrRange{Start: 0x5000, End: 0x6000}}}

	ignored := CollectIgnoredModules([]*types.LoadedModule{libc, python, other}, []string{"libc.so.6"})
	require.Len(t, ignored, 1)
	require.ElementsMatch(t, []types.IgnoredModule{
		{Path: "/usr/lib/libc.so.6", AVMAStart: 0x1000, AVMAEnd: 0x2000},
		{Path: "/usr/bin/python3.11", AVMAStart: 0x3000, AVMAEnd: 0x4000},
	}, ignored[5])
}

func TestWriteManifestAtomicRename(t *testing.T) {
	dir := t.TempDir()
	manifest := types.NewManifest(dir)
	manifest.ModulesByPID = map[int][]types.MappedModule{1: {{PathKey: "0__a", LoadBias: bias(1)}}}

	require.NoError(t, WriteManifest(dir, manifest))
	require.FileExists(t, filepath.Join(dir, "perf.metadata"))
	require.NoFileExists(t, filepath.Join(dir, "perf.metadata.tmp"))
}
