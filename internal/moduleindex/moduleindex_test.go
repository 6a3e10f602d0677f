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

package moduleindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wallcap/pkg/types"
)

func TestObserveExtractsOncePerPath(t *testing.T) {
	calls := 0
	idx := New(func(path string) (*types.ModuleSymbols, *types.UnwindData, *types.ModuleDebugInfo) {
		calls++
		syms, _ := types.NewModuleSymbols([]types.Symbol{{Addr: 1, Size: 1, Name: "f"}})
		return syms, nil, nil
	})

	bias1 := uint64(0x1000)
	bias2 := uint64(0x2000)
	idx.Observe(1, "/bin/foo", &bias1, nil, types.AddrRange{Start: 0x1000, End: 0x2000})
	idx.Observe(2, "/bin/foo", &bias2, nil, types.AddrRange{Start: 0x3000, End: 0x4000})

	require.Equal(t, 1, calls)
	mod, ok := idx.Get("/bin/foo")
	require.True(t, ok)
	require.Len(t, mod.ByPID, 2)
	require.Equal(t, &bias1, mod.ByPID[1].SymbolsLoadBias)
	require.Equal(t, &bias2, mod.ByPID[2].SymbolsLoadBias)
	require.Equal(t, types.AddrRange{Start: 0x1000, End: 0x2000}, mod.ByPID[1].AVMARange)
	require.Equal(t, types.AddrRange{Start: 0x3000, End: 0x4000}, mod.ByPID[2].AVMARange)
}

func TestPathKeyStableInsertionOrder(t *testing.T) {
	idx := New(func(path string) (*types.ModuleSymbols, *types.UnwindData, *types.ModuleDebugInfo) {
		return nil, nil, nil
	})
	idx.Observe(1, "/bin/b", nil, nil, types.AddrRange{})
	idx.Observe(1, "/bin/a", nil, nil, types.AddrRange{})
	idx.Observe(1, "/bin/b", nil, nil, types.AddrRange{}) // repeat, no new key

	keyB, ok := idx.PathKey("/bin/b")
	require.True(t, ok)
	require.Equal(t, 0, keyB)

	keyA, ok := idx.PathKey("/bin/a")
	require.True(t, ok)
	require.Equal(t, 1, keyA)
}

func TestNilSymbolsDoesNotRecordBias(t *testing.T) {
	idx := New(func(path string) (*types.ModuleSymbols, *types.UnwindData, *types.ModuleDebugInfo) {
		return nil, nil, nil
	})
	bias := uint64(42)
	idx.Observe(1, "/bin/unreadable", &bias, nil, types.AddrRange{})

	mod, ok := idx.Get("/bin/unreadable")
	require.True(t, ok)
	require.Nil(t, mod.Symbols)
	require.Nil(t, mod.ByPID[1].SymbolsLoadBias)
}
