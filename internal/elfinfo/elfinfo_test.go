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

package elfinfo

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"wallcap/pkg/types"
)

func progLoad(off, vaddr, filesz uint64) *elf.Prog {
	return &elf.Prog{ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Off: off, Vaddr: vaddr, Filesz: filesz}}
}

func TestComputeLoadBias(t *testing.T) {
	f := &elf.File{Progs: []*elf.Prog{
		progLoad(0, 0, 0x1000),
		progLoad(0x1000, 0x2000, 0x1000),
	}}

	bias, err := ComputeLoadBias(f, 0x1500, 0x7f0000002500)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7f0000002500-0x2500), bias)
}

func TestComputeLoadBiasNoMatch(t *testing.T) {
	f := &elf.File{Progs: []*elf.Prog{progLoad(0, 0, 0x1000)}}

	_, err := ComputeLoadBias(f, 0x5000, 0x7f0000000000)
	require.ErrorIs(t, err, types.ErrNoMatchingSegment)
}

func TestBaseSVMA(t *testing.T) {
	f := &elf.File{Progs: []*elf.Prog{
		progLoad(0x1000, 0x5000, 0x1000),
		progLoad(0, 0x1000, 0x1000),
		{ProgHeader: elf.ProgHeader{Type: elf.PT_NOTE, Vaddr: 0}},
	}}

	base, ok := BaseSVMA(f)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), base)
}

func TestBaseSVMANoLoadSegments(t *testing.T) {
	f := &elf.File{Progs: []*elf.Prog{{ProgHeader: elf.ProgHeader{Type: elf.PT_NOTE}}}}

	_, ok := BaseSVMA(f)
	require.False(t, ok)
}

func TestReadSymbolsMissingFile(t *testing.T) {
	_, err := ReadSymbols("/nonexistent/path/to/binary")
	require.ErrorIs(t, err, types.ErrElfUnreadable)
}

func TestExtractUnwindMissingFile(t *testing.T) {
	_, err := ExtractUnwind("/nonexistent/path/to/binary")
	require.ErrorIs(t, err, types.ErrElfUnreadable)
}

func TestAlign4(t *testing.T) {
	require.Equal(t, uint32(0), align4(0))
	require.Equal(t, uint32(4), align4(1))
	require.Equal(t, uint32(4), align4(4))
	require.Equal(t, uint32(8), align4(5))
}
