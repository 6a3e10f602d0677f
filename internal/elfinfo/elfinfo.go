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

// Package elfinfo implements component C1 of the capture pipeline: reading
// one ELF module's symbol table, computing the load bias for a given
// runtime mapping, and extracting the raw .eh_frame/.eh_frame_hdr unwind
// sections. It is a leaf package: nothing in wallcap besides the shared
// pkg/types data model is a prerequisite for it, matching the dependency ordering in SPEC_FULL.md §1-9 (C1 is the
// first component other readers build on).
//
// Symbol extraction merges both the static and dynamic symbol tables,
// keeping STT_FUNC entries only, and keeps the raw size so
// pkg/types.NewModuleSymbols can apply the zero-size extension and ARM
// mapping-symbol filter.
package elfinfo

import (
	"debug/elf"

	"github.com/pkg/errors"

	"wallcap/pkg/types"
)

// ReadSymbols opens path and returns its normalized module symbol table
// (spec §3/§4.1). Both the static and dynamic symbol tables are merged,
// keeping only STT_FUNC entries.
func ReadSymbols(path string) (*types.ModuleSymbols, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(types.ErrElfUnreadable, "open %s: %v", path, err)
	}
	defer f.Close()

	raw := rawFuncSymbols(f)
	syms, err := types.NewModuleSymbols(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "normalize symbols for %s", path)
	}
	return syms, nil
}

func rawFuncSymbols(f *elf.File) []types.Symbol {
	var out []types.Symbol

	if dynsyms, err := f.DynamicSymbols(); err == nil {
		for _, s := range dynsyms {
			if elf.ST_TYPE(s.Info) == elf.STT_FUNC {
				out = append(out, types.Symbol{Addr: s.Value, Size: s.Size, Name: s.Name})
			}
		}
	}
	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) == elf.STT_FUNC {
				out = append(out, types.Symbol{Addr: s.Value, Size: s.Size, Name: s.Name})
			}
		}
	}
	return out
}

// ComputeLoadBias returns runtimeStart - svma of the PT_LOAD segment
// covering fileOffset, per spec §4.1: the kernel reports the mapping's
// starting file offset in /proc/<pid>/maps, and the load bias is the
// difference between the avma the kernel actually mapped it at and the
// segment's declared vaddr.
func ComputeLoadBias(f *elf.File, fileOffset uint64, runtimeStart uint64) (uint64, error) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if fileOffset >= p.Off && fileOffset < p.Off+p.Filesz {
			svma := p.Vaddr + (fileOffset - p.Off)
			return runtimeStart - svma, nil
		}
	}
	return 0, types.ErrNoMatchingSegment
}

// ComputeLoadBiasForPath opens path and delegates to ComputeLoadBias,
// letting callers that only have a mapping's file offset and runtime
// address (perfstream.ExecMapping) compute a bias without holding the
// *elf.File open themselves.
func ComputeLoadBiasForPath(path string, fileOffset, runtimeStart uint64) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, errors.Wrapf(types.ErrElfUnreadable, "open %s: %v", path, err)
	}
	defer f.Close()
	return ComputeLoadBias(f, fileOffset, runtimeStart)
}

// BaseSVMA returns the lowest PT_LOAD Vaddr in the file, used as the
// reference point unwind consumers subtract before adding a process's load
// bias (spec §3, UnwindData.BaseSVMA).
func BaseSVMA(f *elf.File) (uint64, bool) {
	var (
		found bool
		min   uint64
	)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !found || p.Vaddr < min {
			min = p.Vaddr
			found = true
		}
	}
	return min, found
}

// ExtractUnwind reads the .eh_frame and .eh_frame_hdr sections (spec §3/
// §4.1) along with the module's base svma. Returns ErrNoUnwindInfo if
// neither section is present.
func ExtractUnwind(path string) (*types.UnwindData, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(types.ErrElfUnreadable, "open %s: %v", path, err)
	}
	defer f.Close()

	ehFrame, ehFrameRange, haveEhFrame := sectionBytes(f, ".eh_frame")
	ehFrameHdr, ehFrameHdrRange, haveEhFrameHdr := sectionBytes(f, ".eh_frame_hdr")
	if !haveEhFrame && !haveEhFrameHdr {
		return nil, errors.Wrapf(types.ErrNoUnwindInfo, "%s", path)
	}

	base, _ := BaseSVMA(f)
	return &types.UnwindData{
		Path:           path,
		BaseSVMA:       base,
		EhFrame:        ehFrame,
		EhFrameSVMA:    ehFrameRange,
		EhFrameHdr:     ehFrameHdr,
		EhFrameHdrSVMA: ehFrameHdrRange,
	}, nil
}

func sectionBytes(f *elf.File, name string) ([]byte, types.AddrRange, bool) {
	sec := f.Section(name)
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil, types.AddrRange{}, false
	}
	data, err := sec.Data()
	if err != nil {
		return nil, types.AddrRange{}, false
	}
	return data, types.AddrRange{Start: sec.Addr, End: sec.Addr + sec.Size}, true
}

// ReadDebugInfo gathers the supplemented ModuleDebugInfo record (SPEC_FULL.md
// §12): whether the ELF carries its own DWARF sections, its GNU build-id
// (if any), and its declared machine architecture.
func ReadDebugInfo(path string) (*types.ModuleDebugInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(types.ErrElfUnreadable, "open %s: %v", path, err)
	}
	defer f.Close()

	info := &types.ModuleDebugInfo{
		Arch: f.Machine.String(),
	}
	if _, err := f.DWARF(); err == nil {
		info.HasSeparateDebugInfo = true
	}
	if id, ok := readBuildID(f); ok {
		info.BuildID = id
	}
	return info, nil
}

func readBuildID(f *elf.File) (string, bool) {
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return "", false
	}
	data, err := sec.Data()
	if err != nil {
		return "", false
	}
	// ELF note: namesz(4) descsz(4) type(4) name(namesz, padded) desc(descsz, padded)
	if len(data) < 12 {
		return "", false
	}
	namesz := le32(data[0:4])
	descsz := le32(data[4:8])
	off := 12 + align4(namesz)
	if uint64(off)+uint64(descsz) > uint64(len(data)) {
		return "", false
	}
	desc := data[off : uint64(off)+uint64(descsz)]
	const hex = "0123456789abcdef"
	out := make([]byte, len(desc)*2)
	for i, b := range desc {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0xf]
	}
	return string(out), true
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func align4(v uint32) uint32 {
	if v%4 == 0 {
		return v
	}
	return v + (4 - v%4)
}
