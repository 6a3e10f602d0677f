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

// Package jitdump implements component C2: reading a perf jitdump file
// (the ABI emitted by JIT runtimes like V8's --perf-basic-prof or CPython's
// perf trampoline, linux tools/perf/Documentation/jitdump-specification.txt)
// and turning it into a ModuleSymbols table plus deduplicated unwind data.
//
// This package parses the binary jitdump stream directly rather than only
// the already-folded perf-<pid>.map text format those streams eventually
// produce, so both the raw stream and any pre-existing map file on disk
// are picked up.
package jitdump

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"wallcap/pkg/types"
)

const (
	magic         = 0x4a695444 // "JiTD"
	magicSwapped  = 0x4454694a
	headerFixedSz = 4 + 4 + 4 + 4 + 4 + 4 + 8 + 8 // magic,version,total_size,elf_mach,pad1,pid,timestamp,flags
)

// recordID identifies a jitdump record's payload shape.
type recordID uint32

const (
	recCodeLoad         recordID = 0
	recCodeMove         recordID = 1
	recCodeDebugInfo    recordID = 2
	recCodeClose        recordID = 3
	recCodeUnwindingInfo recordID = 4
)

// CodeLoad is a JIT_CODE_LOAD record: one function's machine code was
// emitted at VMA and can be named.
type CodeLoad struct {
	PID, TID  uint32
	VMA       uint64
	CodeAddr  uint64
	CodeBytes []byte
	CodeIndex uint64
	Name      string
}

// UnwindingInfo is a JIT_CODE_UNWINDING_INFO record: synthetic eh_frame
// data generated for the JIT code that follows it.
type UnwindingInfo struct {
	EhFrameHdr []byte
	EhFrame    []byte
}

// reader walks the record stream of one jitdump file.
type reader struct {
	r    *bufio.Reader
	swap bool
}

func openReader(path string) (*reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	br := bufio.NewReaderSize(f, 64*1024)

	hdr := make([]byte, headerFixedSz)
	if _, err := io.ReadFull(br, hdr); err != nil {
		f.Close()
		return nil, nil, errors.Wrap(err, "read jitdump header")
	}
	m := binary.LittleEndian.Uint32(hdr[0:4])
	swap := false
	switch m {
	case magic:
	case magicSwapped:
		swap = true
	default:
		f.Close()
		return nil, nil, fmt.Errorf("jitdump: bad magic %#x", m)
	}
	return &reader{r: br, swap: swap}, f.Close, nil
}

func (rd *reader) order() binary.ByteOrder {
	if rd.swap {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

type rawRecord struct {
	id        recordID
	timestamp uint64
	payload   []byte
}

// next reads the next record, returning io.EOF when the stream is exhausted.
func (rd *reader) next() (*rawRecord, error) {
	hdr := make([]byte, 16)
	if _, err := io.ReadFull(rd.r, hdr); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	ord := rd.order()
	id := recordID(ord.Uint32(hdr[0:4]))
	totalSize := ord.Uint32(hdr[4:8])
	timestamp := ord.Uint64(hdr[8:16])

	if totalSize < 16 {
		return nil, fmt.Errorf("jitdump: record total_size %d smaller than header", totalSize)
	}
	payload := make([]byte, totalSize-16)
	if _, err := io.ReadFull(rd.r, payload); err != nil {
		return nil, errors.Wrap(err, "read jitdump record payload")
	}
	return &rawRecord{id: id, timestamp: timestamp, payload: payload}, nil
}

func parseCodeLoad(ord binary.ByteOrder, payload []byte) (*CodeLoad, error) {
	// pid, tid, vma, code_addr, code_size, code_index, then a
	// NUL-terminated name, then code_size bytes of machine code.
	const fixed = 4 + 4 + 8 + 8 + 8 + 8
	if len(payload) < fixed {
		return nil, fmt.Errorf("jitdump: CODE_LOAD payload too small")
	}
	pid := ord.Uint32(payload[0:4])
	tid := ord.Uint32(payload[4:8])
	vma := ord.Uint64(payload[8:16])
	codeAddr := ord.Uint64(payload[16:24])
	codeSize := ord.Uint64(payload[24:32])
	codeIndex := ord.Uint64(payload[32:40])

	rest := payload[fixed:]
	nul := indexByte(rest, 0)
	if nul < 0 {
		return nil, fmt.Errorf("jitdump: CODE_LOAD name not NUL-terminated")
	}
	name := string(rest[:nul])
	code := rest[nul+1:]
	if uint64(len(code)) < codeSize {
		return nil, fmt.Errorf("jitdump: CODE_LOAD truncated code bytes")
	}
	code = code[:codeSize]

	return &CodeLoad{
		PID: pid, TID: tid, VMA: vma, CodeAddr: codeAddr,
		CodeBytes: code, CodeIndex: codeIndex, Name: name,
	}, nil
}

func parseUnwindingInfo(ord binary.ByteOrder, payload []byte) (*UnwindingInfo, error) {
	const fixed = 8 + 8 + 8 // eh_frame_hdr_size, mapped_size, eh_frame_size
	if len(payload) < fixed {
		return nil, fmt.Errorf("jitdump: UNWINDING_INFO payload too small")
	}
	ehFrameHdrSize := ord.Uint64(payload[0:8])
	_ = ord.Uint64(payload[8:16]) // mapped_size, unused here
	ehFrameSize := ord.Uint64(payload[16:24])

	rest := payload[fixed:]
	if uint64(len(rest)) < ehFrameHdrSize+ehFrameSize {
		return nil, fmt.Errorf("jitdump: UNWINDING_INFO truncated")
	}
	ehFrameHdr := rest[:ehFrameHdrSize]
	ehFrame := rest[ehFrameHdrSize : ehFrameHdrSize+ehFrameSize]
	return &UnwindingInfo{EhFrameHdr: ehFrameHdr, EhFrame: ehFrame}, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// IntoModuleSymbols replays every CODE_LOAD record in path into a flat
// symbol table.
func IntoModuleSymbols(path string) (*types.ModuleSymbols, error) {
	rd, closeFn, err := openReader(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var raw []types.Symbol
	for {
		rec, err := rd.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if rec.id != recCodeLoad {
			continue
		}
		cl, err := parseCodeLoad(rd.order(), rec.payload)
		if err != nil {
			logrus.Warnf("jitdump: skipping malformed CODE_LOAD in %s: %v", path, err)
			continue
		}
		raw = append(raw, types.Symbol{Addr: cl.VMA, Size: uint64(len(cl.CodeBytes)), Name: cl.Name})
	}
	return types.NewModuleSymbols(raw)
}

// PidUnwindEntry pairs one jitted function's deduplicated UnwindData with
// its process-relative overlay.
type PidUnwindEntry struct {
	Module  types.UnwindData
	Process types.ProcessUnwindData
}

// IntoUnwindData replays path's CODE_UNWINDING_INFO/CODE_LOAD pairs into
// harvested unwind entries. Per the JIT dump ABI, a CODE_UNWINDING_INFO
// record always precedes the CODE_LOAD it describes; a CODE_LOAD with no
// pending unwind info is logged and skipped.
func IntoUnwindData(path string) ([]PidUnwindEntry, error) {
	rd, closeFn, err := openReader(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var (
		out     []PidUnwindEntry
		pending *UnwindingInfo
	)
	for {
		rec, err := rd.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch rec.id {
		case recCodeUnwindingInfo:
			info, err := parseUnwindingInfo(rd.order(), rec.payload)
			if err != nil {
				logrus.Warnf("jitdump: skipping malformed UNWINDING_INFO in %s: %v", path, err)
				pending = nil
				continue
			}
			pending = info

		case recCodeLoad:
			cl, err := parseCodeLoad(rd.order(), rec.payload)
			if err != nil {
				logrus.Warnf("jitdump: skipping malformed CODE_LOAD in %s: %v", path, err)
				continue
			}
			if pending == nil {
				logrus.Warnf("jitdump: no unwind info available for JIT code load %q", cl.Name)
				continue
			}
			info := pending
			pending = nil

			ts := rec.timestamp
			avmaStart := cl.VMA
			avmaEnd := avmaStart + uint64(len(cl.CodeBytes))

			out = append(out, PidUnwindEntry{
				Module: types.UnwindData{
					Path:       fmt.Sprintf("jit_%s", cl.Name),
					EhFrameHdr: info.EhFrameHdr,
					EhFrame:    info.EhFrame,
				},
				Process: types.ProcessUnwindData{
					Timestamp: &ts,
					AVMARange: types.AddrRange{Start: avmaStart, End: avmaEnd},
				},
			})

		default:
			logrus.Debugf("jitdump: unhandled record id %d in %s", rec.id, path)
		}
	}
	return out, nil
}

// AppendModuleSymbolsToPerfMap writes syms in perf-<pid>.map text format
// (hex-addr hex-size name, one per line), appending to any existing file so
// repeated harvests from a growing dump keep prior entries.
func AppendModuleSymbolsToPerfMap(path string, syms *types.ModuleSymbols) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open perf map %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, s := range syms.Symbols() {
		fmt.Fprintf(w, "%x %x %s\n", s.Addr, s.Size, s.Name)
	}
	return w.Flush()
}

// harvestExistingPerfMap copies any OS-conventional /tmp/perf-<pid>.map that
// already exists on the host into the profile folder, once, before JIT
// symbols are appended to it. Absent source files are not an error.
func harvestExistingPerfMap(profileFolder string, pid int) error {
	src := filepath.Join("/tmp", fmt.Sprintf("perf-%d.map", pid))
	dst := filepath.Join(profileFolder, fmt.Sprintf("perf-%d.map", pid))
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// HarvestForPID looks for /tmp/jit-<pid>.dump, folds its symbols into
// profileFolder/perf-<pid>.map, and returns its harvested unwind entries.
// Returns (nil, nil) when no dump file exists for pid, matching the
// original's silent skip.
func HarvestForPID(profileFolder string, pid int) ([]PidUnwindEntry, error) {
	dumpPath := filepath.Join("/tmp", fmt.Sprintf("jit-%d.dump", pid))
	if _, err := os.Stat(dumpPath); err != nil {
		return nil, nil
	}

	mapPath := filepath.Join(profileFolder, fmt.Sprintf("perf-%d.map", pid))
	if err := harvestExistingPerfMap(profileFolder, pid); err != nil {
		logrus.Warnf("jitdump: failed to harvest existing perf map for pid %d: %v", pid, err)
	}

	syms, err := IntoModuleSymbols(dumpPath)
	if err != nil {
		logrus.Warnf("jitdump: failed to convert %s into perf map: %v", dumpPath, err)
	} else {
		if err := AppendModuleSymbolsToPerfMap(mapPath, syms); err != nil {
			logrus.Warnf("jitdump: failed to append perf map %s: %v", mapPath, err)
		}
	}

	entries, err := IntoUnwindData(dumpPath)
	if err != nil {
		logrus.Warnf("jitdump: failed to convert %s into unwind data: %v", dumpPath, err)
		return nil, nil
	}
	return entries, nil
}

// HarvestForPIDs runs HarvestForPID across every pid in pids.
func HarvestForPIDs(profileFolder string, pids []int) map[int][]PidUnwindEntry {
	out := make(map[int][]PidUnwindEntry)
	for _, pid := range pids {
		entries, err := HarvestForPID(profileFolder, pid)
		if err != nil {
			logrus.Warnf("jitdump: harvest for pid %d: %v", pid, err)
			continue
		}
		if entries != nil {
			out[pid] = entries
		}
	}
	return out
}
