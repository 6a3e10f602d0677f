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

package types

// AddrRange is a half-open [Start, End) range of addresses.
type AddrRange struct {
	Start uint64
	End   uint64
}

// UnwindData is the pid-agnostic, per-module unwind payload (spec §3): the
// origin path, the lowest PT_LOAD virtual address, and the raw
// .eh_frame_hdr/.eh_frame section bytes with their declared (svma) ranges.
// Two UnwindData values with identical fields are considered the same
// module for deduplication purposes, hence the plain value semantics.
type UnwindData struct {
	Path string

	BaseSVMA uint64

	EhFrameHdr     []byte
	EhFrameHdrSVMA AddrRange

	EhFrame     []byte
	EhFrameSVMA AddrRange
}

// ProcessUnwindData is the per-process overlay pairing with exactly one
// UnwindData: when (if ever) it was captured, the actual runtime address
// range it covers, and the load bias to apply to the UnwindData's svmas.
type ProcessUnwindData struct {
	// Timestamp is the monotonic capture timestamp, nil when the unwind
	// data is valid for the whole process lifetime (e.g. static mappings).
	Timestamp *uint64
	AVMARange AddrRange
	BaseAVMA  uint64
}

// MappedProcessUnwindData is the manifest's per-pid reference to a
// deduplicated UnwindData entry on disk, by key.
type MappedProcessUnwindData struct {
	UnwindDataKey string `json:"unwind_data_key"`
	Timestamp     *uint64 `json:"timestamp,omitempty"`
	AVMAStart     uint64  `json:"avma_start"`
	AVMAEnd       uint64  `json:"avma_end"`
	BaseAVMA      uint64  `json:"base_avma"`
}
