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

// ModuleDebugInfo records what internal/elfinfo could determine about a
// module's debug information, supplementing spec.md §4.7/§4.8 (see
// SPEC_FULL.md §12).
type ModuleDebugInfo struct {
	HasSeparateDebugInfo bool   `json:"has_separate_debug_info"`
	BuildID              string `json:"build_id,omitempty"`
	Arch                 string `json:"arch"`
}

// ProcessLoadedModule is the per-pid overlay of a LoadedModule: the load
// bias to apply to the module's symbol addresses for this mapping, the
// matching unwind overlay when unwind data was also extracted, and the
// raw AVMA range the kernel reported for this mapping (spec §4.7's
// ignored_modules_by_pid triples need this even for modules whose symbols
// or unwind data were never extracted).
type ProcessLoadedModule struct {
	SymbolsLoadBias *uint64
	Unwind          *ProcessUnwindData
	AVMARange       AddrRange
}

// LoadedModule is the module index's element (spec §4.4): a path-keyed,
// deduplicated record of a module's symbols and unwind data, plus the set of
// processes that mapped it. Either Symbols or Unwind may independently be
// nil when extraction failed for that facet (spec §7 propagation policy),
// but a ByPID entry whose SymbolsLoadBias is set requires Symbols != nil on
// the parent LoadedModule.
type LoadedModule struct {
	Path string

	Symbols   *ModuleSymbols
	Unwind    *UnwindData
	DebugInfo *ModuleDebugInfo

	ByPID map[int]*ProcessLoadedModule
}

// NewLoadedModule returns an empty LoadedModule for path, ready for its
// ByPID map to be populated as processes are observed mapping it.
func NewLoadedModule(path string) *LoadedModule {
	return &LoadedModule{
		Path:  path,
		ByPID: make(map[int]*ProcessLoadedModule),
	}
}
