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

// Package moduleindex implements component C4: the path-keyed
// deduplication map every other capture component (C3's perf-stream
// parser, C2's JIT harvest) feeds into. Extraction work (symbols, unwind
// data, debug info) happens at most once per path, the "insertion gate"
// described in spec §4.4, regardless of how many processes later map that
// same path.
package moduleindex

import (
	"sort"
	"sync"

	"wallcap/internal/metrics"
	"wallcap/pkg/types"
)

// ExtractFunc computes the shared facets of a module the first time path is
// seen. Implementations may return a nil *types.ModuleSymbols/UnwindData
// field and still succeed, per the per-facet error propagation policy in
// spec §7: the caller logs and records nil rather than aborting the index.
type ExtractFunc func(path string) (*types.ModuleSymbols, *types.UnwindData, *types.ModuleDebugInfo)

// Index deduplicates LoadedModule records by path, assigning each first-seen
// path a stable, insertion-ordered key used later for artifact file naming.
type Index struct {
	mu      sync.Mutex
	extract ExtractFunc

	byPath map[string]*types.LoadedModule
	order  []string
}

// New returns an empty Index that calls extract exactly once per distinct path.
func New(extract ExtractFunc) *Index {
	return &Index{
		extract: extract,
		byPath:  make(map[string]*types.LoadedModule),
	}
}

// Observe records that pid mapped path at the given runtime range, computing
// path's symbols/unwind/debug-info on first sight only. bias is the
// process-specific symbol load bias (nil when it couldn't be computed).
// avma is the raw AVMA range the kernel reported for this mapping and is
// recorded regardless of whether symbol/unwind extraction succeeded, so
// ignored-module reporting (spec §4.7) still has a range to report.
func (idx *Index) Observe(pid int, path string, bias *uint64, unwind *types.ProcessUnwindData, avma types.AddrRange) *types.LoadedModule {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	mod, ok := idx.byPath[path]
	if !ok {
		mod = types.NewLoadedModule(path)
		syms, uw, dbg := idx.extract(path)
		mod.Symbols = syms
		mod.Unwind = uw
		mod.DebugInfo = dbg
		idx.byPath[path] = mod
		idx.order = append(idx.order, path)
		metrics.ModulesDeduplicated.Inc()
	}

	entry, ok := mod.ByPID[pid]
	if !ok {
		entry = &types.ProcessLoadedModule{}
		mod.ByPID[pid] = entry
	}
	entry.AVMARange = avma
	if mod.Symbols != nil {
		entry.SymbolsLoadBias = bias
	}
	if mod.Unwind != nil {
		entry.Unwind = unwind
	}
	return mod
}

// Get returns the module at path, if one has been observed.
func (idx *Index) Get(path string) (*types.LoadedModule, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m, ok := idx.byPath[path]
	return m, ok
}

// PathKey returns the stable key assigned to path: its zero-based insertion
// order. Paths are assigned keys in the order Observe first saw them, so
// repeated runs over the same input stream produce the same keys.
func (idx *Index) PathKey(path string) (int, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i, p := range idx.order {
		if p == path {
			return i, true
		}
	}
	return 0, false
}

// Modules returns every indexed module in insertion order.
func (idx *Index) Modules() []*types.LoadedModule {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]*types.LoadedModule, 0, len(idx.order))
	for _, p := range idx.order {
		out = append(out, idx.byPath[p])
	}
	return out
}

// SortedPaths returns every indexed path in lexicographic order. Exposed mainly
// for deterministic test assertions.
func (idx *Index) SortedPaths() []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := append([]string(nil), idx.order...)
	sort.Strings(out)
	return out
}
