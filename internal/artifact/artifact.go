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

// Package artifact implements components C7 (artifact writer) and C8
// (manifest): deduplicated per-path key assignment, parallel symbol/unwind
// file writes, the JIT unwind harvest-then-append into the same keyspace,
// ignored-module collection, and the final manifest JSON.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/tklauser/numcpus"

	"wallcap/internal/jitdump"
	"wallcap/internal/log"
	"wallcap/internal/metrics"
	"wallcap/internal/unwind"
	"wallcap/pkg/types"
)

const (
	symbolFileExt = "symbols.map"
	unwindFileExt = "unwind_data"
	manifestName  = "perf.metadata"
)

// keyRegistry assigns each distinct path a stable "<index>__<basename>" key
// in first-seen order (spec §4.4/§4.7's indexed_semantic_key), shared
// across the symbol, debug-info, and unwind passes so a JIT path discovered
// only during the unwind pass still gets the next free index.
type keyRegistry struct {
	byPath map[string]string
	order  []string
}

func newKeyRegistry() *keyRegistry {
	return &keyRegistry{byPath: make(map[string]string)}
}

func (k *keyRegistry) keyFor(path string) string {
	if key, ok := k.byPath[path]; ok {
		return key
	}
	key := fmt.Sprintf("%d__%s", len(k.order), filepath.Base(path))
	k.byPath[path] = key
	k.order = append(k.order, path)
	return key
}

// Writer saves deduplicated module facets into profileFolder and builds the
// manifest that references them by key.
type Writer struct {
	profileFolder string
	keys          *keyRegistry
}

// NewWriter returns a Writer rooted at profileFolder, which must already exist.
func NewWriter(profileFolder string) *Writer {
	return &Writer{profileFolder: profileFolder, keys: newKeyRegistry()}
}

// parallelism sizes the write worker pool off the host's usable CPUs via
// numcpus (SPEC_FULL.md §11) instead of a fixed worker count.
func parallelism() int {
	n, err := numcpus.GetOnline()
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// forEachModule runs fn over every module in mods using a bounded worker
// pool, sized off the host's usable CPUs rather than one goroutine per
// module.
func forEachModule(mods []*types.LoadedModule, fn func(*types.LoadedModule)) {
	workers := parallelism()
	jobs := make(chan *types.LoadedModule)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				fn(m)
			}
		}()
	}
	for _, m := range mods {
		jobs <- m
	}
	close(jobs)
	wg.Wait()
}

// SaveSymbols writes every module's deduplicated symbol table to
// <key>.symbols.map and returns the per-pid MappedModule list, sorted by key as
// save_symbols does.
func (w *Writer) SaveSymbols(mods []*types.LoadedModule) (map[int][]types.MappedModule, error) {
	start := time.Now()
	defer func() { metrics.ArtifactWriteLatency.WithLabelValues("symbols").Observe(time.Since(start).Seconds()) }()

	for _, m := range mods {
		w.keys.keyFor(m.Path)
	}

	count := 0
	for _, m := range mods {
		if m.Symbols != nil {
			count++
		}
	}
	log.Debugf("artifact: saving symbols (%d unique entries)", count)

	var writeErr error
	var mu sync.Mutex
	forEachModule(mods, func(m *types.LoadedModule) {
		if m.Symbols == nil {
			return
		}
		key := w.keys.keyFor(m.Path)
		if err := writeSymbolFile(w.profileFolder, key, m.Symbols); err != nil {
			mu.Lock()
			writeErr = errors.Wrapf(err, "write symbols for %s", m.Path)
			mu.Unlock()
		}
	})
	if writeErr != nil {
		return nil, writeErr
	}

	out := make(map[int][]types.MappedModule)
	for _, m := range mods {
		if m.Symbols == nil {
			continue
		}
		key := w.keys.keyFor(m.Path)
		for pid, pm := range m.ByPID {
			if pm.SymbolsLoadBias == nil {
				continue
			}
			out[pid] = append(out[pid], types.MappedModule{PathKey: key, LoadBias: pm.SymbolsLoadBias})
		}
	}
	for pid := range out {
		sortMappedModules(out[pid])
	}
	return out, nil
}

func sortMappedModules(m []types.MappedModule) {
	sort.Slice(m, func(i, j int) bool { return m[i].PathKey < m[j].PathKey })
}

func writeSymbolFile(folder, key string, syms *types.ModuleSymbols) error {
	path := filepath.Join(folder, fmt.Sprintf("%s.%s", key, symbolFileExt))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, s := range syms.Symbols() {
		if _, err := fmt.Fprintf(f, "%x %x %s\n", s.Addr, s.Size, s.Name); err != nil {
			return err
		}
	}
	return nil
}

// SaveUnwindData writes every module's deduplicated unwind section to
// <key>.unwind_data (V3 codec), then folds in jitUnwindByPID entries
// (harvested by internal/jitdump) under freshly assigned "<index>__jit_<name>"
// keys for their "jit_<name>" paths, matching save_unwind_data's harvest-then-append ordering.
func (w *Writer) SaveUnwindData(mods []*types.LoadedModule, jitUnwindByPID map[int][]jitdump.PidUnwindEntry) (map[int][]types.MappedProcessUnwindData, error) {
	start := time.Now()
	defer func() { metrics.ArtifactWriteLatency.WithLabelValues("unwind_data").Observe(time.Since(start).Seconds()) }()

	count := 0
	for _, m := range mods {
		if m.Unwind != nil {
			count++
		}
	}
	log.Debugf("artifact: saving unwind data (%d unique entries)", count)

	var writeErr error
	var mu sync.Mutex
	forEachModule(mods, func(m *types.LoadedModule) {
		if m.Unwind == nil {
			return
		}
		key := w.keys.keyFor(m.Path)
		if err := writeUnwindFile(w.profileFolder, key, m.Unwind); err != nil {
			mu.Lock()
			writeErr = errors.Wrapf(err, "write unwind data for %s", m.Path)
			mu.Unlock()
		}
	})
	if writeErr != nil {
		return nil, writeErr
	}

	out := make(map[int][]types.MappedProcessUnwindData)
	for _, m := range mods {
		if m.Unwind == nil {
			continue
		}
		key := w.keys.keyFor(m.Path)
		for pid, pm := range m.ByPID {
			if pm.Unwind == nil {
				continue
			}
			out[pid] = append(out[pid], mappedUnwind(key, pm.Unwind))
		}
	}

	for pid, entries := range jitUnwindByPID {
		for _, e := range entries {
			key := w.keys.keyFor(e.Module.Path)
			if err := writeUnwindFile(w.profileFolder, key, &e.Module); err != nil {
				return nil, errors.Wrapf(err, "write jit unwind data for %s", e.Module.Path)
			}
			out[pid] = append(out[pid], mappedUnwind(key, &e.Process))
		}
	}

	for pid := range out {
		sort.Slice(out[pid], func(i, j int) bool { return out[pid][i].UnwindDataKey < out[pid][j].UnwindDataKey })
	}
	return out, nil
}

func mappedUnwind(key string, p *types.ProcessUnwindData) types.MappedProcessUnwindData {
	return types.MappedProcessUnwindData{
		UnwindDataKey: key,
		Timestamp:     p.Timestamp,
		AVMAStart:     p.AVMARange.Start,
		AVMAEnd:       p.AVMARange.End,
		BaseAVMA:      p.BaseAVMA,
	}
}

func writeUnwindFile(folder, key string, u *types.UnwindData) error {
	b, err := unwind.EncodeV3(u)
	if err != nil {
		return err
	}
	path := filepath.Join(folder, fmt.Sprintf("%s.%s", key, unwindFileExt))
	return os.WriteFile(path, b, 0o644)
}

// PathKeyToPath returns every key assigned so far mapped back to its
// original path (spec §4.8). Call it last, after SaveSymbols,
// SaveUnwindData, and SaveDebugInfo have all run, so it includes JIT keys
// assigned during the unwind pass.
func (w *Writer) PathKeyToPath() map[string]string {
	out := make(map[string]string, len(w.keys.order))
	for _, path := range w.keys.order {
		out[w.keys.byPath[path]] = path
	}
	return out
}

// SaveDebugInfo builds the manifest-embedded ModuleDebugInfo dedup table
// (SPEC_FULL.md §12), keyed the same way as symbols/unwind data, and the
// per-pid MappedModule references into it. Unlike symbols/unwind data,
// debug info has no separate on-disk file: it is small enough to embed
// directly in the manifest.
func (w *Writer) SaveDebugInfo(mods []*types.LoadedModule) (map[string]types.ModuleDebugInfo, map[int][]types.MappedModule) {
	debugByKey := make(map[string]types.ModuleDebugInfo)
	mappingsByPID := make(map[int][]types.MappedModule)

	for _, m := range mods {
		if m.DebugInfo == nil || m.Symbols == nil {
			continue
		}
		key := w.keys.keyFor(m.Path)
		debugByKey[key] = *m.DebugInfo
		for pid, pm := range m.ByPID {
			if pm.SymbolsLoadBias == nil {
				continue
			}
			mappingsByPID[pid] = append(mappingsByPID[pid], types.MappedModule{PathKey: key, LoadBias: pm.SymbolsLoadBias})
		}
	}
	for pid := range mappingsByPID {
		sortMappedModules(mappingsByPID[pid])
	}
	return debugByKey, mappingsByPID
}

// CollectIgnoredModules gathers the per-pid (path, avma_start, avma_end)
// triples of modules whose basename is on the configured ignore-list or
// starts with "python" (spec §4.7's ignored-modules supplement, §4.8's
// ignored_modules_by_pid wire shape).
func CollectIgnoredModules(mods []*types.LoadedModule, ignoredBasenames []string) map[int][]types.IgnoredModule {
	ignored := make(map[string]bool, len(ignoredBasenames))
	for _, b := range ignoredBasenames {
		ignored[b] = true
	}

	out := make(map[int][]types.IgnoredModule)
	for _, m := range mods {
		base := filepath.Base(m.Path)
		isPython := len(base) >= len("python") && base[:len("python")] == "python"
		if !ignored[base] && !isPython {
			continue
		}
		for pid, pm := range m.ByPID {
			out[pid] = append(out[pid], types.IgnoredModule{
				Path:      m.Path,
				AVMAStart: pm.AVMARange.Start,
				AVMAEnd:   pm.AVMARange.End,
			})
		}
	}
	for pid := range out {
		sort.Slice(out[pid], func(i, j int) bool { return out[pid][i].Path < out[pid][j].Path })
	}
	return out
}

// WriteManifest marshals manifest to <profileFolder>/perf.metadata via sonic
// and writes it atomically (temp file + rename), so a reader never observes
// a partially written manifest.
func WriteManifest(profileFolder string, manifest *types.Manifest) error {
	data, err := sonic.Marshal(manifest)
	if err != nil {
		return errors.Wrap(types.ErrManifestWriteFailure, err.Error())
	}

	final := filepath.Join(profileFolder, manifestName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(types.ErrManifestWriteFailure, err.Error())
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.Wrap(types.ErrManifestWriteFailure, err.Error())
	}
	return nil
}
