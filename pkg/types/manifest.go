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

import "encoding/json"

// ManifestVersion is bumped whenever a field is added or a meaning changes
// in a way a reader must know about. Readers accept the current version and
// every deprecated field listed in SPEC_FULL.md §12.
const ManifestVersion = 1

// MappedModule is the manifest's per-pid reference to a deduplicated
// LoadedModule on disk, by key, alongside the load bias observed for that
// pid (spec §4.8).
type MappedModule struct {
	PathKey  string  `json:"path_key"`
	LoadBias *uint64 `json:"load_bias,omitempty"`
}

// PerfMapHarvest records the perf-map (JIT symbol) files folded into a
// process's symbol set, so a reader can tell a harvested perf-map apart
// from a statically extracted ELF module.
type PerfMapHarvest struct {
	Path  string `json:"path"`
	Count int    `json:"symbol_count"`
}

// IgnoredModule is one (path, avma_start, avma_end) triple for a module a
// reader should skip when symbolizing this pid (spec §4.7/§4.8). It is
// serialized as a bare [path, start, end] array rather than an object, the
// wire shape spec.md's ignored_modules_by_pid documents.
type IgnoredModule struct {
	Path      string
	AVMAStart uint64
	AVMAEnd   uint64
}

func (m IgnoredModule) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{m.Path, m.AVMAStart, m.AVMAEnd})
}

// Manifest is the top-level artifact index written alongside the
// deduplicated symbol/unwind/debug-info files (spec §4.8). Field names use
// snake_case JSON tags so the bundle stays readable by downstream
// offline tooling that expects that shape.
type Manifest struct {
	Version int `json:"version"`

	ProfileFolder string `json:"profile_folder"`

	// Integration is the (name, version) identity registered over the
	// runner fifo, or nil if RegisterIntegration was never received
	// (spec §4.6/§6's MissingIntegration gate keys off this, not off
	// whether GetIntegrationMode was merely queried).
	Integration *IntegrationIdentity `json:"integration,omitempty"`

	ExecutionTimestamps ExecutionTimestamps `json:"execution_timestamps"`

	ModulesByPID map[int][]MappedModule `json:"modules_by_pid"`

	UnwindByPID map[int][]MappedProcessUnwindData `json:"unwind_by_pid,omitempty"`

	// DebugInfoByKey is the dedup table of ModuleDebugInfo keyed by the
	// same path key symbols/unwind data use (spec §4.8, SPEC_FULL.md §12).
	DebugInfoByKey map[string]ModuleDebugInfo `json:"debug_info,omitempty"`

	// MappedProcessDebugInfoByPID references DebugInfoByKey per pid the
	// same way ModulesByPID references the symbol dedup table.
	MappedProcessDebugInfoByPID map[int][]MappedModule `json:"mapped_process_debug_info_by_pid,omitempty"`

	DebugInfoByPIDDeprecated map[int][]MappedModule `json:"debug_info_by_pid,omitempty"`

	PerfMapsByPID map[int][]PerfMapHarvest `json:"perf_maps_by_pid,omitempty"`

	// IgnoredModulesByPID carries the per-pid (path, avma_start, avma_end)
	// triples spec §4.7/§4.8 require, superseding IgnoredModulesDeprecated.
	IgnoredModulesByPID map[int][]IgnoredModule `json:"ignored_modules_by_pid,omitempty"`

	IgnoredModulesDeprecated []string `json:"ignored_modules,omitempty"`

	MarkersDeprecated []ExecutionMarker `json:"markers,omitempty"`

	URIByTSDeprecated []string `json:"uri_by_ts,omitempty"`

	// PathKeyToPath maps every key referenced anywhere else in the
	// manifest back to the original path it was assigned to (spec §4.8;
	// §8 TESTABLE PROPERTIES requires exactly one entry here per key used
	// in any manifest list).
	PathKeyToPath map[string]string `json:"path_key_to_path"`

	SystemInfo *SystemInfo `json:"system_info,omitempty"`
}

// SystemInfo is gathered once per run via internal/sysinfo (SPEC_FULL.md
// §10/§11, gopsutil-backed) and embedded in the manifest for offline
// reproducibility checks.
type SystemInfo struct {
	KernelVersion string `json:"kernel_version"`
	Arch          string `json:"arch"`
	CPUCount      int    `json:"cpu_count"`
}

// NewManifest returns a Manifest with its maps initialized and the current
// version stamped, ready to be populated by internal/artifact.
func NewManifest(profileFolder string) *Manifest {
	return &Manifest{
		Version:       ManifestVersion,
		ProfileFolder: profileFolder,
		ModulesByPID:  make(map[int][]MappedModule),
		UnwindByPID:   make(map[int][]MappedProcessUnwindData),
		PerfMapsByPID: make(map[int][]PerfMapHarvest),
		PathKeyToPath: make(map[string]string),
	}
}
