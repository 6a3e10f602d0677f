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

// Package config loads wallcap's TOML configuration (SPEC_FULL.md §10.3):
// profiler search paths, the unwinding-mode override, the profile folder
// root, the exec-harness default, and the ignored-module basename list.
// Load starts from Default() and overlays the file before validation, so
// fields the file omits keep their defaults; Default() itself is usable
// without any file. A zero-value Config does not pass validation.
package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// UnwindingMode selects how the capture driver asks perf to collect call
// chains (spec §4.6): frame-pointer unwinding is cheap but requires
// `-fno-omit-frame-pointer` binaries, DWARF unwinding works everywhere but
// costs more per sample.
type UnwindingMode string

const (
	UnwindingAuto  UnwindingMode = "auto"
	UnwindingFP    UnwindingMode = "frame-pointer"
	UnwindingDWARF UnwindingMode = "dwarf"
)

// Config is wallcap's full runtime configuration.
type Config struct {
	// ProfilerSearchPaths are tried in order to locate the `perf` executable.
	ProfilerSearchPaths []string `toml:"profiler_search_paths" validate:"min=1,dive,required"`

	// UnwindingMode overrides the capture driver's auto-selected call-graph mode.
	UnwindingMode UnwindingMode `toml:"unwinding_mode" validate:"oneof=auto frame-pointer dwarf"`

	// ProfileFolderRoot is the parent directory each capture run's
	// per-run temp directory (internal/capture, google/uuid-named) is
	// created under.
	ProfileFolderRoot string `toml:"profile_folder_root" validate:"required"`

	// ExecHarness, when true, makes the perf-stream parse accept mappings
	// from every pid (perfstream.AllPids) instead of only the benchmark's
	// tracked pids; the benchmark command is launched the same way either
	// way (spec §4.6, "exec-harness default").
	ExecHarness bool `toml:"exec_harness"`

	// IgnoredModuleBasenames lists module basenames reported in the
	// manifest's ignored_modules_by_pid (e.g. vsyscall shims); their symbols
	// and unwind data are still extracted and written.
	IgnoredModuleBasenames []string `toml:"ignored_module_basenames"`

	// SamplingFrequencyHz is perf's -F value (spec §4.6 names 997Hz as the default).
	SamplingFrequencyHz int `toml:"sampling_frequency_hz" validate:"gt=0"`
}

// Default returns a Config usable with no file present.
func Default() Config {
	return Config{
		ProfilerSearchPaths:    []string{"/usr/bin/perf", "/usr/lib/linux-tools/perf"},
		UnwindingMode:          UnwindingAuto,
		ProfileFolderRoot:      "/tmp/wallcap",
		ExecHarness:            true,
		IgnoredModuleBasenames: []string{"vsyscall", "ld-linux-x86-64.so.2"},
		SamplingFrequencyHz:    997,
	}
}

var validate = validator.New()

// Load reads and validates a TOML config at path, applying Default()'s
// values for anything the file leaves zero.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, errors.Wrapf(err, "validate config %s", path)
	}
	return cfg, nil
}
