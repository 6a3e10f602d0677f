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

// Package types holds the data model shared by every wall-time capture
// component: symbols, unwind data, the module index's element type, the FIFO
// protocol's payloads, and the manifest. Keeping them here lets elfinfo,
// jitdump, perfstream, moduleindex, fifo and artifact depend on one shape
// without importing each other.
package types

import "errors"

// Per-module ELF/JIT errors (spec §7). These never abort a run; callers log
// and leave the corresponding LoadedModule field nil.
var (
	ErrElfUnreadable    = errors.New("elf unreadable")
	ErrNoSymbolsFound   = errors.New("no symbols found")
	ErrNoUnwindInfo     = errors.New("no unwind info found")
	ErrNoMatchingSegment = errors.New("no matching PT_LOAD segment for runtime offset")
)

// Run-level errors (spec §7). These do abort the run / propagate to the exit code.
var (
	ErrEnvironmentNotReady      = errors.New("environment not ready: kernel parameters could not be relaxed")
	ErrProfilerLaunchFailure    = errors.New("profiler could not be launched")
	ErrMissingIntegration       = errors.New("profiler enabled but no benchmark integration detected")
	ErrFailedToParsePerfFile    = errors.New("failed to parse perf capture file")
	ErrFailedToHarvestJitDumps  = errors.New("failed to harvest jit dumps")
	ErrManifestWriteFailure     = errors.New("failed to write manifest")
	ErrFifoProtocolViolation    = errors.New("malformed fifo command")
)
