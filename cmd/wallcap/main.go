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

// wallcap is the capture-pipeline CLI (SPEC_FULL.md §10.4): a single `run`
// command that loads config, drives one capture (C6), builds the module
// index from the saved perf stream (C3/C4), harvests JIT dumps (C2), and
// writes the artifact bundle (C7/C8), printing the resulting profile
// folder path. Upload, polling, Valgrind/memory modes, and shell-session
// persistence are explicitly out of scope (spec.md §1) and have no
// concrete implementation here.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"wallcap/internal/artifact"
	"wallcap/internal/capture"
	"wallcap/internal/config"
	"wallcap/internal/elfinfo"
	"wallcap/internal/jitdump"
	"wallcap/internal/log"
	"wallcap/internal/moduleindex"
	"wallcap/internal/perfstream"
	"wallcap/internal/sysinfo"
	"wallcap/pkg/types"
)

func main() {
	app := &cli.App{
		Name:  "wallcap",
		Usage: "capture a wall-time profile of a benchmark command",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a wallcap TOML config file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "launch the profiler around a benchmark command and write its artifact bundle",
				ArgsUsage: "-- <benchmark command> [args...]",
				Action:    runAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("wallcap: %v", err)
		os.Exit(1)
	}
}

func runAction(c *cli.Context) error {
	benchmarkCmd := c.Args().Slice()
	if len(benchmarkCmd) == 0 {
		return cli.Exit("wallcap run: missing benchmark command", 2)
	}

	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	profileFolder, err := runCapture(cfg, benchmarkCmd)
	if err != nil {
		return err
	}
	fmt.Println(profileFolder)
	return nil
}

// runCapture drives one full capture + artifact-writing pass, the
// top-level orchestration sitting at the end of the pipeline
// (spec.md §2: C6 -> C3/C4 -> C2 -> C7/C8).
func runCapture(cfg config.Config, benchmarkCmd []string) (string, error) {
	result, err := capture.Run(cfg, benchmarkCmd)
	if err != nil {
		return "", err
	}

	if result.Benchmark.Integration == nil {
		log.Warnf("profiler enabled but no benchmark integration registered")
		return "", types.ErrMissingIntegration
	}

	idx := moduleindex.New(extractModule)
	filter := capture.BuildPidFilter(cfg, result.ExecPids)

	pipedata, err := capture.OpenPipedata(result.ProfileFolder)
	if err != nil {
		return "", errors.Wrap(types.ErrFailedToParsePerfFile, err.Error())
	}
	defer pipedata.Close()

	seenPids := map[int]bool{}
	parseErr := perfstream.Parse(pipedata, &filter, perfstream.Handler{
		OnFork: func(ev perfstream.ForkEvent) {
			seenPids[ev.PID] = true
		},
		OnExecMapping: func(ev perfstream.ExecMapping) {
			seenPids[ev.PID] = true
			bias := computeBias(ev)
			avma := types.AddrRange{Start: ev.Addr, End: ev.EndAddr}
			idx.Observe(ev.PID, ev.Filename, bias, nil, avma)
		},
	})
	if parseErr != nil {
		return "", errors.Wrap(types.ErrFailedToParsePerfFile, parseErr.Error())
	}

	pids := make([]int, 0, len(seenPids))
	for pid := range seenPids {
		pids = append(pids, pid)
	}
	jitByPID := jitdump.HarvestForPIDs(result.ProfileFolder, pids)

	writer := artifact.NewWriter(result.ProfileFolder)
	modulesByPID, err := writer.SaveSymbols(idx.Modules())
	if err != nil {
		return "", err
	}
	unwindByPID, err := writer.SaveUnwindData(idx.Modules(), jitByPID)
	if err != nil {
		return "", err
	}
	debugByKey, debugByPID := writer.SaveDebugInfo(idx.Modules())

	manifest := types.NewManifest(result.ProfileFolder)
	manifest.ModulesByPID = modulesByPID
	manifest.UnwindByPID = unwindByPID
	manifest.DebugInfoByKey = debugByKey
	manifest.MappedProcessDebugInfoByPID = debugByPID
	manifest.ExecutionTimestamps = types.NewExecutionTimestamps(result.Benchmark.Markers)
	manifest.Integration = result.Benchmark.Integration
	manifest.IgnoredModulesByPID = artifact.CollectIgnoredModules(idx.Modules(), cfg.IgnoredModuleBasenames)
	manifest.PathKeyToPath = writer.PathKeyToPath()

	sysInfo, err := sysinfo.Gather()
	if err != nil {
		log.Warnf("wallcap: failed to gather system info: %v", err)
	} else {
		manifest.SystemInfo = sysInfo
	}

	if err := artifact.WriteManifest(result.ProfileFolder, manifest); err != nil {
		return "", err
	}
	return result.ProfileFolder, nil
}

// extractModule is the moduleindex.ExtractFunc: symbols and unwind data
// are best-effort per spec §7's per-module error propagation policy (log
// and record nil, never abort the run).
func extractModule(path string) (*types.ModuleSymbols, *types.UnwindData, *types.ModuleDebugInfo) {
	syms, err := elfinfo.ReadSymbols(path)
	if err != nil {
		log.Debugf("wallcap: symbols unavailable for %s: %v", path, err)
		syms = nil
	}
	unwind, err := elfinfo.ExtractUnwind(path)
	if err != nil {
		log.Debugf("wallcap: unwind data unavailable for %s: %v", path, err)
		unwind = nil
	}
	dbg, err := elfinfo.ReadDebugInfo(path)
	if err != nil {
		log.Debugf("wallcap: debug info unavailable for %s: %v", path, err)
		dbg = nil
	}
	return syms, unwind, dbg
}

// computeBias re-reads the mapped ELF's program headers to compute this
// mapping's load bias, per spec §4.1; it returns nil if the file can't be
// read or has no matching PT_LOAD segment.
func computeBias(ev perfstream.ExecMapping) *uint64 {
	bias, err := elfinfo.ComputeLoadBiasForPath(ev.Filename, ev.PgOff, ev.Addr)
	if err != nil {
		return nil
	}
	return &bias
}
