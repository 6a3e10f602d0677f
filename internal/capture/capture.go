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

// Package capture implements component C6: building and launching the
// profiler wrapper, wiring the two FIFO pairs from internal/fifo around it,
// piping its raw output to disk, and waiting for completion.
package capture

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"wallcap/internal/config"
	"wallcap/internal/fifo"
	"wallcap/internal/log"
	"wallcap/internal/perfstream"
	"wallcap/internal/sysinfo"
	"wallcap/pkg/types"
)

const samplingFreqMonotonic = "CLOCK_MONOTONIC"

// CallGraphMode auto-selects perf's --call-graph value per spec §4.6:
// an explicit config override wins outright; otherwise CPython-flavored
// invocations (pytest/uv/python in the command line, but not a cargo
// invocation) get the larger 16KiB DWARF stack, everything else the
// default 8KiB one.
func CallGraphMode(cmdline []string, override config.UnwindingMode) string {
	if override == config.UnwindingFP {
		return "fp"
	}
	if override == config.UnwindingDWARF {
		return "dwarf,8192"
	}

	joined := strings.Join(cmdline, " ")
	if strings.Contains(joined, "cargo") {
		return "dwarf,8192"
	}
	for _, marker := range []string{"pytest", "uv", "python"} {
		if strings.Contains(joined, marker) {
			return "dwarf,16384"
		}
	}
	return "dwarf,8192"
}

// capabilities records which optional perf flags the resolved binary
// supports, feature-detected once per run by parsing --help (spec §4.6,
// SPEC_FULL.md §12).
type capabilities struct {
	compression bool
	extraEvents bool
}

func probeCapabilities(perfPath string) capabilities {
	out, err := exec.Command(perfPath, "record", "--help").CombinedOutput()
	if err != nil {
		log.Warnf("capture: probing %s --help failed: %v", perfPath, err)
		return capabilities{}
	}
	text := string(out)
	return capabilities{
		compression: strings.Contains(text, "--compression-level"),
		extraEvents: strings.Contains(text, "-e, --event"),
	}
}

// resolveProfiler returns the first existing path among searchPaths.
func resolveProfiler(searchPaths []string) (string, error) {
	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.Wrapf(types.ErrProfilerLaunchFailure, "no profiler binary found in %v", searchPaths)
}

// buildPerfArgs constructs the `perf record` argument list per spec §4.6:
// quiet unless debug logging is enabled, monotonic timestamps, 997Hz,
// user callchains only, the auto-selected call-graph mode, the control
// fifo pair, and optional capability-gated flags.
func buildPerfArgs(cfg config.Config, mode string, caps capabilities, ctl, ack string, quiet bool) []string {
	args := []string{"record"}
	if quiet {
		args = append(args, "--quiet")
	}
	args = append(args,
		"--timestamp",
		"-k", samplingFreqMonotonic,
		fmt.Sprintf("--freq=%d", cfg.SamplingFrequencyHz),
		"--delay=-1",
		"-g", "--user-callchains",
		"--call-graph="+mode,
		fmt.Sprintf("--control=fifo:%s,%s", ctl, ack),
		"-o", "-",
	)
	if caps.compression {
		args = append(args, "--compression-level=1")
	}
	if caps.extraEvents {
		args = append(args, "-e", "cycles:u")
	}
	return args
}

// wrapWithSudo prepends sudo to a command line when the current process
// isn't already root.
func wrapWithSudo(args []string) []string {
	if os.Geteuid() == 0 {
		return args
	}
	return append([]string{"sudo"}, args...)
}

// shellPipeline builds the `bash -c 'set -o pipefail && <perf> ... | cat >
// perf.pipedata'` wrapper (spec §4.6): pipefail so a profiler crash
// surfaces as a non-zero exit even though its output is piped through cat.
func shellPipeline(perfCmd []string, pipedataPath string) *exec.Cmd {
	quoted := make([]string, len(perfCmd))
	for i, a := range perfCmd {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	script := fmt.Sprintf("set -o pipefail && %s | cat > %s", strings.Join(quoted, " "), pipedataPath)
	return exec.Command("bash", "-c", script)
}

// Result is what one capture run produces: the profile folder holding
// every artifact and the benchmark lifecycle data gathered over the
// runner fifo.
type Result struct {
	ProfileFolder string
	Benchmark     types.FifoBenchmarkData
	ExecPids      []int
}

// Run drives one capture: relax kernel knobs, create the per-run temp
// directory and FIFO pair, launch the wrapped profiler around benchmarkCmd,
// service the runner FIFO until the child exits, and return the populated
// profile folder path plus gathered benchmark data. Artifact writing
// (C7/C8) is a separate stage the caller invokes afterward over
// ProfileFolder once the module index has been built from perf.pipedata.
func Run(cfg config.Config, benchmarkCmd []string) (*Result, error) {
	if err := sysinfo.RelaxKernelKnobs(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	profileFolder := filepath.Join(cfg.ProfileFolderRoot, runID)
	if err := os.MkdirAll(profileFolder, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create profile folder %s", profileFolder)
	}

	perfPath, err := resolveProfiler(cfg.ProfilerSearchPaths)
	if err != nil {
		return nil, err
	}
	caps := probeCapabilities(perfPath)
	mode := CallGraphMode(benchmarkCmd, cfg.UnwindingMode)

	perfFifo, err := fifo.NewPerfFifo(profileFolder)
	if err != nil {
		return nil, errors.Wrap(types.ErrProfilerLaunchFailure, err.Error())
	}
	defer perfFifo.Close()

	runnerFifo, err := fifo.NewRunnerFifo(profileFolder)
	if err != nil {
		return nil, errors.Wrap(types.ErrProfilerLaunchFailure, err.Error())
	}

	pipedataPath := filepath.Join(profileFolder, "perf.pipedata")
	perfArgs := append([]string{perfPath}, buildPerfArgs(cfg, mode, caps, perfFifo.CtlPath(), perfFifo.AckPath(), !log.DebugEnabled())...)
	cmd := shellPipeline(wrapWithSudo(perfArgs), pipedataPath)
	cmd.Dir, _ = os.Getwd()

	log.Debugf("capture: launching %s", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(types.ErrProfilerLaunchFailure, err.Error())
	}

	benchCmd := exec.Command(benchmarkCmd[0], benchmarkCmd[1:]...)
	benchCmd.Env = append(os.Environ(), "WALLCAP_RUNNER_FIFO="+runnerFifo.Path())
	benchCmd.Stdout = os.Stdout
	benchCmd.Stderr = os.Stderr
	if err := benchCmd.Start(); err != nil {
		cmd.Process.Kill()
		return nil, errors.Wrap(types.ErrProfilerLaunchFailure, err.Error())
	}

	if err := perfFifo.Start(); err != nil {
		log.Warnf("capture: failed to enable perf sampling: %v", err)
	}

	var (
		data    *types.FifoBenchmarkData
		dispErr error
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		data, dispErr = fifo.Dispatch(runnerFifo.Path(), benchCmd.Process.Pid, func(c types.RunnerCommand) (string, error) {
			switch c {
			case types.CmdStartBenchmark:
				return "", perfFifo.Start()
			case types.CmdStopBenchmark:
				return "", perfFifo.Stop()
			case types.CmdPingPerf:
				return "", perfFifo.Ping()
			}
			return "", nil
		})
	}()

	benchErr := benchCmd.Wait()
	wg.Wait()
	perfFifo.Stop()

	if err := cmd.Wait(); err != nil {
		log.Warnf("capture: profiler wrapper exited with error: %v", err)
	}
	if benchErr != nil {
		log.Warnf("capture: benchmark process exited with error: %v", benchErr)
	}
	if dispErr != nil {
		return nil, errors.Wrap(types.ErrProfilerLaunchFailure, dispErr.Error())
	}
	if data == nil {
		data = &types.FifoBenchmarkData{}
	}
	data.ExecHarness = cfg.ExecHarness

	return &Result{
		ProfileFolder: profileFolder,
		Benchmark:     *data,
		ExecPids:      execPids(*data, benchCmd.Process.Pid),
	}, nil
}

// execPids returns the pids a non-exec-harness run should track: every pid
// the benchmark registered over the runner fifo (spec §4.5's
// current-benchmark PID registration), falling back to the wrapper's own
// pid when the benchmark never registered one.
func execPids(data types.FifoBenchmarkData, wrapperPid int) []int {
	if len(data.TrackedPids) > 0 {
		return data.TrackedPids
	}
	return []int{wrapperPid}
}

// BuildPidFilter selects All or TrackedPids per spec §4.3/§4.6: with
// exec-harness wrapping disabled the benchmark's own pid is the only one
// worth tracking (plus its forked children); with it enabled (the harness
// may itself fork unrelated tooling) every pid is included.
func BuildPidFilter(cfg config.Config, execPids []int) perfstream.PidFilter {
	if cfg.ExecHarness {
		return perfstream.AllPids()
	}
	return perfstream.TrackedPids(execPids)
}

// OpenPipedata opens profileFolder/perf.pipedata for the C3 parse stage.
func OpenPipedata(profileFolder string) (*os.File, error) {
	return os.Open(filepath.Join(profileFolder, "perf.pipedata"))
}
