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

package capture

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"wallcap/internal/config"
	"wallcap/pkg/types"
)

func TestCallGraphModeExplicitOverrideWins(t *testing.T) {
	require.Equal(t, "fp", CallGraphMode([]string{"pytest", "suite"}, config.UnwindingFP))
	require.Equal(t, "dwarf,8192", CallGraphMode([]string{"pytest", "suite"}, config.UnwindingDWARF))
}

func TestCallGraphModeAutoSelectsPythonStackSize(t *testing.T) {
	require.Equal(t, "dwarf,16384", CallGraphMode([]string{"python3", "-m", "pytest"}, config.UnwindingAuto))
	require.Equal(t, "dwarf,16384", CallGraphMode([]string{"uv", "run", "bench.py"}, config.UnwindingAuto))
}

func TestCallGraphModeAutoDefaultsToSmallerStack(t *testing.T) {
	require.Equal(t, "dwarf,8192", CallGraphMode([]string{"cargo", "bench"}, config.UnwindingAuto))
	require.Equal(t, "dwarf,8192", CallGraphMode([]string{"./my-benchmark"}, config.UnwindingAuto))
}

func TestBuildPerfArgsIncludesControlFifoAndFrequency(t *testing.T) {
	cfg := config.Default()
	args := buildPerfArgs(cfg, "dwarf,8192", capabilities{}, "/tmp/ctl", "/tmp/ack", true)
	require.Contains(t, args, "--quiet")
	require.Contains(t, args, "--freq=997")
	require.Contains(t, args, "--control=fifo:/tmp/ctl,/tmp/ack")
	require.Contains(t, args, "--call-graph=dwarf,8192")
}

func TestBuildPerfArgsGatesCapabilityFlags(t *testing.T) {
	cfg := config.Default()
	args := buildPerfArgs(cfg, "fp", capabilities{compression: true, extraEvents: true}, "c", "a", false)
	require.NotContains(t, args, "--quiet")
	require.Contains(t, args, "--compression-level=1")
	require.Contains(t, args, "-e")
}

func TestWrapWithSudoSkippedWhenAlreadyRoot(t *testing.T) {
	args := []string{"perf", "record"}
	wrapped := wrapWithSudo(args)
	if os.Geteuid() == 0 {
		require.Equal(t, args, wrapped)
	} else {
		require.Equal(t, append([]string{"sudo"}, args...), wrapped)
	}
}

func TestShellPipelineQuotesArgsAndUsesPipefail(t *testing.T) {
	cmd := shellPipeline([]string{"perf", "record", "it's-a-test"}, "/tmp/out/perf.pipedata")
	require.Equal(t, "bash", cmd.Path[len(cmd.Path)-4:])
	require.Contains(t, cmd.Args[2], "set -o pipefail")
	require.Contains(t, cmd.Args[2], "perf.pipedata")
	require.Contains(t, cmd.Args[2], `it'\''s-a-test`)
}

func TestBuildPidFilterSelectsAllForExecHarness(t *testing.T) {
	cfg := config.Default()
	cfg.ExecHarness = true
	filter := BuildPidFilter(cfg, []int{42})
	require.True(t, filter.ShouldInclude(999))

	cfg.ExecHarness = false
	filter = BuildPidFilter(cfg, []int{42})
	require.True(t, filter.ShouldInclude(42))
	require.False(t, filter.ShouldInclude(999))
}

func TestExecPidsPrefersFifoRegisteredPids(t *testing.T) {
	data := types.FifoBenchmarkData{TrackedPids: []int{101, 202}}
	require.Equal(t, []int{101, 202}, execPids(data, 42))
}

func TestExecPidsFallsBackToWrapperPidWhenNoneRegistered(t *testing.T) {
	require.Equal(t, []int{42}, execPids(types.FifoBenchmarkData{}, 42))
}
