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

package fifo

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"wallcap/internal/log"
	"wallcap/pkg/types"
)

// RunnerFifo is the named pipe the benchmark harness writes lifecycle
// commands to (spec §4.6). Its dispatch loop must never block forever on a
// dead benchmark process, so it polls both the fifo and the child's
// liveness (via procfs) rather than doing a single blocking read.
type RunnerFifo struct {
	path string
}

// NewRunnerFifo creates the runner fifo under dir.
func NewRunnerFifo(dir string) (*RunnerFifo, error) {
	path := filepath.Join(dir, fmt.Sprintf("runner-%s.fifo", uuid.NewString()))
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return nil, errors.Wrapf(err, "mkfifo %s", path)
	}
	return &RunnerFifo{path: path}, nil
}

// Path is passed to the exec-harness / benchmark shim so it knows where to
// write commands.
func (r *RunnerFifo) Path() string { return r.path }

// OnCommand is invoked once per dispatched command; it may talk to
// PerfFifo (enabling/disabling/pinging the profiler) and returns a response
// line, or "" for commands with no reply. Dispatch only logs a non-empty
// reply at debug level: the runner fifo is opened read-only and no reply
// is written back to the benchmark. Unknown commands are passed through as
// CmdUnknown, not rejected.
type OnCommand func(cmd types.RunnerCommand) (reply string, err error)

// Dispatch opens the fifo non-blocking and services commands until the
// child process (pid) exits, polling /proc/<pid>
// via procfs alongside each fifo read attempt so a benchmark that never
// opens the write end, or one that dies mid-run, doesn't wedge the loop
// forever. Returns the accumulated FifoBenchmarkData.
func Dispatch(path string, pid int, on OnCommand) (*types.FifoBenchmarkData, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open runner fifo %s", path)
	}
	defer f.Close()

	data := &types.FifoBenchmarkData{}
	r := bufio.NewReader(f)

	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "open procfs for pid %d", pid)
	}

	const pollInterval = 20 * time.Millisecond
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if !childAlive(proc) {
				return data, nil
			}
			time.Sleep(pollInterval)
			continue
		}

		cmdText := strings.TrimSpace(line)
		word, payload, _ := strings.Cut(cmdText, " ")
		cmd := types.ParseRunnerCommand(word)
		recordMarker(data, cmd, payload)

		reply, err := on(cmd)
		if err != nil {
			log.Warnf("fifo: command %q handler error: %v", cmdText, err)
			continue
		}
		if reply == "" {
			continue
		}
		log.Debugf("fifo: command %q -> %q", cmdText, reply)
	}
}

func childAlive(proc procfs.Proc) bool {
	stat, err := proc.Stat()
	if err != nil {
		return false
	}
	return stat.State != "Z" && stat.State != "X"
}

// recordMarker folds one dispatched command into data. GetIntegrationMode
// is a pure read (spec §4.5: "returns a fixed value (Perf) for this core")
// and must never by itself mark an integration as registered; only an
// actual RegisterIntegration command does that.
func recordMarker(data *types.FifoBenchmarkData, cmd types.RunnerCommand, payload string) {
	ts := uint64(time.Now().UnixNano())
	var mono unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err == nil {
		ts = uint64(mono.Nano())
	}
	switch cmd {
	case types.CmdStartBenchmark:
		data.Markers = append(data.Markers, types.ExecutionMarker{Kind: types.MarkerBenchmarkStart, Timestamp: ts})
	case types.CmdStopBenchmark:
		data.Markers = append(data.Markers, types.ExecutionMarker{Kind: types.MarkerBenchmarkStop, Timestamp: ts})
	case types.CmdGetIntegrationMode:
		data.IntegrationMode = types.IntegrationDetected
	case types.CmdRegisterIntegration:
		name, version, _ := strings.Cut(payload, " ")
		data.Integration = &types.IntegrationIdentity{Name: name, Version: version}
	case types.CmdRegisterPid:
		if pid, err := strconv.Atoi(strings.TrimSpace(payload)); err == nil {
			data.TrackedPids = append(data.TrackedPids, pid)
		}
	}
}
