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

// RunnerCommand is a frame read from the runner FIFO (spec §4.6/§6): the
// benchmark harness announces lifecycle events and queries the profiler's
// integration mode over it.
type RunnerCommand int

const (
	CmdUnknown RunnerCommand = iota
	CmdStartBenchmark
	CmdStopBenchmark
	CmdPingPerf
	CmdGetIntegrationMode
	CmdRegisterIntegration
	CmdRegisterPid
)

// ParseRunnerCommand maps a raw FIFO line's command word (the text before
// the first space, if any) to a RunnerCommand. Unknown words map to
// CmdUnknown and are ignored rather than rejected, matching the
// forward-compatible framing in spec §6.
func ParseRunnerCommand(word string) RunnerCommand {
	switch word {
	case "start_benchmark":
		return CmdStartBenchmark
	case "stop_benchmark":
		return CmdStopBenchmark
	case "ping_perf":
		return CmdPingPerf
	case "get_integration_mode":
		return CmdGetIntegrationMode
	case "register_integration":
		return CmdRegisterIntegration
	case "register_pid":
		return CmdRegisterPid
	default:
		return CmdUnknown
	}
}

// PerfCommand is a frame written to the perf-control FIFO pair (spec §4.6):
// enable/disable gate the profiler's sampling window, ping/ack form the
// liveness handshake used by PingPerf.
type PerfCommand string

const (
	PerfEnable  PerfCommand = "enable"
	PerfDisable PerfCommand = "disable"
	PerfPing    PerfCommand = "ping"
)

const PerfAck = "ack\n"

// IntegrationMode reports whether the benchmark process is driving the
// runner FIFO itself (spec §1/§6).
type IntegrationMode int

const (
	IntegrationUnknown IntegrationMode = iota
	IntegrationDetected
	IntegrationMissing
)

// MarkerKind labels an entry in ExecutionTimestamps (spec §3/§4.8).
type MarkerKind string

const (
	MarkerBenchmarkStart MarkerKind = "benchmark_start"
	MarkerBenchmarkStop  MarkerKind = "benchmark_stop"
	MarkerURIAnnounce    MarkerKind = "uri_announce"
)

// ExecutionMarker is one timestamped lifecycle event observed over the FIFO
// protocol, keyed by a monotonic clock reading at the moment it was
// received.
type ExecutionMarker struct {
	Kind      MarkerKind `json:"kind"`
	Timestamp uint64     `json:"timestamp"`
	URI       string     `json:"uri,omitempty"`
}

// IntegrationIdentity is the (name, version) pair a benchmark harness
// announces via RegisterIntegration (spec §3/§4.6/GLOSSARY "Integration").
// It is present only once a RegisterIntegration command has actually been
// received; GetIntegrationMode is a pure read and never sets it.
type IntegrationIdentity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// FifoBenchmarkData is the single-assignment cell the FIFO dispatcher
// populates as the benchmark runs (spec §4.6): the ordered markers observed,
// the fixed integration mode answered to GetIntegrationMode queries, the
// integration identity (if any) registered via RegisterIntegration, and the
// set of benchmark PIDs announced over the fifo (spec §4.5, GLOSSARY "Exec
// harness") — which can outgrow the single wrapper PID when the benchmark
// re-execs.
type FifoBenchmarkData struct {
	Markers         []ExecutionMarker
	IntegrationMode IntegrationMode
	Integration     *IntegrationIdentity
	TrackedPids     []int
	ExecHarness     bool
}

// ExecutionTimestamps is the flattened, manifest-facing view of
// FifoBenchmarkData.Markers (spec §4.8): the first benchmark_start and the
// last benchmark_stop observed, plus every URI announced, in observed order.
type ExecutionTimestamps struct {
	BenchmarkStart *uint64  `json:"benchmark_start,omitempty"`
	BenchmarkStop  *uint64  `json:"benchmark_stop,omitempty"`
	URIsByTS       []string `json:"uri_by_ts,omitempty"`
}

// NewExecutionTimestamps flattens an ordered marker list into the
// manifest-facing shape: the first benchmark_start, the last
// benchmark_stop, and every announced URI in observed order.
func NewExecutionTimestamps(markers []ExecutionMarker) ExecutionTimestamps {
	var out ExecutionTimestamps
	for _, m := range markers {
		ts := m.Timestamp
		switch m.Kind {
		case MarkerBenchmarkStart:
			if out.BenchmarkStart == nil {
				out.BenchmarkStart = &ts
			}
		case MarkerBenchmarkStop:
			out.BenchmarkStop = &ts
		case MarkerURIAnnounce:
			out.URIsByTS = append(out.URIsByTS, m.URI)
		}
	}
	return out
}
