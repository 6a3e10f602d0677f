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

// Package metrics exposes a run's internal counters/histograms via
// prometheus/client_golang. wallcap is a one-shot CLI run rather than a
// continuously-scraped daemon, so it skips scrape-loop/registry-of-collectors
// machinery and registers a handful of plain metrics directly on a private
// registry instead (see DESIGN.md for the simplification).
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "wallcap"

// Registry is the private registry every metric below is registered
// against; cmd/wallcap can expose it via promhttp if a run ever needs to
// be scraped rather than just summarized on exit.
var Registry = prometheus.NewRegistry()

var (
	// SamplesParsed counts PERF_RECORD_FORK records decoded by
	// internal/perfstream and PERF_RECORD_MMAP2 records that passed its
	// PROT_EXEC, path and pid filters, labeled by record kind.
	SamplesParsed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "perfstream",
		Name:      "samples_parsed_total",
		Help:      "perf record-stream entries decoded, by record type.",
	}, []string{"record_type"})

	// ModulesDeduplicated counts distinct paths the module index (C4) has
	// extracted symbols/unwind data for exactly once.
	ModulesDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "moduleindex",
		Name:      "modules_deduplicated_total",
		Help:      "distinct module paths extracted exactly once across the run.",
	})

	// ArtifactWriteLatency times the artifact.Writer symbols and unwind
	// data stages; debug info and the manifest write are not timed.
	ArtifactWriteLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "artifact",
		Name:      "write_latency_seconds",
		Help:      "wall-clock time spent writing each artifact stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})
)

func init() {
	Registry.MustRegister(SamplesParsed, ModulesDeduplicated, ArtifactWriteLatency)
}
