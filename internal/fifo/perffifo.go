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

// Package fifo implements component C5: the two named-pipe pairs the
// capture driver wires up around the profiler and the benchmark harness.
// PerfFifo speaks perf's own `--control=fifo:ctl,ack` protocol (enable,
// disable, ping -> ack); RunnerFifo is wallcap's own pipe the benchmark
// process writes lifecycle commands to (start_benchmark, stop_benchmark,
// ping_perf, get_integration_mode, register_integration, register_pid).
package fifo

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"wallcap/internal/log"
)

// PerfFifo drives perf's control-fifo protocol: writing "enable"/"disable"
// gates perf's sampling window around the benchmark's measured region, and
// "ping" is used as a liveness probe before forwarding PingPerf acks to the
// runner fifo.
type PerfFifo struct {
	ctlPath, ackPath string

	ctl     *os.File
	ackFile *os.File
	ack     *bufio.Reader

	ackWaitWarn *rate.Limiter
}

// NewPerfFifo creates the ctl/ack fifo pair under dir (typically the
// per-run temp directory from internal/capture), named uniquely so
// concurrent captures on one host never collide.
func NewPerfFifo(dir string) (*PerfFifo, error) {
	id := uuid.NewString()
	ctlPath := filepath.Join(dir, fmt.Sprintf("perf-ctl-%s.fifo", id))
	ackPath := filepath.Join(dir, fmt.Sprintf("perf-ack-%s.fifo", id))

	for _, p := range []string{ctlPath, ackPath} {
		if err := unix.Mkfifo(p, 0o600); err != nil {
			return nil, errors.Wrapf(err, "mkfifo %s", p)
		}
	}
	return &PerfFifo{
		ctlPath: ctlPath, ackPath: ackPath,
		ackWaitWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}, nil
}

// CtlPath and AckPath are passed verbatim into perf's
// --control=fifo:<ctl>,<ack> flag.
func (p *PerfFifo) CtlPath() string { return p.ctlPath }
func (p *PerfFifo) AckPath() string { return p.ackPath }

// open lazily opens both ends; perf itself opens the other end of ctl for
// reading and ack for writing once it starts, so these opens block until
// that happens on the first call.
func (p *PerfFifo) open() error {
	if p.ctl != nil {
		return nil
	}
	ctl, err := os.OpenFile(p.ctlPath, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "open ctl fifo %s", p.ctlPath)
	}
	ackFile, err := os.OpenFile(p.ackPath, os.O_RDONLY, 0)
	if err != nil {
		ctl.Close()
		return errors.Wrapf(err, "open ack fifo %s", p.ackPath)
	}
	p.ctl = ctl
	p.ackFile = ackFile
	p.ack = bufio.NewReader(ackFile)
	return nil
}

func (p *PerfFifo) write(cmd string) error {
	if err := p.open(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(p.ctl, cmd)
	return err
}

// waitAck blocks for perf's "ack\n" reply, retrying the read with bounded
// backoff so a briefly-busy profiler doesn't fail the probe outright, and
// rate-limits the "still waiting" warning so a wedged profiler doesn't
// flood the log. Each attempt sets a read deadline on the underlying fifo
// before blocking, so a profiler that holds the ack pipe open but never
// writes to it times out per attempt instead of hanging the whole probe.
func (p *PerfFifo) waitAck(maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	b := backoff.New(500*time.Millisecond, 10*time.Millisecond)

	for {
		attempt := b.Duration()
		if remaining := time.Until(deadline); remaining < attempt {
			attempt = remaining
		}
		if attempt <= 0 {
			return fmt.Errorf("fifo: timed out waiting for perf ack")
		}
		if err := p.ackFile.SetReadDeadline(time.Now().Add(attempt)); err != nil {
			return errors.Wrap(err, "fifo: set ack read deadline")
		}

		line, err := p.ack.ReadString('\n')
		if err == nil && line == "ack\n" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("fifo: timed out waiting for perf ack")
		}
		if p.ackWaitWarn.Allow() {
			log.Warnf("fifo: still waiting for perf ack on %s", p.ackPath)
		}
	}
}

// Start enables perf's sampling window (spec §4.6 StartBenchmark).
func (p *PerfFifo) Start() error { return p.write("enable") }

// Stop disables perf's sampling window (spec §4.6 StopBenchmark).
func (p *PerfFifo) Stop() error { return p.write("disable") }

// Ping probes liveness, used to answer the runner fifo's PingPerf command.
func (p *PerfFifo) Ping() error {
	if err := p.write("ping"); err != nil {
		return err
	}
	return p.waitAck(2 * time.Second)
}

// Close releases both fifo ends; the files on disk are removed by the
// caller once the run's temp directory is torn down.
func (p *PerfFifo) Close() {
	if p.ctl != nil {
		p.ctl.Close()
	}
	if p.ackFile != nil {
		p.ackFile.Close()
	}
}
