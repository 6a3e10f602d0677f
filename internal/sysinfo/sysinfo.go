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

// Package sysinfo relaxes the two kernel knobs the capture driver needs
// (kernel.kptr_restrict, kernel.perf_event_paranoid) and gathers the
// system-info record embedded in the manifest: read both knobs first,
// only write the ones that are non-permissive, and log idempotently when
// nothing needed changing (SPEC_FULL.md §12).
package sysinfo

import (
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"

	"wallcap/internal/log"
	"wallcap/pkg/types"
)

const (
	knobKptrRestrict     = "kernel.kptr_restrict"
	knobPerfEventParanoid = "kernel.perf_event_paranoid"
)

// sysctlRead shells out to sysctl(8) rather than reimplementing /proc/sys
// parsing.
var sysctlRead = func(name string) (int64, error) {
	out, err := exec.Command("sysctl", name).Output()
	if err != nil {
		return 0, errors.Wrapf(err, "sysctl %s", name)
	}
	fields := strings.Split(strings.TrimSpace(string(out)), "=")
	raw := strings.TrimSpace(fields[len(fields)-1])
	return strconv.ParseInt(raw, 10, 64)
}

var sysctlWrite = func(assignment string) error {
	args := []string{"sysctl", "-w", assignment}
	if os.Geteuid() != 0 {
		args = append([]string{"sudo"}, args...)
	}
	return exec.Command(args[0], args[1:]...).Run()
}

// RelaxKernelKnobs allows kernel symbol address leaks (kptr_restrict=0) and
// non-root profiling (perf_event_paranoid=-1), the two knobs perf needs to
// produce a usable sample stream without running as root. It returns
// types.ErrEnvironmentNotReady if either knob can't be read or written.
func RelaxKernelKnobs() error {
	kptr, err := sysctlRead(knobKptrRestrict)
	if err != nil {
		return errors.Wrap(types.ErrEnvironmentNotReady, errors.Wrapf(err, "read %s", knobKptrRestrict).Error())
	}
	paranoid, err := sysctlRead(knobPerfEventParanoid)
	if err != nil {
		return errors.Wrap(types.ErrEnvironmentNotReady, errors.Wrapf(err, "read %s", knobPerfEventParanoid).Error())
	}
	if err := relaxIfNeeded(knobKptrRestrict, kptr, 0, "kernel.kptr_restrict=0"); err != nil {
		return errors.Wrap(types.ErrEnvironmentNotReady, err.Error())
	}
	if err := relaxIfNeeded(knobPerfEventParanoid, paranoid, -1, "kernel.perf_event_paranoid=-1"); err != nil {
		return errors.Wrap(types.ErrEnvironmentNotReady, err.Error())
	}
	return nil
}

func relaxIfNeeded(knob string, cur, want int64, assignment string) error {
	if cur == want {
		log.Debugf("sysinfo: %s already %d, nothing to do", knob, want)
		return nil
	}
	if err := sysctlWrite(assignment); err != nil {
		return errors.Wrapf(err, "write %s", assignment)
	}
	log.Debugf("sysinfo: relaxed %s to %d", knob, want)
	return nil
}

// Gather collects the manifest's embedded SystemInfo record
// (SPEC_FULL.md §11), via gopsutil/host and gopsutil/cpu.
func Gather() (*types.SystemInfo, error) {
	info, err := host.Info()
	if err != nil {
		return nil, errors.Wrap(err, "gather host info")
	}
	counts, err := cpu.Counts(true)
	if err != nil {
		return nil, errors.Wrap(err, "gather cpu count")
	}
	return &types.SystemInfo{
		KernelVersion: info.KernelVersion,
		Arch:          info.KernelArch,
		CPUCount:      counts,
	}, nil
}
