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

package sysinfo

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"wallcap/pkg/types"
)

func withStubbedSysctl(t *testing.T, values map[string]int64) *[]string {
	t.Helper()
	origRead, origWrite := sysctlRead, sysctlWrite
	written := []string{}
	sysctlRead = func(name string) (int64, error) {
		v, ok := values[name]
		if !ok {
			return 0, fmt.Errorf("unexpected knob %s", name)
		}
		return v, nil
	}
	sysctlWrite = func(assignment string) error {
		written = append(written, assignment)
		return nil
	}
	t.Cleanup(func() { sysctlRead, sysctlWrite = origRead, origWrite })
	return &written
}

func TestRelaxKernelKnobsNoopWhenAlreadyPermissive(t *testing.T) {
	written := withStubbedSysctl(t, map[string]int64{
		knobKptrRestrict:      0,
		knobPerfEventParanoid: -1,
	})
	require.NoError(t, RelaxKernelKnobs())
	require.Empty(t, *written)
}

func TestRelaxKernelKnobsWritesWhenRestrictive(t *testing.T) {
	written := withStubbedSysctl(t, map[string]int64{
		knobKptrRestrict:      1,
		knobPerfEventParanoid: 2,
	})
	require.NoError(t, RelaxKernelKnobs())
	require.Equal(t, []string{"kernel.kptr_restrict=0", "kernel.perf_event_paranoid=-1"}, *written)
}

func TestRelaxKernelKnobsPropagatesSentinelOnFailure(t *testing.T) {
	origRead := sysctlRead
	sysctlRead = func(name string) (int64, error) { return 0, fmt.Errorf("boom") }
	t.Cleanup(func() { sysctlRead = origRead })

	err := RelaxKernelKnobs()
	require.ErrorIs(t, err, types.ErrEnvironmentNotReady)
}
