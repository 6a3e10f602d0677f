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

package perfstream

import (
	mapset "github.com/deckarep/golang-set"
)

// PidFilter decides which MMAP2 records get kept, and grows as FORK records
// reveal children of already-tracked pids (spec §4.3). The "all" variant
// never grows (there's nothing to add to); the tracked-pids variant tracks
// transitively.
type PidFilter struct {
	all     bool
	tracked mapset.Set // of int pid
}

// AllPids returns a filter that accepts every pid.
func AllPids() PidFilter {
	return PidFilter{all: true}
}

// TrackedPids returns a filter that accepts only the given pids, growing
// transitively as their children fork.
func TrackedPids(pids []int) PidFilter {
	s := mapset.NewSet()
	for _, p := range pids {
		s.Add(p)
	}
	return PidFilter{tracked: s}
}

// ShouldInclude reports whether pid passes the filter.
func (f PidFilter) ShouldInclude(pid int) bool {
	if f.all {
		return true
	}
	return f.tracked.Contains(pid)
}

// AddChildIfParentTracked adds child to the tracked set if parent already
// is, returning whether it was added. PidFilter::All returns false: every
// pid is already implicitly tracked, there's no set to grow.
func (f PidFilter) AddChildIfParentTracked(parentPID, childPID int) bool {
	if f.all {
		return false
	}
	if !f.tracked.Contains(parentPID) {
		return false
	}
	return f.tracked.Add(childPID)
}

// TrackedSet returns the underlying tracked pids, or nil for PidFilter::All
// (the caller is expected to fall back to whatever pids it actually saw).
func (f PidFilter) TrackedSet() []int {
	if f.all {
		return nil
	}
	out := make([]int, 0, f.tracked.Cardinality())
	for _, v := range f.tracked.ToSlice() {
		out = append(out, v.(int))
	}
	return out
}
