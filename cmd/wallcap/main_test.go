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

package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wallcap/internal/perfstream"
)

func TestExtractModuleMissingFileReturnsAllNil(t *testing.T) {
	syms, unwind, dbg := extractModule("/nonexistent/path/libfoo.so")
	require.Nil(t, syms)
	require.Nil(t, unwind)
	require.Nil(t, dbg)
}

func TestComputeBiasMissingFileReturnsNil(t *testing.T) {
	bias := computeBias(perfstream.ExecMapping{Filename: "/nonexistent/path/libfoo.so", Addr: 0x1000, PgOff: 0})
	require.Nil(t, bias)
}
