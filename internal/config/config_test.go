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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultPassesValidation(t *testing.T) {
	require.NoError(t, validate.Struct(Default()))
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallcap.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
unwinding_mode = "dwarf"
profile_folder_root = "/var/tmp/wallcap"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, UnwindingDWARF, cfg.UnwindingMode)
	require.Equal(t, "/var/tmp/wallcap", cfg.ProfileFolderRoot)
	require.Equal(t, Default().ProfilerSearchPaths, cfg.ProfilerSearchPaths)
	require.Equal(t, 997, cfg.SamplingFrequencyHz)
}

func TestLoadRejectsBadUnwindingMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallcap.toml")
	require.NoError(t, os.WriteFile(path, []byte(`unwinding_mode = "bogus"`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
