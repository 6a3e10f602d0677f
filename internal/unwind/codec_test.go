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

package unwind

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wallcap/pkg/types"
)

func sampleV3() *types.UnwindData {
	return &types.UnwindData{
		Path:           "/lib/test.so",
		BaseSVMA:       0x0,
		EhFrameHdr:     []byte{1, 2, 3, 4},
		EhFrameHdrSVMA: types.AddrRange{Start: 0x100, End: 0x200},
		EhFrame:        []byte{5, 6, 7, 8},
		EhFrameSVMA:    types.AddrRange{Start: 0x200, End: 0x300},
	}
}

func sampleV2() *V2Data {
	ts := uint64(12345)
	return &V2Data{
		Path:           "/lib/test.so",
		Timestamp:      &ts,
		AVMARange:      types.AddrRange{Start: 0x1000, End: 0x2000},
		BaseAVMA:       0x1000,
		BaseSVMA:       0x0,
		EhFrameHdr:     []byte{1, 2, 3, 4},
		EhFrameHdrSVMA: types.AddrRange{Start: 0x100, End: 0x200},
		EhFrame:        []byte{5, 6, 7, 8},
		EhFrameSVMA:    types.AddrRange{Start: 0x200, End: 0x300},
	}
}

func TestV3RoundTrip(t *testing.T) {
	want := sampleV3()
	b, err := EncodeV3(want)
	require.NoError(t, err)

	got, err := DecodeV3(b)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestV2RoundTrip(t *testing.T) {
	want := sampleV2()
	b, err := EncodeV2(want)
	require.NoError(t, err)

	got, err := DecodeV2(b)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestParseV2AsV3ShouldError(t *testing.T) {
	b, err := EncodeV2(sampleV2())
	require.NoError(t, err)

	_, err = DecodeV3(b)
	require.ErrorContains(t, err, "Cannot parse V2 unwind data as V3")
}

func TestParseV3AsV2ShouldError(t *testing.T) {
	b, err := EncodeV3(sampleV3())
	require.NoError(t, err)

	_, err = DecodeV2(b)
	require.ErrorContains(t, err, "Cannot parse V3 unwind data as V2")
}

func TestParseV1AsV3ShouldError(t *testing.T) {
	b, err := encodeV1(v1DTO{Path: "/lib/test.so"})
	require.NoError(t, err)

	_, err = DecodeV3(b)
	require.ErrorContains(t, err, "Cannot parse V1 unwind data as V3")
}

func TestV1AutoUpgradesToV2(t *testing.T) {
	v1 := v1DTO{
		Path:           "/lib/test.so",
		AVMARange:      rangeDTO{Start: 0x1000, End: 0x2000},
		BaseAVMA:       0x1000,
		BaseSVMA:       0x0,
		EhFrameHdr:     []byte{1, 2, 3, 4},
		EhFrameHdrSVMA: rangeDTO{Start: 0x100, End: 0x200},
		EhFrame:        []byte{5, 6, 7, 8},
		EhFrameSVMA:    rangeDTO{Start: 0x200, End: 0x300},
	}
	b, err := encodeV1(v1)
	require.NoError(t, err)

	got, err := DecodeV2(b)
	require.NoError(t, err)
	require.Nil(t, got.Timestamp)
	require.Equal(t, "/lib/test.so", got.Path)
	require.Equal(t, types.AddrRange{Start: 0x1000, End: 0x2000}, got.AVMARange)
}
