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

// Package unwind implements component C9: the on-disk codec for unwind
// data artifacts, a tagged union of versioned layouts with deliberately
// asymmetric compatibility rules:
//
//   - V1 -> V2 auto-upgrades (V2 only adds an optional timestamp).
//   - V2 <-> V3 are hard incompatible in both directions: V3 dropped the
//     per-pid fields (avma_range/base_avma/timestamp) that V2 callers need,
//     and V2 carries fields V3 readers don't expect.
//
// github.com/fxamacker/cbor/v2 provides a compact, schema-less binary codec,
// wrapped in an explicit {version, data} envelope standing in for a native
// tagged-enum wire format, since CBOR has no built-in equivalent.
package unwind

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"wallcap/pkg/types"
)

const (
	versionV1 = 1
	versionV2 = 2
	versionV3 = 3
)

type envelope struct {
	Version int             `cbor:"version"`
	Data    cbor.RawMessage `cbor:"data"`
}

// rangeDTO is the CBOR wire shape for a half-open address range.
type rangeDTO struct {
	Start uint64 `cbor:"start"`
	End   uint64 `cbor:"end"`
}

func toRangeDTO(r types.AddrRange) rangeDTO { return rangeDTO{Start: r.Start, End: r.End} }
func (r rangeDTO) toAddrRange() types.AddrRange {
	return types.AddrRange{Start: r.Start, End: r.End}
}

// v1DTO is UnwindDataV1: per-pid fields, no timestamp.
type v1DTO struct {
	Path string `cbor:"path"`

	AVMARange rangeDTO `cbor:"avma_range"`
	BaseAVMA  uint64   `cbor:"base_avma"`
	BaseSVMA  uint64   `cbor:"base_svma"`

	EhFrameHdr     []byte   `cbor:"eh_frame_hdr"`
	EhFrameHdrSVMA rangeDTO `cbor:"eh_frame_hdr_svma"`

	EhFrame     []byte   `cbor:"eh_frame"`
	EhFrameSVMA rangeDTO `cbor:"eh_frame_svma"`
}

// v2DTO is UnwindDataV2: per-pid fields plus an optional timestamp.
type v2DTO struct {
	Path string `cbor:"path"`

	Timestamp *uint64 `cbor:"timestamp"`

	AVMARange rangeDTO `cbor:"avma_range"`
	BaseAVMA  uint64   `cbor:"base_avma"`
	BaseSVMA  uint64   `cbor:"base_svma"`

	EhFrameHdr     []byte   `cbor:"eh_frame_hdr"`
	EhFrameHdrSVMA rangeDTO `cbor:"eh_frame_hdr_svma"`

	EhFrame     []byte   `cbor:"eh_frame"`
	EhFrameSVMA rangeDTO `cbor:"eh_frame_svma"`
}

// v3DTO is UnwindDataV3: pid-agnostic, shared across every process mapping
// the module.
type v3DTO struct {
	Path           string   `cbor:"path"`
	BaseSVMA       uint64   `cbor:"base_svma"`
	EhFrameHdr     []byte   `cbor:"eh_frame_hdr"`
	EhFrameHdrSVMA rangeDTO `cbor:"eh_frame_hdr_svma"`
	EhFrame        []byte   `cbor:"eh_frame"`
	EhFrameSVMA    rangeDTO `cbor:"eh_frame_svma"`
}

func v3FromDomain(u *types.UnwindData) v3DTO {
	return v3DTO{
		Path:           u.Path,
		BaseSVMA:       u.BaseSVMA,
		EhFrameHdr:     u.EhFrameHdr,
		EhFrameHdrSVMA: toRangeDTO(u.EhFrameHdrSVMA),
		EhFrame:        u.EhFrame,
		EhFrameSVMA:    toRangeDTO(u.EhFrameSVMA),
	}
}

func (v v3DTO) toDomain() *types.UnwindData {
	return &types.UnwindData{
		Path:           v.Path,
		BaseSVMA:       v.BaseSVMA,
		EhFrameHdr:     v.EhFrameHdr,
		EhFrameHdrSVMA: v.EhFrameHdrSVMA.toAddrRange(),
		EhFrame:        v.EhFrame,
		EhFrameSVMA:    v.EhFrameSVMA.toAddrRange(),
	}
}

func v1ToV2(v1 v1DTO) v2DTO {
	return v2DTO{
		Path:           v1.Path,
		Timestamp:      nil,
		AVMARange:      v1.AVMARange,
		BaseAVMA:       v1.BaseAVMA,
		BaseSVMA:       v1.BaseSVMA,
		EhFrameHdr:     v1.EhFrameHdr,
		EhFrameHdrSVMA: v1.EhFrameHdrSVMA,
		EhFrame:        v1.EhFrame,
		EhFrameSVMA:    v1.EhFrameSVMA,
	}
}

// V2Data is the decoded shape of runner_shared::unwind_data::UnwindDataV2:
// unwind data paired with the per-process fields it used to carry before
// they were split out into ProcessUnwindData.
type V2Data struct {
	Path      string
	Timestamp *uint64
	AVMARange types.AddrRange
	BaseAVMA  uint64
	BaseSVMA  uint64

	EhFrameHdr     []byte
	EhFrameHdrSVMA types.AddrRange
	EhFrame        []byte
	EhFrameSVMA    types.AddrRange
}

func v2FromDTO(v v2DTO) *V2Data {
	return &V2Data{
		Path: v.Path, Timestamp: v.Timestamp,
		AVMARange: v.AVMARange.toAddrRange(), BaseAVMA: v.BaseAVMA, BaseSVMA: v.BaseSVMA,
		EhFrameHdr: v.EhFrameHdr, EhFrameHdrSVMA: v.EhFrameHdrSVMA.toAddrRange(),
		EhFrame: v.EhFrame, EhFrameSVMA: v.EhFrameSVMA.toAddrRange(),
	}
}

func v2ToDTO(v *V2Data) v2DTO {
	return v2DTO{
		Path: v.Path, Timestamp: v.Timestamp,
		AVMARange: toRangeDTO(v.AVMARange), BaseAVMA: v.BaseAVMA, BaseSVMA: v.BaseSVMA,
		EhFrameHdr: v.EhFrameHdr, EhFrameHdrSVMA: toRangeDTO(v.EhFrameHdrSVMA),
		EhFrame: v.EhFrame, EhFrameSVMA: toRangeDTO(v.EhFrameSVMA),
	}
}

func decodeEnvelope(b []byte) (envelope, error) {
	var env envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return envelope{}, fmt.Errorf("unwind: decode envelope: %w", err)
	}
	return env, nil
}

// DecodeV3 parses b as pid-agnostic unwind data. V1/V2 payloads are rejected
// with distinct error messages, since they lack (V1) or are incompatible
// with stripping (V2->V3 not attempted) the per-pid fields V3 no longer has.
func DecodeV3(b []byte) (*types.UnwindData, error) {
	env, err := decodeEnvelope(b)
	if err != nil {
		return nil, err
	}
	switch env.Version {
	case versionV1:
		return nil, fmt.Errorf("Cannot parse V1 unwind data as V3 (breaking changes)")
	case versionV2:
		return nil, fmt.Errorf("Cannot parse V2 unwind data as V3 (breaking changes)")
	case versionV3:
		var v3 v3DTO
		if err := cbor.Unmarshal(env.Data, &v3); err != nil {
			return nil, fmt.Errorf("unwind: decode v3 payload: %w", err)
		}
		return v3.toDomain(), nil
	default:
		return nil, fmt.Errorf("unwind: unknown version %d", env.Version)
	}
}

// EncodeV3 serializes u as the current, V3 on-disk format.
func EncodeV3(u *types.UnwindData) ([]byte, error) {
	data, err := cbor.Marshal(v3FromDomain(u))
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(envelope{Version: versionV3, Data: data})
}

// DecodeV2 parses b as V2 unwind data, transparently upgrading a V1 payload
// (which only lacks the optional timestamp). A V3 payload is rejected: it no
// longer carries the per-pid fields V2 readers require.
func DecodeV2(b []byte) (*V2Data, error) {
	env, err := decodeEnvelope(b)
	if err != nil {
		return nil, err
	}
	switch env.Version {
	case versionV1:
		var v1 v1DTO
		if err := cbor.Unmarshal(env.Data, &v1); err != nil {
			return nil, fmt.Errorf("unwind: decode v1 payload: %w", err)
		}
		return v2FromDTO(v1ToV2(v1)), nil
	case versionV2:
		var v2 v2DTO
		if err := cbor.Unmarshal(env.Data, &v2); err != nil {
			return nil, fmt.Errorf("unwind: decode v2 payload: %w", err)
		}
		return v2FromDTO(v2), nil
	case versionV3:
		return nil, fmt.Errorf("Cannot parse V3 unwind data as V2 (missing per-pid fields)")
	default:
		return nil, fmt.Errorf("unwind: unknown version %d", env.Version)
	}
}

// EncodeV2 serializes v as the deprecated-but-still-accepted V2 format,
// kept until every downstream reader migrates to V3 (SPEC_FULL.md §12).
func EncodeV2(v *V2Data) ([]byte, error) {
	data, err := cbor.Marshal(v2ToDTO(v))
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(envelope{Version: versionV2, Data: data})
}

// encodeV1 exists only to produce V1 fixtures for the auto-upgrade test; the
// writer side never emits V1.
func encodeV1(v v1DTO) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(envelope{Version: versionV1, Data: data})
}
