// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

package codec

import (
	"github.com/paroma/watermark"
)

// ExtractResult carries the recovered image and the bits pulled out of
// it. ExtractedBits holds one byte (0 or 1) per recovered bit, in scan
// order, matching the spec's bit-sequence semantics exactly rather
// than byte-packing them (the marked-candidate count has no reason to
// be a multiple of eight).
type ExtractResult struct {
	Recovered     *watermark.Image
	ExtractedBits []byte
	Stats         watermark.Stats
}

// Extract walks the same candidate scan order Embed used and, for each
// marked, non-overflowed candidate whose restored error is a carrier
// (>= tHi), recovers the original pixel and the bit it carried:
//
//	bit = e' mod 2
//	x_c = x_c - (e' + bit) / 2
//
// Restoration happens in the same row-major order Embed wrote in; the
// non-interference invariant (stride >= kernel side) guarantees that
// restoring one candidate's pixel never perturbs the prediction at any
// other, so a single forward pass over the current, progressively
// restored buffer is exact.
//
// overflow is the set of candidate indices Embed recorded as
// overflowed; those candidates still consume a mask bit (they were
// marked) but never a watermark bit, matching Embed's bookkeeping
// exactly.
func Extract(img *watermark.Image, kernel watermark.Kernel, stride int, mask watermark.MaskStream, tHi int, overflow watermark.OverflowMap) (*ExtractResult, error) {
	candidates, err := validateCandidateGeometry(img, kernel, stride)
	if err != nil {
		return nil, err
	}

	recovered := img.Clone()
	stats := watermark.Stats{Candidates: len(candidates)}

	var extracted []byte

	for _, c := range candidates {
		m := mask.NextBit()
		if m == 0 {
			continue
		}
		stats.Marked++

		if overflow.Contains(c.Index) {
			stats.Overflowed++
			continue
		}

		ePrime := recovered.At(c.I, c.J) - Predict(recovered, kernel, c.I, c.J)
		if ePrime < tHi {
			stats.SkippedForLowError++
			continue
		}

		bit := ePrime & 1
		x := recovered.At(c.I, c.J)
		recovered.Set(c.I, c.J, x-(ePrime+bit)/2)

		extracted = append(extracted, byte(bit))
		stats.EmbeddedBits++
	}

	return &ExtractResult{Recovered: recovered, ExtractedBits: extracted, Stats: stats}, nil
}
