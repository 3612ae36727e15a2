// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

package codec

import (
	"github.com/paroma/watermark"
)

// EmbedResult carries the marked image and everything the matching
// Extract call needs to invert it exactly.
type EmbedResult struct {
	Marked      *watermark.Image
	OverflowMap watermark.OverflowMap
	Stats       watermark.Stats
}

// Embed shifts the prediction-error histogram at each masked,
// carrying candidate to encode one watermark bit, per the
// histogram-shifting scheme: at a marked candidate c with prediction
// error e = x_c - predict(c),
//
//   - e < tHi: c is not a carrier, x_c is left unchanged and no
//     watermark bit is consumed.
//   - e >= tHi: x_c' = x_c + e + b (equivalently e' = 2e + b), where b
//     is the next watermark bit. If x_c' would exceed the image's
//     maximum pixel value, c is recorded in the overflow map instead
//     and x_c is left unchanged.
//
// Embed is a pure function of its inputs: given the same image,
// kernel, stride, watermark bits and mask stream, it produces a
// byte-identical marked image and overflow map every time.
func Embed(img *watermark.Image, kernel watermark.Kernel, stride int, wm watermark.WatermarkBits, mask watermark.MaskStream, tHi int) (*EmbedResult, error) {
	candidates, err := validateCandidateGeometry(img, kernel, stride)
	if err != nil {
		return nil, err
	}

	marked := img.Clone()
	max := img.MaxValue()

	var overflow watermark.OverflowMap
	stats := watermark.Stats{Candidates: len(candidates)}
	bitCounter := 0

	for _, c := range candidates {
		m := mask.NextBit()
		if m == 0 {
			continue
		}
		stats.Marked++

		// Predicting from marked (rather than img) is equivalent here:
		// the non-interference invariant (stride >= kernel side)
		// guarantees no candidate's neighbourhood contains another
		// candidate's center, so prior writes to marked never reach
		// this prediction. Using marked keeps embed and extract
		// symmetric in how they read the pixel array.
		x := marked.At(c.I, c.J)
		e := x - Predict(marked, kernel, c.I, c.J)
		if e < tHi {
			stats.SkippedForLowError++
			continue
		}

		b := wm.Bit(bitCounter)
		bitCounter++

		xNew := x + e + b
		if xNew > max {
			overflow = append(overflow, c.Index)
			stats.Overflowed++
			continue
		}

		marked.Set(c.I, c.J, xNew)
		stats.EmbeddedBits++
	}

	return &EmbedResult{Marked: marked, OverflowMap: overflow, Stats: stats}, nil
}
