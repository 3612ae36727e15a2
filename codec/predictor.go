// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

// Package codec implements the reversible watermarking core: the
// prediction-error histogram-shifting Embed and Extract operations
// that the rest of the module builds on.
package codec

import (
	"fmt"
	"math"

	"github.com/paroma/watermark"
)

// Predict computes round(sum(kernel[a,b] * image[i-r+a, j-r+b])) at
// the given center, using half-up rounding. The caller must have
// already validated that (i,j) is a valid candidate center for this
// kernel (i.e. the full neighbourhood is in bounds); Predict does not
// pad or bounds-check, so an out-of-bounds neighbourhood either reads
// a pixel from the wrong row or panics, depending on where it falls.
func Predict(img *watermark.Image, kernel watermark.Kernel, i, j int) int {
	r := kernel.Radius()
	sum := 0.0
	for a := 0; a < kernel.Side; a++ {
		for b := 0; b < kernel.Side; b++ {
			c := kernel.At(a, b)
			if c == 0 {
				continue
			}
			sum += c * float64(img.At(i-r+a, j-r+b))
		}
	}
	return roundHalfUp(sum)
}

// roundHalfUp rounds x to the nearest integer, ties rounding up
// (toward positive infinity), for negative x as well as positive.
// Pixel values are non-negative, and so are the default kernel's
// coefficients; a kernel with negative coefficients can produce a
// negative x, which is also rounded half-up rather than with math.Round's
// half-away-from-zero rule.
func roundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5))
}

// validateCandidateGeometry enforces the structural preconditions
// shared by Embed and Extract: a valid kernel, stride >= kernel side
// (the non-interference invariant from the design), and an image
// large enough to contain at least one candidate center.
func validateCandidateGeometry(img *watermark.Image, kernel watermark.Kernel, stride int) ([]watermark.Candidate, error) {
	if err := kernel.Validate(); err != nil {
		return nil, err
	}
	if stride < kernel.Side {
		return nil, fmt.Errorf("%w: stride %d < kernel side %d", watermark.ErrKernelInvalid, stride, kernel.Side)
	}
	if stride <= 0 {
		return nil, fmt.Errorf("%w: stride must be positive", watermark.ErrConfigInvalid)
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	candidates := watermark.Candidates(img.Height, img.Width, kernel, stride)
	if len(candidates) == 0 {
		return nil, watermark.ErrDimensionTooSmall
	}
	return candidates, nil
}
