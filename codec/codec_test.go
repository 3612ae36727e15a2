// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

package codec

import (
	"testing"

	"github.com/paroma/watermark"
	"github.com/paroma/watermark/keyderive"
)

func mustDerive(t *testing.T, message string, key []byte) (watermark.WatermarkBits, watermark.MaskStream) {
	t.Helper()
	wm, mask, err := keyderive.Derive([]byte(message), key)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	return wm, mask
}

func testKey() []byte {
	key := make([]byte, 32)
	key[31] = 1
	return key
}

// allOnesMask always marks every candidate, for tests that want to
// exercise every candidate deterministically regardless of the key.
type allOnesMask struct{}

func (allOnesMask) NextBit() int { return 1 }

func threeByThree(center int) *watermark.Image {
	img := watermark.NewImage(3, 3, 8)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			img.Set(i, j, 10)
		}
	}
	img.Set(1, 1, center)
	return img
}

// TestMinimumRoundTrip covers the spec's minimum round-trip scenario:
// a 3x3 image with a single candidate (the center), default kernel,
// stride 3, t_hi 0. Embed followed by Extract must recover the
// original image bit-exactly regardless of which mask/watermark bit
// the key happens to draw.
func TestMinimumRoundTrip(t *testing.T) {
	orig := threeByThree(100)
	wm, mask := mustDerive(t, "hello", testKey())

	result, err := Embed(orig, watermark.DefaultKernel(), 3, wm, mask, 0)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if result.Stats.Candidates != 1 {
		t.Fatalf("expected 1 candidate, got %d", result.Stats.Candidates)
	}

	_, mask2 := mustDerive(t, "hello", testKey())
	extracted, err := Extract(result.Marked, watermark.DefaultKernel(), 3, mask2, 0, result.OverflowMap)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if extracted.Recovered.At(i, j) != orig.At(i, j) {
				t.Fatalf("pixel (%d,%d): got %d want %d", i, j, extracted.Recovered.At(i, j), orig.At(i, j))
			}
		}
	}
}

// TestOverflowAtBoundary exercises the overflow-map path: a center
// pixel near the maximum admissible value whose shifted value would
// exceed it must be left unchanged and recorded in the overflow map,
// and Extract must recover it as though it had never been a carrier.
func TestOverflowAtBoundary(t *testing.T) {
	orig := threeByThree(255)
	var wm watermark.WatermarkBits
	wm[0] = 0x80 // bit 0 = 1

	result, err := Embed(orig, watermark.DefaultKernel(), 3, wm, allOnesMask{}, 0)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(result.OverflowMap) != 1 {
		t.Fatalf("expected 1 overflowed candidate, got %d", len(result.OverflowMap))
	}
	if result.Marked.At(1, 1) != 255 {
		t.Fatalf("overflowed pixel must be left unchanged, got %d", result.Marked.At(1, 1))
	}

	extracted, err := Extract(result.Marked, watermark.DefaultKernel(), 3, allOnesMask{}, 0, result.OverflowMap)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if extracted.Recovered.At(1, 1) != 255 {
		t.Fatalf("recovered pixel: got %d want 255", extracted.Recovered.At(1, 1))
	}
	if len(extracted.ExtractedBits) != 0 {
		t.Fatalf("overflowed candidate must not yield an extracted bit, got %d", len(extracted.ExtractedBits))
	}
}

// TestLowErrorSkip covers the spec's low-error-skip scenario: center 9
// against neighbours of 10 gives a prediction error of -1, below
// t_hi=0, so the candidate is not a carrier and is left untouched by
// both Embed and Extract.
func TestLowErrorSkip(t *testing.T) {
	orig := threeByThree(9)
	var wm watermark.WatermarkBits
	wm[0] = 0x80

	result, err := Embed(orig, watermark.DefaultKernel(), 3, wm, allOnesMask{}, 0)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if result.Stats.SkippedForLowError != 1 {
		t.Fatalf("expected 1 low-error skip, got %d", result.Stats.SkippedForLowError)
	}
	if result.Marked.At(1, 1) != 9 {
		t.Fatalf("skipped pixel must be unchanged, got %d", result.Marked.At(1, 1))
	}

	extracted, err := Extract(result.Marked, watermark.DefaultKernel(), 3, allOnesMask{}, 0, result.OverflowMap)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if extracted.Recovered.At(1, 1) != 9 {
		t.Fatalf("recovered pixel: got %d want 9", extracted.Recovered.At(1, 1))
	}
}

// TestEmbedDeterminism checks that Embed is a pure function of its
// inputs: identical arguments must yield a byte-identical marked image
// and overflow map across repeated calls.
func TestEmbedDeterminism(t *testing.T) {
	orig := threeByThree(100)
	wm, mask1 := mustDerive(t, "hello", testKey())
	_, mask2 := mustDerive(t, "hello", testKey())

	r1, err := Embed(orig, watermark.DefaultKernel(), 3, wm, mask1, 0)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	r2, err := Embed(orig, watermark.DefaultKernel(), 3, wm, mask2, 0)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if len(r1.Marked.Pixels) != len(r2.Marked.Pixels) {
		t.Fatalf("pixel length mismatch")
	}
	for i := range r1.Marked.Pixels {
		if r1.Marked.Pixels[i] != r2.Marked.Pixels[i] {
			t.Fatalf("pixel %d differs between runs: %d vs %d", i, r1.Marked.Pixels[i], r2.Marked.Pixels[i])
		}
	}
	if len(r1.OverflowMap) != len(r2.OverflowMap) {
		t.Fatalf("overflow map length mismatch")
	}
}

// TestEmbedRejectsStrideBelowKernelSide checks the non-interference
// invariant is enforced rather than silently violated.
func TestEmbedRejectsStrideBelowKernelSide(t *testing.T) {
	orig := threeByThree(100)
	wm, mask := mustDerive(t, "hello", testKey())
	if _, err := Embed(orig, watermark.DefaultKernel(), 2, wm, mask, 0); err == nil {
		t.Fatal("expected error for stride < kernel side")
	}
}

// TestEmbedRejectsUndersizedImage checks that an image too small to
// contain any candidate center is rejected rather than silently
// producing zero candidates.
func TestEmbedRejectsUndersizedImage(t *testing.T) {
	img := watermark.NewImage(2, 2, 8)
	wm, mask := mustDerive(t, "hello", testKey())
	if _, err := Embed(img, watermark.DefaultKernel(), 3, wm, mask, 0); err == nil {
		t.Fatal("expected error for undersized image")
	}
}

// TestRoundTripLargerImage exercises multiple candidates at once,
// including the key-derived mask stream end to end.
func TestRoundTripLargerImage(t *testing.T) {
	img := watermark.NewImage(9, 9, 8)
	v := 0
	for i := range img.Pixels {
		img.Pixels[i] = 50 + (v % 30)
		v++
	}
	img.Set(4, 4, 200)
	orig := img.Clone()

	key := testKey()
	wm, mask := mustDerive(t, "round trip message", key)
	result, err := Embed(img, watermark.DefaultKernel(), 3, wm, mask, 0)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	_, mask2 := mustDerive(t, "round trip message", key)
	extracted, err := Extract(result.Marked, watermark.DefaultKernel(), 3, mask2, 0, result.OverflowMap)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	for i := range orig.Pixels {
		if extracted.Recovered.Pixels[i] != orig.Pixels[i] {
			t.Fatalf("pixel %d: got %d want %d", i, extracted.Recovered.Pixels[i], orig.Pixels[i])
		}
	}
}
