// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

// Package raster adapts the watermark.Image pixel array to and from
// concrete image files. Decoding/encoding image containers is out of
// scope for the codec itself (the codec only ever sees a
// watermark.Image); this package is the one included PixelSource/
// PixelSink implementation so the CLI is runnable end to end, built on
// stdlib image/png and image/jpeg the way the teacher's png package
// wraps image.Decode/png.Encode.
package raster

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
)

// PixelSource decodes a grayscale image into the codec's pixel array
// representation. Returned width/height/bitDepth describe pixels
// row-major.
type PixelSource interface {
	ReadPixels(r io.Reader) (pixels []int, width, height, bitDepth int, err error)
}

// PixelSink encodes a pixel array back into an image container.
type PixelSink interface {
	WritePixels(w io.Writer, pixels []int, width, height, bitDepth int) error
}

// Codec implements PixelSource and PixelSink for PNG/JPEG input and
// PNG output, converting to/from grayscale via the standard library's
// luminance-preserving color model conversion.
type Codec struct{}

// New returns a ready-to-use Codec.
func New() *Codec {
	return &Codec{}
}

// ReadPixels decodes r (PNG or JPEG) and flattens it to an 8-bit or
// 16-bit grayscale row-major pixel array, depending on the source
// image's native grayscale depth; color images are converted via
// image/color's standard luminance model.
func (c *Codec) ReadPixels(r io.Reader) ([]int, int, int, int, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("raster: decode: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	bitDepth := 8
	if _, ok := img.(*image.Gray16); ok {
		bitDepth = 16
	}

	pixels := make([]int, width*height)
	idx := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if bitDepth == 16 {
				g16 := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
				pixels[idx] = int(g16.Y)
			} else {
				g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
				pixels[idx] = int(g.Y)
			}
			idx++
		}
	}

	return pixels, width, height, bitDepth, nil
}

// WritePixels encodes a row-major grayscale pixel array as a PNG.
func (c *Codec) WritePixels(w io.Writer, pixels []int, width, height, bitDepth int) error {
	if len(pixels) != width*height {
		return fmt.Errorf("raster: pixel count %d does not match %dx%d", len(pixels), width, height)
	}

	switch bitDepth {
	case 8:
		out := image.NewGray(image.Rect(0, 0, width, height))
		for i, p := range pixels {
			out.Pix[i] = uint8(p)
		}
		return png.Encode(w, out)
	case 16:
		out := image.NewGray16(image.Rect(0, 0, width, height))
		idx := 0
		for _, p := range pixels {
			out.Pix[idx] = uint8(p >> 8)
			out.Pix[idx+1] = uint8(p)
			idx += 2
		}
		return png.Encode(w, out)
	default:
		return fmt.Errorf("raster: unsupported bit depth %d", bitDepth)
	}
}
