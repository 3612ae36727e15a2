// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

// Package imagehash computes the canonical content hash of an Image:
// a SHA-256 over a pinned width/height/bit-depth/pixel byte encoding,
// never over the source file's bytes (container metadata varies; the
// pixel encoding does not).
package imagehash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/paroma/watermark"
)

// Hash returns the lowercase-hex SHA-256 of img's canonical encoding:
// 4-byte big-endian width, 4-byte big-endian height, 1-byte bit depth,
// then width*height pixels in row-major order as big-endian unsigned
// integers of ceil(bitDepth/8) bytes each.
func Hash(img *watermark.Image) (string, error) {
	buf, err := Canonical(img)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical builds the pinned byte encoding Hash hashes over. Exported
// so ledger/batch callers needing the raw bytes (e.g. for a future
// signature scheme) don't have to reimplement the layout.
func Canonical(img *watermark.Image) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	bytesPerPixel := (img.BitDepth + 7) / 8

	buf := make([]byte, 0, 9+len(img.Pixels)*bytesPerPixel)

	var hdr [9]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(img.Width))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(img.Height))
	hdr[8] = byte(img.BitDepth)
	buf = append(buf, hdr[:]...)

	switch bytesPerPixel {
	case 1:
		for _, p := range img.Pixels {
			buf = append(buf, byte(p))
		}
	case 2:
		var px [2]byte
		for _, p := range img.Pixels {
			binary.BigEndian.PutUint16(px[:], uint16(p))
			buf = append(buf, px[:]...)
		}
	default:
		return nil, fmt.Errorf("imagehash: unsupported bit depth %d", img.BitDepth)
	}

	return buf, nil
}
