// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

// Package keyderive turns a (message, secret key) pair into the two
// things the codec needs: a 256-bit watermark payload and an infinite
// deterministic mask-bit stream. The watermark depends on both message
// and key; the mask stream is reproducible from the secret key alone.
package keyderive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/paroma/watermark"
)

// MaskAlgorithm is the identifier recorded on every ledger embed
// record so that a ledger produced by this code remains interpretable
// even if a future version changes the generator (spec §9, open
// question 2).
const MaskAlgorithm = "chacha20-msb1"

const maskNonceInfo = "paroma-wat/mask-stream-nonce"

var (
	// ErrBadKey is returned when secretKey is not 32 bytes after hex
	// decoding.
	ErrBadKey = errors.New("keyderive: secret key must decode to 32 bytes")
	// ErrEmpty is returned when message has zero length.
	ErrEmpty = errors.New("keyderive: message must not be empty")
)

// DecodeKey hex-decodes a secret key and validates its length.
func DecodeKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(key) != chacha20.KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadKey, len(key))
	}
	return key, nil
}

// Derive computes the 256-bit watermark from (message, secretKey) and
// a MaskStream keyed deterministically by secretKey. secretKey must
// already be 32 raw bytes (see DecodeKey); message must be non-empty.
func Derive(message, secretKey []byte) (watermark.WatermarkBits, watermark.MaskStream, error) {
	var wm watermark.WatermarkBits
	if len(message) == 0 {
		return wm, nil, ErrEmpty
	}
	if len(secretKey) != chacha20.KeySize {
		return wm, nil, ErrBadKey
	}

	sum := sha256.New()
	sum.Write(message)
	sum.Write(secretKey)
	copy(wm[:], sum.Sum(nil))

	stream, err := newChaChaMaskStream(secretKey)
	if err != nil {
		return wm, nil, err
	}
	return wm, stream, nil
}

// MaskStream rebuilds the mask-bit generator for secretKey alone, with
// no watermark message. Removal needs exactly this: the mask stream
// that gated which candidates were marked during embed, not the
// watermark payload that was written into them.
func MaskStream(secretKey []byte) (watermark.MaskStream, error) {
	if len(secretKey) != chacha20.KeySize {
		return nil, ErrBadKey
	}
	return newChaChaMaskStream(secretKey)
}

// chaChaMaskStream implements watermark.MaskStream as a ChaCha20
// keystream keyed by the secret key, one bit consumed at a time
// MSB-first per output byte.
type chaChaMaskStream struct {
	cipher *chacha20.Cipher
	buf    [64]byte // one ChaCha20 block, refilled as consumed
	pos    int      // next unconsumed bit position within buf, MSB-first per byte
	bufLen int
}

// newChaChaMaskStream keys a ChaCha20 keystream with secretKey and a
// nonce derived solely from secretKey via HKDF-SHA256, so the stream
// is a pure function of the key alone.
func newChaChaMaskStream(secretKey []byte) (*chaChaMaskStream, error) {
	nonce := make([]byte, chacha20.NonceSize)
	kdf := hkdf.New(sha256.New, secretKey, nil, []byte(maskNonceInfo))
	if _, err := io.ReadFull(kdf, nonce); err != nil {
		return nil, fmt.Errorf("keyderive: derive mask nonce: %w", err)
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(secretKey, nonce)
	if err != nil {
		return nil, fmt.Errorf("keyderive: init mask cipher: %w", err)
	}

	s := &chaChaMaskStream{cipher: cipher}
	s.refill()
	return s, nil
}

func (s *chaChaMaskStream) refill() {
	var zero [64]byte
	s.cipher.XORKeyStream(s.buf[:], zero[:])
	s.bufLen = len(s.buf) * 8
	s.pos = 0
}

// NextBit returns the next deterministic pseudorandom bit from the
// keystream.
func (s *chaChaMaskStream) NextBit() int {
	if s.pos >= s.bufLen {
		s.refill()
	}
	byteIdx := s.pos / 8
	bitIdx := 7 - (s.pos % 8)
	s.pos++
	return int((s.buf[byteIdx] >> uint(bitIdx)) & 1)
}
