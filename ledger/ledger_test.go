// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

package ledger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newLedgerPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ledger.json")
}

func sampleEmbedRecord(filename, watHash string) EmbedRecord {
	return EmbedRecord{
		Filename:      filename,
		Watermark:     "00ff",
		MaskAlgorithm: "chacha20-msb1",
		Kernel:        KernelSpec{Side: 3, Coefficients: []float64{0, 0.25, 0, 0.25, 0, 0.25, 0, 0.25, 0}},
		Stride:        3,
		THi:           0,
		BitDepth:      8,
		HashImageOrig: "orig-" + filename,
		HashImageWat:  watHash,
		EmbeddedBits:  1,
	}
}

func TestLoadCreatesGenesisWhenMissing(t *testing.T) {
	l, err := Load(newLedgerPath(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(l.blocks) != 1 {
		t.Fatalf("expected 1 genesis block, got %d", len(l.blocks))
	}
	if l.blocks[0].Info != infoGenesis {
		t.Fatalf("expected genesis info, got %q", l.blocks[0].Info)
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestAppendExtendsChain(t *testing.T) {
	path := newLedgerPath(t)
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	n, err := l.Append(InfoEmbedder, Transaction{Embeds: []EmbedRecord{sampleEmbedRecord("a.png", "hash-a")}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected block number 1, got %d", n)
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("Verify after append: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.blocks) != 2 {
		t.Fatalf("expected 2 blocks after reload, got %d", len(reloaded.blocks))
	}
}

func TestFindByWatermarkedHash(t *testing.T) {
	path := newLedgerPath(t)
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := l.Append(InfoEmbedder, Transaction{Embeds: []EmbedRecord{sampleEmbedRecord("a.png", "hash-a")}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rec, err := l.FindByWatermarkedHash("hash-a")
	if err != nil {
		t.Fatalf("FindByWatermarkedHash: %v", err)
	}
	if rec.Filename != "a.png" {
		t.Fatalf("got filename %q", rec.Filename)
	}

	if _, err := l.FindByWatermarkedHash("no-such-hash"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestVerifyDetectsTamperedHash(t *testing.T) {
	path := newLedgerPath(t)
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := l.Append(InfoEmbedder, Transaction{Embeds: []EmbedRecord{sampleEmbedRecord("a.png", "hash-a")}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]Block
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	blk := doc["1"]
	blk.Hash = "0000000000000000000000000000000000000000000000000000000000000000000000"
	doc["1"] = blk
	tampered, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(path); !errors.Is(err, ErrChainCorrupted) {
		t.Fatalf("expected ErrChainCorrupted, got %v", err)
	}
}

func TestVerifyDetectsBrokenPreviousHashLink(t *testing.T) {
	path := newLedgerPath(t)
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := l.Append(InfoEmbedder, Transaction{Embeds: []EmbedRecord{sampleEmbedRecord("a.png", "hash-a")}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(InfoEmbedder, Transaction{Embeds: []EmbedRecord{sampleEmbedRecord("b.png", "hash-b")}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]Block
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	blk := doc["2"]
	blk.Header.PreviousHash = "deadbeef"
	doc["2"] = blk
	tampered, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(path); !errors.Is(err, ErrChainCorrupted) {
		t.Fatalf("expected ErrChainCorrupted, got %v", err)
	}
}

func TestFindBestMatchByBitsPerfectMatch(t *testing.T) {
	path := newLedgerPath(t)
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rec := sampleEmbedRecord("a.png", "hash-a")
	rec.Watermark = "f0" // 11110000
	if _, err := l.Append(InfoEmbedder, Transaction{Embeds: []EmbedRecord{rec}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	bits := []byte{1, 1, 1, 1, 0, 0, 0, 0}
	match, ber, found := l.FindBestMatchByBits(bits)
	if !found {
		t.Fatal("expected a match")
	}
	if ber != 0 {
		t.Fatalf("expected BER 0, got %f", ber)
	}
	if match.Filename != "a.png" {
		t.Fatalf("got filename %q", match.Filename)
	}
}

func TestFindBestMatchByBitsPicksLowerBER(t *testing.T) {
	path := newLedgerPath(t)
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	closeRec := sampleEmbedRecord("close.png", "hash-close")
	closeRec.Watermark = "f0" // 11110000, differs in 1 of 8 bits from target
	farRec := sampleEmbedRecord("far.png", "hash-far")
	farRec.Watermark = "0f" // 00001111, differs in 7 of 8 bits from target

	if _, err := l.Append(InfoEmbedder, Transaction{Embeds: []EmbedRecord{closeRec, farRec}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	target := []byte{1, 1, 1, 0, 0, 0, 0, 0}
	match, _, found := l.FindBestMatchByBits(target)
	if !found {
		t.Fatal("expected a match")
	}
	if match.Filename != "close.png" {
		t.Fatalf("expected closest match close.png, got %q", match.Filename)
	}
}
