// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

// Package ledger implements the append-only, hash-chained audit trail
// that binds every embed/remove operation to its parameters and the
// SHA-256 digests of its input and output images.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"
)

// Block info kinds, per the spec's §3 data model.
const (
	InfoEmbedder = "embedder"
	InfoRemover  = "remover"
	infoGenesis  = "genesis"
)

var genesisHash = fmt.Sprintf("%064d", 0) // "0" x 64

// Errors this package returns.
var (
	ErrChainCorrupted   = errors.New("ledger: chain verification failed")
	ErrConcurrentLedger = errors.New("ledger: another process holds the ledger lock")
	ErrNoMatch          = errors.New("ledger: no embed record for the given watermarked-image hash")
)

// KernelSpec is the JSON-serializable form of watermark.Kernel stored
// on an EmbedRecord, so a later Remove can reconstruct the exact
// kernel used without the caller supplying it again (spec §6: kernel
// is read from the matched ledger record on remove/extract).
type KernelSpec struct {
	Side         int       `json:"side"`
	Coefficients []float64 `json:"coefficients"`
}

// EmbedRecord is the per-image payload of an "embedder" block.
type EmbedRecord struct {
	Filename      string      `json:"filename"`
	Watermark     string      `json:"watermark"` // hex of the 256-bit watermark
	MaskAlgorithm string      `json:"mask_algorithm"`
	Kernel        KernelSpec  `json:"kernel"`
	Stride        int         `json:"stride"`
	THi           int         `json:"t_hi"`
	BitDepth      int         `json:"bit_depth"`
	OverflowMap   []int       `json:"overflow_map"`
	HashImageOrig string      `json:"hash_image_orig"`
	HashImageWat  string      `json:"hash_image_wat"`
	EmbeddedBits  int         `json:"embedded_bits"`
}

// RemoveRecord is the per-image payload of a "remover" block.
type RemoveRecord struct {
	Filename           string `json:"filename"`
	HashImageWat       string `json:"hash_image_wat"`
	HashImageRecovered string `json:"hash_image_recovered"`
}

// Transaction is the batch-level payload carried by a block: the
// per-image records from one BatchDriver run, plus the filenames that
// failed. Embeds/Removes are kept in separate slices (a batch is
// either an embed batch or a remove batch, per Block.Info) rather than
// a single interface-typed slice, so the JSON shape stays fixed and
// canonical-hashes reproducibly.
type Transaction struct {
	Embeds       []EmbedRecord  `json:"embeds,omitempty"`
	Removes      []RemoveRecord `json:"removes,omitempty"`
	FailedImages []string       `json:"failed_images,omitempty"`
}

// Header is the chain-linkage portion of a Block.
type Header struct {
	Timestamp    int64  `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	BlockNumber  int    `json:"block_number"`
}

// Block is one ledger entry. Hash is SHA-256 over the canonical JSON
// encoding of (Header, Info, Transaction) — see hashBlock.
type Block struct {
	Header      Header      `json:"header"`
	Info        string      `json:"info"`
	Transaction Transaction `json:"transaction"`
	Hash        string      `json:"hash"`
}

// blockPayload is Block minus Hash: exactly what gets canonically
// encoded and hashed. Declared as its own type (rather than reusing
// Block with the Hash field zeroed) so the hashed shape can never
// accidentally drift from the stored shape.
type blockPayload struct {
	Header      Header      `json:"header"`
	Info        string      `json:"info"`
	Transaction Transaction `json:"transaction"`
}

// hashBlock computes SHA-256(canonical_json(header, info, transaction))
// as hex. Canonical JSON here is pinned to Go's own encoding/json
// Marshal over blockPayload's declared field order (spec §9, open
// question 3) — the exact serializer must be reused verbatim whenever
// a hash is recomputed, which this function is the sole entry point
// for.
func hashBlock(h Header, info string, tx Transaction) (string, error) {
	buf, err := json.Marshal(blockPayload{Header: h, Info: info, Transaction: tx})
	if err != nil {
		return "", fmt.Errorf("ledger: canonical encode: %w", err)
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// Ledger is the process-wide, file-backed chain of blocks. It is
// loaded once at startup and mutated only through Append; every
// Append flushes the whole chain back to disk atomically.
type Ledger struct {
	path              string
	blocks            []Block
	byWatermarkedHash map[string]int // hash_image_wat -> index into blocks
}

// Load reads the ledger at path, verifying the chain as it goes. If
// path does not exist, a new ledger containing only the genesis block
// is created in memory (and persisted on the first Append).
func Load(path string) (*Ledger, error) {
	l := &Ledger{path: path, byWatermarkedHash: make(map[string]int)}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		l.blocks = []Block{genesisBlock()}
		l.reindex()
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", path, err)
	}

	var doc map[string]Block
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("ledger: parse %s: %w", path, err)
	}

	blocks := make([]Block, len(doc))
	for key, blk := range doc {
		n, err := strconv.Atoi(key)
		if err != nil || n < 0 || n >= len(doc) {
			return nil, fmt.Errorf("%w: bad block key %q", ErrChainCorrupted, key)
		}
		blocks[n] = blk
	}
	l.blocks = blocks

	if err := l.Verify(); err != nil {
		return nil, err
	}
	l.reindex()
	return l, nil
}

func genesisBlock() Block {
	h := Header{Timestamp: 0, PreviousHash: genesisHash, BlockNumber: 0}
	hash, err := hashBlock(h, infoGenesis, Transaction{})
	if err != nil {
		// Transaction{} always encodes; a failure here would mean
		// encoding/json itself is broken.
		panic(err)
	}
	return Block{Header: h, Info: infoGenesis, Transaction: Transaction{}, Hash: hash}
}

// Verify re-derives every block's hash and previous_hash link and
// returns ErrChainCorrupted wrapping the first offending index on
// mismatch. It can be called independently of Load, e.g. right after
// an in-memory Append.
func (l *Ledger) Verify() error {
	if len(l.blocks) == 0 {
		return fmt.Errorf("%w: empty chain, missing genesis block", ErrChainCorrupted)
	}
	for i, blk := range l.blocks {
		if blk.Header.BlockNumber != i {
			return fmt.Errorf("%w: index %d", ErrChainCorrupted, i)
		}
		wantPrev := genesisHash
		if i > 0 {
			wantPrev = l.blocks[i-1].Hash
		}
		if blk.Header.PreviousHash != wantPrev {
			return fmt.Errorf("%w: index %d", ErrChainCorrupted, i)
		}
		wantHash, err := hashBlock(blk.Header, blk.Info, blk.Transaction)
		if err != nil {
			return err
		}
		if blk.Hash != wantHash {
			return fmt.Errorf("%w: index %d", ErrChainCorrupted, i)
		}
	}
	return nil
}

func (l *Ledger) reindex() {
	l.byWatermarkedHash = make(map[string]int, len(l.blocks))
	for i, blk := range l.blocks {
		for _, r := range blk.Transaction.Embeds {
			l.byWatermarkedHash[r.HashImageWat] = i
		}
	}
}

// Append adds a new block carrying tx, persists the whole chain
// atomically (write-to-temp then rename), and returns the new block's
// number. The ledger file is protected for the duration of Append by
// an OS advisory lock so a second process cannot interleave a write.
func (l *Ledger) Append(info string, tx Transaction) (int, error) {
	unlock, err := l.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	last := l.blocks[len(l.blocks)-1]
	header := Header{
		Timestamp:    time.Now().Unix(),
		PreviousHash: last.Hash,
		BlockNumber:  last.Header.BlockNumber + 1,
	}
	hash, err := hashBlock(header, info, tx)
	if err != nil {
		return 0, err
	}
	block := Block{Header: header, Info: info, Transaction: tx, Hash: hash}

	l.blocks = append(l.blocks, block)
	for _, r := range tx.Embeds {
		l.byWatermarkedHash[r.HashImageWat] = len(l.blocks) - 1
	}

	if err := l.persist(); err != nil {
		// Roll back the in-memory append so Ledger stays consistent
		// with what's on disk.
		l.blocks = l.blocks[:len(l.blocks)-1]
		l.reindex()
		return 0, err
	}

	logrus.WithFields(logrus.Fields{
		"block_number": block.Header.BlockNumber,
		"info":         info,
		"records":      len(tx.Embeds) + len(tx.Removes),
	}).Info("ledger: appended block")

	return block.Header.BlockNumber, nil
}

// persist writes the full chain to l.path via write-to-temp-then-rename.
func (l *Ledger) persist() error {
	doc := make(map[string]Block, len(l.blocks))
	for i, blk := range l.blocks {
		doc[strconv.Itoa(i)] = blk
	}
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: encode: %w", err)
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("ledger: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: rename: %w", err)
	}
	return nil
}

// lock acquires an exclusive, non-blocking advisory lock on
// path+".lock" for the duration of one Append, returning a function
// that releases it.
func (l *Ledger) lock() (func(), error) {
	lockPath := l.path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrConcurrentLedger, err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// FindByWatermarkedHash returns the embed record whose HashImageWat
// equals hash, used by the remover to locate the matching overflow
// map and codec parameters.
func (l *Ledger) FindByWatermarkedHash(hash string) (*EmbedRecord, error) {
	idx, ok := l.byWatermarkedHash[hash]
	if !ok {
		return nil, ErrNoMatch
	}
	blk := l.blocks[idx]
	for i := range blk.Transaction.Embeds {
		if blk.Transaction.Embeds[i].HashImageWat == hash {
			return &blk.Transaction.Embeds[i], nil
		}
	}
	return nil, ErrNoMatch
}

// FindBestMatchByBits scans every embed record's watermark field and
// returns the one with the lowest bit-error-rate against bits (over
// the shorter of the two lengths), for forensic extraction (spec
// §4.D). It never returns ErrNoMatch: forensic extraction reports the
// best match even if poor, per §7.
func (l *Ledger) FindBestMatchByBits(bits []byte) (record *EmbedRecord, ber float64, found bool) {
	bestBER := 2.0 // worse than any real BER (max 1.0)
	for bi := range l.blocks {
		for ri := range l.blocks[bi].Transaction.Embeds {
			r := &l.blocks[bi].Transaction.Embeds[ri]
			wmBytes, err := hex.DecodeString(r.Watermark)
			if err != nil {
				continue
			}
			wmBits := bytesToBits(wmBytes)
			b := bitErrorRate(wmBits, bits)
			if b < bestBER {
				bestBER = b
				record = r
				found = true
			}
		}
	}
	return record, bestBER, found
}

// bytesToBits expands a byte slice into one byte (0/1) per bit,
// MSB-first, matching the codec's extracted-bit representation.
func bytesToBits(b []byte) []byte {
	bits := make([]byte, 0, len(b)*8)
	for _, by := range b {
		for i := 7; i >= 0; i-- {
			bits = append(bits, (by>>uint(i))&1)
		}
	}
	return bits
}

// bitErrorRate compares a and b over their shorter common length and
// returns the fraction of differing bits.
func bitErrorRate(a, b []byte) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 1.0
	}
	diff := 0
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			diff++
		}
	}
	return float64(diff) / float64(n)
}
