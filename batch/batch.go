// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

// Package batch iterates a directory of images, invokes the codec per
// image, aggregates the per-image records, and appends a single
// ledger block per batch.
package batch

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/paroma/watermark"
	"github.com/paroma/watermark/codec"
	"github.com/paroma/watermark/imagehash"
	"github.com/paroma/watermark/keyderive"
	"github.com/paroma/watermark/ledger"
	"github.com/paroma/watermark/raster"
)

// ErrBatchEmpty is returned when every image in a batch failed, so no
// ledger block was appended.
var ErrBatchEmpty = errors.New("batch: every image failed, no block appended")

// EmbedConfig is the embed-request configuration from spec §6.
type EmbedConfig struct {
	DataPath       string
	SavePath       string
	Message        string
	SecretKeyHex   string // if empty, a random 32-byte key is generated
	BlockchainPath string
	Kernel         watermark.Kernel
	Stride         int
	THi            int
	BitDepth       int
	DataType       string // file extension filter, e.g. ".png"
}

// RemoveConfig is the remove-request configuration from spec §6.
// Kernel/stride/t_hi/bit_depth are not supplied: they are read from
// the matched ledger record per image. SecretKeyHex is not part of
// the spec's §6 request field table either, but exact removal cannot
// reconstruct the mask stream without it (the ledger deliberately
// never stores the secret key), so the operator who holds the key
// supplies it here.
type RemoveConfig struct {
	DataPath       string
	SavePath       string
	BlockchainPath string
	DataType       string
	SecretKeyHex   string
}

// Response is the batch result shape from spec §6.
type Response struct {
	TotalImages     int
	ProcessedImages int
	FailedImages    []string
	BlockNumber     int
	SecretKeyHex    string // set by EmbedBatch when a key was generated
}

type embedOutcome struct {
	filename string
	record   ledger.EmbedRecord
	err      error
}

// EmbedBatch iterates cfg.DataPath for files matching cfg.DataType,
// embeds the watermark in each, writes marked images to cfg.SavePath,
// and appends one "embedder" block to the ledger at cfg.BlockchainPath.
func EmbedBatch(cfg EmbedConfig, l *ledger.Ledger) (Response, error) {
	files, err := listImages(cfg.DataPath, cfg.DataType)
	if err != nil {
		return Response{}, err
	}

	secretKey, secretKeyHex, err := resolveSecretKey(cfg.SecretKeyHex)
	if err != nil {
		return Response{}, err
	}

	rc := raster.New()
	outcomes := runWorkers(files, func(filename string) embedOutcome {
		rec, err := embedOne(rc, cfg, filename, secretKey)
		return embedOutcome{filename: filename, record: rec, err: err}
	})

	resp := Response{TotalImages: len(files), SecretKeyHex: secretKeyHex}
	var records []ledger.EmbedRecord
	for _, o := range outcomes {
		if o.err != nil {
			logrus.WithError(o.err).WithField("file", o.filename).Warn("batch: embed failed")
			resp.FailedImages = append(resp.FailedImages, o.filename)
			continue
		}
		records = append(records, o.record)
		resp.ProcessedImages++
	}

	if len(records) == 0 {
		return resp, ErrBatchEmpty
	}

	// Deterministic merge order regardless of worker completion order
	// (spec §5: sort by watermarked-image hash before ledger append).
	sort.Slice(records, func(i, j int) bool {
		return records[i].HashImageWat < records[j].HashImageWat
	})

	blockNumber, err := l.Append(ledger.InfoEmbedder, ledger.Transaction{
		Embeds:       records,
		FailedImages: resp.FailedImages,
	})
	if err != nil {
		return resp, err
	}
	resp.BlockNumber = blockNumber
	return resp, nil
}

func embedOne(rc *raster.Codec, cfg EmbedConfig, filename string, secretKey []byte) (ledger.EmbedRecord, error) {
	var rec ledger.EmbedRecord

	in, err := os.Open(filepath.Join(cfg.DataPath, filename))
	if err != nil {
		return rec, fmt.Errorf("open: %w", err)
	}
	defer in.Close()

	pixels, width, height, bitDepth, err := rc.ReadPixels(in)
	if err != nil {
		return rec, err
	}
	if cfg.BitDepth != 0 {
		bitDepth = cfg.BitDepth
	}
	img := &watermark.Image{Width: width, Height: height, BitDepth: bitDepth, Pixels: pixels}

	origHash, err := imagehash.Hash(img)
	if err != nil {
		return rec, err
	}

	wm, mask, err := keyderive.Derive([]byte(cfg.Message), secretKey)
	if err != nil {
		return rec, err
	}

	result, err := codec.Embed(img, cfg.Kernel, cfg.Stride, wm, mask, cfg.THi)
	if err != nil {
		return rec, err
	}

	watHash, err := imagehash.Hash(result.Marked)
	if err != nil {
		return rec, err
	}

	out, err := os.Create(filepath.Join(cfg.SavePath, filename))
	if err != nil {
		return rec, fmt.Errorf("create: %w", err)
	}
	defer out.Close()
	if err := rc.WritePixels(out, result.Marked.Pixels, width, height, bitDepth); err != nil {
		return rec, err
	}

	rec = ledger.EmbedRecord{
		Filename:      filename,
		Watermark:     hex.EncodeToString(wm[:]),
		MaskAlgorithm: keyderive.MaskAlgorithm,
		Kernel:        ledger.KernelSpec{Side: cfg.Kernel.Side, Coefficients: cfg.Kernel.Coefficients},
		Stride:        cfg.Stride,
		THi:           cfg.THi,
		BitDepth:      bitDepth,
		OverflowMap:   []int(result.OverflowMap),
		HashImageOrig: origHash,
		HashImageWat:  watHash,
		EmbeddedBits:  result.Stats.EmbeddedBits,
	}
	return rec, nil
}

type removeOutcome struct {
	filename string
	record   ledger.RemoveRecord
	err      error
}

// RemoveBatch iterates cfg.DataPath, locates each image's matching
// embed record by its canonical hash, runs Extract in exact-removal
// mode, and appends one "remover" block.
func RemoveBatch(cfg RemoveConfig, l *ledger.Ledger) (Response, error) {
	files, err := listImages(cfg.DataPath, cfg.DataType)
	if err != nil {
		return Response{}, err
	}

	rc := raster.New()
	outcomes := runWorkers(files, func(filename string) removeOutcome {
		rec, err := removeOne(rc, cfg, filename, l)
		return removeOutcome{filename: filename, record: rec, err: err}
	})

	resp := Response{TotalImages: len(files)}
	var records []ledger.RemoveRecord
	for _, o := range outcomes {
		if o.err != nil {
			logrus.WithError(o.err).WithField("file", o.filename).Warn("batch: remove failed")
			resp.FailedImages = append(resp.FailedImages, o.filename)
			continue
		}
		records = append(records, o.record)
		resp.ProcessedImages++
	}

	if len(records) == 0 {
		return resp, ErrBatchEmpty
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].HashImageWat < records[j].HashImageWat
	})

	blockNumber, err := l.Append(ledger.InfoRemover, ledger.Transaction{
		Removes:      records,
		FailedImages: resp.FailedImages,
	})
	if err != nil {
		return resp, err
	}
	resp.BlockNumber = blockNumber
	return resp, nil
}

func removeOne(rc *raster.Codec, cfg RemoveConfig, filename string, l *ledger.Ledger) (ledger.RemoveRecord, error) {
	var rec ledger.RemoveRecord

	in, err := os.Open(filepath.Join(cfg.DataPath, filename))
	if err != nil {
		return rec, fmt.Errorf("open: %w", err)
	}
	defer in.Close()

	pixels, width, height, _, err := rc.ReadPixels(in)
	if err != nil {
		return rec, err
	}

	// bit depth is authoritative from the ledger record, not the
	// container, since remove never receives it again from the caller.
	probe := &watermark.Image{Width: width, Height: height, BitDepth: 16, Pixels: pixels}
	watHash16, hashErr := imagehash.Hash(probe)
	if hashErr != nil {
		return rec, hashErr
	}

	entry, err := l.FindByWatermarkedHash(watHash16)
	if err != nil {
		probe.BitDepth = 8
		watHash8, hashErr := imagehash.Hash(probe)
		if hashErr != nil {
			return rec, hashErr
		}
		entry, err = l.FindByWatermarkedHash(watHash8)
		if err != nil {
			return rec, err
		}
	}

	img := &watermark.Image{Width: width, Height: height, BitDepth: entry.BitDepth, Pixels: pixels}

	kernel := watermark.Kernel{Side: entry.Kernel.Side, Coefficients: entry.Kernel.Coefficients}
	overflow := watermark.OverflowMap(entry.OverflowMap)

	secretKey, err := keyderive.DecodeKey(cfg.SecretKeyHex)
	if err != nil {
		return rec, err
	}
	mask, err := keyderive.MaskStream(secretKey)
	if err != nil {
		return rec, err
	}

	result, err := codec.Extract(img, kernel, entry.Stride, mask, entry.THi, overflow)
	if err != nil {
		return rec, err
	}

	recoveredHash, err := imagehash.Hash(result.Recovered)
	if err != nil {
		return rec, err
	}

	out, err := os.Create(filepath.Join(cfg.SavePath, filename))
	if err != nil {
		return rec, fmt.Errorf("create: %w", err)
	}
	defer out.Close()
	if err := rc.WritePixels(out, result.Recovered.Pixels, width, height, entry.BitDepth); err != nil {
		return rec, err
	}

	rec = ledger.RemoveRecord{
		Filename:           filename,
		HashImageWat:       entry.HashImageWat,
		HashImageRecovered: recoveredHash,
	}
	return rec, nil
}

// ExtractConfig is the forensic-extraction request configuration from
// spec §6 (the "extract" mode of the extract/remove request, using
// ext_wat_path rather than save_path). Forensic extraction runs
// without an overflow map and without first matching a specific
// ledger record: it reports the best-BER match over the whole ledger,
// per §4.D, §7.
type ExtractConfig struct {
	DataPath       string
	ExtWatPath     string
	BlockchainPath string
	DataType       string
	SecretKeyHex   string
}

// ExtractMatch is one image's forensic-extraction outcome.
type ExtractMatch struct {
	Filename        string
	MatchedFilename string
	BitErrorRate    float64
	Found           bool
}

// ExtractResponse is the forensic-extraction batch result.
type ExtractResponse struct {
	TotalImages     int
	ProcessedImages int
	FailedImages    []string
	Matches         []ExtractMatch
}

// ExtractBatch runs forensic extraction (no overflow map, best-effort
// recovered pixels) over every image in cfg.DataPath and reports the
// best watermark match from the ledger for each. Unlike EmbedBatch and
// RemoveBatch, extraction never appends a ledger block: it is a
// read-only audit operation.
func ExtractBatch(cfg ExtractConfig, l *ledger.Ledger) (ExtractResponse, error) {
	files, err := listImages(cfg.DataPath, cfg.DataType)
	if err != nil {
		return ExtractResponse{}, err
	}

	secretKey, err := keyderive.DecodeKey(cfg.SecretKeyHex)
	if err != nil {
		return ExtractResponse{}, err
	}

	type outcome struct {
		filename string
		match    ExtractMatch
		err      error
	}

	rc := raster.New()
	outcomes := runWorkers(files, func(filename string) outcome {
		match, err := extractOne(rc, cfg, filename, secretKey, l)
		return outcome{filename: filename, match: match, err: err}
	})

	resp := ExtractResponse{TotalImages: len(files)}
	for _, o := range outcomes {
		if o.err != nil {
			logrus.WithError(o.err).WithField("file", o.filename).Warn("batch: extract failed")
			resp.FailedImages = append(resp.FailedImages, o.filename)
			continue
		}
		resp.Matches = append(resp.Matches, o.match)
		resp.ProcessedImages++
	}

	sort.Slice(resp.Matches, func(i, j int) bool {
		return resp.Matches[i].Filename < resp.Matches[j].Filename
	})

	if resp.ProcessedImages == 0 {
		return resp, ErrBatchEmpty
	}
	return resp, nil
}

func extractOne(rc *raster.Codec, cfg ExtractConfig, filename string, secretKey []byte, l *ledger.Ledger) (ExtractMatch, error) {
	in, err := os.Open(filepath.Join(cfg.DataPath, filename))
	if err != nil {
		return ExtractMatch{}, fmt.Errorf("open: %w", err)
	}
	defer in.Close()

	pixels, width, height, bitDepth, err := rc.ReadPixels(in)
	if err != nil {
		return ExtractMatch{}, err
	}
	img := &watermark.Image{Width: width, Height: height, BitDepth: bitDepth, Pixels: pixels}

	mask, err := keyderive.MaskStream(secretKey)
	if err != nil {
		return ExtractMatch{}, err
	}

	result, err := codec.Extract(img, watermark.DefaultKernel(), watermark.Radius3, mask, 0, nil)
	if err != nil {
		return ExtractMatch{}, err
	}

	if cfg.ExtWatPath != "" {
		out, err := os.Create(filepath.Join(cfg.ExtWatPath, filename))
		if err != nil {
			return ExtractMatch{}, fmt.Errorf("create: %w", err)
		}
		defer out.Close()
		if err := rc.WritePixels(out, result.Recovered.Pixels, width, height, bitDepth); err != nil {
			return ExtractMatch{}, err
		}
	}

	entry, ber, found := l.FindBestMatchByBits(result.ExtractedBits)
	match := ExtractMatch{Filename: filename, BitErrorRate: ber, Found: found}
	if found {
		match.MatchedFilename = entry.Filename
	}
	return match, nil
}

func resolveSecretKey(hexKey string) (key []byte, keyHex string, err error) {
	if hexKey != "" {
		key, err = keyderive.DecodeKey(hexKey)
		if err != nil {
			return nil, "", err
		}
		return key, hexKey, nil
	}
	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, "", fmt.Errorf("batch: generate secret key: %w", err)
	}
	return key, hex.EncodeToString(key), nil
}

func listImages(dataPath, dataType string) ([]string, error) {
	entries, err := os.ReadDir(dataPath)
	if err != nil {
		return nil, fmt.Errorf("batch: read dir %s: %w", dataPath, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if dataType != "" && !strings.EqualFold(filepath.Ext(e.Name()), dataType) {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// runWorkers fans work out across runtime.GOMAXPROCS(0) workers, each
// owning its own pixel buffers (spec §5: no sharing across images),
// and collects results in a slice indexed the same way regardless of
// completion order.
func runWorkers[T any](files []string, work func(string) T) []T {
	results := make([]T, len(files))
	workerCount := runtime.GOMAXPROCS(0)
	if workerCount > len(files) {
		workerCount = len(files)
	}
	if workerCount <= 1 {
		for i, f := range files {
			results[i] = work(f)
		}
		return results
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = work(files[i])
			}
		}()
	}
	for i := range files {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return results
}
