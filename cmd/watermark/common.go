// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paroma/watermark"
	"github.com/paroma/watermark/ledger"
)

// parseKernel decodes a JSON kernel flag ({"side":3,"coefficients":[...]})
// or returns the spec's default 4-neighbour kernel when raw is empty.
func parseKernel(raw string) (watermark.Kernel, error) {
	if raw == "" {
		return watermark.DefaultKernel(), nil
	}
	var k watermark.Kernel
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&k); err != nil {
		return watermark.Kernel{}, fmt.Errorf("%w: kernel: %v", watermark.ErrConfigInvalid, err)
	}
	if err := k.Validate(); err != nil {
		return watermark.Kernel{}, err
	}
	return k, nil
}

// openLedger loads the ledger at path, wrapping any failure with %w so
// exitCodeFor can still map chain corruption to exit code 3.
func openLedger(path string) (*ledger.Ledger, error) {
	l, err := ledger.Load(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	return l, nil
}
