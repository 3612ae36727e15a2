// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

package main

import (
	"errors"

	"github.com/paroma/watermark"
	"github.com/paroma/watermark/batch"
	"github.com/paroma/watermark/ledger"
)

// Exit codes, per spec §6.
const (
	exitSuccess       = 0
	exitConfigError   = 2
	exitLedgerCorrupt = 3
	exitIOError       = 4
	exitAllFailed     = 5
)

// exitCodeFor maps an error returned by a batch operation to one of
// the §6 exit codes, per the error-kind table in §7.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, batch.ErrBatchEmpty):
		return exitAllFailed
	case errors.Is(err, ledger.ErrChainCorrupted):
		return exitLedgerCorrupt
	case errors.Is(err, ledger.ErrConcurrentLedger):
		return exitLedgerCorrupt
	case errors.Is(err, watermark.ErrConfigInvalid),
		errors.Is(err, watermark.ErrKernelInvalid),
		errors.Is(err, watermark.ErrDimensionTooSmall):
		return exitConfigError
	default:
		return exitIOError
	}
}
