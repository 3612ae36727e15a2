// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

// Command watermark embeds, removes, and forensically extracts the
// reversible watermark described by this module, recording every
// operation to a hash-chained ledger.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return 0
}

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
