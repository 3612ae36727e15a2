// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "watermark",
	Short: "Reversible grayscale watermarking with a hash-chained audit ledger",
	Long: `watermark embeds a cryptographically derived watermark into grayscale
images via reversible histogram shifting, and can remove it again to
recover the original image bit-exactly given the secret key. Every
embed and remove operation is recorded in an append-only, hash-chained
ledger.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(extractCmd)
}
