// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paroma/watermark/batch"
)

var extractViper = viper.New()

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Forensically extract a watermark and report the best ledger match",
	RunE:  runExtract,
}

func init() {
	flags := extractCmd.Flags()
	flags.String("data-path", "", "directory of images to inspect (required)")
	flags.String("ext-wat-path", "", "directory to write the best-effort recovered images to (optional)")
	flags.String("blockchain-path", "", "ledger JSON file (required)")
	flags.String("secret-key", "", "32-byte secret key, hex (required)")
	flags.String("data-type", ".png", "file extension filter")

	for _, name := range []string{"data-path", "blockchain-path", "secret-key"} {
		_ = extractCmd.MarkFlagRequired(name)
	}
	_ = extractViper.BindPFlags(flags)
}

func runExtract(cmd *cobra.Command, _ []string) error {
	cfg := batch.ExtractConfig{
		DataPath:       extractViper.GetString("data-path"),
		ExtWatPath:     extractViper.GetString("ext-wat-path"),
		BlockchainPath: extractViper.GetString("blockchain-path"),
		SecretKeyHex:   extractViper.GetString("secret-key"),
		DataType:       extractViper.GetString("data-type"),
	}

	l, err := openLedger(cfg.BlockchainPath)
	if err != nil {
		return err
	}

	resp, err := batch.ExtractBatch(cfg, l)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"total":     resp.TotalImages,
		"processed": resp.ProcessedImages,
		"failed":    len(resp.FailedImages),
	}).Info("extract batch complete")

	out := cmd.OutOrStdout()
	for _, m := range resp.Matches {
		if m.Found {
			fmt.Fprintf(out, "%s: matched %s (ber=%.4f)\n", m.Filename, m.MatchedFilename, m.BitErrorRate)
		} else {
			fmt.Fprintf(out, "%s: no match (best ber=%.4f)\n", m.Filename, m.BitErrorRate)
		}
	}
	return nil
}
