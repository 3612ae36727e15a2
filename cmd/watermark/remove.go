// Copyright 2018 Zanicar. All rights reserved.
// Utilizes a BSD-3 license. Refer to the included LICENSE file for details.

package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paroma/watermark/batch"
)

var removeViper = viper.New()

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a previously embedded watermark, recovering the original image",
	RunE:  runRemove,
}

func init() {
	flags := removeCmd.Flags()
	flags.String("data-path", "", "directory of watermarked images (required)")
	flags.String("save-path", "", "directory to write recovered images to (required)")
	flags.String("blockchain-path", "", "ledger JSON file (required)")
	flags.String("secret-key", "", "32-byte secret key, hex (required)")
	flags.String("data-type", ".png", "file extension filter")

	for _, name := range []string{"data-path", "save-path", "blockchain-path", "secret-key"} {
		_ = removeCmd.MarkFlagRequired(name)
	}
	_ = removeViper.BindPFlags(flags)
}

func runRemove(_ *cobra.Command, _ []string) error {
	cfg := batch.RemoveConfig{
		DataPath:       removeViper.GetString("data-path"),
		SavePath:       removeViper.GetString("save-path"),
		BlockchainPath: removeViper.GetString("blockchain-path"),
		SecretKeyHex:   removeViper.GetString("secret-key"),
		DataType:       removeViper.GetString("data-type"),
	}

	l, err := openLedger(cfg.BlockchainPath)
	if err != nil {
		return err
	}

	resp, err := batch.RemoveBatch(cfg, l)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"total":     resp.TotalImages,
		"processed": resp.ProcessedImages,
		"failed":    len(resp.FailedImages),
		"block":     resp.BlockNumber,
	}).Info("remove batch complete")
	return nil
}
