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

var embedViper = viper.New()

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Embed a watermark into every image under --data-path",
	RunE:  runEmbed,
}

func init() {
	flags := embedCmd.Flags()
	flags.String("data-path", "", "directory of input images (required)")
	flags.String("save-path", "", "directory to write marked images to (required)")
	flags.String("message", "", "watermark message (required)")
	flags.String("secret-key", "", "32-byte secret key, hex (generated and printed if omitted)")
	flags.String("blockchain-path", "", "ledger JSON file (required)")
	flags.String("kernel", "", "JSON kernel override, e.g. {\"side\":3,\"coefficients\":[...]}")
	flags.Int("stride", 3, "candidate spacing")
	flags.Int("t-hi", 0, "error threshold")
	flags.Int("bit-depth", 8, "8 or 16")
	flags.String("data-type", ".png", "file extension filter")

	for _, name := range []string{"data-path", "save-path", "message", "blockchain-path"} {
		_ = embedCmd.MarkFlagRequired(name)
	}
	_ = embedViper.BindPFlags(flags)
}

func runEmbed(cmd *cobra.Command, _ []string) error {
	kernel, err := parseKernel(embedViper.GetString("kernel"))
	if err != nil {
		return err
	}

	cfg := batch.EmbedConfig{
		DataPath:       embedViper.GetString("data-path"),
		SavePath:       embedViper.GetString("save-path"),
		Message:        embedViper.GetString("message"),
		SecretKeyHex:   embedViper.GetString("secret-key"),
		BlockchainPath: embedViper.GetString("blockchain-path"),
		Kernel:         kernel,
		Stride:         embedViper.GetInt("stride"),
		THi:            embedViper.GetInt("t-hi"),
		BitDepth:       embedViper.GetInt("bit-depth"),
		DataType:       embedViper.GetString("data-type"),
	}

	l, err := openLedger(cfg.BlockchainPath)
	if err != nil {
		return err
	}

	resp, err := batch.EmbedBatch(cfg, l)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"total":     resp.TotalImages,
		"processed": resp.ProcessedImages,
		"failed":    len(resp.FailedImages),
		"block":     resp.BlockNumber,
	}).Info("embed batch complete")
	if resp.SecretKeyHex != "" && embedViper.GetString("secret-key") == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "secret_key: %s\n", resp.SecretKeyHex)
	}
	return nil
}
