package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	coverid "github.com/menta2k/cover-identifier"
)

func newDetectorCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detector",
		Short: "Troubleshoot the cover detector",
	}
	cmd.AddCommand(newDetectorDescribeCommand(ctx))
	return cmd
}

func newDetectorDescribeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <image>",
		Short: "Ask the vision model to describe a photo",
		Long: `Send the photo to the configured ollama or llama.cpp model with a plain
"what do you see" prompt. If the answer has nothing to do with the photo,
the model or server is not receiving images and cover detection cannot work.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Detector.Backend != "ollama" && cfg.Detector.Backend != "llamacpp" {
				return usageError("detector.backend is %q; only ollama and llamacpp can describe photos", cfg.Detector.Backend)
			}
			if err := cfg.ValidateDetector(); err != nil {
				return usageError("%v", err)
			}

			res, err := coverid.DescribePhoto(cmd.Context(), cfg, args[0], coverid.WithLogger(log))
			if err != nil {
				return &exitError{code: exitFailure, err: err}
			}

			info := res.Image
			rows := [][]string{
				{"Backend", cfg.Detector.Backend},
				{"Model", cfg.Detector.Model},
				{"Size", fmt.Sprintf("%dx%d", info.Width, info.Height)},
				{"Aspect ratio", strconv.FormatFloat(info.AspectRatio, 'f', 2, 64)},
				{"Mean intensity", strconv.FormatFloat(info.MeanIntensity, 'f', 1, 64)},
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"Property", "Value"}, rows, nil))
			fmt.Fprintln(out, res.Answer)
			return nil
		},
	}
}
