package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dudu/crowdface/internal/inference"
)

var inspectMetal bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the ONNX models used by the mixer",
}

var modelsInspectCmd = &cobra.Command{
	Use:   "inspect [model.onnx ...]",
	Short: "Print input and output shapes of models (the configured ones when none are given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := args
		if len(paths) == 0 {
			paths = []string{cfg.Models.Detector, cfg.Models.Landmarks, cfg.Models.Encoder}
		}

		if err := inference.Initialize(inference.Options{
			SharedLibrary: cfg.Runtime.SharedLibrary,
		}); err != nil {
			return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
		}
		defer inference.Shutdown()

		for _, path := range paths {
			info, err := inference.Inspect(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			printModelInfo(info)

			if inspectMetal {
				if err := checkMetal(path); err != nil {
					fmt.Printf("  Metal import: FAILED (%v)\n", err)
				}
			}
			fmt.Println()
		}
		return nil
	},
}

func printModelInfo(info *inference.ModelInfo) {
	fmt.Printf("%s\n", info.Path)
	fmt.Printf("  Inputs (%d):\n", len(info.Inputs))
	for _, t := range info.Inputs {
		fmt.Printf("    %s: shape=%v, type=%s\n", t.Name, t.Dimensions, t.DataType)
	}
	fmt.Printf("  Outputs (%d):\n", len(info.Outputs))
	for _, t := range info.Outputs {
		fmt.Printf("    %s: shape=%v, type=%s\n", t.Name, t.Dimensions, t.DataType)
	}
	if info.Producer != "" {
		fmt.Printf("  Producer: %s %s\n", info.Producer, info.Version)
	}
	if info.Domain != "" {
		fmt.Printf("  Domain: %s\n", info.Domain)
	}
	if info.Description != "" {
		fmt.Printf("  Description: %s\n", info.Description)
	}
}

func init() {
	modelsInspectCmd.Flags().BoolVar(&inspectMetal, "metal", false, "Also try importing each model with go-metal (macOS only)")
	modelsCmd.AddCommand(modelsInspectCmd)
	rootCmd.AddCommand(modelsCmd)
}
