//go:build darwin

package main

import (
	"fmt"

	"github.com/tsawler/go-metal/checkpoints"
)

// checkMetal reports whether go-metal can import the model. go-metal only
// covers a small operator set (Conv, MatMul, Add, Relu, BatchNorm, Softmax...)
// so detector and landmark graphs usually fail.
func checkMetal(modelPath string) error {
	importer := checkpoints.NewONNXImporter()
	checkpoint, err := importer.ImportFromONNX(modelPath)
	if err != nil {
		return err
	}
	fmt.Printf("  Metal import: ok, %d layers, %d weight tensors\n",
		len(checkpoint.ModelSpec.Layers), len(checkpoint.Weights))
	for i, layer := range checkpoint.ModelSpec.Layers {
		fmt.Printf("    %d: %s (%v)\n", i+1, layer.Name, layer.Type)
	}
	return nil
}
