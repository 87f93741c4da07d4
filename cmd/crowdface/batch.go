package main

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dudu/crowdface/internal/imageio"
	"github.com/dudu/crowdface/internal/logging"
	"github.com/dudu/crowdface/internal/matching"
	"github.com/dudu/crowdface/internal/pipeline"
)

// batchEntry records one selfie of a batch run in the manifest
type batchEntry struct {
	Selfie    string `yaml:"selfie"`
	ID        string `yaml:"id,omitempty"`
	Result    string `yaml:"result,omitempty"`
	Answer    string `yaml:"answer,omitempty"`
	Faces     int    `yaml:"faces"`
	Exhausted int    `yaml:"exhausted,omitempty"`
	Error     string `yaml:"error,omitempty"`
}

var (
	batchCrowd  string
	batchDir    string
	batchOutDir string
	batchTuning tuning
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Blend every selfie in a directory into the same crowd photo, one output per selfie",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := batchTuning.apply(cmd, cfg); err != nil {
			return err
		}

		selfies, err := listImages(batchDir)
		if err != nil {
			return err
		}
		if len(selfies) == 0 {
			return fmt.Errorf("no images found in %s", batchDir)
		}
		if err := os.MkdirAll(batchOutDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}

		crowd, err := imageio.Load(batchCrowd)
		if err != nil {
			return err
		}

		mixer, err := pipeline.New(cfg)
		if err != nil {
			return err
		}
		defer mixer.Close()

		bar := progressbar.NewOptions(len(selfies),
			progressbar.OptionSetDescription("Mixing"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)

		ctx := cmd.Context()
		entries := make([]batchEntry, 0, len(selfies))
		failed := 0
		for _, path := range selfies {
			if ctx.Err() != nil {
				break
			}
			entry := mixOne(cmd, mixer, crowd, path)
			if entry.Error != "" {
				failed++
			}
			entries = append(entries, entry)
			bar.Add(1)
		}
		bar.Finish()
		fmt.Fprintln(os.Stderr)

		manifest := filepath.Join(batchOutDir, "manifest.yaml")
		if err := writeManifest(manifest, entries); err != nil {
			return err
		}
		fmt.Printf("Mixed %d of %d selfie(s), manifest written to %s\n", len(entries)-failed, len(selfies), manifest)
		return ctx.Err()
	},
}

func mixOne(cmd *cobra.Command, mixer *pipeline.Mixer, crowd image.Image, path string) batchEntry {
	entry := batchEntry{Selfie: path}
	img, err := imageio.Load(path)
	if err != nil {
		entry.Error = err.Error()
		logging.Warnf("skipping %s: %v", path, err)
		return entry
	}

	out, err := mixer.Mix(cmd.Context(), crowd, []pipeline.Selfie{{Image: img}})
	if err != nil {
		entry.Error = err.Error()
		if errors.Is(err, matching.ErrNoFaces) {
			logging.Infof("no usable face in %s", path)
		} else {
			logging.Warnf("failed to mix %s: %v", path, err)
		}
		return entry
	}

	entry.ID = uuid.New().String()
	entry.Result = entry.ID + "-result.jpeg"
	entry.Answer = entry.ID + "-answer.jpeg"
	entry.Faces = len(out.Boxes)
	entry.Exhausted = out.Exhausted

	quality := cfg.Images.JPEGQuality
	if err := imageio.SaveJPEG(filepath.Join(batchOutDir, entry.Result), out.Result, quality); err != nil {
		entry.Error = err.Error()
		return entry
	}
	if err := imageio.SaveJPEG(filepath.Join(batchOutDir, entry.Answer), out.Answer, quality); err != nil {
		entry.Error = err.Error()
	}
	return entry
}

// listImages returns the JPEG and PNG files of dir in name order
func listImages(dir string) ([]string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var paths []string
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(de.Name())) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, filepath.Join(dir, de.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func writeManifest(path string, entries []batchEntry) error {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func init() {
	batchCmd.Flags().StringVarP(&batchCrowd, "crowd", "c", "", "Crowd photo (required)")
	batchCmd.Flags().StringVar(&batchDir, "selfies-dir", "", "Directory of selfie photos (required)")
	batchCmd.Flags().StringVarP(&batchOutDir, "out-dir", "o", "out", "Directory for results and the manifest")
	batchTuning.register(batchCmd)
	batchCmd.MarkFlagRequired("crowd")
	batchCmd.MarkFlagRequired("selfies-dir")
	rootCmd.AddCommand(batchCmd)
}
