package main

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/spf13/cobra"

	"github.com/dudu/crowdface/internal/compositing"
	"github.com/dudu/crowdface/internal/config"
	"github.com/dudu/crowdface/internal/imageio"
	"github.com/dudu/crowdface/internal/logging"
	"github.com/dudu/crowdface/internal/pipeline"
	"github.com/dudu/crowdface/internal/ui"
)

// tuning holds the per-run overrides shared by mix and batch
type tuning struct {
	warpMode       string
	noColorCorrect bool
	jobs           int
	seed           int64
	strict         bool
}

func (t *tuning) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.warpMode, "warp", "", "Warp mode: 3d or 2d (overrides the config)")
	cmd.Flags().BoolVar(&t.noColorCorrect, "no-color-correct", false, "Skip color correction before blending")
	cmd.Flags().IntVarP(&t.jobs, "jobs", "j", 0, "Parallel matching workers (overrides the config)")
	cmd.Flags().Int64Var(&t.seed, "seed", 0, "Sampling seed (overrides the config)")
	cmd.Flags().BoolVar(&t.strict, "strict", false, "Fail instead of reusing crowd faces once all are taken")
}

// apply copies explicitly set flags onto the loaded configuration
func (t *tuning) apply(cmd *cobra.Command, c *config.Config) error {
	if t.warpMode != "" {
		c.Compositing.WarpMode = t.warpMode
	}
	if t.noColorCorrect {
		c.Compositing.ColorCorrect = false
	}
	if cmd.Flags().Changed("jobs") {
		c.Matching.NJobs = t.jobs
	}
	if cmd.Flags().Changed("seed") {
		c.Matching.Seed = t.seed
	}
	if t.strict {
		c.Matching.StrictExhaustion = true
	}
	return c.Validate()
}

var (
	mixCrowd   string
	mixSelfies []string
	mixPoints  []string
	mixOut     string
	mixAnswer  string
	mixPreview bool
	mixTuning  tuning
)

var mixCmd = &cobra.Command{
	Use:   "mix",
	Short: "Blend one or more selfies into a crowd photo",
	Example: `  crowdface mix --crowd crowd.jpg --selfie me.jpg
  crowdface mix --crowd crowd.jpg --selfie me.jpg --point 120,80 --warp 2d --preview`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := mixTuning.apply(cmd, cfg); err != nil {
			return err
		}

		points, err := parsePoints(mixPoints)
		if err != nil {
			return err
		}

		crowd, err := imageio.Load(mixCrowd)
		if err != nil {
			return err
		}
		selfies := make([]pipeline.Selfie, 0, len(mixSelfies))
		for i, path := range mixSelfies {
			img, err := imageio.Load(path)
			if err != nil {
				return err
			}
			s := pipeline.Selfie{Image: img}
			// Points of interest refer to the first selfie
			if i == 0 {
				s.Points = points
			}
			selfies = append(selfies, s)
		}

		mixer, err := pipeline.New(cfg)
		if err != nil {
			return err
		}
		defer mixer.Close()

		out, err := mixer.Mix(cmd.Context(), crowd, selfies)
		if err != nil {
			if errors.Is(err, compositing.ErrNoPairs) {
				return fmt.Errorf("nothing to blend: %w", err)
			}
			return err
		}

		quality := cfg.Images.JPEGQuality
		if err := imageio.SaveJPEG(mixOut, out.Result, quality); err != nil {
			return err
		}
		if mixAnswer != "" {
			if err := imageio.SaveJPEG(mixAnswer, out.Answer, quality); err != nil {
				return err
			}
		}

		fmt.Printf("Blended %d face(s) into %s in %v\n", len(out.Boxes), mixOut, out.Timing.Total.Round(time.Millisecond))
		for i, b := range out.Boxes {
			fmt.Printf("  %d: %v\n", i+1, b)
		}
		if out.Exhausted > 0 {
			logging.Warnf("%d selfie face(s) reused an already replaced crowd face", out.Exhausted)
		}

		if mixPreview {
			return preview(out)
		}
		return nil
	},
}

func parsePoints(values []string) ([]image.Point, error) {
	var points []image.Point
	for _, v := range values {
		p, err := pipeline.ParsePoint(v)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

func preview(out *pipeline.Output) error {
	result, err := imageio.ToMat(out.Result)
	if err != nil {
		return err
	}
	defer result.Close()
	answer, err := imageio.ToMat(out.Answer)
	if err != nil {
		return err
	}
	defer answer.Close()

	window := ui.NewWindow("crowdface")
	defer window.Close()
	window.Browse(
		ui.View{Label: "result", Image: result},
		ui.View{Label: "answer", Image: answer},
	)
	return nil
}

func init() {
	mixCmd.Flags().StringVarP(&mixCrowd, "crowd", "c", "", "Crowd photo (required)")
	mixCmd.Flags().StringArrayVarP(&mixSelfies, "selfie", "s", nil, "Selfie photo, repeatable (required)")
	mixCmd.Flags().StringArrayVarP(&mixPoints, "point", "p", nil, "Point of interest x,y in the first selfie, repeatable")
	mixCmd.Flags().StringVarP(&mixOut, "out", "o", "result.jpeg", "Output path of the blended image")
	mixCmd.Flags().StringVar(&mixAnswer, "answer", "", "Optional output path of the image with replaced faces boxed")
	mixCmd.Flags().BoolVar(&mixPreview, "preview", false, "Show the result and answer in a window")
	mixTuning.register(mixCmd)
	mixCmd.MarkFlagRequired("crowd")
	mixCmd.MarkFlagRequired("selfie")
	rootCmd.AddCommand(mixCmd)
}
