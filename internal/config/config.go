package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the crowdface service and CLI
type Config struct {
	Models      ModelsConfig      `yaml:"models"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Detection   DetectionConfig   `yaml:"detection"`
	Matching    MatchingConfig    `yaml:"matching"`
	Compositing CompositingConfig `yaml:"compositing"`
	Images      ImagesConfig      `yaml:"images"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ModelsConfig struct {
	Detector  string `yaml:"detector"`  // SCRFD face detector
	Landmarks string `yaml:"landmarks"` // 68-point landmark model (1k3d68)
	Encoder   string `yaml:"encoder"`   // ArcFace descriptor model
}

type RuntimeConfig struct {
	SharedLibrary  string `yaml:"shared_library"` // path to libonnxruntime
	UseCoreML      bool   `yaml:"use_coreml"`
	IntraOpThreads int    `yaml:"intra_op_threads"` // 0 = runtime default
}

type DetectionConfig struct {
	InputSize     int     `yaml:"input_size"`
	ConfThreshold float32 `yaml:"conf_threshold"`
	NMSThreshold  float32 `yaml:"nms_threshold"`
}

type MatchingConfig struct {
	MaxDstBoxes        int   `yaml:"max_dst_boxes"`
	MaxSrcBoxes        int   `yaml:"max_src_boxes"`
	EmbeddingsMaxIters int   `yaml:"embeddings_max_iters"`
	NJobs              int   `yaml:"n_jobs"`
	Margin             int   `yaml:"margin"`
	Seed               int64 `yaml:"seed"` // 0 seeds from the clock
	StrictExhaustion   bool  `yaml:"strict_exhaustion"`
}

type CompositingConfig struct {
	WarpMode     string `yaml:"warp_mode"` // "3d" or "2d"
	ColorCorrect bool   `yaml:"color_correct"`
}

type ImagesConfig struct {
	MaxSelfieSize int `yaml:"max_selfie_size"`
	MaxCrowdSize  int `yaml:"max_crowd_size"`
	JPEGQuality   int `yaml:"jpeg_quality"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	StaticDir      string        `yaml:"static_dir"`
	MaxUploadMB    int           `yaml:"max_upload_mb"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file or environment is given
func Default() *Config {
	return &Config{
		Models: ModelsConfig{
			Detector:  "models/scrfd_10g.onnx",
			Landmarks: "models/1k3d68.onnx",
			Encoder:   "models/arcface.onnx",
		},
		Runtime: RuntimeConfig{
			SharedLibrary: "lib/libonnxruntime.so",
		},
		Detection: DetectionConfig{
			InputSize:     640,
			ConfThreshold: 0.5,
			NMSThreshold:  0.4,
		},
		Matching: MatchingConfig{
			MaxDstBoxes:        25,
			MaxSrcBoxes:        25,
			EmbeddingsMaxIters: 2,
			NJobs:              2,
			Margin:             10,
		},
		Compositing: CompositingConfig{
			WarpMode:     "3d",
			ColorCorrect: true,
		},
		Images: ImagesConfig{
			MaxSelfieSize: 400,
			MaxCrowdSize:  1000,
			JPEGQuality:   95,
		},
		Server: ServerConfig{
			Addr:           ":5000",
			StaticDir:      "static",
			MaxUploadMB:    20,
			RequestTimeout: 2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file layered over Default, then
// applies CROWDFACE_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("CROWDFACE_DETECTOR_MODEL", &c.Models.Detector)
	envString("CROWDFACE_LANDMARKS_MODEL", &c.Models.Landmarks)
	envString("CROWDFACE_ENCODER_MODEL", &c.Models.Encoder)
	envString("CROWDFACE_ORT_LIBRARY", &c.Runtime.SharedLibrary)
	envString("CROWDFACE_WARP_MODE", &c.Compositing.WarpMode)
	envString("CROWDFACE_ADDR", &c.Server.Addr)
	envString("CROWDFACE_STATIC_DIR", &c.Server.StaticDir)
	envString("CROWDFACE_LOG_LEVEL", &c.Logging.Level)

	var errs []error
	errs = append(errs,
		envInt("CROWDFACE_MAX_DST_BOXES", &c.Matching.MaxDstBoxes),
		envInt("CROWDFACE_MAX_SRC_BOXES", &c.Matching.MaxSrcBoxes),
		envInt("CROWDFACE_EMBEDDINGS_MAX_ITERS", &c.Matching.EmbeddingsMaxIters),
		envInt("CROWDFACE_N_JOBS", &c.Matching.NJobs),
		envInt("CROWDFACE_INTRA_OP_THREADS", &c.Runtime.IntraOpThreads),
		envInt("CROWDFACE_MAX_SELFIE_SIZE", &c.Images.MaxSelfieSize),
		envInt("CROWDFACE_MAX_CROWD_SIZE", &c.Images.MaxCrowdSize),
		envBool("CROWDFACE_COLOR_CORRECT", &c.Compositing.ColorCorrect),
		envBool("CROWDFACE_USE_COREML", &c.Runtime.UseCoreML),
		envBool("CROWDFACE_STRICT_EXHAUSTION", &c.Matching.StrictExhaustion),
	)
	if s := os.Getenv("CROWDFACE_SEED"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid CROWDFACE_SEED: %w", err))
		} else {
			c.Matching.Seed = n
		}
	}
	return errors.Join(errs...)
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var errs []error
	if c.Matching.MaxDstBoxes < 1 {
		errs = append(errs, fmt.Errorf("matching.max_dst_boxes must be >= 1, got %d", c.Matching.MaxDstBoxes))
	}
	if c.Matching.MaxSrcBoxes < 1 {
		errs = append(errs, fmt.Errorf("matching.max_src_boxes must be >= 1, got %d", c.Matching.MaxSrcBoxes))
	}
	if c.Matching.EmbeddingsMaxIters < 0 {
		errs = append(errs, fmt.Errorf("matching.embeddings_max_iters must be >= 0, got %d", c.Matching.EmbeddingsMaxIters))
	}
	if c.Matching.NJobs < 1 {
		errs = append(errs, fmt.Errorf("matching.n_jobs must be >= 1, got %d", c.Matching.NJobs))
	}
	if c.Runtime.IntraOpThreads < 0 {
		errs = append(errs, fmt.Errorf("runtime.intra_op_threads must be >= 0, got %d", c.Runtime.IntraOpThreads))
	}
	if c.Matching.Margin < 0 {
		errs = append(errs, fmt.Errorf("matching.margin must be >= 0, got %d", c.Matching.Margin))
	}
	switch strings.ToLower(c.Compositing.WarpMode) {
	case "2d", "3d":
	default:
		errs = append(errs, fmt.Errorf("compositing.warp_mode must be 2d or 3d, got %q", c.Compositing.WarpMode))
	}
	if c.Images.MaxSelfieSize < 1 || c.Images.MaxCrowdSize < 1 {
		errs = append(errs, fmt.Errorf("images max sizes must be positive"))
	}
	if c.Images.JPEGQuality < 1 || c.Images.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("images.jpeg_quality must be in 1..100, got %d", c.Images.JPEGQuality))
	}
	if c.Detection.InputSize%32 != 0 || c.Detection.InputSize <= 0 {
		errs = append(errs, fmt.Errorf("detection.input_size must be a positive multiple of 32, got %d", c.Detection.InputSize))
	}
	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if s := os.Getenv(key); s != "" {
		*dst = s
	}
}

func envInt(key string, dst *int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}
