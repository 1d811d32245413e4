package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Enrollment  EnrollmentConfig  `yaml:"enrollment"`
	Worker      WorkerConfig      `yaml:"worker"`
	Database    DatabaseConfig    `yaml:"-"`
}

// Capture modes.
const (
	CaptureFFmpeg = "ffmpeg"
	CaptureV4L2   = "v4l2"
)

type CameraConfig struct {
	Source  string `yaml:"source"`  // V4L2 device or video file
	Capture string `yaml:"capture"` // "ffmpeg" or "v4l2"
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	FPS     int    `yaml:"fps"`
}

type RecognitionConfig struct {
	FaceSize           int     `yaml:"face_size"`      // canonical face side in pixels
	LandmarkInput      int     `yaml:"landmark_input"` // landmark model input side in pixels
	DescriptorDim      int     `yaml:"descriptor_dim"`
	Threshold          float64 `yaml:"threshold"` // accept when score is strictly above
	BoxScale           float64 `yaml:"box_scale"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
}

type EnrollmentConfig struct {
	BounceMS int `yaml:"bounce_ms"`
}

// BounceWindow returns the debounce window as a duration.
func (c EnrollmentConfig) BounceWindow() time.Duration {
	return time.Duration(c.BounceMS) * time.Millisecond
}

type WorkerConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	URL string // PostgreSQL connection URL, empty when no ledger is configured
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat is envInt for non-negative floats.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// databaseURL prefers DATABASE_URL and otherwise assembles one from POSTGRES_* variables.
func databaseURL() string {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		return u
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Load reads the embedded defaults and applies environment overrides.
func Load() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded defaults.yaml: %w", err)
	}

	cfg.Camera.Source = envString("FACEGATE_SOURCE", cfg.Camera.Source)
	cfg.Camera.Capture = envString("FACEGATE_CAPTURE", cfg.Camera.Capture)
	cfg.Camera.Width = envInt("FACEGATE_FRAME_WIDTH", cfg.Camera.Width)
	cfg.Camera.Height = envInt("FACEGATE_FRAME_HEIGHT", cfg.Camera.Height)
	cfg.Camera.FPS = envInt("FACEGATE_FPS", cfg.Camera.FPS)

	cfg.Recognition.FaceSize = envInt("FACEGATE_FACE_SIZE", cfg.Recognition.FaceSize)
	cfg.Recognition.LandmarkInput = envInt("FACEGATE_LANDMARK_INPUT", cfg.Recognition.LandmarkInput)
	cfg.Recognition.DescriptorDim = envInt("FACEGATE_DESCRIPTOR_DIM", cfg.Recognition.DescriptorDim)
	cfg.Recognition.Threshold = envFloat("FACEGATE_THRESHOLD", cfg.Recognition.Threshold)
	cfg.Recognition.BoxScale = envFloat("FACEGATE_BOX_SCALE", cfg.Recognition.BoxScale)
	cfg.Recognition.DetectionThreshold = envFloat("FACEGATE_DETECTION_THRESHOLD", cfg.Recognition.DetectionThreshold)

	cfg.Enrollment.BounceMS = envInt("FACEGATE_BOUNCE_MS", cfg.Enrollment.BounceMS)

	if cmdline := os.Getenv("FACEGATE_WORKER_COMMAND"); cmdline != "" {
		cfg.Worker.Command = strings.Fields(cmdline)
	}
	if s := os.Getenv("FACEGATE_WORKER_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid FACEGATE_WORKER_TIMEOUT %q: %w", s, err)
		}
		cfg.Worker.Timeout = d
	}

	cfg.Database.URL = databaseURL()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Camera.Width < 2 || c.Camera.Height < 2:
		return fmt.Errorf("frame size %dx%d too small", c.Camera.Width, c.Camera.Height)
	case c.Recognition.FaceSize < 8:
		return fmt.Errorf("face size %d too small", c.Recognition.FaceSize)
	case c.Recognition.LandmarkInput < 8:
		return fmt.Errorf("landmark input %d too small", c.Recognition.LandmarkInput)
	case c.Recognition.DescriptorDim <= 0:
		return fmt.Errorf("descriptor dimension must be positive")
	case c.Recognition.Threshold < 0 || c.Recognition.Threshold > 100:
		return fmt.Errorf("threshold %v outside [0, 100]", c.Recognition.Threshold)
	case c.Camera.Capture != CaptureFFmpeg && c.Camera.Capture != CaptureV4L2:
		return fmt.Errorf("unknown capture mode %q (want %s or %s)", c.Camera.Capture, CaptureFFmpeg, CaptureV4L2)
	case len(c.Worker.Command) == 0:
		return fmt.Errorf("no worker command configured")
	}
	return nil
}
