package camera

import (
	"fmt"
	"time"
)

const (
	BackendOpenCV = "opencv"
	BackendHailo  = "hailo"
	// BackendTest serves a solid grey frame without any hardware.
	BackendTest = "test"
)

// Config is read once at startup; the device is never renegotiated at runtime.
type Config struct {
	Backend string `yaml:"backend" json:"backend"`
	// Device is the V4L2 index used when Pipeline is empty.
	Device int `yaml:"device" json:"device"`
	// Pipeline is a GStreamer description ending in appsink, e.g. a libcamerasrc chain.
	Pipeline  string `yaml:"pipeline" json:"pipeline,omitempty"`
	Width     int    `yaml:"width" json:"width"`
	Height    int    `yaml:"height" json:"height"`
	Framerate int    `yaml:"framerate" json:"framerate"`

	CaptureTimeout time.Duration `yaml:"capture_timeout" json:"capture_timeout"`
	// RetryInterval is how often a missing device is re-opened; 0 disables it.
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`
	// MaxFailures consecutive capture errors mark the device as lost.
	MaxFailures int `yaml:"max_failures" json:"max_failures"`
}

func DefaultConfig() Config {
	return Config{
		Backend:        BackendOpenCV,
		Device:         0,
		Width:          1920,
		Height:         1080,
		Framerate:      30,
		CaptureTimeout: 2 * time.Second,
		RetryInterval:  5 * time.Second,
		MaxFailures:    30,
	}
}

// Validate returns a list of problems, or nil if the config is usable.
func (c *Config) Validate() []string {
	var problems []string
	switch c.Backend {
	case BackendOpenCV, BackendHailo, BackendTest:
	default:
		problems = append(problems, fmt.Sprintf("camera.backend must be one of %q, %q, %q, got %q",
			BackendOpenCV, BackendHailo, BackendTest, c.Backend))
	}
	if c.Device < 0 {
		problems = append(problems, "camera.device must not be negative")
	}
	if c.Width < 1 || c.Height < 1 {
		problems = append(problems, "camera.width and camera.height must be positive")
	}
	if c.Framerate < 1 || c.Framerate > 120 {
		problems = append(problems, "camera.framerate must be between 1 and 120")
	}
	if c.CaptureTimeout <= 0 {
		problems = append(problems, "camera.capture_timeout must be positive")
	}
	if c.RetryInterval < 0 {
		problems = append(problems, "camera.retry_interval must not be negative")
	}
	if c.MaxFailures < 1 {
		problems = append(problems, "camera.max_failures must be at least 1")
	}
	return problems
}
