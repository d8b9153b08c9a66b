package hailo

import (
	"os"
	"path/filepath"
	"time"
)

const (
	ArchHailo8   = "hailo8"
	ArchHailo8L  = "hailo8l"
	ArchHailo10H = "hailo10h"

	DefaultResources    = "../resources"
	DefaultThresholds   = "nms-score-threshold=0.3 nms-iou-threshold=0.45 output-format-type=HAILO_FORMAT_TYPE_FLOAT32"
	DefaultPostFunction = "filter_letterbox"
	DefaultSinkName     = "hailo_sink"
)

type Config struct {
	// Arch is hailo8, hailo8l or hailo10h. Empty means ask hailortcli.
	Arch          string `yaml:"arch" json:"arch"`
	ResourcesPath string `yaml:"resources_path" json:"resources_path"`
	HEFPath       string `yaml:"hef_path" json:"hef_path"`
	PostProcessSO string `yaml:"post_process_so" json:"post_process_so"`
	PostFunction  string `yaml:"post_function" json:"post_function"`
	// Directory holding cropping_algorithms/libwhole_buffer.so. Falls back
	// to $TAPPAS_POST_PROC_DIR.
	TappasPostProcDir string `yaml:"tappas_post_proc_dir" json:"tappas_post_proc_dir"`
	BatchSize         int    `yaml:"batch_size" json:"batch_size"`
	Thresholds        string `yaml:"thresholds" json:"thresholds"`
	// VideoSource is "rpi", "libcamera", a /dev/video* device or a file path.
	VideoSource    string        `yaml:"video_source" json:"video_source"`
	Width          int           `yaml:"width" json:"width"`
	Height         int           `yaml:"height" json:"height"`
	FrameRate      int           `yaml:"frame_rate" json:"frame_rate"`
	TrackerClassID int           `yaml:"tracker_class_id" json:"tracker_class_id"`
	VideoSink      string        `yaml:"video_sink" json:"video_sink"`
	Sync           bool          `yaml:"sync" json:"sync"`
	ShowFPS        bool          `yaml:"show_fps" json:"show_fps"`
	StartTimeout   time.Duration `yaml:"start_timeout" json:"start_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ResourcesPath:  DefaultResources,
		PostFunction:   DefaultPostFunction,
		BatchSize:      2,
		Thresholds:     DefaultThresholds,
		VideoSource:    "rpi",
		Width:          1280,
		Height:         720,
		FrameRate:      30,
		TrackerClassID: 1,
		VideoSink:      "autovideosink",
		StartTimeout:   10 * time.Second,
	}
}

func (c *Config) Validate() []string {
	var problems []string
	switch c.Arch {
	case "", ArchHailo8, ArchHailo8L, ArchHailo10H:
	default:
		problems = append(problems, "hailo.arch must be one of hailo8, hailo8l, hailo10h")
	}
	if c.BatchSize <= 0 {
		problems = append(problems, "hailo.batch_size must be positive")
	}
	if c.Width <= 0 || c.Height <= 0 {
		problems = append(problems, "hailo.width and hailo.height must be positive")
	}
	if c.FrameRate <= 0 {
		problems = append(problems, "hailo.frame_rate must be positive")
	}
	if c.TrackerClassID < 0 {
		problems = append(problems, "hailo.tracker_class_id must not be negative")
	}
	return problems
}

// ResolveResources returns path when it exists and DefaultResources
// otherwise.
func ResolveResources(path string) string {
	if path == "" {
		return DefaultResources
	}
	if _, err := os.Stat(path); err != nil {
		return DefaultResources
	}
	return path
}

// Resolved fills the artifact paths that derive from the resources
// directory. The receiver is not modified.
func (c Config) Resolved() Config {
	c.ResourcesPath = ResolveResources(c.ResourcesPath)
	if c.HEFPath == "" {
		// hailo8 and hailo8l ship the same model name
		c.HEFPath = filepath.Join(c.ResourcesPath, "yolov8n.hef")
	}
	if c.PostProcessSO == "" {
		c.PostProcessSO = filepath.Join(c.ResourcesPath, "libyolo_hailortpp_postprocess.so")
	}
	if c.PostFunction == "" {
		c.PostFunction = DefaultPostFunction
	}
	if c.TappasPostProcDir == "" {
		c.TappasPostProcDir = os.Getenv("TAPPAS_POST_PROC_DIR")
	}
	return c
}
