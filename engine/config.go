package engine

import "fmt"

type Config struct {
	Enabled   bool    `yaml:"enabled" json:"enabled"`
	ModelPath string  `yaml:"model_path" json:"model_path"`
	NamesFile string  `yaml:"names_file" json:"names_file,omitempty"`
	Conf      float32 `yaml:"conf" json:"conf"`
	Iou       float32 `yaml:"iou" json:"iou"`
	InputSize int     `yaml:"input_size" json:"input_size"`
	UseGPU    bool    `yaml:"use_gpu" json:"use_gpu"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		ModelPath: "yolov8n.onnx",
		Conf:      0.5,
		Iou:       0.45,
		InputSize: 640,
	}
}

func (c *Config) Validate() []string {
	var problems []string
	if !c.Enabled {
		return nil
	}
	if c.ModelPath == "" {
		problems = append(problems, "detection.model_path cannot be empty")
	}
	if c.Conf < 0 || c.Conf > 1 {
		problems = append(problems, fmt.Sprintf("detection.conf must be between 0.0 and 1.0, got %g", c.Conf))
	}
	if c.Iou < 0 || c.Iou > 1 {
		problems = append(problems, fmt.Sprintf("detection.iou must be between 0.0 and 1.0, got %g", c.Iou))
	}
	if c.InputSize < 32 || c.InputSize%32 != 0 {
		problems = append(problems, "detection.input_size must be a positive multiple of 32")
	}
	return problems
}
