package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	adhoc "PiCamDetServer/Adhoc"
	"PiCamDetServer/camera"
	"PiCamDetServer/codec"
	"PiCamDetServer/engine"
	"PiCamDetServer/hailo"
	"PiCamDetServer/monitor"
	"PiCamDetServer/stream"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

type GRPC struct {
	// Port 0 disables the gRPC service.
	Port int `yaml:"port" json:"port"`
}

type Log struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

type Config struct {
	Server    Server         `yaml:"server" json:"server"`
	Camera    camera.Config  `yaml:"camera" json:"camera"`
	Detection engine.Config  `yaml:"detection" json:"detection"`
	Encoder   codec.Config   `yaml:"encoder" json:"encoder"`
	Stream    stream.Config  `yaml:"stream" json:"stream"`
	Monitor   monitor.Config `yaml:"monitor" json:"monitor"`
	GRPC      GRPC           `yaml:"grpc" json:"grpc"`
	Registry  adhoc.Config   `yaml:"registry" json:"registry"`
	Hailo     hailo.Config   `yaml:"hailo" json:"hailo"`
	Log       Log            `yaml:"log" json:"log"`

	// Dir is the directory relative paths were resolved against.
	Dir string `yaml:"-" json:"-"`
}

func Default() Config {
	return Config{
		Server:    Server{Host: "0.0.0.0", Port: 5000},
		Camera:    camera.DefaultConfig(),
		Detection: engine.DefaultConfig(),
		Encoder:   codec.DefaultConfig(),
		Stream:    stream.DefaultConfig(),
		Monitor:   monitor.DefaultConfig(),
		GRPC:      GRPC{Port: 50051},
		Registry:  adhoc.DefaultConfig(),
		Hailo:     hailo.DefaultConfig(),
		Log:       Log{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file is an error; use
// Default() to run without one.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "parse %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config path")
	}
	cfg.Resolve(filepath.Dir(abs))
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve makes the artifact paths absolute against dir.
func (c *Config) Resolve(dir string) {
	c.Dir = dir
	for _, p := range []*string{
		&c.Detection.ModelPath,
		&c.Detection.NamesFile,
		&c.Encoder.Placeholder,
		&c.Hailo.ResourcesPath,
		&c.Hailo.HEFPath,
		&c.Hailo.PostProcessSO,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be between 0 and 65535")
	}
	if c.GRPC.Port < 0 || c.GRPC.Port > 65535 {
		problems = append(problems, "grpc.port must be between 0 and 65535")
	}
	problems = append(problems, c.Camera.Validate()...)
	problems = append(problems, c.Detection.Validate()...)
	problems = append(problems, c.Encoder.Validate()...)
	problems = append(problems, c.Stream.Validate()...)
	problems = append(problems, c.Monitor.Validate()...)
	problems = append(problems, c.Registry.Validate()...)
	if c.Camera.Backend == camera.BackendHailo {
		problems = append(problems, c.Hailo.Validate()...)
	}
	if len(problems) > 0 {
		return errors.WithHint(
			errors.Newf("invalid configuration: %s", strings.Join(problems, "; ")),
			"Fix the listed keys in config.yaml.")
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
