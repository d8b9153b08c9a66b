package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"PiCamDetServer/config"
	"PiCamDetServer/hailo"
	"PiCamDetServer/logger"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

const Version = "0.1.0"

var (
	configPath string
	devMode    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "picamdet",
		Short:         "Raspberry Pi camera node with YOLO detection and an MJPEG stream",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config.yaml")
	root.PersistentFlags().BoolVar(&devMode, "dev", false, "Human readable debug logging")
	root.AddCommand(newServeCmd(), newPipelineCmd(), newCompileCmd())
	return root
}

// loadConfig reads configPath. The default path may be absent, in which case
// built-in defaults are used relative to the working directory.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if _, err := os.Stat(configPath); err != nil && !cmd.Flags().Changed("config") {
		cfg := config.Default()
		wd, _ := os.Getwd()
		cfg.Resolve(wd)
		return cfg, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func initLogger(cfg config.Config) error {
	return logger.Init(logger.Options{
		Development: devMode || cfg.Log.Development,
		Level:       cfg.Log.Level,
	})
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Capture, detect and stream over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := initLogger(cfg); err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
}

func newPipelineCmd() *cobra.Command {
	var arch string
	var display bool
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Print the Hailo GStreamer pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if arch != "" {
				cfg.Hailo.Arch = arch
			}
			resolved, err := hailo.ResolveArch(cmd.Context(), cfg.Hailo.Arch, nil)
			if err != nil {
				return err
			}
			cfg.Hailo.Arch = resolved
			if problems := cfg.Hailo.Validate(); len(problems) > 0 {
				return errors.Newf("invalid hailo configuration: %v", problems)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Using Hailo architecture: %s\n", resolved)
			fmt.Fprintln(cmd.OutOrStdout(), hailo.DetectionPipeline(cfg.Hailo, display))
			return nil
		},
	}
	cmd.Flags().StringVar(&arch, "arch", "", "Hailo architecture (hailo8, hailo8l, hailo10h); detected when empty")
	cmd.Flags().BoolVar(&display, "display", false, "End in fpsdisplaysink instead of appsink")
	return cmd
}

func newCompileCmd() *cobra.Command {
	var opts hailo.CompileOptions
	cmd := &cobra.Command{
		Use:   "compile-hef",
		Short: "Compile a YOLO ONNX export into a Hailo HEF",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.InitDevelopment(); err != nil {
				return err
			}
			defer logger.Sync()
			c := hailo.NewCompiler(logger.Named("hailo"))
			out, err := c.Compile(cmd.Context(), opts)
			if out != "" {
				fmt.Fprintln(cmd.OutOrStdout(), out)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.ONNXPath, "onnx", "yolov8n.onnx", "ONNX model to compile")
	cmd.Flags().StringVar(&opts.HEFPath, "hef", "yolov8n.hef", "Output HEF path")
	cmd.Flags().StringVar(&opts.Arch, "arch", hailo.ArchHailo8, "Target architecture")
	cmd.Flags().StringVar(&opts.InputShape, "input-shape", "1,640,640,3", "NHWC input shape")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		stop()
		os.Exit(1)
	}
}
