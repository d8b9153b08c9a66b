package hailo

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var ErrCompile = errors.New("hef compilation failed")

type CompileOptions struct {
	ONNXPath   string
	HEFPath    string
	Arch       string
	InputShape string
}

// CompileArgs is the argument list passed to the hailo CLI.
func CompileArgs(opts CompileOptions) []string {
	shape := opts.InputShape
	if shape == "" {
		shape = "1,640,640,3"
	}
	return []string{
		"compile", opts.ONNXPath,
		"--hw-arch", opts.Arch,
		"--output", opts.HEFPath,
		"--input-format", "nhwc",
		"--input-shape", shape,
	}
}

// VerifyONNX loads the model with OpenCV DNN to catch a broken export
// before handing it to the compiler.
func VerifyONNX(path string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "onnx model %s", path)
	}
	net := gocv.ReadNetFromONNX(path)
	defer net.Close()
	if net.Empty() {
		return errors.Newf("onnx model %s could not be parsed", path)
	}
	return nil
}

// Compiler wraps `hailo compile`. Verify and Run are replaceable for tests.
type Compiler struct {
	Verify func(path string) error
	Run    Runner
	Log    *zap.Logger
}

func NewCompiler(log *zap.Logger) *Compiler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compiler{Verify: VerifyONNX, Run: ExecRunner, Log: log}
}

// Compile returns the compiler output. A missing CLI and a non-zero exit
// are both errors carrying whatever the CLI printed.
func (c *Compiler) Compile(ctx context.Context, opts CompileOptions) (string, error) {
	if opts.ONNXPath == "" || opts.HEFPath == "" {
		return "", errors.New("onnx and hef paths are required")
	}
	if opts.Arch == "" {
		return "", errors.Wrap(ErrArchUnknown, "compile")
	}
	if c.Verify != nil {
		if err := c.Verify(opts.ONNXPath); err != nil {
			return "", err
		}
	}
	args := CompileArgs(opts)
	c.Log.Info("compiling HEF", zap.String("cmd", "hailo "+strings.Join(args, " ")))
	out, err := c.Run(ctx, "hailo", args...)
	output := strings.TrimSpace(string(out))
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return output, errors.WithHint(errors.Mark(errors.Wrap(err, "hailo CLI not found in PATH"), ErrCompile),
				"Install the Hailo Dataflow Compiler.")
		}
		return output, errors.Mark(errors.Wrapf(err, "hailo compile: %s", output), ErrCompile)
	}
	c.Log.Info("compilation complete", zap.String("hef", opts.HEFPath))
	return output, nil
}
