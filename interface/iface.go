package iface

import (
	"context"
	"image"
	"time"

	"gocv.io/x/gocv"
)

type NamesConf struct {
	IsFile bool
	Data   any
}

type EngineConfig struct {
	Enabled   bool     `json:"enabled"`
	UseGPU    bool     `json:"use_gpu"`
	ModelPath string   `json:"model_path"`
	Names     []string `json:"names"`
	Conf      float32  `json:"conf"`
	Iou       float32  `json:"iou"`
	InputSize int      `json:"input_size"`
}

type Position struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

type Box struct {
	LT Position `json:"lt"`
	RT Position `json:"rt"`
	RB Position `json:"rb"`
	LB Position `json:"lb"`
}

// BoxFromRect converts a pixel rectangle to the four-corner form.
func BoxFromRect(r image.Rectangle) Box {
	return Box{
		LT: Position{X: float32(r.Min.X), Y: float32(r.Min.Y)},
		RT: Position{X: float32(r.Max.X), Y: float32(r.Min.Y)},
		RB: Position{X: float32(r.Max.X), Y: float32(r.Max.Y)},
		LB: Position{X: float32(r.Min.X), Y: float32(r.Max.Y)},
	}
}

// Rect returns the box as an axis-aligned pixel rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.LT.X), int(b.LT.Y), int(b.RB.X), int(b.RB.Y))
}

type Result struct {
	ClassID int      `json:"class_id"`
	Label   string   `json:"label"`
	Conf    float32  `json:"conf"`
	Box     Box      `json:"box"`
	Center  Position `json:"center"`
}

// Frame is one raw BGR image produced by a single capture call.
// The receiver of a Frame owns Mat and must Close it.
type Frame struct {
	Mat        gocv.Mat
	Seq        uint64
	CapturedAt time.Time
}

func (f *Frame) Close() error {
	return f.Mat.Close()
}

// AnnotatedFrame is derived 1:1 from a Frame. Mat is a separate copy with
// detections drawn on it; the source Frame is left untouched.
type AnnotatedFrame struct {
	Mat        gocv.Mat
	Seq        uint64
	Detections []Result
}

func (a *AnnotatedFrame) Close() error {
	return a.Mat.Close()
}

// EncodedFrame is immutable once produced.
type EncodedFrame struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	Seq         uint64
}

// FrameSource hands out frames from a device that may or may not be present.
type FrameSource interface {
	Acquire(ctx context.Context) error
	Available() bool
	Capture(ctx context.Context) (Frame, error)
	Release() error
}

type Inferer interface {
	Infer(frame Frame) (AnnotatedFrame, error)
	CheckConfig() EngineConfig
	Destroy()
}

type Encoder interface {
	Encode(img gocv.Mat, seq uint64) (EncodedFrame, error)
	ContentType() string
}
