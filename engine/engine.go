package engine

import (
	"fmt"
	"image"
	"os"
	"reflect"
	"sync"

	iface "PiCamDetServer/interface"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

// Detector runs a YOLOv8 ONNX export through the OpenCV DNN module.
// gocv.Net is not reentrant, so every call holds mu.
type Detector struct {
	mu        sync.Mutex
	net       gocv.Net
	ModelPath string
	Names     []string
	Conf      float32
	Iou       float32
	UseGPU    bool
	InputSize int
	State     int
}

var _ iface.Inferer = (*Detector)(nil)

func (d *Detector) New() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.State = REGISTERED
	d.InputSize = 640
	return true
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return iface.EngineConfig{
		Enabled:   d.State != UNREGISTERED,
		ModelPath: d.ModelPath,
		Names:     append([]string(nil), d.Names...),
		Conf:      d.Conf,
		Iou:       d.Iou,
		UseGPU:    d.UseGPU,
		InputSize: d.InputSize,
	}
}

func resolveNames(names iface.NamesConf) ([]string, error) {
	if names.Data == nil {
		return COCOClasses, nil
	}
	if names.IsFile {
		path, ok := names.Data.(string)
		if !ok {
			return nil, errors.Newf("names file must be a path, got %T", names.Data)
		}
		lines, err := ReadLinesReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read names file %s", path)
		}
		return lines, nil
	}
	rv := reflect.ValueOf(names.Data)
	if rv.Kind() != reflect.Slice {
		return nil, errors.Newf("names must be a slice or a file path, got %T", names.Data)
	}
	out := make([]string, rv.Len())
	for i := range out {
		s, ok := rv.Index(i).Interface().(string)
		if !ok {
			return nil, errors.Newf("names[%d] is %T, not string", i, rv.Index(i).Interface())
		}
		out[i] = s
	}
	if len(out) == 0 {
		return COCOClasses, nil
	}
	return out, nil
}

// LoadModel reads the network. Every failure matches iface.ErrModelLoad.
func (d *Detector) LoadModel(modelPath string, names iface.NamesConf, conf float32, iou float32, useGPU bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == UNREGISTERED {
		return iface.Mark(nil, iface.ErrModelLoad, "detector not registered")
	}
	if conf < 0 || conf > 1 {
		return iface.Mark(nil, iface.ErrModelLoad, fmt.Sprintf("confidence must be between 0.0 and 1.0, got %f", conf))
	}
	if iou < 0 || iou > 1 {
		return iface.Mark(nil, iface.ErrModelLoad, fmt.Sprintf("IoU must be between 0.0 and 1.0, got %f", iou))
	}
	labels, err := resolveNames(names)
	if err != nil {
		return iface.Mark(err, iface.ErrModelLoad, "load class names")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return errors.WithHint(iface.Mark(err, iface.ErrModelLoad, "model file"),
			"export the weights with `yolo export model=yolov8n.pt format=onnx` and set detection.model_path")
	}
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return iface.Mark(nil, iface.ErrModelLoad, "failed to load model from "+modelPath)
	}
	if useGPU {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}
	if d.State == IDLE {
		_ = d.net.Close()
	}
	d.net = net
	d.ModelPath = modelPath
	d.Names = labels
	d.Conf = conf
	d.Iou = iou
	d.UseGPU = useGPU
	d.State = IDLE
	return nil
}

func (d *Detector) SetInputSize(size int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size >= 32 {
		d.InputSize = size
	}
}

func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == IDLE || d.State == BUSY {
		_ = d.net.Close()
	}
	d.net = gocv.Net{}
	d.ModelPath = ""
	d.Names = nil
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.State = UNREGISTERED
}

func (d *Detector) label(classID int) string {
	if classID >= 0 && classID < len(d.Names) {
		return d.Names[classID]
	}
	return fmt.Sprintf("class %d", classID)
}

// Detect runs one forward pass. img is only read.
func (d *Detector) Detect(img gocv.Mat) ([]iface.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.State {
	case UNREGISTERED:
		return nil, iface.Mark(nil, iface.ErrInference, "detector not registered")
	case REGISTERED:
		return nil, iface.Mark(nil, iface.ErrInference, "model not loaded")
	}
	if img.Empty() {
		return nil, iface.Mark(nil, iface.ErrInference, "empty image")
	}
	d.State = BUSY
	defer func() { d.State = IDLE }()

	size := image.Pt(d.InputSize, d.InputSize)
	blob := gocv.BlobFromImage(img, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()
	if output.Empty() {
		return nil, iface.Mark(nil, iface.ErrInference, "empty network output")
	}
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, iface.Mark(err, iface.ErrInference, "read network output")
	}

	cands := decodeYOLOv8(data, output.Size(), d.Conf, d.InputSize, d.InputSize, img.Cols(), img.Rows())
	if len(cands) == 0 {
		return []iface.Result{}, nil
	}
	boxes := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		boxes[i] = c.box
		scores[i] = c.score
	}
	keep := gocv.NMSBoxes(boxes, scores, d.Conf, d.Iou)

	results := make([]iface.Result, 0, len(keep))
	for _, idx := range keep {
		c := cands[idx]
		box := iface.BoxFromRect(c.box)
		results = append(results, iface.Result{
			ClassID: c.classID,
			Label:   d.label(c.classID),
			Conf:    c.score,
			Box:     box,
			Center: iface.Position{
				X: (box.LT.X + box.RB.X) / 2,
				Y: (box.LT.Y + box.RB.Y) / 2,
			},
		})
	}
	return results, nil
}

// Infer detects on frame and draws the results on a clone; frame is untouched.
func (d *Detector) Infer(frame iface.Frame) (iface.AnnotatedFrame, error) {
	results, err := d.Detect(frame.Mat)
	if err != nil {
		return iface.AnnotatedFrame{}, err
	}
	out := frame.Mat.Clone()
	Annotate(&out, results)
	return iface.AnnotatedFrame{Mat: out, Seq: frame.Seq, Detections: results}, nil
}

// Warmup runs a few passes on a black image so the first real frame is not
// charged with backend initialisation.
func (d *Detector) Warmup(rounds int, log *zap.Logger) {
	warm := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3)
	defer warm.Close()
	for i := 0; i < rounds; i++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic during warmup detect", zap.Any("panic", r))
				}
			}()
			_, _ = d.Detect(warm)
		}()
	}
}

// Passthrough clones the frame without detecting anything. It is used when
// detection is disabled and for sources whose frames arrive annotated.
type Passthrough struct{}

var _ iface.Inferer = Passthrough{}

func (Passthrough) Infer(frame iface.Frame) (iface.AnnotatedFrame, error) {
	if frame.Mat.Empty() {
		return iface.AnnotatedFrame{}, iface.Mark(nil, iface.ErrInference, "empty image")
	}
	return iface.AnnotatedFrame{Mat: frame.Mat.Clone(), Seq: frame.Seq, Detections: []iface.Result{}}, nil
}

func (Passthrough) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{Enabled: false}
}

func (Passthrough) Destroy() {}

// Load builds the Inferer for cfg. A detector that cannot load is fatal to the caller.
func Load(cfg Config, log *zap.Logger) (iface.Inferer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.Enabled {
		log.Info("detection disabled, frames pass through")
		return Passthrough{}, nil
	}
	names := iface.NamesConf{}
	if cfg.NamesFile != "" {
		names = iface.NamesConf{IsFile: true, Data: cfg.NamesFile}
	}
	d := &Detector{}
	d.New()
	d.SetInputSize(cfg.InputSize)
	if err := d.LoadModel(cfg.ModelPath, names, cfg.Conf, cfg.Iou, cfg.UseGPU); err != nil {
		return nil, err
	}
	if cfg.UseGPU {
		log.Info("using GPU, warming up detector")
		d.Warmup(3, log)
	}
	log.Info("detector loaded",
		zap.String("model", cfg.ModelPath),
		zap.Int("classes", len(d.Names)),
		zap.Float32("conf", cfg.Conf),
		zap.Float32("iou", cfg.Iou),
		zap.Bool("gpu", cfg.UseGPU))
	return d, nil
}
