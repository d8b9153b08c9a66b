package hailo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	iface "PiCamDetServer/interface"

	"github.com/cockroachdb/errors"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var gstInit sync.Once

type rawSample struct {
	data          []byte
	width, height int
	at            time.Time
}

// Source pulls overlay-annotated frames out of the Hailo detection pipeline.
// The appsink callback writes into a one-slot mailbox; Capture takes the
// newest sample.
type Source struct {
	cfg     Config
	timeout time.Duration
	log     *zap.Logger
	run     Runner

	mu       sync.Mutex
	pipeline *gst.Pipeline
	stop     context.CancelFunc
	monitor  sync.WaitGroup

	samples   chan rawSample
	failure   chan error
	available atomic.Bool
	seq       atomic.Uint64
}

func NewSource(cfg Config, captureTimeout time.Duration, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{
		cfg:     cfg,
		timeout: captureTimeout,
		log:     log,
		run:     ExecRunner,
		samples: make(chan rawSample, 1),
		failure: make(chan error, 1),
	}
}

func (s *Source) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline != nil {
		return nil
	}
	arch, err := ResolveArch(ctx, s.cfg.Arch, s.run)
	if err != nil {
		return iface.Mark(err, iface.ErrDeviceUnavailable, "hailo device")
	}
	gstInit.Do(func() { gst.Init(nil) })

	launch := DetectionPipeline(s.cfg, false)
	s.log.Info("starting hailo pipeline", zap.String("arch", arch), zap.String("pipeline", launch))
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return iface.Mark(err, iface.ErrDeviceUnavailable, "parse hailo pipeline")
	}
	elem, err := pipeline.GetElementByName(DefaultSinkName)
	if err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return iface.Mark(err, iface.ErrDeviceUnavailable, "find appsink")
	}
	sink := app.SinkFromElement(elem)
	sink.SetCallbacks(&app.SinkCallbacks{NewSampleFunc: s.onSample})

	s.drain()
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return iface.Mark(err, iface.ErrDeviceUnavailable, "start hailo pipeline")
	}
	monCtx, stop := context.WithCancel(context.Background())
	s.pipeline = pipeline
	s.stop = stop
	s.available.Store(true)
	s.monitor.Add(1)
	go s.watchBus(monCtx, pipeline)

	if err := s.awaitFirstSample(ctx); err != nil {
		if serr := s.stopLocked(); serr != nil {
			s.log.Warn("stop hailo pipeline", zap.Error(serr))
		}
		return err
	}
	return nil
}

// awaitFirstSample waits up to StartTimeout for the pipeline to deliver a
// frame. The sample stays in the mailbox for the next Capture.
func (s *Source) awaitFirstSample(ctx context.Context) error {
	if s.cfg.StartTimeout <= 0 {
		return nil
	}
	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case smp := <-s.samples:
		select {
		case s.samples <- smp:
		default:
		}
		return nil
	case err := <-s.failure:
		s.available.Store(false)
		return iface.Mark(err, iface.ErrDeviceUnavailable, "hailo pipeline failed to start")
	case <-timer.C:
		s.available.Store(false)
		return errors.WithHint(
			iface.Mark(nil, iface.ErrDeviceUnavailable, "no frame from hailo pipeline within "+s.cfg.StartTimeout.String()),
			"check the camera connection and the HEF/post-process paths")
	case <-ctx.Done():
		s.available.Store(false)
		return ctx.Err()
	}
}

func (s *Source) Available() bool {
	return s.available.Load()
}

func (s *Source) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	width, height := s.cfg.Width, s.cfg.Height
	if caps := sample.GetCaps(); caps != nil && caps.GetSize() > 0 {
		st := caps.GetStructureAt(0)
		if v, err := st.GetValue("width"); err == nil {
			if w, ok := v.(int); ok {
				width = w
			}
		}
		if v, err := st.GetValue("height"); err == nil {
			if h, ok := v.(int); ok {
				height = h
			}
		}
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	// the buffer is reused once unmapped
	frame := make([]byte, len(data))
	copy(frame, data)
	buffer.Unmap()

	s.offer(rawSample{data: frame, width: width, height: height, at: time.Now()})
	return gst.FlowOK
}

// offer replaces an unread sample with the newer one.
func (s *Source) offer(smp rawSample) {
	select {
	case s.samples <- smp:
		return
	default:
	}
	select {
	case <-s.samples:
	default:
	}
	select {
	case s.samples <- smp:
	default:
	}
}

func (s *Source) drain() {
	for {
		select {
		case <-s.samples:
		case <-s.failure:
		default:
			return
		}
	}
}

func (s *Source) watchBus(ctx context.Context, pipeline *gst.Pipeline) {
	defer s.monitor.Done()
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.fail(errors.New("end of stream"))
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			s.log.Error("hailo pipeline error", zap.String("error", gerr.Error()), zap.String("debug", gerr.DebugString()))
			s.fail(errors.Newf("pipeline error: %s", gerr.Error()))
			return
		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				from, to := msg.ParseStateChanged()
				s.log.Debug("hailo pipeline state changed", zap.Any("from", from), zap.Any("to", to))
			}
		}
	}
}

func (s *Source) fail(err error) {
	s.available.Store(false)
	select {
	case s.failure <- err:
	default:
	}
}

func (s *Source) Capture(ctx context.Context) (iface.Frame, error) {
	if !s.available.Load() {
		return iface.Frame{}, iface.Mark(nil, iface.ErrDeviceUnavailable, "hailo pipeline not running")
	}
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case smp := <-s.samples:
		return s.toFrame(smp)
	case err := <-s.failure:
		return iface.Frame{}, iface.Mark(err, iface.ErrCapture, "hailo pipeline")
	case <-timer.C:
		return iface.Frame{}, iface.Mark(nil, iface.ErrCaptureTimeout, "no sample from hailo pipeline")
	case <-ctx.Done():
		return iface.Frame{}, ctx.Err()
	}
}

func (s *Source) toFrame(smp rawSample) (iface.Frame, error) {
	if smp.width <= 0 || smp.height <= 0 || len(smp.data) < smp.width*smp.height*3 {
		return iface.Frame{}, iface.Mark(nil, iface.ErrCapture, "sample size does not match caps")
	}
	mat, err := gocv.NewMatFromBytes(smp.height, smp.width, gocv.MatTypeCV8UC3, smp.data[:smp.width*smp.height*3])
	if err != nil {
		return iface.Frame{}, iface.Mark(err, iface.ErrCapture, "wrap sample")
	}
	return iface.Frame{Mat: mat, Seq: s.seq.Add(1), CapturedAt: smp.at}, nil
}

func (s *Source) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Source) stopLocked() error {
	if s.pipeline == nil {
		return nil
	}
	s.available.Store(false)
	s.stop()
	s.monitor.Wait()
	err := s.pipeline.SetState(gst.StateNull)
	s.pipeline = nil
	s.drain()
	if err != nil {
		return errors.Wrap(err, "stop hailo pipeline")
	}
	return nil
}
