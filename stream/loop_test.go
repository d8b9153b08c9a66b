package stream

import (
	"bytes"
	"context"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PiCamDetServer/camera"
	"PiCamDetServer/codec"
	"PiCamDetServer/engine"
	iface "PiCamDetServer/interface"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gocv.io/x/gocv"
)

// fakeSource yields 10x10 red frames once acquired.
type fakeSource struct {
	mu         sync.Mutex
	failAcq    int // acquires that fail before one succeeds; <0 fails forever
	available  bool
	captureErr error
	seq        uint64
	captures   atomic.Int32
	releases   atomic.Int32
}

func (s *fakeSource) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAcq != 0 {
		if s.failAcq > 0 {
			s.failAcq--
		}
		return iface.Mark(nil, iface.ErrDeviceUnavailable, "no camera")
	}
	s.available = true
	return nil
}

func (s *fakeSource) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *fakeSource) Capture(ctx context.Context) (iface.Frame, error) {
	s.captures.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return iface.Frame{}, iface.Mark(nil, iface.ErrDeviceUnavailable, "not acquired")
	}
	if s.captureErr != nil {
		return iface.Frame{}, s.captureErr
	}
	s.seq++
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 255, 0), 10, 10, gocv.MatTypeCV8UC3)
	return iface.Frame{Mat: m, Seq: s.seq, CapturedAt: time.Now()}, nil
}

func (s *fakeSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = false
	s.releases.Add(1)
	return nil
}

func (s *fakeSource) setCaptureErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captureErr = err
}

// flakyInferer fails every other call and panics once when asked.
type flakyInferer struct {
	calls   atomic.Int32
	panicOn int32
}

func (f *flakyInferer) Infer(frame iface.Frame) (iface.AnnotatedFrame, error) {
	n := f.calls.Add(1)
	if n == f.panicOn {
		panic("boom")
	}
	if n%2 == 0 {
		return iface.AnnotatedFrame{}, errors.New("forward failed")
	}
	return engine.Passthrough{}.Infer(frame)
}

func (f *flakyInferer) CheckConfig() iface.EngineConfig { return iface.EngineConfig{} }
func (f *flakyInferer) Destroy()                        {}

type countingObserver struct {
	mu       sync.Mutex
	frames   int
	holders  int
	failures map[string]int
}

func (o *countingObserver) ObserveFrame(placeholder bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if placeholder {
		o.holders++
	} else {
		o.frames++
	}
}

func (o *countingObserver) ObserveFailure(stage string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failures == nil {
		o.failures = map[string]int{}
	}
	o.failures[stage]++
}

func (o *countingObserver) ObserveState(bool)              {}
func (o *countingObserver) ObserveInference(time.Duration) {}

func newTestLoop(t *testing.T, src iface.FrameSource, inf iface.Inferer, retry time.Duration, obs Observer) (*Loop, *Broadcaster, iface.EncodedFrame) {
	t.Helper()
	ph, err := codec.Placeholder("", 80)
	require.NoError(t, err)
	b := NewBroadcaster()
	if inf == nil {
		inf = engine.Passthrough{}
	}
	l, err := NewLoop(Options{
		Source:        src,
		Inferer:       inf,
		Encoder:       codec.NewEncoder(codec.DefaultConfig()),
		Placeholder:   ph,
		Broadcaster:   b,
		Config:        Config{PlaceholderInterval: 50 * time.Millisecond, FailureBackoff: time.Millisecond},
		RetryInterval: retry,
		MaxFailures:   3,
		Observer:      obs,
	})
	require.NoError(t, err)
	return l, b, ph
}

func run(t *testing.T, l *Loop) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	return cancel, done
}

func nextPacket(t *testing.T, sub *Subscription) *Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p, err := sub.Next(ctx)
	require.NoError(t, err)
	return p
}

func TestNewLoopRequiresDependencies(t *testing.T) {
	_, err := NewLoop(Options{})
	assert.Error(t, err)
}

func TestDegradedServesPlaceholder(t *testing.T) {
	src := &fakeSource{failAcq: -1}
	l, b, ph := newTestLoop(t, src, nil, 0, nil)
	cancel, done := run(t, l)

	sub := b.Subscribe("viewer")
	var last uint64
	for i := 0; i < 4; i++ {
		p := nextPacket(t, sub)
		assert.True(t, p.Placeholder)
		assert.Equal(t, StateDegraded, p.State)
		assert.Equal(t, ph.Data, p.Data)
		assert.Equal(t, "image/jpeg", p.ContentType)
		assert.Greater(t, p.Seq, last)
		last = p.Seq
	}
	sub.Close()
	cancel()
	<-done
	assert.Equal(t, StateDegraded, l.Status().State)
	assert.Zero(t, src.captures.Load())
}

func TestActiveFramesDecode(t *testing.T) {
	src := &fakeSource{}
	obs := &countingObserver{}
	l, b, _ := newTestLoop(t, src, nil, 0, obs)
	cancel, done := run(t, l)

	sub := b.Subscribe("viewer")
	for i := 0; i < 3; i++ {
		p := nextPacket(t, sub)
		assert.False(t, p.Placeholder)
		assert.Equal(t, StateActive, p.State)
		assert.True(t, bytes.HasPrefix(p.Data, []byte{0xFF, 0xD8}))

		img, err := codec.Decode(p.Data)
		require.NoError(t, err)
		assert.Equal(t, 10, img.Cols())
		assert.Equal(t, 10, img.Rows())
		_ = img.Close()
	}
	sub.Close()
	cancel()
	<-done
	assert.GreaterOrEqual(t, l.Status().Produced, uint64(3))
	assert.GreaterOrEqual(t, src.releases.Load(), int32(1))
	obs.mu.Lock()
	assert.GreaterOrEqual(t, obs.frames, 3)
	obs.mu.Unlock()
}

func TestIdleWithoutSubscribers(t *testing.T) {
	src := &fakeSource{}
	l, b, _ := newTestLoop(t, src, nil, 0, nil)
	cancel, done := run(t, l)
	defer func() { cancel(); <-done }()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, src.captures.Load())

	sub := b.Subscribe("viewer")
	nextPacket(t, sub)
	sub.Close()
	assert.Positive(t, src.captures.Load())
}

func TestRecoversWhenCameraAppears(t *testing.T) {
	src := &fakeSource{failAcq: 2}
	l, b, _ := newTestLoop(t, src, nil, 20*time.Millisecond, nil)
	cancel, done := run(t, l)
	defer func() { cancel(); <-done }()

	sub := b.Subscribe("viewer")
	defer sub.Close()
	sawPlaceholder := false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		p := nextPacket(t, sub)
		if p.Placeholder {
			sawPlaceholder = true
			continue
		}
		assert.Equal(t, StateActive, p.State)
		break
	}
	assert.True(t, sawPlaceholder)
	assert.Equal(t, StateActive, l.State())
	assert.Equal(t, uint64(1), l.Status().Recoveries)
}

func TestRetryDisabledStaysDegraded(t *testing.T) {
	src := &fakeSource{failAcq: 1}
	l, b, _ := newTestLoop(t, src, nil, 0, nil)
	cancel, done := run(t, l)
	defer func() { cancel(); <-done }()

	sub := b.Subscribe("viewer")
	defer sub.Close()
	for i := 0; i < 5; i++ {
		assert.True(t, nextPacket(t, sub).Placeholder)
	}
	assert.False(t, src.Available())
}

func TestDeviceLossFallsBack(t *testing.T) {
	src := &fakeSource{}
	obs := &countingObserver{}
	l, b, _ := newTestLoop(t, src, nil, 0, obs)
	cancel, done := run(t, l)
	defer func() { cancel(); <-done }()

	sub := b.Subscribe("viewer")
	defer sub.Close()
	require.False(t, nextPacket(t, sub).Placeholder)

	src.setCaptureErr(iface.Mark(nil, iface.ErrCapture, "VIDIOC_DQBUF"))
	var p *Packet
	for i := 0; i < 100; i++ {
		p = nextPacket(t, sub)
		if p.Placeholder {
			break
		}
	}
	require.True(t, p.Placeholder)
	assert.Equal(t, StateDegraded, l.State())
	assert.GreaterOrEqual(t, l.Status().Failures, uint64(3))
	assert.Contains(t, l.Status().LastError, "VIDIOC_DQBUF")
	obs.mu.Lock()
	assert.GreaterOrEqual(t, obs.failures[iface.StageCapture], 3)
	obs.mu.Unlock()
}

// hangingDevice serves one frame and then blocks inside Read until released.
type hangingDevice struct {
	*camera.SolidDevice
	reads   atomic.Int32
	release chan struct{}
}

func (d *hangingDevice) Read(m *gocv.Mat) bool {
	if d.reads.Add(1) == 1 {
		return d.SolidDevice.Read(m)
	}
	<-d.release
	return false
}

func TestHungReadFallsBack(t *testing.T) {
	dev := &hangingDevice{SolidDevice: camera.NewSolidDevice(10, 10, color.RGBA{R: 255, A: 255}), release: make(chan struct{})}
	cfg := camera.DefaultConfig()
	cfg.CaptureTimeout = 50 * time.Millisecond
	src := camera.New(cfg, func(camera.Config) (camera.Device, error) { return dev, nil }, nil)
	l, b, _ := newTestLoop(t, src, nil, 0, nil)
	cancel, done := run(t, l)
	defer func() {
		cancel()
		<-done
		close(dev.release)
	}()

	sub := b.Subscribe("viewer")
	defer sub.Close()
	require.False(t, nextPacket(t, sub).Placeholder)

	var p *Packet
	for i := 0; i < 100; i++ {
		p = nextPacket(t, sub)
		if p.Placeholder {
			break
		}
	}
	require.True(t, p.Placeholder)
	assert.Equal(t, StateDegraded, l.State())
	assert.GreaterOrEqual(t, l.Status().Failures, uint64(3))
	assert.False(t, src.Available())
	// the first hung read is the only one ever issued
	assert.Equal(t, int32(2), dev.reads.Load())
}

func TestInferenceFailuresSkipFrames(t *testing.T) {
	src := &fakeSource{}
	inf := &flakyInferer{panicOn: 3}
	obs := &countingObserver{}
	l, b, _ := newTestLoop(t, src, inf, 0, obs)
	core, logs := observer.New(zapcore.InfoLevel)
	l.log = zap.New(core)
	cancel, done := run(t, l)
	defer func() { cancel(); <-done }()

	sub := b.Subscribe("viewer")
	defer sub.Close()
	var last uint64
	for i := 0; i < 4; i++ {
		p := nextPacket(t, sub)
		assert.False(t, p.Placeholder)
		assert.Greater(t, p.Seq, last)
		last = p.Seq
	}
	assert.Equal(t, StateActive, l.State())
	obs.mu.Lock()
	assert.Positive(t, obs.failures[iface.StageInference])
	assert.Positive(t, obs.failures[iface.StageUnknown])
	obs.mu.Unlock()

	// forward errors only cost the frame, a panic is logged as an error
	assert.Positive(t, logs.FilterMessage("frame skipped").FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("stream iteration failed").FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestMaxFPSPaces(t *testing.T) {
	src := &fakeSource{}
	ph, err := codec.Placeholder("", 80)
	require.NoError(t, err)
	b := NewBroadcaster()
	l, err := NewLoop(Options{
		Source:      src,
		Inferer:     engine.Passthrough{},
		Encoder:     codec.NewEncoder(codec.DefaultConfig()),
		Placeholder: ph,
		Broadcaster: b,
		Config:      Config{PlaceholderInterval: time.Second, MaxFPS: 10},
		MaxFailures: 3,
	})
	require.NoError(t, err)
	cancel, done := run(t, l)

	sub := b.Subscribe("viewer")
	start := time.Now()
	for i := 0; i < 4; i++ {
		nextPacket(t, sub)
	}
	elapsed := time.Since(start)
	sub.Close()
	cancel()
	<-done
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, cfg.Validate())
	cfg.PlaceholderInterval = 0
	cfg.MaxFPS = -1
	assert.Len(t, cfg.Validate(), 2)
}
