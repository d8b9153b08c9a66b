package camera

import (
	"context"
	"sync"
	"time"

	iface "PiCamDetServer/interface"

	"github.com/cockroachdb/errors"
	"gocv.io/x/gocv"
)

// Device is the driver side of a camera. *gocv.VideoCapture satisfies it.
// Read is not reentrant.
type Device interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Opener opens the device described by cfg.
type Opener func(cfg Config) (Device, error)

// OpenVideoCapture opens a V4L2 index, or a GStreamer pipeline when cfg.Pipeline is set.
func OpenVideoCapture(cfg Config) (Device, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if cfg.Pipeline != "" {
		vc, err = gocv.OpenVideoCaptureWithAPI(cfg.Pipeline, gocv.VideoCaptureGstreamer)
	} else {
		vc, err = gocv.OpenVideoCapture(cfg.Device)
	}
	if err != nil {
		return nil, errors.WithHint(
			iface.Mark(err, iface.ErrDeviceUnavailable, "open camera"),
			"check the camera cable and that no other process holds the device")
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, errors.WithHint(
			iface.Mark(nil, iface.ErrDeviceUnavailable, "camera did not open"),
			"check the camera cable and that no other process holds the device")
	}
	if cfg.Pipeline == "" {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
		vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))
	}
	return vc, nil
}

// Handle serializes access to one Device through a single-token gate.
// A capture that times out keeps the token until the driver read returns,
// so the driver never sees two reads at once, and the device is never
// closed under a running read.
type Handle struct {
	dev     Device
	timeout time.Duration
	gate    chan struct{}
	closed  chan struct{}
	once    sync.Once

	mu              sync.Mutex
	closeAfterDrain bool
}

func NewHandle(dev Device, timeout time.Duration) *Handle {
	h := &Handle{
		dev:     dev,
		timeout: timeout,
		gate:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	h.gate <- struct{}{}
	return h
}

// Capture reads one fresh frame. Seq and CapturedAt are left for the caller.
// The timeout covers both the wait for the gate and the driver read.
func (h *Handle) Capture(ctx context.Context) (gocv.Mat, error) {
	select {
	case <-h.closed:
		return gocv.Mat{}, iface.Mark(nil, iface.ErrDeviceUnavailable, "handle released")
	default:
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case <-h.gate:
	case <-h.closed:
		return gocv.Mat{}, iface.Mark(nil, iface.ErrDeviceUnavailable, "handle released")
	case <-timer.C:
		return gocv.Mat{}, iface.Mark(nil, iface.ErrCaptureTimeout, "device busy with an abandoned read")
	case <-ctx.Done():
		return gocv.Mat{}, ctx.Err()
	}

	mat := gocv.NewMat()
	done := make(chan bool, 1)
	go func() {
		done <- h.dev.Read(&mat)
	}()

	select {
	case ok := <-done:
		h.release()
		if !ok || mat.Empty() {
			_ = mat.Close()
			return gocv.Mat{}, iface.Mark(nil, iface.ErrCapture, "empty read from camera")
		}
		return mat, nil
	case <-timer.C:
		go h.drain(done, &mat)
		return gocv.Mat{}, iface.Mark(nil, iface.ErrCaptureTimeout, "no frame within "+h.timeout.String())
	case <-ctx.Done():
		go h.drain(done, &mat)
		return gocv.Mat{}, ctx.Err()
	}
}

// drain waits for an abandoned read, discards its frame and returns the token.
func (h *Handle) drain(done <-chan bool, mat *gocv.Mat) {
	<-done
	_ = mat.Close()
	h.release()
}

// release returns the token after a read, or closes the device when Close
// gave up waiting for that read.
func (h *Handle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closeAfterDrain {
		h.closeAfterDrain = false
		_ = h.dev.Close()
		return
	}
	h.gate <- struct{}{}
}

// Close waits up to wait for an in-flight read, then closes the device.
// A read still running after wait closes the device when it returns.
// Later captures fail with ErrDeviceUnavailable.
func (h *Handle) Close(wait time.Duration) error {
	var err error
	h.once.Do(func() {
		close(h.closed)
		select {
		case <-h.gate:
			err = h.dev.Close()
			return
		case <-time.After(wait):
		}
		h.mu.Lock()
		select {
		case <-h.gate:
			h.mu.Unlock()
			err = h.dev.Close()
		default:
			h.closeAfterDrain = true
			h.mu.Unlock()
		}
	})
	return err
}
