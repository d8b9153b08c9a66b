package camera

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	iface "PiCamDetServer/interface"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Camera is the FrameSource backed by a Device. It owns at most one Handle.
type Camera struct {
	cfg  Config
	open Opener
	log  *zap.Logger

	mu     sync.RWMutex
	handle *Handle
	seq    atomic.Uint64
}

var _ iface.FrameSource = (*Camera)(nil)

func New(cfg Config, open Opener, log *zap.Logger) *Camera {
	if open == nil {
		open = OpenVideoCapture
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Camera{cfg: cfg, open: open, log: log}
}

func (c *Camera) Config() Config {
	return c.cfg
}

// Acquire opens the device if it is not open yet. Failure is non-fatal and
// always matches iface.ErrDeviceUnavailable.
func (c *Camera) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil {
		return nil
	}
	dev, err := c.open(c.cfg)
	if err != nil {
		if !errors.Is(err, iface.ErrDeviceUnavailable) {
			err = iface.Mark(err, iface.ErrDeviceUnavailable, "open camera")
		}
		return err
	}
	c.handle = NewHandle(dev, c.cfg.CaptureTimeout)
	c.log.Info("camera acquired",
		zap.Int("device", c.cfg.Device),
		zap.Bool("pipeline", c.cfg.Pipeline != ""),
		zap.Int("width", c.cfg.Width),
		zap.Int("height", c.cfg.Height))
	return nil
}

func (c *Camera) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle != nil
}

func (c *Camera) Capture(ctx context.Context) (iface.Frame, error) {
	c.mu.RLock()
	h := c.handle
	c.mu.RUnlock()
	if h == nil {
		return iface.Frame{}, iface.Mark(nil, iface.ErrDeviceUnavailable, "camera not acquired")
	}
	mat, err := h.Capture(ctx)
	if err != nil {
		return iface.Frame{}, err
	}
	return iface.Frame{Mat: mat, Seq: c.seq.Add(1), CapturedAt: time.Now()}, nil
}

// Release closes the handle. It is safe to call when nothing is open, and
// Acquire may be called again afterwards.
func (c *Camera) Release() error {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	wait := c.cfg.CaptureTimeout
	if wait <= 0 {
		wait = time.Second
	}
	if err := h.Close(wait); err != nil {
		return errors.Wrap(err, "close camera")
	}
	c.log.Info("camera released")
	return nil
}
