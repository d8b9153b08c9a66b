package camera

import (
	"image/color"
	"sync"

	"gocv.io/x/gocv"
)

// SolidDevice yields frames of a single colour. It backs the "test" backend.
type SolidDevice struct {
	mu     sync.Mutex
	src    gocv.Mat
	closed bool
}

func NewSolidDevice(width, height int, c color.RGBA) *SolidDevice {
	bgr := gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), 0)
	return &SolidDevice{src: gocv.NewMatWithSizeFromScalar(bgr, height, width, gocv.MatTypeCV8UC3)}
}

// OpenSolid is an Opener producing a mid-grey frame of the configured size.
func OpenSolid(cfg Config) (Device, error) {
	return NewSolidDevice(cfg.Width, cfg.Height, color.RGBA{R: 128, G: 128, B: 128, A: 255}), nil
}

func (d *SolidDevice) Read(m *gocv.Mat) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.src.CopyTo(m)
	return !m.Empty()
}

func (d *SolidDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.src.Close()
}
