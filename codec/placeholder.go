package codec

import (
	"image"
	"image/color"

	iface "PiCamDetServer/interface"

	"github.com/cockroachdb/errors"
	"gocv.io/x/gocv"
)

const (
	placeholderWidth  = 640
	placeholderHeight = 360
	placeholderText   = "Camera not available"
)

// Placeholder builds the fixed JPEG shown while no camera is available.
// With path set the file is re-encoded; otherwise a dark frame with a
// caption is generated. The bytes never change afterwards.
func Placeholder(path string, quality int) (iface.EncodedFrame, error) {
	enc := NewEncoder(Config{Format: FormatJPEG, Quality: quality})
	var img gocv.Mat
	if path != "" {
		img = gocv.IMRead(path, gocv.IMReadColor)
		if img.Empty() {
			_ = img.Close()
			return iface.EncodedFrame{}, errors.WithHint(
				errors.Newf("placeholder image %s could not be read", path),
				"point encoder.placeholder at a PNG or JPEG file, or leave it empty")
		}
	} else {
		img = renderPlaceholder(placeholderWidth, placeholderHeight)
	}
	defer img.Close()
	frame, err := enc.Encode(img, 0)
	if err != nil {
		return iface.EncodedFrame{}, errors.Wrap(err, "encode placeholder")
	}
	return frame, nil
}

func renderPlaceholder(w, h int) gocv.Mat {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(32, 32, 32, 0), h, w, gocv.MatTypeCV8UC3)
	scale := 1.0
	thickness := 2
	size := gocv.GetTextSize(placeholderText, gocv.FontHersheySimplex, scale, thickness)
	org := image.Pt((w-size.X)/2, (h+size.Y)/2)
	gocv.PutText(&img, placeholderText, org, gocv.FontHersheySimplex, scale,
		color.RGBA{R: 220, G: 220, B: 220, A: 255}, thickness)
	return img
}
