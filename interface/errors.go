package iface

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrDeviceUnavailable is returned when the camera cannot be opened or was lost.
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrCaptureTimeout    = errors.New("capture timeout")
	ErrCapture           = errors.New("capture error")
	ErrInference         = errors.New("inference error")
	ErrEncode            = errors.New("encode error")
	// ErrModelLoad is fatal at startup.
	ErrModelLoad = errors.New("model load error")
)

const (
	StageDevice    = "device"
	StageCapture   = "capture"
	StageInference = "inference"
	StageEncode    = "encode"
	StageUnknown   = "unknown"
)

// Recoverable reports whether err only costs the current frame.
func Recoverable(err error) bool {
	return errors.IsAny(err, ErrCapture, ErrCaptureTimeout, ErrInference, ErrEncode)
}

// Stage names the pipeline stage an error belongs to, for logs and metrics.
func Stage(err error) string {
	switch {
	case errors.Is(err, ErrDeviceUnavailable):
		return StageDevice
	case errors.IsAny(err, ErrCapture, ErrCaptureTimeout):
		return StageCapture
	case errors.IsAny(err, ErrInference, ErrModelLoad):
		return StageInference
	case errors.Is(err, ErrEncode):
		return StageEncode
	default:
		return StageUnknown
	}
}

// Mark tags cause with kind so errors.Is(err, kind) holds while the cause
// message is kept.
func Mark(cause error, kind error, msg string) error {
	if cause == nil {
		return errors.Wrap(kind, msg)
	}
	return errors.Mark(errors.Wrap(cause, msg), kind)
}
