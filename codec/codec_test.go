package codec

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	iface "PiCamDetServer/interface"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

var jpegSOI = []byte{0xFF, 0xD8, 0xFF}

func solidRed(w, h int) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 255, 0), h, w, gocv.MatTypeCV8UC3)
}

func TestEncodeJPEGRoundTrip(t *testing.T) {
	img := solidRed(10, 10)
	defer img.Close()

	enc := NewEncoder(DefaultConfig())
	frame, err := enc.Encode(img, 7)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", frame.ContentType)
	assert.Equal(t, uint64(7), frame.Seq)
	assert.True(t, bytes.HasPrefix(frame.Data, jpegSOI))
	assert.Less(t, len(frame.Data), 4096)

	back, err := Decode(frame.Data)
	require.NoError(t, err)
	defer back.Close()
	assert.Equal(t, 10, back.Cols())
	assert.Equal(t, 10, back.Rows())
	px := back.GetVecbAt(5, 5)
	assert.InDelta(t, 255, int(px[2]), 8)
	assert.InDelta(t, 0, int(px[0]), 8)
}

func TestEncodePNG(t *testing.T) {
	img := solidRed(4, 3)
	defer img.Close()
	frame, err := NewEncoder(Config{Format: FormatPNG}).Encode(img, 1)
	require.NoError(t, err)
	assert.Equal(t, "image/png", frame.ContentType)
	assert.True(t, bytes.HasPrefix(frame.Data, []byte("\x89PNG")))
	assert.Equal(t, 4, frame.Width)
	assert.Equal(t, 3, frame.Height)
}

func TestEncodeEmpty(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()
	_, err := NewEncoder(DefaultConfig()).Encode(empty, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, iface.ErrEncode))
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("not an image"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, iface.ErrEncode))
}

func TestPlaceholderGenerated(t *testing.T) {
	a, err := Placeholder("", 85)
	require.NoError(t, err)
	b, err := Placeholder("", 85)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
	assert.True(t, bytes.HasPrefix(a.Data, jpegSOI))
	assert.Equal(t, placeholderWidth, a.Width)
	assert.Equal(t, placeholderHeight, a.Height)
}

func TestPlaceholderFromFile(t *testing.T) {
	img := solidRed(20, 12)
	defer img.Close()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "offline.png")
	require.NoError(t, os.WriteFile(path, buf.GetBytes(), 0o644))
	buf.Close()

	frame, err := Placeholder(path, 90)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", frame.ContentType)
	assert.Equal(t, 20, frame.Width)
	assert.Equal(t, 12, frame.Height)

	_, err = Placeholder(filepath.Join(t.TempDir(), "missing.png"), 90)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, cfg.Validate())
	cfg.Format = "gif"
	cfg.Quality = 0
	assert.Len(t, cfg.Validate(), 2)
}
