package codec

import (
	"fmt"

	iface "PiCamDetServer/interface"

	"gocv.io/x/gocv"
)

const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

type Config struct {
	Format  string `yaml:"format" json:"format"`
	Quality int    `yaml:"quality" json:"quality"`
	// Placeholder is an image file shown while no camera is available.
	Placeholder string `yaml:"placeholder" json:"placeholder,omitempty"`
}

func DefaultConfig() Config {
	return Config{Format: FormatJPEG, Quality: 85}
}

func (c *Config) Validate() []string {
	var problems []string
	switch c.Format {
	case FormatJPEG, FormatPNG:
	default:
		problems = append(problems, fmt.Sprintf("encoder.format must be %q or %q, got %q", FormatJPEG, FormatPNG, c.Format))
	}
	if c.Quality < 1 || c.Quality > 100 {
		problems = append(problems, "encoder.quality must be between 1 and 100")
	}
	return problems
}

// Encoder turns a BGR image into self-describing compressed bytes.
type Encoder struct {
	format  string
	quality int
}

var _ iface.Encoder = (*Encoder)(nil)

func NewEncoder(cfg Config) *Encoder {
	format := cfg.Format
	if format == "" {
		format = FormatJPEG
	}
	quality := cfg.Quality
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &Encoder{format: format, quality: quality}
}

func (e *Encoder) ContentType() string {
	if e.format == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

func (e *Encoder) Encode(img gocv.Mat, seq uint64) (iface.EncodedFrame, error) {
	if img.Empty() {
		return iface.EncodedFrame{}, iface.Mark(nil, iface.ErrEncode, "empty image")
	}
	var (
		buf *gocv.NativeByteBuffer
		err error
	)
	if e.format == FormatPNG {
		buf, err = gocv.IMEncode(gocv.PNGFileExt, img)
	} else {
		buf, err = gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, e.quality})
	}
	if err != nil {
		return iface.EncodedFrame{}, iface.Mark(err, iface.ErrEncode, "imencode "+e.format)
	}
	defer buf.Close()
	data := buf.GetBytes()
	if len(data) == 0 {
		return iface.EncodedFrame{}, iface.Mark(nil, iface.ErrEncode, "imencode produced no bytes")
	}
	// GetBytes aliases C memory that Close frees.
	out := make([]byte, len(data))
	copy(out, data)
	return iface.EncodedFrame{
		Data:        out,
		ContentType: e.ContentType(),
		Width:       img.Cols(),
		Height:      img.Rows(),
		Seq:         seq,
	}, nil
}

// Decode is the inverse used to verify frames and to load placeholder files.
func Decode(data []byte) (gocv.Mat, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), iface.Mark(err, iface.ErrEncode, "imdecode")
	}
	if mat.Empty() {
		_ = mat.Close()
		return gocv.NewMat(), iface.Mark(nil, iface.ErrEncode, "decoded image is empty or unsupported format")
	}
	return mat, nil
}
