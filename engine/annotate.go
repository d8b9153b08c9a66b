package engine

import (
	"fmt"
	"image"
	"image/color"

	iface "PiCamDetServer/interface"

	"gocv.io/x/gocv"
)

var palette = []color.RGBA{
	{0xFF, 0x38, 0x38, 0xFF}, {0xFF, 0x9D, 0x97, 0xFF}, {0xFF, 0x70, 0x1F, 0xFF}, {0xFF, 0xB2, 0x1D, 0xFF},
	{0xCF, 0xD2, 0x31, 0xFF}, {0x48, 0xF9, 0x0A, 0xFF}, {0x92, 0xCC, 0x17, 0xFF}, {0x3D, 0xDB, 0x86, 0xFF},
	{0x1A, 0x93, 0x34, 0xFF}, {0x00, 0xD4, 0xBB, 0xFF}, {0x2C, 0x99, 0xA8, 0xFF}, {0x00, 0xC2, 0xFF, 0xFF},
	{0x34, 0x45, 0x93, 0xFF}, {0x64, 0x73, 0xFF, 0xFF}, {0x00, 0x18, 0xEC, 0xFF}, {0x84, 0x38, 0xFF, 0xFF},
	{0x52, 0x00, 0x85, 0xFF}, {0xCB, 0x38, 0xFF, 0xFF}, {0xFF, 0x95, 0xC8, 0xFF}, {0xFF, 0x37, 0xC7, 0xFF},
}

// ClassColor is stable per class id.
func ClassColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// Annotate draws a box and a "label conf" caption for every result onto img.
func Annotate(img *gocv.Mat, results []iface.Result) {
	thickness := max(1, (img.Cols()+img.Rows())/600)
	scale := float64(thickness) * 0.4
	for _, r := range results {
		c := ClassColor(r.ClassID)
		rect := r.Box.Rect()
		gocv.Rectangle(img, rect, c, thickness)

		caption := fmt.Sprintf("%s %.2f", r.Label, r.Conf)
		size := gocv.GetTextSize(caption, gocv.FontHersheySimplex, scale, thickness)
		top := rect.Min.Y - size.Y - 4
		if top < 0 {
			top = rect.Min.Y
		}
		bg := image.Rect(rect.Min.X, top, rect.Min.X+size.X+4, top+size.Y+4)
		gocv.Rectangle(img, bg, c, -1)
		gocv.PutText(img, caption, image.Pt(bg.Min.X+2, bg.Max.Y-2),
			gocv.FontHersheySimplex, scale, color.RGBA{R: 255, G: 255, B: 255, A: 255}, thickness)
	}
}
