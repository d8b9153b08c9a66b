package engine

import (
	"image"
)

type candidate struct {
	box     image.Rectangle
	score   float32
	classID int
}

// decodeYOLOv8 reads a YOLOv8 head laid out as [1, 4+C, N] (or its
// transpose [1, N, 4+C]) and keeps every anchor whose best class score
// reaches conf. Boxes are scaled from the network input to the frame and
// clipped to it.
func decodeYOLOv8(data []float32, dims []int, conf float32, inW, inH, frameW, frameH int) []candidate {
	if len(dims) != 3 {
		return nil
	}
	attrs, n := dims[1], dims[2]
	transposed := false
	if attrs > n {
		attrs, n = n, attrs
		transposed = true
	}
	if attrs <= 4 || len(data) < attrs*n {
		return nil
	}
	at := func(a, i int) float32 {
		if transposed {
			return data[i*attrs+a]
		}
		return data[a*n+i]
	}

	sx := float32(frameW) / float32(inW)
	sy := float32(frameH) / float32(inH)
	bounds := image.Rect(0, 0, frameW, frameH)

	var out []candidate
	for i := 0; i < n; i++ {
		best := float32(0)
		bestID := -1
		for a := 4; a < attrs; a++ {
			if s := at(a, i); s > best {
				best = s
				bestID = a - 4
			}
		}
		if bestID < 0 || best < conf {
			continue
		}
		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		r := image.Rect(
			int((cx-w/2)*sx),
			int((cy-h/2)*sy),
			int((cx+w/2)*sx),
			int((cy+h/2)*sy),
		).Intersect(bounds)
		if r.Empty() {
			continue
		}
		out = append(out, candidate{box: r, score: best, classID: bestID})
	}
	return out
}
